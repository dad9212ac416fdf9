package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SimplyPrint/card-selector/internal/logging"
	"github.com/SimplyPrint/card-selector/internal/selection"
)

// DefaultPollInterval is used when a PollingReader is created with a non-positive interval.
const DefaultPollInterval = 500 * time.Millisecond

// PollingReader turns a PCSCReader into an observable reader: it polls for card presence
// and runs the scheduled scenario whenever a card is inserted.
type PollingReader struct {
	*PCSCReader
	interval time.Duration

	mu           sync.Mutex
	observers    map[int]selection.ReaderObserver
	nextObserver int
	scenario     *selection.Scenario
	detection    selection.DetectionMode
	notification selection.NotificationMode
	cardPresent  bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewPollingReader wraps reader.
func NewPollingReader(reader *PCSCReader, interval time.Duration) *PollingReader {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollingReader{
		PCSCReader: reader,
		interval:   interval,
		observers:  make(map[int]selection.ReaderObserver),
	}
}

// AddObserver implements selection.ObservableReader.
func (p *PollingReader) AddObserver(observer selection.ReaderObserver) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextObserver
	p.nextObserver++
	p.observers[id] = observer
	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

// ScheduleCardSelectionScenario implements selection.ObservableReader. It replaces any
// previously scheduled scenario and starts polling.
func (p *PollingReader) ScheduleCardSelectionScenario(scenario *selection.Scenario, detection selection.DetectionMode, notification selection.NotificationMode) error {
	if scenario == nil {
		return selection.ErrInvalidArgument
	}

	p.mu.Lock()
	p.scenario = scenario
	p.detection = detection
	p.notification = notification
	p.mu.Unlock()

	p.Start()
	return nil
}

// ClearScenario removes the scheduled scenario. Polling goes on, reporting insertions and
// removals only.
func (p *PollingReader) ClearScenario() {
	p.mu.Lock()
	p.scenario = nil
	p.mu.Unlock()
}

// Start begins polling if it is not running.
func (p *PollingReader) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)

	logging.Info(logging.CatReader, "Card detection started", map[string]any{
		"reader":     p.Name(),
		"intervalMs": p.interval.Milliseconds(),
	})
}

// Stop ends polling and waits for the polling goroutine to exit.
func (p *PollingReader) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	logging.Info(logging.CatReader, "Card detection stopped", map[string]any{
		"reader": p.Name(),
	})
}

// Running reports whether polling is active.
func (p *PollingReader) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *PollingReader) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	// However the goroutine ends, polling is no longer running and Start may begin again.
	defer func() {
		p.mu.Lock()
		if p.done == done {
			p.cancel()
			p.cancel, p.done = nil, nil
		}
		p.mu.Unlock()
	}()
	// A card whose selection panicked was never processed.
	defer logging.RecoverAndLogFunc("reader poll goroutine", false, func(interface{}, string) {
		p.mu.Lock()
		p.cardPresent = false
		p.mu.Unlock()
	})

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.poll(ctx) {
				logging.Info(logging.CatReader, "Single shot detection finished", map[string]any{
					"reader": p.Name(),
				})
				return
			}
		}
	}
}

// poll checks card presence once and processes a newly inserted card. It returns true when
// detection must stop.
func (p *PollingReader) poll(ctx context.Context) bool {
	present := p.IsCardPresent()

	p.mu.Lock()
	wasPresent := p.cardPresent
	p.cardPresent = present
	scenario, detection, notification := p.scenario, p.detection, p.notification
	p.mu.Unlock()

	if !present {
		if wasPresent {
			logging.Info(logging.CatReader, "Card removed", map[string]any{
				"reader": p.Name(),
			})
			p.notify(selection.ReaderEvent{ReaderName: p.Name(), Type: selection.EventCardRemoved})
		}
		return false
	}
	if wasPresent {
		return false
	}

	event := selection.ReaderEvent{ReaderName: p.Name(), Type: selection.EventCardInserted}
	if scenario == nil {
		p.notify(event)
		return false
	}

	rsp, err := selection.Exchange(ctx, p, scenario)
	if errors.Is(err, selection.ErrExecutionInProgress) {
		// The card counts as new again so the next tick retries it.
		p.mu.Lock()
		p.cardPresent = false
		p.mu.Unlock()
		logging.Debug(logging.CatReader, "Scenario busy, card selection deferred", map[string]any{
			"reader":   p.Name(),
			"scenario": scenario.ID(),
		})
		return false
	}
	if err != nil {
		logging.Warn(logging.CatReader, "Scheduled card selection failed", map[string]any{
			"reader":   p.Name(),
			"scenario": scenario.ID(),
			"error":    err.Error(),
		})
		p.notify(selection.ReaderEvent{ReaderName: p.Name(), Type: selection.EventReaderError, Error: err.Error()})
		return detection == selection.DetectionSingleShot
	}

	event.Response = rsp
	matched := false
	for _, r := range rsp.Responses {
		matched = matched || r.Matched
	}
	if matched {
		event.Type = selection.EventCardMatched
	}
	if matched || notification == selection.NotificationAlways {
		p.notify(event)
	}

	logging.Info(logging.CatReader, "Scheduled card selection processed", map[string]any{
		"reader":   p.Name(),
		"scenario": scenario.ID(),
		"matched":  matched,
	})
	return detection == selection.DetectionSingleShot
}

func (p *PollingReader) notify(event selection.ReaderEvent) {
	p.mu.Lock()
	observers := make([]selection.ReaderObserver, 0, len(p.observers))
	for _, o := range p.observers {
		observers = append(observers, o)
	}
	p.mu.Unlock()

	for _, o := range observers {
		o.OnReaderEvent(event)
	}
}
