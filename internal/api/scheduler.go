package api

import (
	"encoding/json"
	"fmt"

	"github.com/getsentry/sentry-go"

	"github.com/SimplyPrint/card-selector/internal/core"
	"github.com/SimplyPrint/card-selector/internal/logging"
	"github.com/SimplyPrint/card-selector/internal/selection"
)

// scheduled is a scenario running on an observable reader.
type scheduled struct {
	name         string
	manager      *selection.Manager
	reader       *core.PollingReader
	pcsc         *core.PCSCReader
	remove       func()
	detection    selection.DetectionMode
	notification selection.NotificationMode
}

// ScheduleRequest schedules a scenario on a reader. Missing modes fall back to the policy
// stored with the scenario.
type ScheduleRequest struct {
	Scenario         string                      `json:"scenario"`
	Definition       json.RawMessage             `json:"definition,omitempty"`
	DetectionMode    *selection.DetectionMode    `json:"detectionMode,omitempty"`
	NotificationMode *selection.NotificationMode `json:"notificationMode,omitempty"`
}

// ScheduleInfo describes a scheduled scenario.
type ScheduleInfo struct {
	Reader           core.ReaderInfo `json:"reader"`
	Scenario         string          `json:"scenario,omitempty"`
	DetectionMode    string          `json:"detectionMode"`
	NotificationMode string          `json:"notificationMode"`
}

// Schedule starts card detection on the reader at index, running the scenario on every
// presented card. A scenario already scheduled on that reader is replaced.
func (s *Server) Schedule(index int, req ScheduleRequest) (*ScheduleInfo, error) {
	info, err := s.readerByIndex(index)
	if err != nil {
		return nil, err
	}
	return s.scheduleOn(info, req)
}

func (s *Server) scheduleOn(info core.ReaderInfo, req ScheduleRequest) (*ScheduleInfo, error) {
	m, err := s.manager(req.Scenario, req.Definition)
	if err != nil {
		return nil, err
	}

	detection, notification := m.DefaultPolicy()
	if req.DetectionMode != nil {
		detection = *req.DetectionMode
	}
	if req.NotificationMode != nil {
		notification = *req.NotificationMode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selecting[info.Name] {
		return nil, fmt.Errorf("%w: %s", errReaderInUse, info.Name)
	}
	if _, ok := s.schedules[info.Name]; ok {
		s.stopLocked(info.Name)
	}

	pcsc := core.NewPCSCReader(info.Name, s.factory)
	sched := &scheduled{
		name:         req.Scenario,
		manager:      m,
		reader:       core.NewPollingReader(pcsc, s.pollInterval),
		pcsc:         pcsc,
		detection:    detection,
		notification: notification,
	}
	sched.remove = sched.reader.AddObserver(selection.ReaderObserverFunc(func(event selection.ReaderEvent) {
		s.onReaderEvent(sched, event)
	}))

	if err := m.ScheduleCardSelectionScenario(sched.reader, detection, notification); err != nil {
		sched.remove()
		sched.reader.Stop()
		_ = pcsc.Close()
		return nil, err
	}
	s.schedules[info.Name] = sched

	return &ScheduleInfo{
		Reader:           info,
		Scenario:         req.Scenario,
		DetectionMode:    detection.String(),
		NotificationMode: notification.String(),
	}, nil
}

// ScheduleAll schedules a stored scenario on every attached reader and returns how many
// accepted it.
func (s *Server) ScheduleAll(scenario string) (int, error) {
	count := 0
	for _, info := range core.ListReaders(s.factory) {
		if _, err := s.scheduleOn(info, ScheduleRequest{Scenario: scenario}); err != nil {
			return count, fmt.Errorf("schedule %s on %s: %w", scenario, info.Name, err)
		}
		count++
	}
	return count, nil
}

// Unschedule stops card detection on the reader at index.
func (s *Server) Unschedule(index int) error {
	info, err := s.readerByIndex(index)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[info.Name]; !ok {
		return fmt.Errorf("%w: %s", errNotScheduled, info.Name)
	}
	s.stopLocked(info.Name)
	return nil
}

// stopLocked stops and forgets the schedule of a reader. Caller holds s.mu.
func (s *Server) stopLocked(readerName string) {
	sched := s.schedules[readerName]
	delete(s.schedules, readerName)

	sched.reader.Stop()
	sched.remove()
	_ = sched.pcsc.Close()

	logging.Info(logging.CatScenario, "Scenario unscheduled", map[string]any{
		"reader":   readerName,
		"scenario": sched.name,
	})
}

var eventTypes = map[selection.ReaderEventType]string{
	selection.EventCardInserted: "card_inserted",
	selection.EventCardMatched:  "card_matched",
	selection.EventCardRemoved:  "card_removed",
	selection.EventReaderError:  "selection_error",
}

// onReaderEvent interprets a reader event against the scheduled manager and pushes it to
// WebSocket clients. Runs on the reader's polling goroutine.
func (s *Server) onReaderEvent(sched *scheduled, event selection.ReaderEvent) {
	// A selection kind panicking in Parse must not take the poller down with it.
	defer logging.RecoverAndLogFunc("scheduled selection", false, func(panicValue interface{}, crashFile string) {
		s.hub.Publish("selection_error", map[string]interface{}{
			"readerName": event.ReaderName,
			"error":      fmt.Sprintf("panic while parsing card data: %v", panicValue),
			"crashLog":   crashFile,
		})
	})

	msgType := eventTypes[event.Type]
	payload := map[string]interface{}{
		"readerName": event.ReaderName,
	}
	if sched.name != "" {
		payload["scenario"] = sched.name
	}
	if event.Error != "" {
		payload["error"] = event.Error
	}

	if event.Response != nil {
		result, err := sched.manager.ParseScheduledCardSelectionsResponse(event.Response)
		if err != nil {
			msgType = "selection_error"
			payload["error"] = err.Error()
			logging.CaptureMessage("Scheduled selection response rejected", sentry.LevelWarning, map[string]interface{}{
				"reader":   event.ReaderName,
				"scenario": sched.name,
				"error":    err.Error(),
			})
		} else {
			payload["result"] = result
		}
	}

	logging.Debug(logging.CatScenario, "Reader event", map[string]any{
		"reader": event.ReaderName,
		"type":   msgType,
	})
	s.hub.Publish(msgType, payload)
}
