package selection

import (
	"fmt"

	"github.com/SimplyPrint/card-selector/internal/logging"
)

// ScheduleCardSelectionScenario registers the prepared scenario with an observable reader.
// The reader runs it each time a card is presented, following the detection mode, and emits
// events following the notification mode. It returns once the reader accepted the scenario;
// the scenario is frozen afterwards.
func (m *Manager) ScheduleCardSelectionScenario(reader ObservableReader, detection DetectionMode, notification NotificationMode) error {
	if reader == nil {
		return invalidArgument("observable reader is nil")
	}
	if _, err := detection.MarshalText(); err != nil {
		return err
	}
	if _, err := notification.MarshalText(); err != nil {
		return err
	}

	s := m.snapshot()
	if err := reader.ScheduleCardSelectionScenario(s, detection, notification); err != nil {
		return fmt.Errorf("schedule scenario on %s: %w", reader.Name(), err)
	}

	logging.Info(logging.CatScenario, "Scenario scheduled", map[string]any{
		"scenario":     s.id,
		"reader":       reader.Name(),
		"cases":        len(s.cases),
		"detection":    detection.String(),
		"notification": notification.String(),
	})
	return nil
}

// ScheduleCardSelectionScenarioDefault schedules the scenario with the policy of the last
// imported scenario, or REPEATING detection and ALWAYS notification for a scenario prepared
// locally.
func (m *Manager) ScheduleCardSelectionScenarioDefault(reader ObservableReader) error {
	detection, notification := m.DefaultPolicy()
	return m.ScheduleCardSelectionScenario(reader, detection, notification)
}

// DefaultPolicy returns the policy used by ScheduleCardSelectionScenarioDefault.
func (m *Manager) DefaultPolicy() (DetectionMode, NotificationMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.imported {
		return m.detection, m.notification
	}
	return DetectionRepeating, NotificationAlways
}

// ParseScheduledCardSelectionsResponse interprets the response delivered by an observable
// reader after running the scheduled scenario. It performs no I/O and may be called from the
// reader's notification goroutine. A response that does not fit the prepared scenario fails
// with ErrUnparsableCardData.
func (m *Manager) ParseScheduledCardSelectionsResponse(rsp *ScenarioResponse) (*CardSelectionResult, error) {
	if rsp == nil {
		return nil, invalidArgument("scheduled card selections response is nil")
	}

	s := m.snapshot()
	if err := s.validate(rsp); err != nil {
		logging.Warn(logging.CatSelection, "Scheduled response does not fit scenario", map[string]any{
			"scenario": s.id,
			"error":    err.Error(),
		})
		return nil, err
	}
	return s.interpret(rsp, nil)
}

// validate checks that rsp could have been produced by running s.
func (s *Scenario) validate(rsp *ScenarioResponse) error {
	unfit := func(format string, args ...any) error {
		return &UnparsableCardDataError{Index: -1, Err: fmt.Errorf(format, args...)}
	}

	if rsp.ScenarioID != "" && rsp.ScenarioID != s.id {
		return unfit("response belongs to scenario %s", rsp.ScenarioID)
	}

	n := len(rsp.Responses)
	if n > len(s.requests) {
		return unfit("%d responses for %d selection cases", n, len(s.requests))
	}
	if len(s.requests) > 0 && n == 0 {
		return unfit("no responses for %d selection cases", len(s.requests))
	}

	if s.multiple {
		if n != len(s.requests) {
			return unfit("%d responses for %d selection cases in multiple selection mode", n, len(s.requests))
		}
		return nil
	}

	for i, r := range rsp.Responses {
		if r.Matched && i != n-1 {
			return unfit("selection case %d answered after the match of case %d", i+1, i)
		}
	}
	if n < len(s.requests) && !rsp.Responses[n-1].Matched {
		return unfit("scenario stopped at case %d without a match", n-1)
	}
	return nil
}

