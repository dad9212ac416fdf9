package selection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/SimplyPrint/card-selector/internal/logging"
)

// ScenarioFormatVersion is the version of the exported scenario encoding.
const ScenarioFormatVersion = 1

type exportedScenario struct {
	Version               int              `json:"version"`
	DetectionMode         DetectionMode    `json:"detectionMode"`
	NotificationMode      NotificationMode `json:"notificationMode"`
	MultipleSelectionMode bool             `json:"multipleSelectionMode"`
	ReleaseChannel        bool             `json:"releaseChannel"`
	CaseCount             int              `json:"caseCount"`
	Cases                 []exportedCase   `json:"cases"`
}

type exportedCase struct {
	Kind      string          `json:"kind"`
	Selection json.RawMessage `json:"selection"`
}

// importedScenario mirrors exportedScenario with pointers to detect missing fields.
type importedScenario struct {
	Version               *int              `json:"version"`
	DetectionMode         *DetectionMode    `json:"detectionMode"`
	NotificationMode      *NotificationMode `json:"notificationMode"`
	MultipleSelectionMode *bool             `json:"multipleSelectionMode"`
	ReleaseChannel        *bool             `json:"releaseChannel"`
	CaseCount             *int              `json:"caseCount"`
	Cases                 []exportedCase    `json:"cases"`
}

// ExportCardSelectionScenario encodes the prepared scenario and the given policy to JSON.
// The output is deterministic: the same scenario and policy always give the same bytes.
// The scenario is frozen afterwards.
func (m *Manager) ExportCardSelectionScenario(detection DetectionMode, notification NotificationMode) (string, error) {
	if _, err := detection.MarshalText(); err != nil {
		return "", err
	}
	if _, err := notification.MarshalText(); err != nil {
		return "", err
	}

	s := m.snapshot()
	doc := exportedScenario{
		Version:               ScenarioFormatVersion,
		DetectionMode:         detection,
		NotificationMode:      notification,
		MultipleSelectionMode: s.multiple,
		ReleaseChannel:        s.release,
		CaseCount:             len(s.cases),
		Cases:                 make([]exportedCase, len(s.cases)),
	}
	for i, cs := range s.cases {
		raw, err := json.Marshal(cs)
		if err != nil {
			return "", fmt.Errorf("encode selection case %d: %w", i, err)
		}
		doc.Cases[i] = exportedCase{Kind: cs.Kind(), Selection: raw}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode scenario: %w", err)
	}

	logging.Debug(logging.CatScenario, "Scenario exported", map[string]any{
		"scenario": s.id,
		"cases":    len(s.cases),
	})
	return string(data), nil
}

// ImportCardSelectionScenario decodes a scenario produced by ExportCardSelectionScenario and
// appends its selection cases after the ones already prepared. It returns the index of the
// last case of the scenario, or -1 if the scenario is still empty. The imported detection
// and notification modes become the defaults of ScheduleCardSelectionScenarioDefault.
func (m *Manager) ImportCardSelectionScenario(text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return -1, invalidArgument("card selection scenario is empty")
	}

	doc, err := decodeScenario(text)
	if err != nil {
		return -1, err
	}

	cases := make([]CardSelection, len(doc.Cases))
	for i, c := range doc.Cases {
		if c.Kind == "" {
			return -1, invalidArgument("selection case %d: missing kind", i)
		}
		if len(c.Selection) == 0 || bytes.Equal(bytes.TrimSpace(c.Selection), []byte("null")) {
			return -1, invalidArgument("selection case %d: missing selection", i)
		}
		cs, ok := newCardSelection(c.Kind)
		if !ok {
			return -1, invalidArgument("selection case %d: unknown kind %q", i, c.Kind)
		}
		if err := json.Unmarshal(c.Selection, cs); err != nil {
			return -1, invalidArgument("selection case %d: %v", i, err)
		}
		cases[i] = cs
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return -1, fmt.Errorf("import scenario: %w", ErrScenarioFrozen)
	}
	m.cases = append(m.cases, cases...)
	m.multiple = m.multiple || *doc.MultipleSelectionMode
	m.release = m.release || *doc.ReleaseChannel
	m.imported = true
	m.detection = *doc.DetectionMode
	m.notification = *doc.NotificationMode

	logging.Info(logging.CatScenario, "Scenario imported", map[string]any{
		"scenario":     m.id,
		"imported":     len(cases),
		"total":        len(m.cases),
		"detection":    m.detection.String(),
		"notification": m.notification.String(),
	})
	return len(m.cases) - 1, nil
}

func decodeScenario(text string) (*importedScenario, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()

	var doc importedScenario
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, ErrInvalidArgument) {
			return nil, err
		}
		return nil, invalidArgument("malformed card selection scenario: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, invalidArgument("malformed card selection scenario: trailing data")
	}

	switch {
	case doc.Version == nil:
		return nil, invalidArgument("card selection scenario: missing version")
	case *doc.Version != ScenarioFormatVersion:
		return nil, invalidArgument("card selection scenario: unsupported version %d", *doc.Version)
	case doc.DetectionMode == nil:
		return nil, invalidArgument("card selection scenario: missing detectionMode")
	case doc.NotificationMode == nil:
		return nil, invalidArgument("card selection scenario: missing notificationMode")
	case doc.MultipleSelectionMode == nil:
		return nil, invalidArgument("card selection scenario: missing multipleSelectionMode")
	case doc.ReleaseChannel == nil:
		return nil, invalidArgument("card selection scenario: missing releaseChannel")
	case doc.CaseCount == nil:
		return nil, invalidArgument("card selection scenario: missing caseCount")
	case doc.Cases == nil:
		return nil, invalidArgument("card selection scenario: missing cases")
	case *doc.CaseCount != len(doc.Cases):
		return nil, invalidArgument("card selection scenario: expected %d cases, found %d", *doc.CaseCount, len(doc.Cases))
	}
	return &doc, nil
}
