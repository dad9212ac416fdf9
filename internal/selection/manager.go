// Package selection prepares card selection scenarios and runs them against card readers.
//
// A scenario is an ordered list of selection cases. Running it probes the presented card with
// each case in turn, stopping at the first match unless multiple selection mode is set.
// Scenarios can be exported to a versioned JSON text and imported into another Manager, and
// can be scheduled on an observable reader that runs them when a card is presented.
package selection

import (
	"fmt"
	"sort"
	"sync"

	"github.com/SimplyPrint/card-selector/internal/logging"
	"github.com/google/uuid"
)

var (
	kindsMu sync.RWMutex
	kinds   = make(map[string]func() CardSelection)
)

// RegisterCardSelection makes a selection case implementation available to
// ImportCardSelectionScenario. It panics if factory is nil or kind is registered twice.
func RegisterCardSelection(kind string, factory func() CardSelection) {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	if factory == nil {
		panic("selection: RegisterCardSelection factory is nil")
	}
	if _, dup := kinds[kind]; dup {
		panic("selection: RegisterCardSelection called twice for kind " + kind)
	}
	kinds[kind] = factory
}

// Kinds returns the registered selection case kinds, sorted.
func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()

	list := make([]string, 0, len(kinds))
	for k := range kinds {
		list = append(list, k)
	}
	sort.Strings(list)
	return list
}

func newCardSelection(kind string) (CardSelection, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()

	factory, ok := kinds[kind]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Manager holds a card selection scenario: the selection cases in registration order and
// the scenario-wide flags. The scenario is append-only and becomes frozen once it has been
// exported, scheduled or executed.
type Manager struct {
	mu       sync.Mutex
	id       string
	cases    []CardSelection
	multiple bool
	release  bool
	frozen   bool

	// Policy carried by the last imported scenario.
	imported     bool
	detection    DetectionMode
	notification NotificationMode

	exec *execution
}

// NewManager returns an empty scenario.
func NewManager() *Manager {
	return &Manager{
		id:   uuid.NewString(),
		exec: &execution{},
	}
}

// ID identifies the scenario in scheduled responses.
func (m *Manager) ID() string {
	return m.id
}

// SetMultipleSelectionMode makes the scenario process every selection case even after a
// successful selection. Disabled by default; there is no way to disable it again.
func (m *Manager) SetMultipleSelectionMode() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return fmt.Errorf("set multiple selection mode: %w", ErrScenarioFrozen)
	}
	m.multiple = true
	return nil
}

// PrepareSelection appends a selection case and returns its index (0 for the first case).
func (m *Manager) PrepareSelection(cs CardSelection) (int, error) {
	if cs == nil {
		return -1, invalidArgument("card selection is nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return -1, fmt.Errorf("prepare selection: %w", ErrScenarioFrozen)
	}
	m.cases = append(m.cases, cs)
	index := len(m.cases) - 1

	logging.Debug(logging.CatScenario, "Selection case prepared", map[string]any{
		"scenario": m.id,
		"index":    index,
		"kind":     cs.Kind(),
	})
	return index, nil
}

// PrepareReleaseChannel requests the closing of the logical channel at the end of every
// execution, so that a new selection sequence can start on the same card session.
func (m *Manager) PrepareReleaseChannel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return fmt.Errorf("prepare release channel: %w", ErrScenarioFrozen)
	}
	m.release = true
	return nil
}

// CaseCount returns the number of prepared selection cases.
func (m *Manager) CaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cases)
}

// IsMultipleSelectionMode reports whether multiple selection mode is set.
func (m *Manager) IsMultipleSelectionMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.multiple
}

// IsChannelReleaseRequested reports whether PrepareReleaseChannel was called.
func (m *Manager) IsChannelReleaseRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.release
}

// IsFrozen reports whether the scenario can no longer be modified.
func (m *Manager) IsFrozen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

// State returns the executor state of the current or last execution.
func (m *Manager) State() State {
	return m.exec.current()
}

// snapshot freezes the scenario and returns an immutable copy of it.
func (m *Manager) snapshot() *Scenario {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frozen = true
	s := &Scenario{
		id:       m.id,
		cases:    make([]CardSelection, len(m.cases)),
		requests: make([]CardSelectionRequest, len(m.cases)),
		multiple: m.multiple,
		release:  m.release,
		exec:     m.exec,
	}
	copy(s.cases, m.cases)
	for i, cs := range m.cases {
		s.requests[i] = cs.Request()
	}
	return s
}

// Scenario is an immutable snapshot of a prepared scenario, handed to readers that run it.
// All executions of a snapshot share the execution guard of the Manager it came from.
type Scenario struct {
	id       string
	cases    []CardSelection
	requests []CardSelectionRequest
	multiple bool
	release  bool
	exec     *execution
}

// ID returns the identifier of the originating Manager.
func (s *Scenario) ID() string { return s.id }

// Len returns the number of selection cases.
func (s *Scenario) Len() int { return len(s.requests) }

// Request returns the request of the selection case at index i.
func (s *Scenario) Request(i int) CardSelectionRequest { return s.requests[i] }

// MultipleSelectionMode reports whether every case must be processed.
func (s *Scenario) MultipleSelectionMode() bool { return s.multiple }

// ReleaseChannel reports whether the logical channel is closed after processing.
func (s *Scenario) ReleaseChannel() bool { return s.release }
