package selection

import (
	"context"
	"errors"
	"sync"
)

const testKind = "test"

func init() {
	RegisterCardSelection(testKind, func() CardSelection { return &testSelection{} })
}

// testSelection matches when the mock reader knows its name.
type testSelection struct {
	Name      string        `json:"name"`
	Commands  []ApduRequest `json:"commands,omitempty"`
	FailParse bool          `json:"failParse,omitempty"`
	Panic     bool          `json:"panic,omitempty"`
}

func newTestSelection(name string) *testSelection {
	return &testSelection{Name: name}
}

func (s *testSelection) Kind() string { return testKind }

func (s *testSelection) Request() CardSelectionRequest {
	return CardSelectionRequest{AID: HexBytes(s.Name), Commands: s.Commands}
}

func (s *testSelection) Parse(rsp CardSelectionResponse) (SmartCard, error) {
	if s.Panic {
		panic("corrupt selection case")
	}
	if s.FailParse {
		return nil, errors.New("garbage in FCI")
	}
	return &testCard{name: s.Name, atr: rsp.PowerOnData, selectRsp: rsp.SelectApplicationResponse}, nil
}

type testCard struct {
	name      string
	atr       string
	selectRsp []byte
}

func (c *testCard) PowerOnData() string               { return c.atr }
func (c *testCard) SelectApplicationResponse() []byte { return c.selectRsp }

// mockReader implements Reader. Cases whose name is in matches are selected.
type mockReader struct {
	mu         sync.Mutex
	matches    map[string]bool
	rejectErr  bool   // report mismatches as ErrMatchRejected
	failAt     string // name of the case whose attempt fails
	releaseErr error

	// entered is signalled on every attempt when set; the attempt then waits on proceed.
	entered chan struct{}
	proceed chan struct{}

	attempts []string
	batches  int
	releases int
}

func newMockReader(matches ...string) *mockReader {
	r := &mockReader{matches: make(map[string]bool)}
	for _, m := range matches {
		r.matches[m] = true
	}
	return r
}

func (r *mockReader) Name() string { return "Mock Reader" }

func (r *mockReader) Attempt(ctx context.Context, req CardSelectionRequest) (*CardSelectionResponse, error) {
	if r.entered != nil {
		r.entered <- struct{}{}
		<-r.proceed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := string(req.AID)
	r.attempts = append(r.attempts, name)

	if name == r.failAt {
		return nil, errors.New("reader unplugged")
	}
	if !r.matches[name] {
		if r.rejectErr {
			return nil, ErrMatchRejected
		}
		return &CardSelectionResponse{PowerOnData: "3B00"}, nil
	}
	return &CardSelectionResponse{
		Matched:                   true,
		PowerOnData:               "3B00",
		SelectApplicationResponse: HexBytes{0x90, 0x00},
	}, nil
}

func (r *mockReader) TransmitBatch(ctx context.Context, cmds []ApduRequest) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.batches++
	out := make([][]byte, len(cmds))
	for i := range cmds {
		out[i] = []byte{byte(i), 0x90, 0x00}
	}
	return out, nil
}

func (r *mockReader) ReleaseChannel(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.releases++
	return r.releaseErr
}

func (r *mockReader) attempted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.attempts...)
}

// mockObservableReader records scheduled scenarios.
type mockObservableReader struct {
	*mockReader

	scenario     *Scenario
	detection    DetectionMode
	notification NotificationMode
	scheduleErr  error
}

func (r *mockObservableReader) ScheduleCardSelectionScenario(s *Scenario, d DetectionMode, n NotificationMode) error {
	if r.scheduleErr != nil {
		return r.scheduleErr
	}
	r.scenario, r.detection, r.notification = s, d, n
	return nil
}

func (r *mockObservableReader) AddObserver(ReaderObserver) func() { return func() {} }

// prepare builds a manager holding one test case per name.
func prepare(t interface{ Fatalf(string, ...any) }, names ...string) *Manager {
	m := NewManager()
	for _, n := range names {
		if _, err := m.PrepareSelection(newTestSelection(n)); err != nil {
			t.Fatalf("PrepareSelection(%s): %v", n, err)
		}
	}
	return m
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
