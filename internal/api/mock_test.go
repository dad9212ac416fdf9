package api

import (
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SimplyPrint/card-selector/internal/core"
	"github.com/SimplyPrint/card-selector/internal/scenariostore"
	"github.com/SimplyPrint/card-selector/internal/settings"
)

const (
	calypsoSelect = "00a4040008315449432e49434100"
	calypsoFCI    = "6f0f8408315449432e494341a5038701009000"

	calypsoScenario = `{"version":1,"detectionMode":"REPEATING","notificationMode":"MATCHED_ONLY",` +
		`"multipleSelectionMode":false,"releaseChannel":false,"caseCount":1,` +
		`"cases":[{"kind":"apdu","selection":{"aid":"315449432e494341"}}]}`
)

// mockFactory hands out a mock PC/SC context.
type mockFactory struct {
	ctx *mockContext
	err error
}

func (f *mockFactory) EstablishContext() (core.SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

type mockContext struct {
	mu      sync.Mutex
	readers []string
	cards   map[string]*mockCard
}

func newMockContext(readers ...string) *mockContext {
	return &mockContext{readers: readers, cards: make(map[string]*mockCard)}
}

func (m *mockContext) insert(reader string, card *mockCard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[reader] = card
}

func (m *mockContext) remove(reader string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if card, ok := m.cards[reader]; ok {
		card.mu.Lock()
		card.removed = true
		card.mu.Unlock()
		delete(m.cards, reader)
	}
}

func (m *mockContext) ListReaders() ([]string, error) {
	if len(m.readers) == 0 {
		return nil, errors.New("no readers available")
	}
	return m.readers, nil
}

func (m *mockContext) Connect(reader string, shareMode uint32, protocol uint32) (core.SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[reader]
	if !ok {
		return nil, errors.New("no card present")
	}
	return card, nil
}

func (m *mockContext) Release() error { return nil }

// mockCard answers commands from a table; anything else gets 6D00.
type mockCard struct {
	mu        sync.Mutex
	removed   bool
	atr       []byte
	responses map[string][]byte
	gate      *transmitGate
}

// transmitGate holds the next command until proceed is closed.
type transmitGate struct {
	entered chan struct{}
	proceed chan struct{}
}

// holdNextTransmit makes the next Transmit signal entered and wait for proceed.
func (c *mockCard) holdNextTransmit() *transmitGate {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = &transmitGate{entered: make(chan struct{}), proceed: make(chan struct{})}
	return c.gate
}

func newCalypsoCard() *mockCard {
	atr, _ := hex.DecodeString("3b8880010000000000718100f9")
	fci, _ := hex.DecodeString(calypsoFCI)
	return &mockCard{atr: atr, responses: map[string][]byte{calypsoSelect: fci}}
}

func (c *mockCard) Transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	gate := c.gate
	c.gate = nil
	c.mu.Unlock()
	if gate != nil {
		close(gate.entered)
		<-gate.proceed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return nil, errors.New("card removed")
	}
	if rsp, ok := c.responses[hex.EncodeToString(cmd)]; ok {
		return rsp, nil
	}
	return []byte{0x6D, 0x00}, nil
}

func (c *mockCard) Status() (core.SmartCardStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return core.SmartCardStatus{}, errors.New("card removed")
	}
	return core.SmartCardStatus{State: 0x34, ActiveProtocol: 2, Atr: c.atr}, nil
}

func (c *mockCard) Disconnect(disposition uint32) error { return nil }

// newTestServer builds a server over a mock context with two readers, a calypso card on
// the first one, and an empty scenario store. Settings go to a temp file.
func newTestServer(t *testing.T) (*Server, *mockContext) {
	t.Helper()

	dir := t.TempDir()
	settings.SetPath(dir + "/settings.json")
	t.Cleanup(func() { settings.SetPath("") })

	ctx := newMockContext("ACS ACR122U PICC Interface", "ACS ACR1252 Dual Reader PICC")
	ctx.insert("ACS ACR122U PICC Interface", newCalypsoCard())

	s := NewServer(Options{
		Store:        scenariostore.New(dir + "/scenarios"),
		Factory:      &mockFactory{ctx: ctx},
		PollInterval: 10 * time.Millisecond,
	})
	t.Cleanup(s.Close)
	return s, ctx
}
