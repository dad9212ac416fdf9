package core

import (
	"encoding/hex"
	"errors"
	"sync"
)

// MockContextFactory implements ContextFactory for testing
type MockContextFactory struct {
	ctx         *MockSmartCardContext
	shouldError bool
}

func (f *MockContextFactory) EstablishContext() (SmartCardContext, error) {
	if f.shouldError {
		return nil, errors.New("service not available")
	}
	return f.ctx, nil
}

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	mu          sync.Mutex
	readers     []string
	cards       map[string]*MockSmartCard
	shouldError bool
	errorMsg    string
	connects    int
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{
			"ACS ACR122U PICC Interface",
			"ACS ACR1552 1S CL Reader PICC",
			"ACS ACR1252 Dual Reader PICC",
		},
		cards: make(map[string]*MockSmartCard),
	}
}

// Factory returns a ContextFactory handing out this context
func (m *MockSmartCardContext) Factory() *MockContextFactory {
	return &MockContextFactory{ctx: m}
}

// WithCard adds a mock card to a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[readerName] = card
	return m
}

// WithError makes the context return errors
func (m *MockSmartCardContext) WithError(msg string) *MockSmartCardContext {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	card, ok := m.cards[reader]
	if !ok || card.isRemoved() {
		return nil, errors.New("no card present")
	}
	m.connects++
	card.reconnect()
	return card, nil
}

func (m *MockSmartCardContext) Release() error {
	return nil
}

func (m *MockSmartCardContext) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// MockSmartCard implements SmartCard for testing
type MockSmartCard struct {
	mu           sync.Mutex
	atr          []byte
	responses    map[string][]byte // command hex -> response
	transmitted  []string
	dispositions []uint32
	shouldError  bool
	errorMsg     string
	removed      bool
	disconnected bool
	onTransmit   func(cmdHex string)
}

// NewMockCard creates a mock card with realistic ATRs
func NewMockCard(cardType string) *MockSmartCard {
	card := &MockSmartCard{
		responses: make(map[string][]byte),
	}

	switch cardType {
	case "MIFARE Classic":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca000000306030001000000006a")
	case "ISO 15693":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca0000003060b00140000000077")
	case "NTAG213":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca0000003060300030000000068")
	case "Calypso":
		// ISO 14443-4 processor card
		card.atr, _ = hex.DecodeString("3b8880010000000000718100f9")
	case "Contact":
		// ISO 7816-3 card in a contact slot
		card.atr, _ = hex.DecodeString("3b6800000073c84013009000")
	default:
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca0000003060300030000000068")
	}

	return card
}

// WithResponse sets the response for a command, both given in hex
func (m *MockSmartCard) WithResponse(cmdHex, rspHex string) *MockSmartCard {
	m.mu.Lock()
	defer m.mu.Unlock()
	rsp, err := hex.DecodeString(rspHex)
	if err != nil {
		panic(err)
	}
	m.responses[cmdHex] = rsp
	return m
}

// WithError makes the card return errors
func (m *MockSmartCard) WithError(msg string) *MockSmartCard {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldError = true
	m.errorMsg = msg
	return m
}

// OnTransmit registers a callback run with every command the card receives
func (m *MockSmartCard) OnTransmit(fn func(cmdHex string)) *MockSmartCard {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransmit = fn
	return m
}

// Remove simulates the card leaving the field
func (m *MockSmartCard) Remove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = true
}

// Insert simulates the card entering the field again
func (m *MockSmartCard) Insert() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = false
}

func (m *MockSmartCard) isRemoved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed
}

func (m *MockSmartCard) reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = false
}

// Transmitted returns the hex of every command received
func (m *MockSmartCard) Transmitted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.transmitted...)
}

// Dispositions returns the dispositions passed to Disconnect
func (m *MockSmartCard) Dispositions() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.dispositions...)
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	if m.removed {
		return nil, errors.New("card removed")
	}
	if m.disconnected {
		return nil, errors.New("card disconnected")
	}

	cmdHex := hex.EncodeToString(cmd)
	m.transmitted = append(m.transmitted, cmdHex)
	if m.onTransmit != nil {
		m.onTransmit(cmdHex)
	}

	if resp, ok := m.responses[cmdHex]; ok {
		return resp, nil
	}

	// Instruction not supported
	return []byte{0x6D, 0x00}, nil
}

func (m *MockSmartCard) Status() (SmartCardStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed {
		return SmartCardStatus{}, errors.New("card removed")
	}
	if m.disconnected {
		return SmartCardStatus{}, errors.New("card disconnected")
	}

	return SmartCardStatus{
		Reader:         "Mock Reader",
		State:          0x34, // SCARD_PRESENT | SCARD_POWERED | SCARD_NEGOTIABLE
		ActiveProtocol: 2,    // T=1
		Atr:            m.atr,
	}, nil
}

func (m *MockSmartCard) Disconnect(disposition uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	m.dispositions = append(m.dispositions, disposition)
	return nil
}
