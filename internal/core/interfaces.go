package core

import (
	"github.com/ebfe/scard"
)

// SmartCardContext represents a PC/SC context for listing readers
type SmartCardContext interface {
	ListReaders() ([]string, error)
	Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error)
	Release() error
}

// SmartCard represents a connected smart card for transmitting commands
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (SmartCardStatus, error)
	Disconnect(disposition uint32) error
}

// SmartCardStatus represents the status of a smart card
type SmartCardStatus struct {
	Reader         string
	State          uint32
	ActiveProtocol uint32
	Atr            []byte
}

// ContextFactory creates SmartCardContext instances
// This allows for dependency injection and mocking in tests
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}

// DefaultContextFactory is the production factory that uses real PC/SC
type DefaultContextFactory struct{}

// EstablishContext opens a PC/SC context.
func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &pcscContext{ctx: ctx}, nil
}

type pcscContext struct {
	ctx *scard.Context
}

func (c *pcscContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *pcscContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareMode(shareMode), scard.Protocol(protocol))
	if err != nil {
		return nil, err
	}
	return &pcscCard{card: card}, nil
}

func (c *pcscContext) Release() error {
	return c.ctx.Release()
}

type pcscCard struct {
	card *scard.Card
}

func (c *pcscCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *pcscCard) Status() (SmartCardStatus, error) {
	st, err := c.card.Status()
	if err != nil {
		return SmartCardStatus{}, err
	}
	return SmartCardStatus{
		Reader:         st.Reader,
		State:          uint32(st.State),
		ActiveProtocol: uint32(st.ActiveProtocol),
		Atr:            st.Atr,
	}, nil
}

func (c *pcscCard) Disconnect(disposition uint32) error {
	return c.card.Disconnect(scard.Disposition(disposition))
}

// Dispositions and share modes, as the SmartCard interfaces take plain integers.
var (
	shareShared = uint32(scard.ShareShared)
	protocolAny = uint32(scard.ProtocolAny)
	leaveCard   = uint32(scard.LeaveCard)
	resetCard   = uint32(scard.ResetCard)
)
