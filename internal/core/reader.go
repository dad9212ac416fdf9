package core

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/SimplyPrint/card-selector/internal/logging"
	"github.com/SimplyPrint/card-selector/internal/selection"
)

// maxResponseChain bounds the GET RESPONSE rounds of a single APDU.
const maxResponseChain = 256

// ReaderInfo describes a reader known to PC/SC. Contactless is guessed from the name until a
// card is read.
type ReaderInfo struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Contactless bool   `json:"contactless"`
}

// contactlessReaderName tells contactless interfaces apart by the names PC/SC drivers give
// them, e.g. "ACS ACR1252 Dual Reader PICC" next to "ACS ACR1252 Dual Reader SAM".
func contactlessReaderName(name string) bool {
	upper := strings.ToUpper(name)
	return strings.Contains(upper, "PICC") || strings.Contains(upper, "CONTACTLESS") || strings.Contains(upper, " CL ")
}

// ListReaders returns the readers currently attached. Errors are logged and give an empty list.
func ListReaders(factory ContextFactory) []ReaderInfo {
	ctx, err := factory.EstablishContext()
	if err != nil {
		logging.Warn(logging.CatReader, "Failed to establish PC/SC context", map[string]any{
			"error": err.Error(),
		})
		return []ReaderInfo{}
	}
	defer ctx.Release()

	names, err := ctx.ListReaders()
	if err != nil {
		logging.Debug(logging.CatReader, "No readers listed", map[string]any{
			"error": err.Error(),
		})
		return []ReaderInfo{}
	}

	readers := make([]ReaderInfo, len(names))
	for i, name := range names {
		readers[i] = ReaderInfo{Index: i, Name: name, Contactless: contactlessReaderName(name)}
	}
	return readers
}

// PCSCReader runs selection exchanges on one PC/SC reader. It keeps the card connected
// between calls until the channel is released or the card goes away.
type PCSCReader struct {
	name    string
	factory ContextFactory

	mu   sync.Mutex
	ctx  SmartCardContext
	card SmartCard
	atr  []byte
}

// NewPCSCReader returns a reader for the named PC/SC reader. A nil factory uses real PC/SC.
func NewPCSCReader(name string, factory ContextFactory) *PCSCReader {
	if factory == nil {
		factory = DefaultContextFactory{}
	}
	return &PCSCReader{name: name, factory: factory}
}

// Name returns the PC/SC reader name.
func (r *PCSCReader) Name() string {
	return r.name
}

func (r *PCSCReader) readerError(format string, args ...any) error {
	return &selection.CommunicationError{Source: selection.SourceReader, Index: -1, Err: fmt.Errorf(format, args...)}
}

func (r *PCSCReader) cardError(format string, args ...any) error {
	return &selection.CommunicationError{Source: selection.SourceCard, Index: -1, Err: fmt.Errorf(format, args...)}
}

// connectLocked returns the connected card, connecting when needed. Caller holds r.mu.
func (r *PCSCReader) connectLocked() (SmartCard, error) {
	if r.card != nil {
		return r.card, nil
	}

	if r.ctx == nil {
		ctx, err := r.factory.EstablishContext()
		if err != nil {
			return nil, r.readerError("failed to establish context: %w", err)
		}
		r.ctx = ctx
	}

	card, err := r.ctx.Connect(r.name, shareShared, protocolAny)
	if err != nil {
		return nil, r.readerError("failed to connect to reader: %w", err)
	}

	status, err := card.Status()
	if err != nil {
		_ = card.Disconnect(leaveCard)
		return nil, r.cardError("failed to get card status: %w", err)
	}

	r.card = card
	r.atr = status.Atr
	logging.Debug(logging.CatReader, "Card connected", map[string]any{
		"reader": r.name,
		"atr":    hex.EncodeToString(status.Atr),
	})
	return card, nil
}

// dropLocked forgets the current card after a failure. Caller holds r.mu.
func (r *PCSCReader) dropLocked() {
	if r.card != nil {
		_ = r.card.Disconnect(leaveCard)
	}
	r.card = nil
	r.atr = nil
}

// transmitLocked sends one APDU and follows 61xx GET RESPONSE chaining, giving up after
// maxResponseChain rounds or when ctx is done. Caller holds r.mu.
func (r *PCSCReader) transmitLocked(ctx context.Context, card SmartCard, apdu []byte) ([]byte, error) {
	rsp, err := card.Transmit(apdu)
	if err != nil {
		r.dropLocked()
		return nil, r.cardError("failed to transmit %X: %w", apdu, err)
	}
	if len(rsp) < 2 {
		return nil, r.cardError("invalid response length: %d", len(rsp))
	}

	var data []byte
	for rounds := 0; rsp[len(rsp)-2] == 0x61; rounds++ {
		if rounds == maxResponseChain {
			r.dropLocked()
			return nil, r.cardError("GET RESPONSE chaining for %X exceeded %d rounds", apdu, maxResponseChain)
		}
		if err := ctx.Err(); err != nil {
			r.dropLocked()
			return nil, r.cardError("GET RESPONSE chaining interrupted: %w", err)
		}
		data = append(data, rsp[:len(rsp)-2]...)
		rsp, err = card.Transmit(getResponseAPDU(rsp[len(rsp)-1]))
		if err != nil {
			r.dropLocked()
			return nil, r.cardError("failed to transmit GET RESPONSE: %w", err)
		}
		if len(rsp) < 2 {
			return nil, r.cardError("invalid response length: %d", len(rsp))
		}
	}
	if data != nil {
		rsp = append(data, rsp...)
	}
	return rsp, nil
}

// IsContactless reports whether the reader talks to cards over the contactless interface.
// The ATR of the connected card decides; without a card the reader name does.
func (r *PCSCReader) IsContactless() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.card != nil && len(r.atr) > 0 {
		return DetectATR(r.atr).Contactless
	}
	return contactlessReaderName(r.name)
}

// IsCardPresent reports whether a card can be reached through the reader.
func (r *PCSCReader) IsCardPresent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.card != nil {
		if _, err := r.card.Status(); err == nil {
			return true
		}
		r.dropLocked()
	}
	_, err := r.connectLocked()
	return err == nil
}

// Attempt filters the card by ATR and selects the requested application.
func (r *PCSCReader) Attempt(ctx context.Context, req selection.CardSelectionRequest) (*selection.CardSelectionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pattern *regexp.Regexp
	if req.PowerOnDataPattern != "" {
		var err error
		if pattern, err = regexp.Compile(req.PowerOnDataPattern); err != nil {
			return nil, fmt.Errorf("%w: power-on data pattern: %v", selection.ErrInvalidArgument, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	card, err := r.connectLocked()
	if err != nil {
		return nil, err
	}

	rsp := &selection.CardSelectionResponse{PowerOnData: strings.ToUpper(hex.EncodeToString(r.atr))}
	if pattern != nil && !pattern.MatchString(rsp.PowerOnData) {
		logging.Debug(logging.CatReader, "Power-on data rejected", map[string]any{
			"reader":      r.name,
			"powerOnData": rsp.PowerOnData,
			"pattern":     req.PowerOnDataPattern,
		})
		return rsp, nil
	}

	if len(req.AID) == 0 {
		rsp.Matched = true
		return rsp, nil
	}

	out, err := r.transmitLocked(ctx, card, SelectApplicationAPDU(req.AID))
	if err != nil {
		return nil, err
	}
	rsp.SelectApplicationResponse = out
	rsp.Matched = statusWordAccepted(statusWord(out), req.SuccessfulStatusWords)

	logging.Debug(logging.CatReader, "SELECT application", map[string]any{
		"reader":  r.name,
		"aid":     req.AID.String(),
		"status":  fmt.Sprintf("%04X", statusWord(out)),
		"matched": rsp.Matched,
	})
	return rsp, nil
}

// TransmitBatch sends the commands in order. A command with successful status words set
// fails the batch when the card answers anything else.
func (r *PCSCReader) TransmitBatch(ctx context.Context, cmds []selection.ApduRequest) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	card, err := r.connectLocked()
	if err != nil {
		return nil, err
	}

	out := make([][]byte, 0, len(cmds))
	for i, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(cmd.Bytes) < 4 {
			return nil, fmt.Errorf("%w: command %d is shorter than an APDU header", selection.ErrInvalidArgument, i)
		}

		rsp, err := r.transmitLocked(ctx, card, cmd.Bytes)
		if err != nil {
			return nil, err
		}
		if len(cmd.SuccessfulStatusWords) > 0 && !statusWordAccepted(statusWord(rsp), cmd.SuccessfulStatusWords) {
			return nil, r.cardError("command %d (%s): unexpected status word %04X", i, cmd.Info, statusWord(rsp))
		}
		out = append(out, rsp)
	}
	return out, nil
}

// ReleaseChannel resets the card, closing any logical channel opened by the selection.
func (r *PCSCReader) ReleaseChannel(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.card == nil {
		return nil
	}
	err := r.card.Disconnect(resetCard)
	r.card = nil
	r.atr = nil
	if err != nil {
		return r.readerError("failed to release channel: %w", err)
	}
	return nil
}

// Close disconnects the card and releases the PC/SC context.
func (r *PCSCReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.card != nil {
		errs = append(errs, r.card.Disconnect(leaveCard))
		r.card = nil
	}
	if r.ctx != nil {
		errs = append(errs, r.ctx.Release())
		r.ctx = nil
	}
	return errors.Join(errs...)
}
