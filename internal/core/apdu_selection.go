package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/SimplyPrint/card-selector/internal/selection"
)

// ApduSelectionKind names ApduSelection in exported scenarios.
const ApduSelectionKind = "apdu"

func init() {
	selection.RegisterCardSelection(ApduSelectionKind, func() selection.CardSelection {
		return &ApduSelection{}
	})
}

// ApduSelection is a selection case for ISO 7816 readers: an optional ATR filter, an optional
// SELECT by AID, and commands to send once the application is selected.
type ApduSelection struct {
	PowerOnDataPattern    string                  `json:"powerOnDataPattern,omitempty"`
	AID                   selection.HexBytes      `json:"aid,omitempty"`
	SuccessfulStatusWords []uint16                `json:"successfulStatusWords,omitempty"`
	Commands              []selection.ApduRequest `json:"commands,omitempty"`
}

// ApduOption configures an ApduSelection.
type ApduOption func(*ApduSelection)

// WithAID selects the application by DF name.
func WithAID(aid []byte) ApduOption {
	return func(s *ApduSelection) { s.AID = aid }
}

// WithPowerOnDataPattern filters cards whose uppercase hex ATR does not match pattern.
func WithPowerOnDataPattern(pattern string) ApduOption {
	return func(s *ApduSelection) { s.PowerOnDataPattern = pattern }
}

// WithSuccessfulStatusWords replaces the default 9000 accepted for the SELECT response,
// e.g. to accept 6283 for invalidated applications.
func WithSuccessfulStatusWords(sw ...uint16) ApduOption {
	return func(s *ApduSelection) { s.SuccessfulStatusWords = sw }
}

// WithCommand adds a command sent after a successful selection. When successful status words
// are given, any other status aborts the selection.
func WithCommand(apdu []byte, info string, successful ...uint16) ApduOption {
	return func(s *ApduSelection) {
		s.Commands = append(s.Commands, selection.ApduRequest{
			Bytes:                 apdu,
			Info:                  info,
			SuccessfulStatusWords: successful,
		})
	}
}

// NewApduSelection builds and validates a selection case.
func NewApduSelection(opts ...ApduOption) (*ApduSelection, error) {
	s := &ApduSelection{}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the AID length, the ATR pattern and the commands.
func (s *ApduSelection) Validate() error {
	if n := len(s.AID); n != 0 && (n < 5 || n > 16) {
		return fmt.Errorf("%w: AID must be 5 to 16 bytes, got %d", selection.ErrInvalidArgument, n)
	}
	if s.PowerOnDataPattern != "" {
		if _, err := regexp.Compile(s.PowerOnDataPattern); err != nil {
			return fmt.Errorf("%w: power-on data pattern: %v", selection.ErrInvalidArgument, err)
		}
	}
	for i, cmd := range s.Commands {
		if len(cmd.Bytes) < 4 {
			return fmt.Errorf("%w: command %d is shorter than an APDU header", selection.ErrInvalidArgument, i)
		}
	}
	return nil
}

// UnmarshalJSON decodes and validates an imported selection case.
func (s *ApduSelection) UnmarshalJSON(data []byte) error {
	type plain ApduSelection
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = ApduSelection(p)
	return s.Validate()
}

// Kind implements selection.CardSelection.
func (s *ApduSelection) Kind() string { return ApduSelectionKind }

// Request implements selection.CardSelection.
func (s *ApduSelection) Request() selection.CardSelectionRequest {
	return selection.CardSelectionRequest{
		PowerOnDataPattern:    s.PowerOnDataPattern,
		AID:                   s.AID,
		SuccessfulStatusWords: s.SuccessfulStatusWords,
		Commands:              s.Commands,
	}
}

// Parse implements selection.CardSelection. An FCI template in the SELECT response must be
// well formed; other response data is kept as is.
func (s *ApduSelection) Parse(rsp selection.CardSelectionResponse) (selection.SmartCard, error) {
	atr, err := hex.DecodeString(rsp.PowerOnData)
	if err != nil {
		return nil, fmt.Errorf("power-on data: %w", err)
	}

	card := &ApduSmartCard{
		ATR:              rsp.PowerOnData,
		ATRInfo:          DetectATR(atr),
		SelectResponse:   rsp.SelectApplicationResponse,
		CommandResponses: rsp.CommandResponses,
	}

	if len(s.AID) > 0 {
		if len(rsp.SelectApplicationResponse) < 2 {
			return nil, fmt.Errorf("SELECT response of %d bytes has no status word", len(rsp.SelectApplicationResponse))
		}
		data := rsp.SelectApplicationResponse[:len(rsp.SelectApplicationResponse)-2]
		if len(data) > 0 && data[0] == 0x6F {
			fci, err := ParseFCI(data)
			if err != nil {
				return nil, err
			}
			card.FCI = fci
		}
	}

	if len(rsp.CommandResponses) != len(s.Commands) {
		return nil, fmt.Errorf("expected %d command responses, got %d", len(s.Commands), len(rsp.CommandResponses))
	}
	return card, nil
}

// ApduSmartCard is the smart card produced by an ApduSelection.
type ApduSmartCard struct {
	ATR              string               `json:"powerOnData"`
	ATRInfo          ATRInfo              `json:"atrInfo"`
	SelectResponse   selection.HexBytes   `json:"selectApplicationResponse,omitempty"`
	FCI              *FCI                 `json:"fci,omitempty"`
	CommandResponses []selection.HexBytes `json:"commandResponses,omitempty"`
}

// PowerOnData returns the uppercase hex ATR.
func (c *ApduSmartCard) PowerOnData() string { return c.ATR }

// SelectApplicationResponse returns the raw SELECT response, status word included.
func (c *ApduSmartCard) SelectApplicationResponse() []byte { return c.SelectResponse }
