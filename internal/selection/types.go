package selection

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
)

// DetectionMode defines what an observable reader does once a card has been processed.
type DetectionMode int

const (
	// DetectionRepeating keeps polling for the next card.
	DetectionRepeating DetectionMode = iota
	// DetectionSingleShot stops detection after the first processed card.
	DetectionSingleShot
)

var detectionModeNames = map[DetectionMode]string{
	DetectionRepeating:  "REPEATING",
	DetectionSingleShot: "SINGLESHOT",
}

func (d DetectionMode) String() string {
	if s, ok := detectionModeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DetectionMode(%d)", int(d))
}

// MarshalText implements encoding.TextMarshaler.
func (d DetectionMode) MarshalText() ([]byte, error) {
	s, ok := detectionModeNames[d]
	if !ok {
		return nil, invalidArgument("unknown detection mode %d", int(d))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DetectionMode) UnmarshalText(text []byte) error {
	mode, err := ParseDetectionMode(string(text))
	if err != nil {
		return err
	}
	*d = mode
	return nil
}

// ParseDetectionMode parses REPEATING or SINGLESHOT (case insensitive).
func ParseDetectionMode(s string) (DetectionMode, error) {
	for mode, name := range detectionModeNames {
		if strings.EqualFold(s, name) {
			return mode, nil
		}
	}
	return 0, invalidArgument("unknown detection mode %q", s)
}

// NotificationMode defines which card events an observable reader emits.
type NotificationMode int

const (
	// NotificationAlways emits an event for every inserted card.
	NotificationAlways NotificationMode = iota
	// NotificationMatchedOnly emits events only when a selection case matched.
	NotificationMatchedOnly
)

var notificationModeNames = map[NotificationMode]string{
	NotificationAlways:      "ALWAYS",
	NotificationMatchedOnly: "MATCHED_ONLY",
}

func (n NotificationMode) String() string {
	if s, ok := notificationModeNames[n]; ok {
		return s
	}
	return fmt.Sprintf("NotificationMode(%d)", int(n))
}

// MarshalText implements encoding.TextMarshaler.
func (n NotificationMode) MarshalText() ([]byte, error) {
	s, ok := notificationModeNames[n]
	if !ok {
		return nil, invalidArgument("unknown notification mode %d", int(n))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *NotificationMode) UnmarshalText(text []byte) error {
	mode, err := ParseNotificationMode(string(text))
	if err != nil {
		return err
	}
	*n = mode
	return nil
}

// ParseNotificationMode parses ALWAYS or MATCHED_ONLY (case insensitive).
func ParseNotificationMode(s string) (NotificationMode, error) {
	for mode, name := range notificationModeNames {
		if strings.EqualFold(s, name) {
			return mode, nil
		}
	}
	return 0, invalidArgument("unknown notification mode %q", s)
}

// HexBytes is a byte slice that encodes as a lowercase hex string in JSON.
type HexBytes []byte

// MarshalText implements encoding.TextMarshaler.
func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *HexBytes) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(strings.ReplaceAll(string(text), " ", ""))
	if err != nil {
		return fmt.Errorf("invalid hex string: %w", err)
	}
	*h = b
	return nil
}

func (h HexBytes) String() string {
	return strings.ToUpper(hex.EncodeToString(h))
}

// ApduRequest is a single command sent to the card.
type ApduRequest struct {
	Bytes                 HexBytes `json:"apdu"`
	Info                  string   `json:"info,omitempty"`
	SuccessfulStatusWords []uint16 `json:"successfulStatusWords,omitempty"`
}

// CardSelectionRequest is what a reader needs to attempt one selection case.
type CardSelectionRequest struct {
	// PowerOnDataPattern is a regular expression matched against the hex encoded ATR.
	// Empty accepts any card.
	PowerOnDataPattern string `json:"powerOnDataPattern,omitempty"`
	// AID of the application to select. Empty skips the SELECT command.
	AID HexBytes `json:"aid,omitempty"`
	// SuccessfulStatusWords accepted for the SELECT response. Defaults to 9000.
	SuccessfulStatusWords []uint16 `json:"successfulStatusWords,omitempty"`
	// Commands sent only after a successful selection.
	Commands []ApduRequest `json:"commands,omitempty"`
}

// CardSelectionResponse is the raw outcome of one selection case.
type CardSelectionResponse struct {
	Matched                   bool       `json:"matched"`
	PowerOnData               string     `json:"powerOnData,omitempty"`
	SelectApplicationResponse HexBytes   `json:"selectApplicationResponse,omitempty"`
	CommandResponses          []HexBytes `json:"commandResponses,omitempty"`
}

// ScenarioResponse is the raw outcome of a whole scenario. Observable readers deliver it in
// their events and ParseScheduledCardSelectionsResponse turns it into a result.
type ScenarioResponse struct {
	ScenarioID      string                  `json:"scenarioId,omitempty"`
	Responses       []CardSelectionResponse `json:"responses"`
	ChannelReleased bool                    `json:"channelReleased,omitempty"`
	ReleaseError    string                  `json:"releaseError,omitempty"`
}

// SmartCard is the view of the card produced by a matched selection case.
type SmartCard interface {
	PowerOnData() string
	SelectApplicationResponse() []byte
}

// CardSelection is one selection case of a scenario. Implementations must be JSON
// marshalable and registered with RegisterCardSelection to survive export and import.
type CardSelection interface {
	// Kind names the implementation in exported scenarios.
	Kind() string
	// Request describes the exchange a reader performs for this case.
	Request() CardSelectionRequest
	// Parse interprets the response of a matched case.
	Parse(resp CardSelectionResponse) (SmartCard, error)
}

// Reader is a connection to a card reader able to run selection exchanges.
type Reader interface {
	Name() string
	// Attempt runs one selection request. A mismatch is reported either as a response with
	// Matched false or as an error wrapping ErrMatchRejected; any other error is a
	// communication failure.
	Attempt(ctx context.Context, req CardSelectionRequest) (*CardSelectionResponse, error)
	// TransmitBatch sends commands in order and returns one response per command.
	TransmitBatch(ctx context.Context, cmds []ApduRequest) ([][]byte, error)
	// ReleaseChannel closes the logical channel with the card.
	ReleaseChannel(ctx context.Context) error
}

// ObservableReader is a reader that detects cards itself and runs scheduled scenarios.
type ObservableReader interface {
	Reader
	ScheduleCardSelectionScenario(scenario *Scenario, detection DetectionMode, notification NotificationMode) error
	// AddObserver registers observer and returns a function that removes it.
	AddObserver(observer ReaderObserver) (remove func())
}

// ReaderEventType enumerates observable reader notifications.
type ReaderEventType string

const (
	EventCardInserted ReaderEventType = "CARD_INSERTED"
	EventCardMatched  ReaderEventType = "CARD_MATCHED"
	EventCardRemoved  ReaderEventType = "CARD_REMOVED"
	EventReaderError  ReaderEventType = "READER_ERROR"
)

// ReaderEvent is published by an observable reader. Response is set for inserted and matched
// cards when a scenario was scheduled.
type ReaderEvent struct {
	ReaderName string            `json:"readerName"`
	Type       ReaderEventType   `json:"type"`
	Response   *ScenarioResponse `json:"response,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ReaderObserver receives reader events on the reader's own goroutine.
type ReaderObserver interface {
	OnReaderEvent(event ReaderEvent)
}

// ReaderObserverFunc adapts a function to ReaderObserver.
type ReaderObserverFunc func(event ReaderEvent)

func (f ReaderObserverFunc) OnReaderEvent(event ReaderEvent) { f(event) }
