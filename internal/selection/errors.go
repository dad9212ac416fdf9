package selection

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned when a required argument is absent or malformed.
	// It is always detected before any reader I/O.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCommunication marks a reader or card that stopped responding correctly.
	// It aborts the whole scenario.
	ErrCommunication = errors.New("communication failure")

	// ErrUnparsableCardData marks card data that could not be interpreted, or a scheduled
	// response that does not map onto the prepared scenario.
	ErrUnparsableCardData = errors.New("unparsable card data")

	// ErrMatchRejected is returned by a Reader when the card does not correspond to the
	// requested application. It is a normal outcome, never surfaced to callers.
	ErrMatchRejected = errors.New("card selection rejected")

	// ErrNoSuchCase is returned when a result is queried for an index that was never attempted.
	ErrNoSuchCase = errors.New("no such selection case")

	// ErrExecutionInProgress is returned when a scenario is started while another execution of
	// the same manager has not finished.
	ErrExecutionInProgress = errors.New("card selection already in progress")

	// ErrScenarioFrozen is returned when a scenario is modified after it was exported,
	// scheduled or executed.
	ErrScenarioFrozen = errors.New("card selection scenario is frozen")
)

// Source identifies which side of the link failed.
type Source string

const (
	SourceReader Source = "reader"
	SourceCard   Source = "card"
)

// CommunicationError reports a failed exchange with the reader or the card.
type CommunicationError struct {
	Source Source
	Index  int // selection case being processed, -1 when not case related
	Err    error
}

func (e *CommunicationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s communication failure: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("%s communication failure on selection case %d: %v", e.Source, e.Index, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

func (e *CommunicationError) Is(target error) bool { return target == ErrCommunication }

// UnparsableCardDataError reports a response that could not be turned into a SmartCard.
type UnparsableCardDataError struct {
	Index int
	Err   error
}

func (e *UnparsableCardDataError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("unparsable card data: %v", e.Err)
	}
	return fmt.Sprintf("unparsable card data for selection case %d: %v", e.Index, e.Err)
}

func (e *UnparsableCardDataError) Unwrap() error { return e.Err }

func (e *UnparsableCardDataError) Is(target error) bool { return target == ErrUnparsableCardData }

// invalidArgument wraps ErrInvalidArgument with a description.
func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// asCommunicationError classifies err as a communication failure, keeping an existing
// classification when the reader already provided one.
func asCommunicationError(err error, index int) error {
	var ce *CommunicationError
	if errors.As(err, &ce) {
		if ce.Index < 0 && index >= 0 {
			return &CommunicationError{Source: ce.Source, Index: index, Err: ce.Err}
		}
		return err
	}
	if errors.Is(err, ErrUnparsableCardData) || errors.Is(err, ErrInvalidArgument) {
		return err
	}
	return &CommunicationError{Source: SourceReader, Index: index, Err: err}
}
