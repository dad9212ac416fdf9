package selection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/SimplyPrint/card-selector/internal/logging"
)

// Phase is a state of the selection executor.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseProbing
	PhaseMatched
	PhaseAborted
	PhaseCompleted
)

var phaseNames = [...]string{"Idle", "Probing", "Matched", "Aborted", "Completed"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// State is the executor state. Index is the selection case for Probing and Matched.
type State struct {
	Phase Phase
	Index int
}

func (s State) String() string {
	if s.Phase == PhaseProbing || s.Phase == PhaseMatched {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Index)
	}
	return s.Phase.String()
}

// Terminal reports whether the executor stopped.
func (s State) Terminal() bool {
	return s.Phase == PhaseAborted || s.Phase == PhaseCompleted
}

// execution serializes the executions of one scenario: they share the reader channel.
type execution struct {
	running atomic.Bool

	mu    sync.Mutex
	state State
}

func (e *execution) begin() error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrExecutionInProgress
	}
	e.set(State{Phase: PhaseIdle, Index: -1})
	return nil
}

func (e *execution) end(s State) {
	e.set(s)
	e.running.Store(false)
}

func (e *execution) set(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *execution) current() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Exchange runs the scenario against reader and returns the raw responses without
// interpreting them. Observable readers call it when a card is presented; the result is
// meant for Manager.ParseScheduledCardSelectionsResponse.
func Exchange(ctx context.Context, reader Reader, scenario *Scenario) (*ScenarioResponse, error) {
	if reader == nil {
		return nil, invalidArgument("reader is nil")
	}
	if scenario == nil {
		return nil, invalidArgument("scenario is nil")
	}
	return scenario.run(ctx, reader, nil)
}

// run walks the selection cases in order. onMatch is called for every matched case once its
// post-match commands were sent; an error from it aborts the scenario.
func (s *Scenario) run(ctx context.Context, reader Reader, onMatch func(int, CardSelectionResponse) error) (*ScenarioResponse, error) {
	if err := s.exec.begin(); err != nil {
		logging.Warn(logging.CatSelection, "Rejected concurrent card selection", map[string]any{
			"scenario": s.id,
			"reader":   reader.Name(),
		})
		return nil, err
	}
	// A panicking reader or selection case still ends the execution, so the scenario can
	// run again once the panic is recovered.
	defer func() {
		if r := recover(); r != nil {
			s.exec.end(State{Phase: PhaseAborted, Index: s.exec.current().Index})
			panic(r)
		}
	}()

	out := &ScenarioResponse{
		ScenarioID: s.id,
		Responses:  make([]CardSelectionResponse, 0, len(s.requests)),
	}

	abort := func(index int, err error) (*ScenarioResponse, error) {
		s.exec.end(State{Phase: PhaseAborted, Index: index})
		logging.Error(logging.CatSelection, "Card selection aborted", map[string]any{
			"scenario": s.id,
			"reader":   reader.Name(),
			"index":    index,
			"error":    err.Error(),
		})
		if errors.Is(err, ErrCommunication) {
			logging.CaptureError(err, "card selection", map[string]interface{}{
				"reader": reader.Name(),
				"index":  index,
			})
		}
		return nil, err
	}

	for i, req := range s.requests {
		s.exec.set(State{Phase: PhaseProbing, Index: i})

		if err := ctx.Err(); err != nil {
			return abort(i, &CommunicationError{Source: SourceReader, Index: i, Err: err})
		}

		rsp, err := reader.Attempt(ctx, req)
		switch {
		case errors.Is(err, ErrMatchRejected):
			rsp = &CardSelectionResponse{}
		case err != nil:
			return abort(i, asCommunicationError(err, i))
		case rsp == nil:
			return abort(i, &CommunicationError{Source: SourceReader, Index: i, Err: errors.New("no response")})
		}

		cr := *rsp
		if !cr.Matched {
			cr.CommandResponses = nil
			out.Responses = append(out.Responses, cr)
			logging.Debug(logging.CatSelection, "Selection case not matched", map[string]any{
				"scenario": s.id,
				"index":    i,
			})
			continue
		}

		s.exec.set(State{Phase: PhaseMatched, Index: i})
		logging.Debug(logging.CatSelection, "Selection case matched", map[string]any{
			"scenario":    s.id,
			"index":       i,
			"powerOnData": cr.PowerOnData,
		})

		if len(req.Commands) > 0 {
			rsps, err := reader.TransmitBatch(ctx, req.Commands)
			if err != nil {
				return abort(i, asCommunicationError(err, i))
			}
			if len(rsps) != len(req.Commands) {
				return abort(i, &CommunicationError{
					Source: SourceReader,
					Index:  i,
					Err:    fmt.Errorf("expected %d command responses, got %d", len(req.Commands), len(rsps)),
				})
			}
			cr.CommandResponses = make([]HexBytes, len(rsps))
			for j, b := range rsps {
				cr.CommandResponses[j] = HexBytes(b)
			}
		}

		out.Responses = append(out.Responses, cr)

		if onMatch != nil {
			if err := onMatch(i, cr); err != nil {
				return abort(i, err)
			}
		}

		if !s.multiple {
			break
		}
	}

	if s.release {
		if err := reader.ReleaseChannel(ctx); err != nil {
			out.ReleaseError = err.Error()
			logging.Warn(logging.CatSelection, "Failed to release logical channel", map[string]any{
				"scenario": s.id,
				"reader":   reader.Name(),
				"error":    err.Error(),
			})
			logging.CaptureError(err, "release channel", map[string]interface{}{
				"reader": reader.Name(),
			})
		} else {
			out.ChannelReleased = true
		}
	}

	s.exec.end(State{Phase: PhaseCompleted, Index: -1})
	return out, nil
}

// parseCase interprets the response of the matched case at index.
func (s *Scenario) parseCase(index int, rsp CardSelectionResponse) (SmartCard, error) {
	card, err := s.cases[index].Parse(rsp)
	if err != nil {
		return nil, &UnparsableCardDataError{Index: index, Err: err}
	}
	if card == nil {
		return nil, &UnparsableCardDataError{Index: index, Err: errors.New("selection case produced no smart card")}
	}
	return card, nil
}

// interpret turns a complete set of responses into a result. Both the synchronous and the
// scheduled paths end here.
func (s *Scenario) interpret(out *ScenarioResponse, parsed map[int]SmartCard) (*CardSelectionResult, error) {
	result := newCardSelectionResult(len(out.Responses))
	for i, rsp := range out.Responses {
		if !rsp.Matched {
			result.record(i, false, nil)
			continue
		}
		card, ok := parsed[i]
		if !ok {
			var err error
			if card, err = s.parseCase(i, rsp); err != nil {
				return nil, err
			}
		}
		result.record(i, true, card)
	}
	result.channelReleased = out.ChannelReleased
	if out.ReleaseError != "" {
		result.releaseErr = errors.New(out.ReleaseError)
	}
	return result, nil
}

// ProcessCardSelectionScenario runs the prepared scenario against a reader where a card is
// already present and returns the result. A communication failure or unparsable card data
// aborts the scenario and no result is returned. The scenario is frozen afterwards.
func (m *Manager) ProcessCardSelectionScenario(ctx context.Context, reader Reader) (*CardSelectionResult, error) {
	if reader == nil {
		return nil, invalidArgument("reader is nil")
	}

	s := m.snapshot()
	parsed := make(map[int]SmartCard)
	out, err := s.run(ctx, reader, func(i int, rsp CardSelectionResponse) error {
		card, err := s.parseCase(i, rsp)
		if err != nil {
			return err
		}
		parsed[i] = card
		return nil
	})
	if err != nil {
		return nil, err
	}

	result, err := s.interpret(out, parsed)
	if err != nil {
		return nil, err
	}

	logging.Info(logging.CatSelection, "Card selection processed", map[string]any{
		"scenario":  s.id,
		"reader":    reader.Name(),
		"attempted": len(out.Responses),
		"active":    result.activeIndex,
	})
	return result, nil
}
