package selection

import (
	"encoding/json"
	"fmt"
)

// CaseOutcome is the outcome of one attempted selection case.
type CaseOutcome struct {
	Index     int       `json:"index"`
	Matched   bool      `json:"matched"`
	SmartCard SmartCard `json:"smartCard,omitempty"`
}

// CardSelectionResult is the outcome of one scenario execution. It covers the cases that were
// actually attempted, which may be fewer than the prepared ones when the scenario stopped at
// the first match.
type CardSelectionResult struct {
	outcomes        []CaseOutcome
	activeIndex     int
	channelReleased bool
	releaseErr      error
}

func newCardSelectionResult(capacity int) *CardSelectionResult {
	return &CardSelectionResult{
		outcomes:    make([]CaseOutcome, 0, capacity),
		activeIndex: -1,
	}
}

// record appends the outcome of the next case. Matched cases become the active selection.
func (r *CardSelectionResult) record(index int, matched bool, card SmartCard) {
	r.outcomes = append(r.outcomes, CaseOutcome{Index: index, Matched: matched, SmartCard: card})
	if matched {
		r.activeIndex = index
	}
}

// ActiveSelectionIndex returns the index of the current selection: the first match in single
// selection mode, the last one in multiple selection mode. ok is false when nothing matched.
func (r *CardSelectionResult) ActiveSelectionIndex() (index int, ok bool) {
	if r.activeIndex < 0 {
		return -1, false
	}
	return r.activeIndex, true
}

// HasActiveSelection reports whether a case matched.
func (r *CardSelectionResult) HasActiveSelection() bool {
	return r.activeIndex >= 0
}

// ActiveSmartCard returns the smart card of the active selection, or nil.
func (r *CardSelectionResult) ActiveSmartCard() SmartCard {
	if r.activeIndex < 0 {
		return nil
	}
	return r.outcomes[r.activeIndex].SmartCard
}

// Outcome returns the outcome of the case at index, or ErrNoSuchCase if it was not attempted.
func (r *CardSelectionResult) Outcome(index int) (CaseOutcome, error) {
	if index < 0 || index >= len(r.outcomes) {
		return CaseOutcome{}, fmt.Errorf("%w: %d", ErrNoSuchCase, index)
	}
	return r.outcomes[index], nil
}

// SmartCard returns the smart card of a matched case. It returns nil with no error for an
// attempted case that did not match.
func (r *CardSelectionResult) SmartCard(index int) (SmartCard, error) {
	o, err := r.Outcome(index)
	if err != nil {
		return nil, err
	}
	return o.SmartCard, nil
}

// SmartCards returns the smart cards of all matched cases by index.
func (r *CardSelectionResult) SmartCards() map[int]SmartCard {
	cards := make(map[int]SmartCard)
	for _, o := range r.outcomes {
		if o.Matched {
			cards[o.Index] = o.SmartCard
		}
	}
	return cards
}

// AttemptedIndexes returns the indexes of the attempted cases in order.
func (r *CardSelectionResult) AttemptedIndexes() []int {
	idx := make([]int, len(r.outcomes))
	for i, o := range r.outcomes {
		idx[i] = o.Index
	}
	return idx
}

// ChannelReleased reports whether the logical channel was closed at the end of execution.
func (r *CardSelectionResult) ChannelReleased() bool {
	return r.channelReleased
}

// ChannelReleaseError returns the error of a failed channel release. Such failures do not
// invalidate the result.
func (r *CardSelectionResult) ChannelReleaseError() error {
	return r.releaseErr
}

// MarshalJSON exposes the result to API clients.
func (r *CardSelectionResult) MarshalJSON() ([]byte, error) {
	type view struct {
		Outcomes        []CaseOutcome `json:"outcomes"`
		ActiveIndex     *int          `json:"activeIndex,omitempty"`
		ChannelReleased bool          `json:"channelReleased"`
		ReleaseError    string        `json:"releaseError,omitempty"`
	}
	v := view{Outcomes: r.outcomes, ChannelReleased: r.channelReleased}
	if r.activeIndex >= 0 {
		idx := r.activeIndex
		v.ActiveIndex = &idx
	}
	if r.releaseErr != nil {
		v.ReleaseError = r.releaseErr.Error()
	}
	return json.Marshal(v)
}
