package model

// SliceState represents the ownership state of a Slice.
//
// Values are lowercase because they are persisted in the shared progress
// document that every worker reads and writes.
type SliceState string

const (
	SliceStatePending   SliceState = "pending"
	SliceStateClaimed   SliceState = "claimed"
	SliceStateRunning   SliceState = "running"
	SliceStateCompleted SliceState = "completed"
	SliceStateFailed    SliceState = "failed"
)

// String returns the string representation of the slice state.
func (s SliceState) String() string {
	return string(s)
}

// IsTerminal returns true if the slice is in a final state.
func (s SliceState) IsTerminal() bool {
	switch s {
	case SliceStateCompleted, SliceStateFailed:
		return true
	}
	return false
}

// IsOwned returns true if a worker currently holds the slice.
func (s SliceState) IsOwned() bool {
	return s == SliceStateClaimed || s == SliceStateRunning
}

// ValidSliceTransitions defines the allowed state transitions for Slices
// without force. A forced claim may additionally move any state to CLAIMED.
var ValidSliceTransitions = map[SliceState][]SliceState{
	SliceStatePending: {SliceStateClaimed},
	SliceStateClaimed: {SliceStateRunning},
	SliceStateRunning: {SliceStateCompleted, SliceStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s SliceState) CanTransitionTo(next SliceState) bool {
	for _, allowed := range ValidSliceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseSliceState converts a user-supplied string to a SliceState.
func ParseSliceState(s string) (SliceState, bool) {
	switch st := SliceState(s); st {
	case SliceStatePending, SliceStateClaimed, SliceStateRunning, SliceStateCompleted, SliceStateFailed:
		return st, true
	}
	return "", false
}
