package model

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid instance state transition")

var transitions = map[InstanceState][]InstanceState{
	StateIdle:    {StateOpening},
	StateOpening: {StateHolding, StateIdle},
	StateHolding: {StateClosing},
	StateClosing: {StateIdle, StateHolding},
}

// ValidateTransition checks the instance lifecycle
// IDLE -> OPENING -> HOLDING -> CLOSING -> IDLE, plus the aborted
// OPENING -> IDLE and CLOSING -> HOLDING edges. Writing the same state again
// only refreshes the context and is always allowed.
func ValidateTransition(from, to InstanceState) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown state %q -> %q", ErrInvalidTransition, from, to)
	}
	if from == to {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
