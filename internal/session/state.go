package session

import (
	"errors"
	"fmt"
	"slices"
)

// State is the lifecycle state of a module session.
type State string

const (
	StateAwaitingInstructions State = "awaiting_instructions"
	StateInProgress           State = "in_progress"
	StateFinalizing           State = "finalizing"
	StateSubmitted            State = "submitted"
	StateAbandoned            State = "abandoned"
)

var (
	// ErrInvalidTransition is returned for an operation the current state does not allow.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotLastQuestion is returned when finishing before the last question.
	ErrNotLastQuestion = errors.New("finish is only allowed on the last question")
	// ErrNotSpeaking is returned for recording operations outside Speaking.
	ErrNotSpeaking = errors.New("module has no recordings")
)

var transitions = map[State][]State{
	StateAwaitingInstructions: {StateInProgress, StateAbandoned},
	StateInProgress:           {StateFinalizing, StateAbandoned},
	StateFinalizing:           {StateSubmitted},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

func checkTransition(from, to State) error {
	if !slices.Contains(transitions[from], to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}
