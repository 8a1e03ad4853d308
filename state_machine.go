package auth

import (
	"fmt"
	"sync"

	goerrors "github.com/goliatone/go-errors"
)

// ErrInvalidTransition is returned when a requested state change is not allowed.
var ErrInvalidTransition = goerrors.New("invalid state transition", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// TransitionError reports a rejected transition.
type TransitionError struct {
	Machine string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition %s -> %s", e.Machine, e.From, e.To)
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type transitionTable[S ~string] map[S]map[S]struct{}

func (t transitionTable[S]) allows(from, to S) bool {
	if allowed, ok := t[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

// Phase is the lifecycle phase of a Store.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitializing  Phase = "initializing"
	PhaseAuthenticated Phase = "authenticated"
	PhaseAnonymous     Phase = "anonymous"
)

var phaseTransitions = transitionTable[Phase]{
	PhaseUninitialized: {
		PhaseInitializing: {},
	},
	PhaseInitializing: {
		PhaseAuthenticated: {},
		PhaseAnonymous:     {},
	},
	PhaseAuthenticated: {
		PhaseInitializing: {},
		PhaseAnonymous:    {},
	},
	PhaseAnonymous: {
		PhaseInitializing:  {},
		PhaseAuthenticated: {},
	},
}

// CallbackState is the state of a CallbackResolver.
type CallbackState string

const (
	CallbackIdle            CallbackState = "idle"
	CallbackWaitingForEvent CallbackState = "waiting_for_event"
	CallbackLoading         CallbackState = "loading"
	CallbackResolved        CallbackState = "resolved"
)

var callbackTransitions = transitionTable[CallbackState]{
	CallbackIdle: {
		CallbackWaitingForEvent: {},
		CallbackResolved:        {},
	},
	CallbackWaitingForEvent: {
		CallbackLoading:  {},
		CallbackResolved: {},
	},
	CallbackLoading: {
		CallbackResolved: {},
	},
}

// machine tracks a current state validated against a transition table.
// Moving to the current state is a no-op.
type machine[S ~string] struct {
	name        string
	mu          sync.Mutex
	current     S
	transitions transitionTable[S]
}

func newMachine[S ~string](name string, initial S, transitions transitionTable[S]) *machine[S] {
	return &machine[S]{name: name, current: initial, transitions: transitions}
}

func (m *machine[S]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves to target and returns the previous state.
func (m *machine[S]) Transition(target S) (S, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if from == target {
		return from, nil
	}
	if !m.transitions.allows(from, target) {
		return from, &TransitionError{Machine: m.name, From: string(from), To: string(target)}
	}
	m.current = target
	return from, nil
}
