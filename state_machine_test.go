package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTransitions(t *testing.T) {
	cases := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseUninitialized, PhaseInitializing, true},
		{PhaseUninitialized, PhaseAuthenticated, false},
		{PhaseInitializing, PhaseAuthenticated, true},
		{PhaseInitializing, PhaseAnonymous, true},
		{PhaseAuthenticated, PhaseAnonymous, true},
		{PhaseAuthenticated, PhaseInitializing, true},
		{PhaseAnonymous, PhaseAuthenticated, true},
		{PhaseAnonymous, PhaseUninitialized, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.ok, phaseTransitions.allows(tc.from, tc.to))
		})
	}
}

func TestMachineTransition(t *testing.T) {
	m := newMachine("callback", CallbackIdle, callbackTransitions)

	prev, err := m.Transition(CallbackWaitingForEvent)
	require.NoError(t, err)
	assert.Equal(t, CallbackIdle, prev)

	_, err = m.Transition(CallbackWaitingForEvent)
	assert.NoError(t, err, "moving to the current state is a no-op")

	_, err = m.Transition(CallbackIdle)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "callback", te.Machine)
	assert.Equal(t, "waiting_for_event", te.From)
	assert.Equal(t, "callback: invalid transition waiting_for_event -> idle", te.Error())
	assert.Equal(t, CallbackWaitingForEvent, m.State())

	_, err = m.Transition(CallbackResolved)
	require.NoError(t, err)
	_, err = m.Transition(CallbackLoading)
	assert.Error(t, err, "resolved is terminal")
}
