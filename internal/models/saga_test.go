package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSagaStateTransitions(t *testing.T) {
	allowed := []struct {
		from, to SagaState
	}{
		{SagaStarted, SagaInProgress},
		{SagaStarted, SagaFailed},
		{SagaStarted, SagaCompensating},
		{SagaInProgress, SagaInProgress},
		{SagaInProgress, SagaCompleted},
		{SagaInProgress, SagaCompensating},
		{SagaCompensating, SagaCompensated},
		{SagaCompensating, SagaFailed},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct {
		from, to SagaState
	}{
		{SagaStarted, SagaCompleted},
		{SagaInProgress, SagaFailed},
		{SagaCompleted, SagaCompensating},
		{SagaCompensated, SagaInProgress},
		{SagaFailed, SagaStarted},
		{SagaCompensating, SagaInProgress},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, SagaCompleted.IsTerminal())
	assert.True(t, SagaCompensated.IsTerminal())
	assert.True(t, SagaFailed.IsTerminal())
	assert.False(t, SagaStarted.IsTerminal())
	assert.False(t, SagaInProgress.IsTerminal())
	assert.False(t, SagaCompensating.IsTerminal())
}

func TestStepStatusResolved(t *testing.T) {
	assert.False(t, StepPending.Resolved())
	assert.True(t, StepSuccess.Resolved())
	assert.True(t, StepFailed.Resolved())
	assert.True(t, StepCompensated.Resolved())
}

func TestCompensationFor(t *testing.T) {
	undo, ok := CompensationFor(StepCreateBooking)
	assert.True(t, ok)
	assert.Equal(t, StepCancelBooking, undo)

	undo, ok = CompensationFor(StepChargePayment)
	assert.True(t, ok)
	assert.Equal(t, StepRefundPayment, undo)

	_, ok = CompensationFor(StepLockSeats)
	assert.False(t, ok)
	_, ok = CompensationFor(StepNotify)
	assert.False(t, ok)
}

func TestAsSagaError(t *testing.T) {
	// A tagged error passes through untouched.
	tagged := NewConflictError("saga-1", "seats taken")
	got := AsSagaError(tagged, "saga-1", StepLockSeats)
	assert.Equal(t, tagged, got)
	assert.Equal(t, KindResourceConflict, got.Kind)

	// A wrapped tagged error unwraps.
	wrapped := AsSagaError(errors.Join(tagged), "saga-1", StepLockSeats)
	assert.Equal(t, KindResourceConflict, wrapped.Kind)

	// Unknown errors become retryable collaborator failures.
	unknown := AsSagaError(errors.New("connection reset"), "saga-2", StepChargePayment)
	assert.Equal(t, KindCollaboratorFailure, unknown.Kind)
	assert.True(t, unknown.Retryable)
	assert.Equal(t, StepChargePayment, unknown.Step)
}

func TestSagaStepHelpers(t *testing.T) {
	s := &Saga{
		Steps: []Step{
			{Name: StepLockSeats, Idx: 0, Status: StepSuccess},
			{Name: StepCreateBooking, Idx: 1, Status: StepSuccess},
			{Name: StepChargePayment, Idx: 2, Status: StepFailed},
			{Name: StepConfirmSeats, Idx: 3, Status: StepPending},
		},
	}

	assert.NotNil(t, s.StepByName(StepChargePayment))
	assert.Nil(t, s.StepByName(StepNotify))

	completed := s.CompletedSteps()
	assert.Len(t, completed, 2)
	assert.Equal(t, StepLockSeats, completed[0].Name)
	assert.Equal(t, StepCreateBooking, completed[1].Name)
}

func TestFirstUnresolvedStep(t *testing.T) {
	// No outcomes at all: the saga stopped at the first step.
	s := &Saga{}
	assert.Equal(t, StepLockSeats, s.FirstUnresolvedStep())

	// Lock and booking resolved, charge still pending.
	s = &Saga{
		Steps: []Step{
			{Name: StepLockSeats, Idx: 0, Status: StepSuccess},
			{Name: StepCreateBooking, Idx: 1, Status: StepSuccess},
			{Name: StepChargePayment, Idx: 2, Status: StepPending},
		},
	}
	assert.Equal(t, StepChargePayment, s.FirstUnresolvedStep())

	// Every outcome recorded: the runner died after the last step.
	s = &Saga{Steps: []Step{
		{Name: StepLockSeats, Status: StepSuccess},
		{Name: StepCreateBooking, Status: StepSuccess},
		{Name: StepChargePayment, Status: StepSuccess},
		{Name: StepConfirmSeats, Status: StepSuccess},
		{Name: StepNotify, Status: StepFailed},
	}}
	assert.Equal(t, StepNotify, s.FirstUnresolvedStep())
}
