package models

import (
	"errors"
	"fmt"
)

// ErrorKind tags a saga failure so the state machine can decide between
// immediate failure, compensation and operator escalation.
type ErrorKind string

const (
	// KindResourceConflict - seats already locked by another saga. No
	// compensation, the saga fails immediately.
	KindResourceConflict ErrorKind = "ResourceConflict"
	// KindCollaboratorFailure - a remote step returned an error. Triggers
	// compensation.
	KindCollaboratorFailure ErrorKind = "CollaboratorFailure"
	// KindTimeout - no response within the step deadline after the retry
	// budget. Treated like a collaborator failure.
	KindTimeout ErrorKind = "Timeout"
	// KindCompensationFailure - a compensating action failed after retries.
	// Terminal FAILED, needs operator intervention.
	KindCompensationFailure ErrorKind = "CompensationFailure"
)

// SagaError is the structured error that crosses step boundaries instead of
// free-form error objects.
type SagaError struct {
	Kind      ErrorKind
	SagaID    string
	Step      StepName
	Message   string
	Retryable bool
}

func (e *SagaError) Error() string {
	return fmt.Sprintf("%s at step %s (saga %s): %s", e.Kind, e.Step, e.SagaID, e.Message)
}

func NewConflictError(sagaID string, msg string) *SagaError {
	return &SagaError{Kind: KindResourceConflict, SagaID: sagaID, Step: StepLockSeats, Message: msg}
}

func NewCollaboratorError(sagaID string, step StepName, msg string, retryable bool) *SagaError {
	return &SagaError{Kind: KindCollaboratorFailure, SagaID: sagaID, Step: step, Message: msg, Retryable: retryable}
}

func NewTimeoutError(sagaID string, step StepName, msg string) *SagaError {
	return &SagaError{Kind: KindTimeout, SagaID: sagaID, Step: step, Message: msg, Retryable: true}
}

func NewCompensationError(sagaID string, step StepName, msg string) *SagaError {
	return &SagaError{Kind: KindCompensationFailure, SagaID: sagaID, Step: step, Message: msg}
}

// AsSagaError unwraps err into a *SagaError; unknown errors are wrapped as a
// retryable collaborator failure so transient infrastructure errors still get
// the retry budget.
func AsSagaError(err error, sagaID string, step StepName) *SagaError {
	var se *SagaError
	if errors.As(err, &se) {
		return se
	}
	return NewCollaboratorError(sagaID, step, err.Error(), true)
}
