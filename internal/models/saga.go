package models

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// SagaState is the lifecycle state of a booking saga.
type SagaState string

const (
	SagaStarted      SagaState = "STARTED"
	SagaInProgress   SagaState = "IN_PROGRESS"
	SagaCompleted    SagaState = "COMPLETED"
	SagaCompensating SagaState = "COMPENSATING"
	SagaCompensated  SagaState = "COMPENSATED"
	SagaFailed       SagaState = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s SagaState) IsTerminal() bool {
	switch s {
	case SagaCompleted, SagaCompensated, SagaFailed:
		return true
	}
	return false
}

// CanTransition validates a state machine edge. The machine only moves
// forward: STARTED -> IN_PROGRESS -> COMPLETED, with COMPENSATING as the
// failure branch and FAILED reachable from STARTED (lock conflict) or from
// COMPENSATING (compensation exhausted).
func (s SagaState) CanTransition(to SagaState) bool {
	switch s {
	case SagaStarted:
		return to == SagaInProgress || to == SagaFailed || to == SagaCompensating
	case SagaInProgress:
		return to == SagaInProgress || to == SagaCompleted || to == SagaCompensating
	case SagaCompensating:
		return to == SagaCompensated || to == SagaFailed
	}
	return false
}

// StepName identifies one step of the booking saga.
type StepName string

const (
	StepLockSeats     StepName = "LOCK_SEATS"
	StepCreateBooking StepName = "CREATE_BOOKING"
	StepChargePayment StepName = "CHARGE_PAYMENT"
	StepConfirmSeats  StepName = "CONFIRM_SEATS"
	StepNotify        StepName = "NOTIFY"
)

// Compensation command names. These exist only on the wire so a late
// duplicate of a forward reply can never be mistaken for a compensation ack.
const (
	StepCancelBooking StepName = "CANCEL_BOOKING"
	StepRefundPayment StepName = "REFUND_PAYMENT"
)

// CompensationFor maps a forward step to the command name of its undo
// action. Steps without an entry are undone in-process or not at all.
func CompensationFor(step StepName) (StepName, bool) {
	switch step {
	case StepCreateBooking:
		return StepCancelBooking, true
	case StepChargePayment:
		return StepRefundPayment, true
	}
	return "", false
}

// SagaSteps is the forward execution order. Step N+1 never starts before
// step N is SUCCESS.
var SagaSteps = []StepName{
	StepLockSeats,
	StepCreateBooking,
	StepChargePayment,
	StepConfirmSeats,
	StepNotify,
}

type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepSuccess     StepStatus = "SUCCESS"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

// Resolved reports whether the step outcome has been recorded. A resolved
// step is never re-transitioned; redelivered outcomes are no-ops.
func (s StepStatus) Resolved() bool {
	return s == StepSuccess || s == StepFailed || s == StepCompensated
}

type Saga struct {
	bun.BaseModel `bun:"table:sagas"`

	SagaID      string    `bun:"saga_id,pk" json:"saga_id"`
	BookingID   string    `bun:"booking_id" json:"booking_id,omitempty"`
	UserID      string    `bun:"user_id" json:"user_id"`
	ShowtimeID  string    `bun:"showtime_id" json:"showtime_id"`
	SeatIDs     []string  `bun:"seat_ids,array" json:"seat_ids"`
	Amount      float64   `bun:"amount" json:"amount"`
	State       SagaState `bun:"state" json:"state"`
	FailureKind string    `bun:"failure_kind" json:"failure_kind,omitempty"`
	Failure     string    `bun:"failure" json:"failure,omitempty"`
	CreatedAt   time.Time `bun:"created_at" json:"created_at"`
	UpdatedAt   time.Time `bun:"updated_at" json:"updated_at"`
	ExpiresAt   time.Time `bun:"expires_at" json:"expires_at"`

	Steps []Step `bun:"-" json:"steps,omitempty"`
}

// StepByName returns the recorded step with the given name, or nil.
func (s *Saga) StepByName(name StepName) *Step {
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return &s.Steps[i]
		}
	}
	return nil
}

// FirstUnresolvedStep returns the earliest step with no recorded outcome,
// which is where an orphaned saga stopped. When every step resolved (the
// runner died after the last step, before the state flip) it returns the
// final step.
func (s *Saga) FirstUnresolvedStep() StepName {
	for _, name := range SagaSteps {
		st := s.StepByName(name)
		if st == nil || !st.Status.Resolved() {
			return name
		}
	}
	return SagaSteps[len(SagaSteps)-1]
}

// CompletedSteps returns the SUCCESS steps in completion order.
func (s *Saga) CompletedSteps() []Step {
	var out []Step
	for _, st := range s.Steps {
		if st.Status == StepSuccess {
			out = append(out, st)
		}
	}
	return out
}

type Step struct {
	bun.BaseModel `bun:"table:saga_steps"`

	SagaID     string          `bun:"saga_id,pk" json:"saga_id"`
	Name       StepName        `bun:"name,pk" json:"name"`
	Idx        int             `bun:"idx" json:"idx"`
	Status     StepStatus      `bun:"status" json:"status"`
	Attempt    int             `bun:"attempt" json:"attempt"`
	Result     json.RawMessage `bun:"result" json:"result,omitempty"`
	Error      string          `bun:"error" json:"error,omitempty"`
	StartedAt  time.Time       `bun:"started_at" json:"started_at"`
	FinishedAt time.Time       `bun:"finished_at,nullzero" json:"finished_at,omitempty"`
}

// BookingRequest is the caller's input to startSaga.
type BookingRequest struct {
	ShowtimeID string   `json:"showtime_id"`
	UserID     string   `json:"user_id"`
	SeatIDs    []string `json:"seat_ids"`
	Amount     float64  `json:"amount"`
}

// SagaStatus is the read-only projection returned to pollers.
type SagaStatus struct {
	SagaID    string    `json:"saga_id"`
	BookingID string    `json:"booking_id,omitempty"`
	State     SagaState `json:"state"`
	Failure   string    `json:"failure,omitempty"`
	Steps     []Step    `json:"steps"`
	ExpiresAt time.Time `json:"expires_at"`
}
