package models

import (
	"encoding/json"
	"time"
)

// StepCommand is published by the orchestrator to ask a collaborator to run
// one step (or its compensation). sagaID + step + attempt is the idempotency
// key: a collaborator that already applied the outcome replies with the
// recorded result instead of re-executing side effects.
type StepCommand struct {
	SagaID   string          `json:"saga_id"`
	Step     StepName        `json:"step"`
	Attempt  int             `json:"attempt"`
	IssuedAt time.Time       `json:"issued_at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// StepReply is the collaborator's response, published on the shared reply
// topic keyed by saga ID.
type StepReply struct {
	SagaID    string          `json:"saga_id"`
	Step      StepName        `json:"step"`
	Attempt   int             `json:"attempt"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retryable bool            `json:"retryable"`
}

// Step inputs and outputs for the collaborator contracts.

type CreateBookingPayload struct {
	ShowtimeID string   `json:"showtime_id"`
	SeatIDs    []string `json:"seat_ids"`
	UserID     string   `json:"user_id"`
}

type CreateBookingResult struct {
	BookingID string `json:"booking_id"`
}

type CancelBookingPayload struct {
	BookingID string `json:"booking_id"`
}

type ChargePaymentPayload struct {
	BookingID string  `json:"booking_id"`
	UserID    string  `json:"user_id"`
	Amount    float64 `json:"amount"`
}

type ChargePaymentResult struct {
	PaymentRef string `json:"payment_ref"`
}

type RefundPaymentPayload struct {
	PaymentRef string  `json:"payment_ref"`
	Amount     float64 `json:"amount"`
}

type NotifyPayload struct {
	BookingID  string   `json:"booking_id"`
	UserID     string   `json:"user_id"`
	ShowtimeID string   `json:"showtime_id"`
	SeatIDs    []string `json:"seat_ids"`
}

type NotifyResult struct {
	Delivered bool `json:"delivered"`
}

// SagaFailedEvent is published on the alert topic when a saga ends FAILED
// after compensation could not complete. Operators alert on this topic.
type SagaFailedEvent struct {
	SagaID     string    `json:"saga_id"`
	BookingID  string    `json:"booking_id,omitempty"`
	FailedStep StepName  `json:"failed_step"`
	Kind       ErrorKind `json:"kind"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
}
