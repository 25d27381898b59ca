package models

import (
	"time"

	"github.com/uptrace/bun"
)

type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

// Booking is owned by the booking collaborator. The unique saga_id column is
// the idempotency key: a redelivered CREATE_BOOKING for the same saga returns
// the existing row instead of inserting a second booking.
type Booking struct {
	bun.BaseModel `bun:"table:bookings"`

	BookingID  string        `bun:"booking_id,pk" json:"booking_id"`
	SagaID     string        `bun:"saga_id,unique" json:"saga_id"`
	ShowtimeID string        `bun:"showtime_id" json:"showtime_id"`
	UserID     string        `bun:"user_id" json:"user_id"`
	SeatIDs    []string      `bun:"seat_ids,array" json:"seat_ids"`
	Status     BookingStatus `bun:"status" json:"status"`
	CreatedAt  time.Time     `bun:"created_at" json:"created_at"`
}
