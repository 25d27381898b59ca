package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-booking-saga/internal/logger"
	"ms-booking-saga/internal/models"
)

// Service owns the bookings table. The saga_id unique constraint makes
// CreateBooking idempotent: a redelivered command for the same saga returns
// the booking that already exists instead of inserting a second one.
type Service struct {
	Bun    *bun.DB
	Logger *logger.Logger
}

func NewService(bunDB *bun.DB, log *logger.Logger) *Service {
	return &Service{Bun: bunDB, Logger: log}
}

// CreateBooking inserts a confirmed booking for the saga, or returns the one
// a previous delivery already created.
func (s *Service) CreateBooking(ctx context.Context, sagaID string, payload models.CreateBookingPayload) (*models.Booking, error) {
	if existing, err := s.GetBookingBySaga(ctx, sagaID); err == nil {
		s.Logger.Info("BOOKING", fmt.Sprintf("saga %s already has booking %s, returning it", sagaID, existing.BookingID))
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	booking := &models.Booking{
		BookingID:  uuid.New().String(),
		SagaID:     sagaID,
		ShowtimeID: payload.ShowtimeID,
		UserID:     payload.UserID,
		SeatIDs:    payload.SeatIDs,
		Status:     models.BookingConfirmed,
		CreatedAt:  time.Now(),
	}

	if _, err := s.Bun.NewInsert().Model(booking).Exec(ctx); err != nil {
		// Lost a race with a duplicate delivery: the unique constraint
		// fired, so the winner's row is the booking.
		if existing, lookupErr := s.GetBookingBySaga(ctx, sagaID); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}

	s.Logger.Info("BOOKING", fmt.Sprintf("created booking %s for saga %s (%d seats)", booking.BookingID, sagaID, len(booking.SeatIDs)))
	return booking, nil
}

// CancelBooking flips the booking to cancelled. Cancelling an unknown or
// already-cancelled booking is a no-op so compensation can be replayed.
func (s *Service) CancelBooking(ctx context.Context, bookingID string) error {
	res, err := s.Bun.NewUpdate().
		Model((*models.Booking)(nil)).
		Set("status = ?", string(models.BookingCancelled)).
		Where("booking_id = ?", bookingID).
		Where("status = ?", string(models.BookingConfirmed)).
		Exec(ctx)
	if err != nil {
		return err
	}

	if rows, err := res.RowsAffected(); err == nil && rows > 0 {
		s.Logger.Info("BOOKING", fmt.Sprintf("cancelled booking %s", bookingID))
	}
	return nil
}

// GetBookingBySaga fetches the booking created for a saga.
func (s *Service) GetBookingBySaga(ctx context.Context, sagaID string) (*models.Booking, error) {
	var booking models.Booking
	err := s.Bun.NewSelect().
		Model(&booking).
		Where("saga_id = ?", sagaID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// GetBookingByID fetches one booking.
func (s *Service) GetBookingByID(ctx context.Context, bookingID string) (*models.Booking, error) {
	var booking models.Booking
	err := s.Bun.NewSelect().
		Model(&booking).
		Where("booking_id = ?", bookingID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &booking, nil
}
