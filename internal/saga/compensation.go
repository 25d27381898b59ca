package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ms-booking-saga/internal/kafka"
	"ms-booking-saga/internal/logger"
	"ms-booking-saga/internal/models"
)

// Engine unwinds a partially-completed saga: every SUCCESS step is undone in
// reverse completion order. Compensating actions are idempotent on the
// collaborator side, so redelivery and watchdog re-drives are safe.
type Engine struct {
	Store    Store
	Locks    SeatLocker
	Bus      Publisher
	Executor *Executor
	Logger   *logger.Logger
}

// Compensate moves the saga to COMPENSATING, undoes completed steps in
// reverse, and ends at COMPENSATED. If any undo action exhausts its retry
// budget the saga lands in FAILED and an alert event is published for
// operator intervention.
func (e *Engine) Compensate(ctx context.Context, sagaID string, cause *models.SagaError) {
	if err := e.Store.RecordFailure(ctx, sagaID, cause.Kind, cause.Message); err != nil {
		e.Logger.Error("COMPENSATION", fmt.Sprintf("[%s] failed to record failure: %v", sagaID, err))
	}
	if err := e.Store.UpdateSagaState(ctx, sagaID, models.SagaCompensating); err != nil {
		// Terminal saga or concurrent transition: nothing left to unwind.
		e.Logger.Warn("COMPENSATION", fmt.Sprintf("[%s] cannot enter COMPENSATING: %v", sagaID, err))
		return
	}

	saga, err := e.Store.GetSaga(ctx, sagaID)
	if err != nil {
		e.Logger.Error("COMPENSATION", fmt.Sprintf("[%s] failed to load saga: %v", sagaID, err))
		return
	}

	e.Logger.LogSaga(sagaID, fmt.Sprintf("COMPENSATING after %s at %s: %s", cause.Kind, cause.Step, cause.Message))

	completed := saga.CompletedSteps()
	sort.Slice(completed, func(i, j int) bool { return completed[i].Idx > completed[j].Idx })

	for _, step := range completed {
		if err := e.undo(ctx, saga, step); err != nil {
			e.escalate(ctx, saga, step.Name, err)
			return
		}
		if err := e.Store.MarkStepCompensated(ctx, sagaID, step.Name); err != nil {
			e.Logger.Error("COMPENSATION", fmt.Sprintf("[%s/%s] failed to mark compensated: %v", sagaID, step.Name, err))
		}
	}

	if err := e.Store.UpdateSagaState(ctx, sagaID, models.SagaCompensated); err != nil {
		e.Logger.Error("COMPENSATION", fmt.Sprintf("[%s] failed to mark COMPENSATED: %v", sagaID, err))
		return
	}
	e.Logger.LogSaga(sagaID, "COMPENSATED, all completed steps undone")
}

func (e *Engine) undo(ctx context.Context, saga *models.Saga, step models.Step) error {
	switch step.Name {
	case models.StepLockSeats:
		return e.releaseSeats(ctx, saga)

	case models.StepCreateBooking:
		bookingID := saga.BookingID
		if bookingID == "" {
			var res models.CreateBookingResult
			if err := json.Unmarshal(step.Result, &res); err == nil {
				bookingID = res.BookingID
			}
		}
		if bookingID == "" {
			e.Logger.Warn("COMPENSATION", fmt.Sprintf("[%s] no booking id recorded, nothing to cancel", saga.SagaID))
			return nil
		}
		e.Logger.LogCompensation(saga.SagaID, string(step.Name), fmt.Sprintf("cancelling booking %s", bookingID))
		return e.Executor.ExecuteCompensation(ctx, saga.SagaID, step.Name, models.StepCancelBooking,
			kafka.CompensationTopic(step.Name), models.CancelBookingPayload{BookingID: bookingID})

	case models.StepChargePayment:
		var res models.ChargePaymentResult
		if err := json.Unmarshal(step.Result, &res); err != nil || res.PaymentRef == "" {
			return models.NewCompensationError(saga.SagaID, step.Name, "charge succeeded but no payment ref was recorded")
		}
		e.Logger.LogCompensation(saga.SagaID, string(step.Name), fmt.Sprintf("refunding %s", res.PaymentRef))
		return e.Executor.ExecuteCompensation(ctx, saga.SagaID, step.Name, models.StepRefundPayment,
			kafka.CompensationTopic(step.Name), models.RefundPaymentPayload{PaymentRef: res.PaymentRef, Amount: saga.Amount})

	case models.StepConfirmSeats:
		// Only a saga unwound after confirmation reaches this branch, such as
		// a runner that crashed between ConfirmSeats and COMPLETED and was
		// picked up by the watchdog. The sold markers carry no TTL and must
		// be released here or the seats stay blocked forever.
		return e.releaseConfirmedSeats(ctx, saga)

	case models.StepNotify:
		// Informational only, nothing to undo.
		return nil
	}
	return nil
}

// releaseSeats undoes the lock locally. Release is idempotent and cheap, so
// the retry loop only guards against a flapping Redis.
func (e *Engine) releaseSeats(ctx context.Context, saga *models.Saga) error {
	return e.undoLocally(ctx, saga.SagaID, models.StepLockSeats, "seat lock release", func(ctx context.Context) error {
		return e.Locks.ReleaseSeats(ctx, saga.SagaID, saga.ShowtimeID, saga.SeatIDs)
	})
}

// releaseConfirmedSeats returns sold seats to the pool.
func (e *Engine) releaseConfirmedSeats(ctx context.Context, saga *models.Saga) error {
	return e.undoLocally(ctx, saga.SagaID, models.StepConfirmSeats, "sold seat release", func(ctx context.Context) error {
		return e.Locks.ReleaseConfirmedSeats(ctx, saga.SagaID, saga.ShowtimeID, saga.SeatIDs)
	})
}

// undoLocally is the retry loop for undo actions that run in-process against
// the seat lock manager instead of over the bus.
func (e *Engine) undoLocally(ctx context.Context, sagaID string, step models.StepName, what string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.Executor.Cfg.CompensationAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			e.Logger.LogCompensation(sagaID, string(step), what+" complete")
			return nil
		}
		e.Logger.Warn("COMPENSATION", fmt.Sprintf("[%s] %s attempt %d failed: %v", sagaID, what, attempt, lastErr))

		if attempt < e.Executor.Cfg.CompensationAttempts {
			select {
			case <-ctx.Done():
				return models.NewCompensationError(sagaID, step, fmt.Sprintf("deadline exceeded during %s", what))
			case <-time.After(e.Executor.backoffDelay(attempt)):
			}
		}
	}
	return models.NewCompensationError(sagaID, step, fmt.Sprintf("%s exhausted retries: %v", what, lastErr))
}

// escalate marks the saga FAILED after compensation could not complete and
// publishes the operator alert.
func (e *Engine) escalate(ctx context.Context, saga *models.Saga, step models.StepName, cause error) {
	reason := fmt.Sprintf("compensation of %s failed: %v", step, cause)
	e.Logger.Error("COMPENSATION", fmt.Sprintf("[%s] %s", saga.SagaID, reason))

	if err := e.Store.RecordFailure(ctx, saga.SagaID, models.KindCompensationFailure, reason); err != nil {
		e.Logger.Error("COMPENSATION", fmt.Sprintf("[%s] failed to record failure: %v", saga.SagaID, err))
	}
	if err := e.Store.UpdateSagaState(ctx, saga.SagaID, models.SagaFailed); err != nil {
		e.Logger.Error("COMPENSATION", fmt.Sprintf("[%s] failed to mark FAILED: %v", saga.SagaID, err))
	}

	event := models.SagaFailedEvent{
		SagaID:     saga.SagaID,
		BookingID:  saga.BookingID,
		FailedStep: step,
		Kind:       models.KindCompensationFailure,
		Reason:     reason,
		FailedAt:   time.Now(),
	}
	if err := e.Bus.PublishJSON(kafka.TopicSagaFailed, saga.SagaID, event); err != nil {
		e.Logger.Error("COMPENSATION", fmt.Sprintf("[%s] failed to publish alert: %v", saga.SagaID, err))
	}
}
