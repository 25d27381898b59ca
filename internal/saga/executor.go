package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"ms-booking-saga/internal/config"
	"ms-booking-saga/internal/kafka"
	"ms-booking-saga/internal/logger"
	"ms-booking-saga/internal/models"
)

// Store is the persistence the saga machinery needs. Implemented by
// internal/saga/db.
type Store interface {
	CreateSaga(ctx context.Context, saga *models.Saga) error
	GetSaga(ctx context.Context, sagaID string) (*models.Saga, error)
	UpdateSagaState(ctx context.Context, sagaID string, to models.SagaState) error
	RecordFailure(ctx context.Context, sagaID string, kind models.ErrorKind, reason string) error
	SetBookingID(ctx context.Context, sagaID, bookingID string) error
	ListExpiredSagas(ctx context.Context, now time.Time) ([]models.Saga, error)
	MarkStepStarted(ctx context.Context, sagaID string, step models.StepName, attempt int) error
	ResolveStep(ctx context.Context, sagaID string, step models.StepName, status models.StepStatus, result []byte, stepErr string) (bool, error)
	MarkStepCompensated(ctx context.Context, sagaID string, step models.StepName) error
}

// SeatLocker is the in-process seat reservation collaborator. Implemented by
// internal/seatlock.
type SeatLocker interface {
	LockSeats(ctx context.Context, sagaID, showtimeID string, seatIDs []string) (bool, error)
	ReleaseSeats(ctx context.Context, sagaID, showtimeID string, seatIDs []string) error
	ConfirmSeats(ctx context.Context, sagaID, showtimeID string, seatIDs []string) (bool, error)
	ReleaseConfirmedSeats(ctx context.Context, sagaID, showtimeID string, seatIDs []string) error
}

// Publisher is the outbound half of the event bus.
type Publisher interface {
	PublishJSON(topic string, key string, v interface{}) error
}

// Executor drives one remote step to an outcome: publish the command, wait
// for the reply, retry with backoff inside the attempt budget, and record
// the result exactly once.
type Executor struct {
	Store  Store
	Bus    Publisher
	Router *ReplyRouter
	Logger *logger.Logger
	Cfg    config.SagaConfig
}

// backoffDelay is exponential on the attempt number with a cap and ±10%
// jitter so synchronized retries from many sagas don't stampede a
// collaborator that just came back.
func (e *Executor) backoffDelay(attempt int) time.Duration {
	d := e.Cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.Cfg.BackoffCap {
			d = e.Cfg.BackoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}

// ExecuteRemote runs one forward step over the bus and resolves it in the
// store. The returned error, if any, is a *models.SagaError describing why
// the retry budget gave up.
func (e *Executor) ExecuteRemote(ctx context.Context, saga *models.Saga, step models.StepName, payload interface{}) (json.RawMessage, error) {
	topic := kafka.CommandTopic(step)
	if topic == "" {
		return nil, fmt.Errorf("step %s has no command topic", step)
	}

	result, sagaErr := e.await(ctx, saga.SagaID, step, step, topic, payload, e.Cfg.MaxAttempts)
	if sagaErr != nil {
		if _, err := e.Store.ResolveStep(ctx, saga.SagaID, step, models.StepFailed, nil, sagaErr.Message); err != nil {
			e.Logger.Error("STEP", fmt.Sprintf("[%s/%s] failed to record failure: %v", saga.SagaID, step, err))
		}
		return nil, sagaErr
	}

	applied, err := e.Store.ResolveStep(ctx, saga.SagaID, step, models.StepSuccess, result, "")
	if err != nil {
		return nil, models.AsSagaError(err, saga.SagaID, step)
	}
	if !applied {
		e.Logger.LogStep(saga.SagaID, string(step), "outcome already recorded, treating as duplicate")
	}
	return result, nil
}

// ExecuteCompensation runs one compensating command over the bus. The wire
// step name differs from the forward step so replies can't cross wires; the
// attempt budget is the compensation budget, which is deliberately larger.
func (e *Executor) ExecuteCompensation(ctx context.Context, sagaID string, forward, wire models.StepName, topic string, payload interface{}) error {
	_, sagaErr := e.await(ctx, sagaID, forward, wire, topic, payload, e.Cfg.CompensationAttempts)
	if sagaErr != nil {
		return sagaErr
	}
	return nil
}

// await is the publish/wait/retry loop shared by forward and compensating
// commands. forward names the step row being driven; wire names the command
// on the bus.
func (e *Executor) await(ctx context.Context, sagaID string, forward, wire models.StepName, topic string, payload interface{}, maxAttempts int) (json.RawMessage, *models.SagaError) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewCollaboratorError(sagaID, forward, fmt.Sprintf("marshal payload: %v", err), false)
	}

	ch := e.Router.Register(sagaID, wire)
	defer e.Router.Unregister(sagaID, wire)

	var lastErr *models.SagaError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if forward == wire {
			if err := e.Store.MarkStepStarted(ctx, sagaID, forward, attempt); err != nil {
				e.Logger.Error("STEP", fmt.Sprintf("[%s/%s] failed to mark attempt %d: %v", sagaID, forward, attempt, err))
			}
		}

		cmd := models.StepCommand{
			SagaID:   sagaID,
			Step:     wire,
			Attempt:  attempt,
			IssuedAt: time.Now(),
			Payload:  body,
		}
		if err := e.Bus.PublishJSON(topic, sagaID, cmd); err != nil {
			lastErr = models.NewCollaboratorError(sagaID, forward, fmt.Sprintf("publish command: %v", err), true)
			e.Logger.Warn("STEP", fmt.Sprintf("[%s/%s] attempt %d publish failed: %v", sagaID, wire, attempt, err))
		} else {
			e.Logger.LogStep(sagaID, string(wire), fmt.Sprintf("attempt %d dispatched to %s", attempt, topic))

			reply, timedOut := e.collect(ctx, ch, attempt)
			if timedOut {
				lastErr = models.NewTimeoutError(sagaID, forward, fmt.Sprintf("no reply within %s (attempt %d)", e.Cfg.StepTimeout, attempt))
			} else if reply == nil {
				// Context gone: saga deadline or shutdown.
				return nil, models.NewTimeoutError(sagaID, forward, "saga deadline exceeded while waiting for reply")
			} else if reply.Success {
				return reply.Result, nil
			} else {
				lastErr = models.NewCollaboratorError(sagaID, forward, reply.Error, reply.Retryable)
				if !reply.Retryable {
					return nil, lastErr
				}
			}
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, models.NewTimeoutError(sagaID, forward, "saga deadline exceeded during backoff")
			case <-time.After(e.backoffDelay(attempt)):
			}
		}
	}

	if lastErr == nil {
		lastErr = models.NewTimeoutError(sagaID, forward, "retry budget exhausted")
	}
	return nil, lastErr
}

// collect waits for the reply to one attempt. Replies from older attempts
// are only trusted when they carry a success; a stale failure says nothing
// about the attempt in flight.
func (e *Executor) collect(ctx context.Context, ch chan models.StepReply, attempt int) (*models.StepReply, bool) {
	timer := time.NewTimer(e.Cfg.StepTimeout)
	defer timer.Stop()

	for {
		select {
		case reply := <-ch:
			if reply.Success || reply.Attempt >= attempt {
				return &reply, false
			}
		case <-timer.C:
			return nil, true
		case <-ctx.Done():
			return nil, false
		}
	}
}
