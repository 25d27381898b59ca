package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ms-booking-saga/internal/config"
	"ms-booking-saga/internal/logger"
	"ms-booking-saga/internal/models"
)

// Orchestrator owns the booking saga state machine. Each saga runs on its
// own goroutine with a hard deadline; the only cross-saga coordination is
// the seat lock manager, so sagas for different showtimes never contend.
type Orchestrator struct {
	Store  Store
	Locks  SeatLocker
	Bus    Publisher
	Router *ReplyRouter
	Logger *logger.Logger
	Cfg    config.SagaConfig

	executor *Executor
	engine   *Engine

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

func NewOrchestrator(store Store, locks SeatLocker, bus Publisher, log *logger.Logger, cfg config.SagaConfig) *Orchestrator {
	router := NewReplyRouter()
	executor := &Executor{
		Store:  store,
		Bus:    bus,
		Router: router,
		Logger: log,
		Cfg:    cfg,
	}
	o := &Orchestrator{
		Store:    store,
		Locks:    locks,
		Bus:      bus,
		Router:   router,
		Logger:   log,
		Cfg:      cfg,
		executor: executor,
		active:   make(map[string]struct{}),
	}
	o.engine = &Engine{
		Store:    store,
		Locks:    locks,
		Bus:      bus,
		Executor: executor,
		Logger:   log,
	}
	return o
}

// StartSaga validates the request, persists the new saga and launches its
// runner. It returns as soon as the saga exists; callers poll GetStatus for
// the outcome.
func (o *Orchestrator) StartSaga(ctx context.Context, req models.BookingRequest) (*models.Saga, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	now := time.Now()
	saga := &models.Saga{
		SagaID:     uuid.New().String(),
		UserID:     req.UserID,
		ShowtimeID: req.ShowtimeID,
		SeatIDs:    dedupe(req.SeatIDs),
		Amount:     req.Amount,
		State:      models.SagaStarted,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(o.Cfg.MaxDuration),
	}

	if err := o.Store.CreateSaga(ctx, saga); err != nil {
		return nil, fmt.Errorf("create saga: %w", err)
	}

	o.Logger.LogSaga(saga.SagaID, fmt.Sprintf("started for user %s, showtime %s, %d seats, amount %.2f",
		saga.UserID, saga.ShowtimeID, len(saga.SeatIDs), saga.Amount))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(saga)
	}()

	return saga, nil
}

func validateRequest(req models.BookingRequest) error {
	var missing []string
	if req.ShowtimeID == "" {
		missing = append(missing, "showtime_id")
	}
	if req.UserID == "" {
		missing = append(missing, "user_id")
	}
	if len(req.SeatIDs) == 0 {
		missing = append(missing, "seat_ids")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if req.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	for _, s := range req.SeatIDs {
		if s == "" {
			return fmt.Errorf("seat_ids must not contain empty entries")
		}
	}
	return nil
}

func dedupe(seatIDs []string) []string {
	seen := make(map[string]struct{}, len(seatIDs))
	out := make([]string, 0, len(seatIDs))
	for _, s := range seatIDs {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// GetStatus returns the poller projection for one saga.
func (o *Orchestrator) GetStatus(ctx context.Context, sagaID string) (*models.SagaStatus, error) {
	saga, err := o.Store.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return &models.SagaStatus{
		SagaID:    saga.SagaID,
		BookingID: saga.BookingID,
		State:     saga.State,
		Failure:   saga.Failure,
		Steps:     saga.Steps,
		ExpiresAt: saga.ExpiresAt,
	}, nil
}

// HandleReply feeds a collaborator reply into the router. Replies nobody is
// waiting for are duplicates of already-resolved steps (or belong to a saga
// the watchdog already gave up on) and are dropped.
func (o *Orchestrator) HandleReply(reply models.StepReply) {
	if !o.Router.Dispatch(reply) {
		o.Logger.Debug("SAGA", fmt.Sprintf("[%s/%s] dropping reply with no waiter (attempt %d, success=%t)",
			reply.SagaID, reply.Step, reply.Attempt, reply.Success))
	}
}

// Wait blocks until all in-flight saga runners finish. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) claim(sagaID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[sagaID]; ok {
		return false
	}
	o.active[sagaID] = struct{}{}
	return true
}

func (o *Orchestrator) release(sagaID string) {
	o.mu.Lock()
	delete(o.active, sagaID)
	o.mu.Unlock()
}

// run drives one saga from STARTED to a terminal state. Step order is fixed;
// a step failure after its retry budget hands the saga to the compensation
// engine with everything completed so far undone in reverse.
func (o *Orchestrator) run(saga *models.Saga) {
	if !o.claim(saga.SagaID) {
		o.Logger.Warn("SAGA", fmt.Sprintf("[%s] runner already active, skipping", saga.SagaID))
		return
	}
	defer o.release(saga.SagaID)

	ctx, cancel := context.WithDeadline(context.Background(), saga.ExpiresAt)
	defer cancel()

	// LOCK_SEATS runs in-process against Redis. A conflict fails the saga
	// immediately: nothing was acquired, so there is nothing to compensate.
	if done := o.lockSeats(ctx, saga); done {
		return
	}

	if err := o.Store.UpdateSagaState(ctx, saga.SagaID, models.SagaInProgress); err != nil {
		o.Logger.Error("SAGA", fmt.Sprintf("[%s] state update failed: %v", saga.SagaID, err))
		return
	}

	// CREATE_BOOKING
	result, err := o.executor.ExecuteRemote(ctx, saga, models.StepCreateBooking, models.CreateBookingPayload{
		ShowtimeID: saga.ShowtimeID,
		SeatIDs:    saga.SeatIDs,
		UserID:     saga.UserID,
	})
	if err != nil {
		o.compensate(saga, models.AsSagaError(err, saga.SagaID, models.StepCreateBooking))
		return
	}
	var created models.CreateBookingResult
	if err := json.Unmarshal(result, &created); err != nil || created.BookingID == "" {
		o.compensate(saga, models.NewCollaboratorError(saga.SagaID, models.StepCreateBooking,
			"booking reply missing booking_id", false))
		return
	}
	saga.BookingID = created.BookingID
	if err := o.Store.SetBookingID(ctx, saga.SagaID, created.BookingID); err != nil {
		o.Logger.Error("SAGA", fmt.Sprintf("[%s] failed to persist booking id: %v", saga.SagaID, err))
	}

	// CHARGE_PAYMENT
	if _, err := o.executor.ExecuteRemote(ctx, saga, models.StepChargePayment, models.ChargePaymentPayload{
		BookingID: saga.BookingID,
		UserID:    saga.UserID,
		Amount:    saga.Amount,
	}); err != nil {
		o.compensate(saga, models.AsSagaError(err, saga.SagaID, models.StepChargePayment))
		return
	}

	// CONFIRM_SEATS runs in-process. Losing the lock here means the lease
	// expired mid-saga; the charge must be unwound.
	if done := o.confirmSeats(ctx, saga); done {
		return
	}

	// NOTIFY failures never fail a paid, confirmed booking.
	o.notify(ctx, saga)

	if err := o.Store.UpdateSagaState(ctx, saga.SagaID, models.SagaCompleted); err != nil {
		o.Logger.Error("SAGA", fmt.Sprintf("[%s] failed to mark COMPLETED: %v", saga.SagaID, err))
		return
	}
	o.Logger.LogSaga(saga.SagaID, fmt.Sprintf("COMPLETED, booking %s", saga.BookingID))
}

// lockSeats returns true when the saga reached a terminal state here.
func (o *Orchestrator) lockSeats(ctx context.Context, saga *models.Saga) bool {
	if err := o.Store.MarkStepStarted(ctx, saga.SagaID, models.StepLockSeats, 1); err != nil {
		o.Logger.Error("STEP", fmt.Sprintf("[%s/%s] failed to mark attempt: %v", saga.SagaID, models.StepLockSeats, err))
	}

	granted, err := o.Locks.LockSeats(ctx, saga.SagaID, saga.ShowtimeID, saga.SeatIDs)
	if err != nil {
		o.failSaga(saga, models.NewCollaboratorError(saga.SagaID, models.StepLockSeats,
			fmt.Sprintf("seat lock backend: %v", err), true))
		return true
	}
	if !granted {
		o.failSaga(saga, models.NewConflictError(saga.SagaID, "one or more seats are already taken"))
		return true
	}

	if _, err := o.Store.ResolveStep(ctx, saga.SagaID, models.StepLockSeats, models.StepSuccess, nil, ""); err != nil {
		o.Logger.Error("STEP", fmt.Sprintf("[%s/%s] failed to resolve: %v", saga.SagaID, models.StepLockSeats, err))
	}
	return false
}

// confirmSeats returns true when the saga reached a terminal state here.
func (o *Orchestrator) confirmSeats(ctx context.Context, saga *models.Saga) bool {
	if err := o.Store.MarkStepStarted(ctx, saga.SagaID, models.StepConfirmSeats, 1); err != nil {
		o.Logger.Error("STEP", fmt.Sprintf("[%s/%s] failed to mark attempt: %v", saga.SagaID, models.StepConfirmSeats, err))
	}

	confirmed, err := o.Locks.ConfirmSeats(ctx, saga.SagaID, saga.ShowtimeID, saga.SeatIDs)
	if err != nil {
		o.compensate(saga, models.NewCollaboratorError(saga.SagaID, models.StepConfirmSeats,
			fmt.Sprintf("seat confirm backend: %v", err), true))
		return true
	}
	if !confirmed {
		o.compensate(saga, models.NewCollaboratorError(saga.SagaID, models.StepConfirmSeats,
			"seat lock expired before confirmation", false))
		return true
	}

	if _, err := o.Store.ResolveStep(ctx, saga.SagaID, models.StepConfirmSeats, models.StepSuccess, nil, ""); err != nil {
		o.Logger.Error("STEP", fmt.Sprintf("[%s/%s] failed to resolve: %v", saga.SagaID, models.StepConfirmSeats, err))
	}
	return false
}

func (o *Orchestrator) notify(ctx context.Context, saga *models.Saga) {
	_, err := o.executor.ExecuteRemote(ctx, saga, models.StepNotify, models.NotifyPayload{
		BookingID:  saga.BookingID,
		UserID:     saga.UserID,
		ShowtimeID: saga.ShowtimeID,
		SeatIDs:    saga.SeatIDs,
	})
	if err != nil {
		o.Logger.Warn("SAGA", fmt.Sprintf("[%s] notification failed, booking stands: %v", saga.SagaID, err))
	}
}

// failSaga ends a saga that acquired nothing: straight to FAILED, no
// compensation.
func (o *Orchestrator) failSaga(saga *models.Saga, cause *models.SagaError) {
	ctx := context.Background()

	if _, err := o.Store.ResolveStep(ctx, saga.SagaID, cause.Step, models.StepFailed, nil, cause.Message); err != nil {
		o.Logger.Error("STEP", fmt.Sprintf("[%s/%s] failed to resolve: %v", saga.SagaID, cause.Step, err))
	}
	if err := o.Store.RecordFailure(ctx, saga.SagaID, cause.Kind, cause.Message); err != nil {
		o.Logger.Error("SAGA", fmt.Sprintf("[%s] failed to record failure: %v", saga.SagaID, err))
	}
	if err := o.Store.UpdateSagaState(ctx, saga.SagaID, models.SagaFailed); err != nil {
		o.Logger.Error("SAGA", fmt.Sprintf("[%s] failed to mark FAILED: %v", saga.SagaID, err))
		return
	}
	o.Logger.LogSaga(saga.SagaID, fmt.Sprintf("FAILED at %s: %s", cause.Step, cause.Message))
}

// compensate hands the saga to the engine. Compensation runs on a fresh
// context: the saga deadline triggered it often enough, it must not also
// starve the cleanup.
func (o *Orchestrator) compensate(saga *models.Saga, cause *models.SagaError) {
	ctx, cancel := context.WithTimeout(context.Background(), o.Cfg.MaxDuration)
	defer cancel()
	o.engine.Compensate(ctx, saga.SagaID, cause)
}

// RecoverExpired is the watchdog entry point: drive an orphaned saga to a
// terminal state. Sagas with a live runner are left alone.
func (o *Orchestrator) RecoverExpired(saga models.Saga) {
	if !o.claim(saga.SagaID) {
		return
	}
	defer o.release(saga.SagaID)

	// The row from the expiry sweep has no steps loaded; fetch them to pin
	// the failure on the step the dead runner was actually driving.
	step := models.StepLockSeats
	if full, err := o.Store.GetSaga(context.Background(), saga.SagaID); err == nil {
		step = full.FirstUnresolvedStep()
	}

	cause := models.NewTimeoutError(saga.SagaID, step, fmt.Sprintf("saga exceeded its deadline at %s", step))
	o.Logger.Warn("SAGA", fmt.Sprintf("[%s] expired in state %s at %s, recovering", saga.SagaID, saga.State, step))

	ctx, cancel := context.WithTimeout(context.Background(), o.Cfg.MaxDuration)
	defer cancel()
	o.engine.Compensate(ctx, saga.SagaID, cause)
}
