package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-booking-saga/internal/models"
)

// ErrSagaNotFound is returned when a saga ID has no row.
var ErrSagaNotFound = errors.New("saga not found")

type DB struct {
	Bun *bun.DB
}

// ---------------- SAGAS ----------------

// CreateSaga inserts the saga row and its PENDING step rows in one
// transaction, so a crash between the two never leaves a saga without its
// step skeleton.
func (d *DB) CreateSaga(ctx context.Context, saga *models.Saga) error {
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(saga).Exec(ctx); err != nil {
			return err
		}

		steps := make([]models.Step, 0, len(models.SagaSteps))
		for i, name := range models.SagaSteps {
			steps = append(steps, models.Step{
				SagaID: saga.SagaID,
				Name:   name,
				Idx:    i,
				Status: models.StepPending,
			})
		}
		_, err := tx.NewInsert().Model(&steps).Exec(ctx)
		return err
	})
}

// GetSaga fetches one saga with its steps in execution order.
func (d *DB) GetSaga(ctx context.Context, sagaID string) (*models.Saga, error) {
	var saga models.Saga
	err := d.Bun.NewSelect().
		Model(&saga).
		Where("saga_id = ?", sagaID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, err
	}

	err = d.Bun.NewSelect().
		Model(&saga.Steps).
		Where("saga_id = ?", sagaID).
		Order("idx ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &saga, nil
}

// UpdateSagaState moves the saga to a new state, enforcing the transition
// table. An invalid edge is rejected, which keeps redelivered outcomes from
// reopening a terminal saga.
func (d *DB) UpdateSagaState(ctx context.Context, sagaID string, to models.SagaState) error {
	saga, err := d.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	if saga.State == to {
		return nil
	}
	if !saga.State.CanTransition(to) {
		return fmt.Errorf("invalid saga transition %s -> %s (saga %s)", saga.State, to, sagaID)
	}

	_, err = d.Bun.NewUpdate().
		Model((*models.Saga)(nil)).
		Set("state = ?", to).
		Set("updated_at = ?", time.Now()).
		Where("saga_id = ?", sagaID).
		Where("state = ?", saga.State).
		Exec(ctx)
	return err
}

// RecordFailure stamps the failure taxonomy fields without touching state.
func (d *DB) RecordFailure(ctx context.Context, sagaID string, kind models.ErrorKind, reason string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Saga)(nil)).
		Set("failure_kind = ?", string(kind)).
		Set("failure = ?", reason).
		Set("updated_at = ?", time.Now()).
		Where("saga_id = ?", sagaID).
		Exec(ctx)
	return err
}

// SetBookingID links the booking created by the collaborator to the saga.
func (d *DB) SetBookingID(ctx context.Context, sagaID, bookingID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Saga)(nil)).
		Set("booking_id = ?", bookingID).
		Set("updated_at = ?", time.Now()).
		Where("saga_id = ?", sagaID).
		Exec(ctx)
	return err
}

// ListExpiredSagas returns non-terminal sagas whose deadline has passed, for
// the watchdog sweep.
func (d *DB) ListExpiredSagas(ctx context.Context, now time.Time) ([]models.Saga, error) {
	var sagas []models.Saga
	err := d.Bun.NewSelect().
		Model(&sagas).
		Where("expires_at < ?", now).
		Where("state IN (?)", bun.In([]models.SagaState{models.SagaStarted, models.SagaInProgress, models.SagaCompensating})).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return sagas, nil
}

// ---------------- STEPS ----------------

// MarkStepStarted records that an attempt is in flight. Attempt numbers only
// grow; a stale redelivery with a lower attempt leaves the row untouched.
func (d *DB) MarkStepStarted(ctx context.Context, sagaID string, step models.StepName, attempt int) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Step)(nil)).
		Set("attempt = ?", attempt).
		Set("started_at = ?", time.Now()).
		Where("saga_id = ?", sagaID).
		Where("name = ?", string(step)).
		Where("attempt < ?", attempt).
		Where("status = ?", string(models.StepPending)).
		Exec(ctx)
	return err
}

// ResolveStep records the step outcome exactly once. A step that is already
// resolved is left as-is and reported via the bool so the caller can treat
// the redelivery as a no-op.
func (d *DB) ResolveStep(ctx context.Context, sagaID string, step models.StepName, status models.StepStatus, result []byte, stepErr string) (bool, error) {
	if !status.Resolved() {
		return false, fmt.Errorf("ResolveStep called with non-terminal status %s", status)
	}

	res, err := d.Bun.NewUpdate().
		Model((*models.Step)(nil)).
		Set("status = ?", string(status)).
		Set("result = ?", result).
		Set("error = ?", stepErr).
		Set("finished_at = ?", time.Now()).
		Where("saga_id = ?", sagaID).
		Where("name = ?", string(step)).
		Where("status NOT IN (?)", bun.In([]string{
			string(models.StepSuccess),
			string(models.StepFailed),
			string(models.StepCompensated),
		})).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// MarkStepCompensated flips a SUCCESS step to COMPENSATED after its undo
// action applied.
func (d *DB) MarkStepCompensated(ctx context.Context, sagaID string, step models.StepName) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Step)(nil)).
		Set("status = ?", string(models.StepCompensated)).
		Set("finished_at = ?", time.Now()).
		Where("saga_id = ?", sagaID).
		Where("name = ?", string(step)).
		Where("status = ?", string(models.StepSuccess)).
		Exec(ctx)
	return err
}

// GetStep fetches a single step row.
func (d *DB) GetStep(ctx context.Context, sagaID string, step models.StepName) (*models.Step, error) {
	var s models.Step
	err := d.Bun.NewSelect().
		Model(&s).
		Where("saga_id = ?", sagaID).
		Where("name = ?", string(step)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
