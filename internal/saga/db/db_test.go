package db_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-booking-saga/internal/models"
	"ms-booking-saga/internal/saga/db"
)

func setupTestDB(t *testing.T) (*db.DB, *bun.DB) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())

	for _, model := range []interface{}{(*models.Saga)(nil), (*models.Step)(nil)} {
		if _, err := bunDB.NewCreateTable().Model(model).Exec(context.Background()); err != nil {
			t.Fatalf("Failed to create table: %v", err)
		}
	}

	return &db.DB{Bun: bunDB}, bunDB
}

func newTestSaga() *models.Saga {
	now := time.Now()
	return &models.Saga{
		SagaID:     uuid.New().String(),
		UserID:     "user123",
		ShowtimeID: "show456",
		SeatIDs:    []string{"A1", "A2"},
		Amount:     24.50,
		State:      models.SagaStarted,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(5 * time.Minute),
	}
}

func TestCreateSaga_InsertsStepSkeleton(t *testing.T) {
	sagaDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	saga := newTestSaga()
	err := sagaDB.CreateSaga(context.Background(), saga)
	require.NoError(t, err)

	got, err := sagaDB.GetSaga(context.Background(), saga.SagaID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaStarted, got.State)
	assert.Equal(t, []string{"A1", "A2"}, got.SeatIDs)

	require.Len(t, got.Steps, len(models.SagaSteps))
	for i, step := range got.Steps {
		assert.Equal(t, models.SagaSteps[i], step.Name, "steps must come back in execution order")
		assert.Equal(t, models.StepPending, step.Status)
	}
}

func TestGetSaga_NotFound(t *testing.T) {
	sagaDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	_, err := sagaDB.GetSaga(context.Background(), "no-such-saga")
	assert.ErrorIs(t, err, db.ErrSagaNotFound)
}

func TestUpdateSagaState_EnforcesTransitions(t *testing.T) {
	sagaDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	saga := newTestSaga()
	require.NoError(t, sagaDB.CreateSaga(context.Background(), saga))

	// Legal forward path.
	require.NoError(t, sagaDB.UpdateSagaState(context.Background(), saga.SagaID, models.SagaInProgress))
	require.NoError(t, sagaDB.UpdateSagaState(context.Background(), saga.SagaID, models.SagaCompleted))

	// A terminal saga rejects any further transition.
	err := sagaDB.UpdateSagaState(context.Background(), saga.SagaID, models.SagaCompensating)
	assert.Error(t, err, "COMPLETED is terminal")

	got, err := sagaDB.GetSaga(context.Background(), saga.SagaID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaCompleted, got.State)
}

func TestUpdateSagaState_SameStateIsNoOp(t *testing.T) {
	sagaDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	saga := newTestSaga()
	require.NoError(t, sagaDB.CreateSaga(context.Background(), saga))

	require.NoError(t, sagaDB.UpdateSagaState(context.Background(), saga.SagaID, models.SagaInProgress))
	require.NoError(t, sagaDB.UpdateSagaState(context.Background(), saga.SagaID, models.SagaInProgress))
}

func TestResolveStep_IdempotentOutcome(t *testing.T) {
	sagaDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	saga := newTestSaga()
	require.NoError(t, sagaDB.CreateSaga(context.Background(), saga))

	applied, err := sagaDB.ResolveStep(context.Background(), saga.SagaID, models.StepCreateBooking,
		models.StepSuccess, []byte(`{"booking_id":"bk-1"}`), "")
	require.NoError(t, err)
	assert.True(t, applied, "first outcome must apply")

	// A redelivered outcome for the same step changes nothing.
	applied, err = sagaDB.ResolveStep(context.Background(), saga.SagaID, models.StepCreateBooking,
		models.StepFailed, nil, "late duplicate")
	require.NoError(t, err)
	assert.False(t, applied, "second outcome must be a no-op")

	step, err := sagaDB.GetStep(context.Background(), saga.SagaID, models.StepCreateBooking)
	require.NoError(t, err)
	assert.Equal(t, models.StepSuccess, step.Status)
	assert.JSONEq(t, `{"booking_id":"bk-1"}`, string(step.Result))
	assert.Empty(t, step.Error)
}

func TestResolveStep_RejectsNonTerminalStatus(t *testing.T) {
	sagaDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	saga := newTestSaga()
	require.NoError(t, sagaDB.CreateSaga(context.Background(), saga))

	_, err := sagaDB.ResolveStep(context.Background(), saga.SagaID, models.StepNotify, models.StepPending, nil, "")
	assert.Error(t, err)
}

func TestMarkStepCompensated(t *testing.T) {
	sagaDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	saga := newTestSaga()
	require.NoError(t, sagaDB.CreateSaga(context.Background(), saga))

	_, err := sagaDB.ResolveStep(context.Background(), saga.SagaID, models.StepChargePayment,
		models.StepSuccess, []byte(`{"payment_ref":"pi_1"}`), "")
	require.NoError(t, err)

	require.NoError(t, sagaDB.MarkStepCompensated(context.Background(), saga.SagaID, models.StepChargePayment))

	step, err := sagaDB.GetStep(context.Background(), saga.SagaID, models.StepChargePayment)
	require.NoError(t, err)
	assert.Equal(t, models.StepCompensated, step.Status)

	// Compensating a step that never succeeded is a no-op.
	require.NoError(t, sagaDB.MarkStepCompensated(context.Background(), saga.SagaID, models.StepNotify))
	step, err = sagaDB.GetStep(context.Background(), saga.SagaID, models.StepNotify)
	require.NoError(t, err)
	assert.Equal(t, models.StepPending, step.Status)
}

func TestListExpiredSagas(t *testing.T) {
	sagaDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	fresh := newTestSaga()
	require.NoError(t, sagaDB.CreateSaga(context.Background(), fresh))

	stale := newTestSaga()
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, sagaDB.CreateSaga(context.Background(), stale))

	done := newTestSaga()
	done.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, sagaDB.CreateSaga(context.Background(), done))
	require.NoError(t, sagaDB.UpdateSagaState(context.Background(), done.SagaID, models.SagaFailed))

	expired, err := sagaDB.ListExpiredSagas(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1, "only non-terminal expired sagas qualify")
	assert.Equal(t, stale.SagaID, expired[0].SagaID)
}

func TestSetBookingIDAndRecordFailure(t *testing.T) {
	sagaDB, bunDB := setupTestDB(t)
	defer bunDB.Close()

	saga := newTestSaga()
	require.NoError(t, sagaDB.CreateSaga(context.Background(), saga))

	require.NoError(t, sagaDB.SetBookingID(context.Background(), saga.SagaID, "bk-77"))
	require.NoError(t, sagaDB.RecordFailure(context.Background(), saga.SagaID, models.KindTimeout, "payment timed out"))

	got, err := sagaDB.GetSaga(context.Background(), saga.SagaID)
	require.NoError(t, err)
	assert.Equal(t, "bk-77", got.BookingID)
	assert.Equal(t, string(models.KindTimeout), got.FailureKind)
	assert.Equal(t, "payment timed out", got.Failure)
}
