package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	kafkago "github.com/segmentio/kafka-go"

	"ms-booking-saga/internal/kafka"
	"ms-booking-saga/internal/logger"
	"ms-booking-saga/internal/models"
)

// Worker consumes charge and refund commands. Each charge reserves a Redis
// record keyed by saga ID before the gateway is touched, and every attempt
// carries the same provider idempotency key, so a redelivered CHARGE_PAYMENT
// replays the recorded reference instead of charging the card twice even
// when the worker dies mid-charge. Commands for one saga all hash to the
// same partition, which serialises duplicates through this worker.
type Worker struct {
	Gateway  Gateway
	Redis    *redis.Client
	Producer Publisher
	Logger   *logger.Logger
}

// Publisher is the outbound half of the bus the worker replies on.
type Publisher interface {
	PublishJSON(topic string, key string, v interface{}) error
}

func NewWorker(gateway Gateway, client *redis.Client, producer Publisher, log *logger.Logger) *Worker {
	return &Worker{Gateway: gateway, Redis: client, Producer: producer, Logger: log}
}

func chargeKey(sagaID string) string { return "payment_charge:" + sagaID }

func refundKey(paymentRef string) string { return "payment_refund:" + paymentRef }

// chargePendingMarker occupies the charge record between reserving it and
// writing the gateway reference. A redelivery that finds it knows a prior
// attempt died mid-charge and must go back to the gateway, which dedupes on
// the idempotency key.
const chargePendingMarker = "__pending__"

func chargeIdempotencyKey(sagaID string) string { return "charge_" + sagaID }

// HandleCharge processes a CHARGE_PAYMENT command.
func (w *Worker) HandleCharge(msg kafkago.Message) error {
	var cmd models.StepCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	var payload models.ChargePaymentPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return fmt.Errorf("decode charge payload: %w", err)
	}

	ctx := context.Background()

	// Reserve the record before touching the gateway. A plain get-then-set
	// leaves a window where a crash after the provider call forgets the
	// charge; the reservation plus a stable idempotency key closes it.
	reserved, err := w.Redis.SetNX(ctx, chargeKey(cmd.SagaID), chargePendingMarker, 0).Result()
	if err != nil {
		return fmt.Errorf("charge idempotency reserve: %w", err)
	}
	if !reserved {
		ref, err := w.Redis.Get(ctx, chargeKey(cmd.SagaID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("charge idempotency lookup: %w", err)
		}
		if err == nil && ref != chargePendingMarker {
			// Duplicate delivery: the card was already charged for this saga.
			w.Logger.Info("PAYMENT", fmt.Sprintf("saga %s already charged as %s, replaying result", cmd.SagaID, ref))
			return w.reply(cmd, true, models.ChargePaymentResult{PaymentRef: ref}, "", false)
		}
		// A prior attempt died between reserving and recording. Charging
		// again is safe: the provider replays its recorded outcome for the
		// same idempotency key.
		w.Logger.Warn("PAYMENT", fmt.Sprintf("saga %s has a pending charge record, re-driving through the gateway", cmd.SagaID))
	}

	ref, err := w.Gateway.Charge(ctx, chargeIdempotencyKey(cmd.SagaID), payload.BookingID, payload.UserID, payload.Amount)
	if err != nil {
		// Free the reservation so the next attempt takes the fast path.
		if delErr := w.Redis.Del(ctx, chargeKey(cmd.SagaID)).Err(); delErr != nil {
			w.Logger.Error("PAYMENT", fmt.Sprintf("failed to release charge reservation for saga %s: %v", cmd.SagaID, delErr))
		}
		if errors.Is(err, ErrDeclined) {
			return w.reply(cmd, false, nil, err.Error(), false)
		}
		w.Logger.Error("PAYMENT", fmt.Sprintf("charge failed for saga %s: %v", cmd.SagaID, err))
		return w.reply(cmd, false, nil, err.Error(), true)
	}

	if err := w.Redis.Set(ctx, chargeKey(cmd.SagaID), ref, 0).Err(); err != nil {
		// The charge went through but the record didn't stick. Still reply
		// success: the reference reaches the orchestrator's step record,
		// which is the durable copy.
		w.Logger.Error("PAYMENT", fmt.Sprintf("failed to record charge for saga %s: %v", cmd.SagaID, err))
	}

	return w.reply(cmd, true, models.ChargePaymentResult{PaymentRef: ref}, "", false)
}

// HandleRefund processes a REFUND_PAYMENT compensation command.
func (w *Worker) HandleRefund(msg kafkago.Message) error {
	var cmd models.StepCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	var payload models.RefundPaymentPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return fmt.Errorf("decode refund payload: %w", err)
	}

	ctx := context.Background()

	// A replayed refund is acknowledged without hitting the gateway again.
	if _, err := w.Redis.Get(ctx, refundKey(payload.PaymentRef)).Result(); err == nil {
		w.Logger.Info("PAYMENT", fmt.Sprintf("refund of %s already processed", payload.PaymentRef))
		return w.reply(cmd, true, nil, "", false)
	} else if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("refund idempotency lookup: %w", err)
	}

	if err := w.Gateway.Refund(ctx, payload.PaymentRef, payload.Amount); err != nil {
		w.Logger.Error("PAYMENT", fmt.Sprintf("refund of %s failed: %v", payload.PaymentRef, err))
		return w.reply(cmd, false, nil, err.Error(), true)
	}

	if err := w.Redis.Set(ctx, refundKey(payload.PaymentRef), "done", 0).Err(); err != nil {
		w.Logger.Error("PAYMENT", fmt.Sprintf("failed to record refund of %s: %v", payload.PaymentRef, err))
	}

	return w.reply(cmd, true, nil, "", false)
}

func (w *Worker) reply(cmd models.StepCommand, success bool, result interface{}, errMsg string, retryable bool) error {
	reply := models.StepReply{
		SagaID:    cmd.SagaID,
		Step:      cmd.Step,
		Attempt:   cmd.Attempt,
		Success:   success,
		Error:     errMsg,
		Retryable: retryable,
	}
	if result != nil {
		body, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		reply.Result = body
	}
	return w.Producer.PublishJSON(kafka.TopicSagaReplies, cmd.SagaID, reply)
}
