package booking

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"ms-booking-saga/internal/kafka"
	"ms-booking-saga/internal/logger"
	"ms-booking-saga/internal/models"
)

// Publisher is the outbound half of the bus the worker replies on.
type Publisher interface {
	PublishJSON(topic string, key string, v interface{}) error
}

// Worker consumes booking commands and answers on the shared reply topic.
// Malformed messages are returned as errors so the consumer's redelivery
// budget routes them to the DLQ; business outcomes always produce a reply.
type Worker struct {
	Service  *Service
	Producer Publisher
	Logger   *logger.Logger
}

func NewWorker(service *Service, producer Publisher, log *logger.Logger) *Worker {
	return &Worker{Service: service, Producer: producer, Logger: log}
}

// HandleCreate processes a CREATE_BOOKING command.
func (w *Worker) HandleCreate(msg kafkago.Message) error {
	var cmd models.StepCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	var payload models.CreateBookingPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return fmt.Errorf("decode create payload: %w", err)
	}

	booking, err := w.Service.CreateBooking(context.Background(), cmd.SagaID, payload)
	if err != nil {
		w.Logger.Error("BOOKING", fmt.Sprintf("create failed for saga %s: %v", cmd.SagaID, err))
		return w.reply(cmd, false, nil, err.Error(), true)
	}

	return w.reply(cmd, true, models.CreateBookingResult{BookingID: booking.BookingID}, "", false)
}

// HandleCancel processes a CANCEL_BOOKING compensation command.
func (w *Worker) HandleCancel(msg kafkago.Message) error {
	var cmd models.StepCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	var payload models.CancelBookingPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return fmt.Errorf("decode cancel payload: %w", err)
	}

	if err := w.Service.CancelBooking(context.Background(), payload.BookingID); err != nil {
		w.Logger.Error("BOOKING", fmt.Sprintf("cancel failed for booking %s: %v", payload.BookingID, err))
		return w.reply(cmd, false, nil, err.Error(), true)
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
