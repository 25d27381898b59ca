package notify

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

// Worker consumes NOTIFY commands. Notification is best-effort from the
// saga's point of view, but the worker still reports honestly so the failure
// shows up in the step record.
type Worker struct {
	Notifier *Notifier
	Producer Publisher
	Logger   *logger.Logger
}

func NewWorker(notifier *Notifier, producer Publisher, log *logger.Logger) *Worker {
	return &Worker{Notifier: notifier, Producer: producer, Logger: log}
}

func (w *Worker) HandleNotify(msg kafkago.Message) error {
	var cmd models.StepCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	var payload models.NotifyPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return fmt.Errorf("decode notify payload: %w", err)
	}

	reply := models.StepReply{
		SagaID:  cmd.SagaID,
		Step:    cmd.Step,
		Attempt: cmd.Attempt,
	}

	if err := w.Notifier.Send(context.Background(), payload); err != nil {
		w.Logger.Warn("NOTIFY", fmt.Sprintf("delivery failed for booking %s: %v", payload.BookingID, err))
		reply.Error = err.Error()
		reply.Retryable = true
	} else {
		reply.Success = true
		body, err := json.Marshal(models.NotifyResult{Delivered: true})
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		reply.Result = body
	}

	return w.Producer.PublishJSON(kafka.TopicSagaReplies, cmd.SagaID, reply)
}
