package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-booking-saga/internal/logger"
	"ms-booking-saga/internal/models"
)

// Handler processes one message. A returned error triggers local redelivery
// up to the configured budget; after that the message is routed to the
// dead-letter topic and OnDeadLetter is invoked so the failure can surface as
// a step failure instead of vanishing.
type Handler func(msg kafka.Message) error

// DeadLetter captures a message that exhausted its redelivery budget.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	Attempts      int             `json:"attempts"`
	MovedAt       time.Time       `json:"moved_at"`
}

type Consumer struct {
	reader        *kafka.Reader
	producer      *Producer
	logger        *logger.Logger
	maxDeliveries int

	// OnDeadLetter is called after a message lands on the DLQ. Optional.
	OnDeadLetter func(dl DeadLetter)
}

func NewConsumer(brokers []string, topic, groupID string, producer *Producer, log *logger.Logger, maxDeliveries int) *Consumer {
	if maxDeliveries < 1 {
		maxDeliveries = 1
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{
		reader:        reader,
		producer:      producer,
		logger:        log,
		maxDeliveries: maxDeliveries,
	}
}

// Start consumes until ctx is cancelled. Delivery is at-least-once: handlers
// must be idempotent.
func (c *Consumer) Start(ctx context.Context, handler Handler) {
	topic := c.reader.Config().Topic
	c.logger.LogKafka("CONSUME", topic, "consumer started")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("KAFKA", fmt.Sprintf("read from %s failed: %v", topic, err))
			continue
		}

		c.deliver(ctx, msg, handler)
	}
}

func (c *Consumer) deliver(ctx context.Context, msg kafka.Message, handler Handler) {
	topic := c.reader.Config().Topic

	var lastErr error
	for attempt := 1; attempt <= c.maxDeliveries; attempt++ {
		if err := handler(msg); err == nil {
			return
		} else {
			lastErr = err
		}

		c.logger.Warn("KAFKA", fmt.Sprintf("handler failed on %s (delivery %d/%d): %v",
			topic, attempt, c.maxDeliveries, lastErr))

		if attempt < c.maxDeliveries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
	}

	dl := DeadLetter{
		OriginalTopic: topic,
		Key:           string(msg.Key),
		Payload:       msg.Value,
		Error:         lastErr.Error(),
		Attempts:      c.maxDeliveries,
		MovedAt:       time.Now(),
	}

	if err := c.producer.PublishJSON(DLQTopic(topic), string(msg.Key), dl); err != nil {
		c.logger.Error("KAFKA", fmt.Sprintf("failed to publish dead letter for %s: %v", topic, err))
	} else {
		c.logger.LogKafka("DLQ", DLQTopic(topic), fmt.Sprintf("message keyed %s dead-lettered after %d deliveries", dl.Key, dl.Attempts))
	}

	if c.OnDeadLetter != nil {
		c.OnDeadLetter(dl)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// SurfaceDeadLetterAsReply turns a dead-lettered step command into a
// non-retryable failure reply, so the orchestrator sees the step fail
// instead of waiting out its timeout while the message rots on the DLQ.
func SurfaceDeadLetterAsReply(producer *Producer, log *logger.Logger) func(DeadLetter) {
	return func(dl DeadLetter) {
		var cmd models.StepCommand
		if err := json.Unmarshal(dl.Payload, &cmd); err != nil || cmd.SagaID == "" {
			log.Error("KAFKA", fmt.Sprintf("dead letter from %s is not a step command: %v", dl.OriginalTopic, err))
			return
		}

		reply := models.StepReply{
			SagaID:    cmd.SagaID,
			Step:      cmd.Step,
			Attempt:   cmd.Attempt,
			Success:   false,
			Error:     fmt.Sprintf("command dead-lettered after %d deliveries: %s", dl.Attempts, dl.Error),
			Retryable: false,
		}
		if err := producer.PublishJSON(TopicSagaReplies, cmd.SagaID, reply); err != nil {
			log.Error("KAFKA", fmt.Sprintf("failed to surface dead letter for saga %s: %v", cmd.SagaID, err))
		}
	}
}
