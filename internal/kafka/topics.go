package kafka

import (
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-booking-saga/internal/models"
)

// Saga command and reply topics. Commands carry the step to run; all replies
// share one topic keyed by saga ID so the orchestrator consumes them in
// publish order per saga.
const (
	TopicCreateBookingCommand = "cinema.saga.booking.create.command"
	TopicCancelBookingCommand = "cinema.saga.booking.cancel.command"
	TopicChargePaymentCommand = "cinema.saga.payment.charge.command"
	TopicRefundPaymentCommand = "cinema.saga.payment.refund.command"
	TopicNotifyCommand        = "cinema.saga.notify.command"

	TopicSagaReplies = "cinema.saga.replies"
	TopicSagaFailed  = "cinema.saga.failed"
)

// DLQSuffix is appended to a topic name when a message exhausts its
// redelivery budget.
const DLQSuffix = ".dlq"

func DLQTopic(topic string) string {
	return topic + DLQSuffix
}

// AllTopics lists every topic the saga needs, DLQs included, for startup
// bootstrap.
func AllTopics() []string {
	base := []string{
		TopicCreateBookingCommand,
		TopicCancelBookingCommand,
		TopicChargePaymentCommand,
		TopicRefundPaymentCommand,
		TopicNotifyCommand,
		TopicSagaReplies,
		TopicSagaFailed,
	}
	out := make([]string, 0, len(base)*2)
	for _, t := range base {
		out = append(out, t, DLQTopic(t))
	}
	return out
}

// CommandTopic maps a forward step to its command topic. LOCK_SEATS and
// CONFIRM_SEATS are handled by the seat lock manager in-process and have no
// topic.
func CommandTopic(step models.StepName) string {
	switch step {
	case models.StepCreateBooking:
		return TopicCreateBookingCommand
	case models.StepChargePayment:
		return TopicChargePaymentCommand
	case models.StepNotify:
		return TopicNotifyCommand
	default:
		return ""
	}
}

// CompensationTopic maps a completed step to the topic of its compensating
// command. Steps with no entry compensate locally or not at all.
func CompensationTopic(step models.StepName) string {
	switch step {
	case models.StepCreateBooking:
		return TopicCancelBookingCommand
	case models.StepChargePayment:
		return TopicRefundPaymentCommand
	default:
		return ""
	}
}

// EnsureTopicsExist creates the topics if they don't already exist.
func EnsureTopicsExist(brokers []string, topics []string) error {
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.Dial("tcp", controller.Host)
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	for _, topic := range topics {
		topicConfigs := []kafka.TopicConfig{
			{
				Topic:             topic,
				NumPartitions:     1,
				ReplicationFactor: 1,
			},
		}

		err = controllerConn.CreateTopics(topicConfigs...)
		if err != nil {
			if err.Error() == "kafka server: topic already exists" {
				continue
			}
			log.Printf("Error creating topic %s: %v", topic, err)
		}
	}

	// Give the controller a moment to propagate metadata.
	time.Sleep(1 * time.Second)
	return nil
}
