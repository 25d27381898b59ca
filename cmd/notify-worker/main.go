package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"ms-booking-saga/internal/config"
	"ms-booking-saga/internal/kafka"
	"ms-booking-saga/internal/logger"
	"ms-booking-saga/internal/notify"
)

func main() {
	log := logger.NewLogger("notify-worker")
	defer log.Close()

	log.Info("APP", "Starting Notify Worker")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Email.SMTPHost == "" {
		log.Warn("NOTIFY", "SMTP not configured, confirmations are log-only")
	}

	producer := kafka.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	notifier := notify.NewNotifier(cfg.Email.QRSecret, cfg.Email, log)
	worker := notify.NewWorker(notifier, producer, log)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, kafka.TopicNotifyCommand,
		"notify-worker-group", producer, log, cfg.Kafka.MaxDeliveries)
	consumer.OnDeadLetter = kafka.SurfaceDeadLetterAsReply(producer, log)
	defer consumer.Close()

	go consumer.Start(ctx, worker.HandleNotify)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Notify worker started, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received")
	cancel()
	log.Info("APP", "✅ Notify worker shutdown complete")
}
