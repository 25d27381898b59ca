package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"ms-booking-saga/internal/config"
	"ms-booking-saga/internal/kafka"
	"ms-booking-saga/internal/logger"
	"ms-booking-saga/internal/payment"
)

func main() {
	log := logger.NewLogger("payment-worker")
	defer log.Close()

	log.Info("APP", "Starting Payment Worker")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	defer redisClient.Close()
	log.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s", cfg.Redis.Addr))

	var gateway payment.Gateway
	if cfg.Stripe.MockMode || cfg.Stripe.SecretKey == "" {
		log.Warn("PAYMENT", "Running with the mock payment gateway")
		gateway = payment.NewMockGateway(log)
	} else {
		gateway = payment.NewStripeGateway(cfg.Stripe.SecretKey, log)
		log.Info("PAYMENT", "Stripe gateway initialized")
	}

	producer := kafka.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	worker := payment.NewWorker(gateway, redisClient, producer, log)

	onDeadLetter := kafka.SurfaceDeadLetterAsReply(producer, log)

	chargeConsumer := kafka.NewConsumer(cfg.Kafka.Brokers, kafka.TopicChargePaymentCommand,
		"payment-worker-group", producer, log, cfg.Kafka.MaxDeliveries)
	chargeConsumer.OnDeadLetter = onDeadLetter
	defer chargeConsumer.Close()

	refundConsumer := kafka.NewConsumer(cfg.Kafka.Brokers, kafka.TopicRefundPaymentCommand,
		"payment-worker-group", producer, log, cfg.Kafka.MaxDeliveries)
	refundConsumer.OnDeadLetter = onDeadLetter
	defer refundConsumer.Close()

	go chargeConsumer.Start(ctx, worker.HandleCharge)
	go refundConsumer.Start(ctx, worker.HandleRefund)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Payment worker started, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received")
	cancel()
	log.Info("APP", "✅ Payment worker shutdown complete")
}
