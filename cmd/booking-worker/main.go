package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-booking-saga/internal/booking"
	"ms-booking-saga/internal/config"
	"ms-booking-saga/internal/kafka"
	"ms-booking-saga/internal/logger"
)

func main() {
	log := logger.NewLogger("booking-worker")
	defer log.Close()

	log.Info("APP", "Starting Booking Worker")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sqldb *sql.DB
	var err error
	for i := 0; i < 5; i++ {
		sqldb, err = sql.Open("postgres", cfg.Database.DSN)
		if err == nil {
			if err = sqldb.Ping(); err == nil {
				break
			}
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL (attempt %d/5): %v", i+1, err))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	defer sqldb.Close()

	bunDB := bun.NewDB(sqldb, pgdialect.New())
	log.Info("DATABASE", "✅ PostgreSQL connection successful")

	producer := kafka.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	service := booking.NewService(bunDB, log)
	worker := booking.NewWorker(service, producer, log)

	onDeadLetter := kafka.SurfaceDeadLetterAsReply(producer, log)

	createConsumer := kafka.NewConsumer(cfg.Kafka.Brokers, kafka.TopicCreateBookingCommand,
		"booking-worker-group", producer, log, cfg.Kafka.MaxDeliveries)
	createConsumer.OnDeadLetter = onDeadLetter
	defer createConsumer.Close()

	cancelConsumer := kafka.NewConsumer(cfg.Kafka.Brokers, kafka.TopicCancelBookingCommand,
		"booking-worker-group", producer, log, cfg.Kafka.MaxDeliveries)
	cancelConsumer.OnDeadLetter = onDeadLetter
	defer cancelConsumer.Close()

	go createConsumer.Start(ctx, worker.HandleCreate)
	go cancelConsumer.Start(ctx, worker.HandleCancel)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Booking worker started, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received")
	cancel()
	log.Info("APP", "✅ Booking worker shutdown complete")
}
