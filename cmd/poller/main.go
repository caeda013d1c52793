package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/settlement-service/internal/config"
	"github.com/richardliu001/settlement-service/internal/logger"
	"github.com/richardliu001/settlement-service/internal/queue"
	"github.com/richardliu001/settlement-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/segmentio/kafka-go"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "internal/config/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	// keyed by transaction id
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}
	defer kw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay := queue.NewRelay(repo.NewRepository(gdb, log), queue.NewKafkaPublisher(kw),
		cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, log)
	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("relay: %v", err)
	}
	log.Info("settlement-poller stopped")
}
