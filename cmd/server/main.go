package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/settlement-service/internal/config"
	"github.com/richardliu001/settlement-service/internal/gateway"
	"github.com/richardliu001/settlement-service/internal/idempotency"
	"github.com/richardliu001/settlement-service/internal/logger"
	"github.com/richardliu001/settlement-service/internal/queue"
	"github.com/richardliu001/settlement-service/internal/repo"
	"github.com/richardliu001/settlement-service/internal/service"
	httptransport "github.com/richardliu001/settlement-service/internal/transport/http"
	"github.com/richardliu001/settlement-service/internal/worker"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const defaultConfigPath = "internal/config/config.yaml"

// backend is the storage-dependent half of the wiring.
type backend struct {
	store   repo.Store
	credits queue.Enqueuer
	source  queue.Source
	parker  worker.Parker
	closers []io.Closer
}

func main() {
	// 1. load config
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. storage and credit queue
	be, err := newBackend(cfg, log)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}

	// 4. redis idempotency cache
	var idem httptransport.IdempotencyStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		idem = idempotency.NewRedisStore(rdb, cfg.Idempotency.TTL)
		be.closers = append(be.closers, rdb)
	} else {
		log.Warn("redis not configured; idempotent replay disabled")
	}

	// 5. gateway simulator, service, worker
	sim, err := gateway.NewSimulator(cfg.Gateway, log)
	if err != nil {
		log.Fatalf("init gateway: %v", err)
	}
	svc := service.NewSettlementService(be.store, sim, be.credits, log)
	credits := worker.NewCreditWorker(be.source, be.store, be.parker, cfg.Worker, log)

	// 6. http
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           httptransport.NewRouter(svc, idem, cfg.RateLimit, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("settlement-server listening on %s (storage=%s, gateway=%s)", srv.Addr, cfg.Storage.Driver, cfg.Gateway.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return credits.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()
	closeErr := sim.Close()
	for _, c := range be.closers {
		closeErr = multierr.Append(closeErr, c.Close())
	}
	if err := multierr.Combine(runErr, closeErr); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("shutdown: %v", err)
		os.Exit(1)
	}
	log.Info("settlement-server stopped")
}

func newBackend(cfg *config.Config, log *zap.SugaredLogger) (*backend, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		store := repo.NewMemoryStore()
		q := queue.NewMemoryQueue(cfg.Worker.QueueSize)
		log.Warn("memory storage: transactions and queued credits are lost on restart")
		return &backend{store: store, credits: q, source: q, parker: store, closers: []io.Closer{q}}, nil

	case config.DriverPostgres:
		gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		repository := repo.NewRepository(gdb, log)
		if err := repository.Migrate(); err != nil {
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		// credits go through the outbox; cmd/poller relays them to kafka
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.Topic,
		})
		return &backend{
			store:   repository,
			credits: repository,
			source:  queue.NewKafkaSource(reader, log),
			parker:  repository,
			closers: []io.Closer{reader, sqlDB},
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
