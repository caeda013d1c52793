package queue

import (
	"context"
	"time"

	"github.com/richardliu001/settlement-service/internal/model"
	"go.uber.org/zap"
)

// OutboxStore is the repository side of the relay.
type OutboxStore interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
}

// Publisher delivers one outbox event to the broker.
type Publisher interface {
	Publish(ctx context.Context, evt model.OutboxEvent) error
}

// Relay moves committed outbox rows to the broker. A row is marked processed only after
// a successful publish, so a crash in between republishes it.
type Relay struct {
	store     OutboxStore
	publisher Publisher
	log       *zap.SugaredLogger
	interval  time.Duration
	batch     int
}

func NewRelay(store OutboxStore, pub Publisher, interval time.Duration, batch int, logger *zap.SugaredLogger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Relay{store: store, publisher: pub, log: logger, interval: interval, batch: batch}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Errorf("poll outbox: %v", err)
		}
	}
}

// RunOnce publishes one batch in order and stops at the first publish failure.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.PollOutbox(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if err := r.publisher.Publish(ctx, evt); err != nil {
			r.log.Errorf("publish id=%d: %v", evt.ID, err)
			return sent, nil
		}
		if err := r.store.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			r.log.Errorf("mark processed id=%d: %v", evt.ID, err)
			return sent, nil
		}
		sent++
		r.log.Debugf("event %d sent", evt.ID)
	}
	return sent, nil
}
