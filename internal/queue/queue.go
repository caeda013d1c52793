// Package queue carries credit jobs from settlement to the credit worker.
//
// Two paths exist. With durable storage the repository writes jobs to the outbox in the
// same database transaction as the settlement, Relay publishes them to Kafka and
// KafkaSource consumes them. MemoryQueue feeds the worker directly in-process.
package queue

import (
	"context"
	"errors"

	"github.com/richardliu001/settlement-service/internal/model"
)

// ErrClosed is returned by a Source that will never yield another job.
var ErrClosed = errors.New("queue closed")

// Enqueuer accepts credit jobs.
type Enqueuer interface {
	EnqueueCredit(ctx context.Context, job model.CreditJob) error
}

// Delivery is one received job. Ack must be called once the job is applied or parked;
// an unacked delivery is redelivered.
type Delivery interface {
	Job() model.CreditJob
	Ack(ctx context.Context) error
}

// Source yields deliveries and is safe for concurrent Fetch calls.
type Source interface {
	Fetch(ctx context.Context) (Delivery, error)
}
