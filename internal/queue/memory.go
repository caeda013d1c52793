package queue

import (
	"context"
	"sync"

	"github.com/richardliu001/settlement-service/internal/model"
)

// MemoryQueue is a bounded in-process queue. Jobs do not survive a restart.
type MemoryQueue struct {
	jobs      chan model.CreditJob
	closeOnce sync.Once
	done      chan struct{}
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	return &MemoryQueue{jobs: make(chan model.CreditJob, size), done: make(chan struct{})}
}

// EnqueueCredit blocks while the queue is full.
func (q *MemoryQueue) EnqueueCredit(ctx context.Context, job model.CreditJob) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Fetch(ctx context.Context) (Delivery, error) {
	select {
	case job := <-q.jobs:
		return memoryDelivery{job: job}, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports queued, unfetched jobs.
func (q *MemoryQueue) Len() int { return len(q.jobs) }

// Close stops accepting and yielding jobs.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

type memoryDelivery struct {
	job model.CreditJob
}

func (d memoryDelivery) Job() model.CreditJob        { return d.job }
func (d memoryDelivery) Ack(ctx context.Context) error { return nil }
