// Package worker applies settled transactions to account balances.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/settlement-service/internal/config"
	"github.com/richardliu001/settlement-service/internal/metrics"
	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/queue"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Crediter increments a balance.
type Crediter interface {
	CreditAccount(ctx context.Context, id uint64, amount decimal.Decimal) (*model.Account, error)
}

// Parker stores jobs that exhausted their attempts.
type Parker interface {
	ParkCreditJob(ctx context.Context, job model.CreditJob, attempts int, cause error) error
}

const (
	fetchErrorPause = 500 * time.Millisecond
	maxParkBackoff  = 30 * time.Second
)

// CreditWorker consumes credit jobs with a fixed pool of goroutines.
type CreditWorker struct {
	source      queue.Source
	crediter    Crediter
	parker      Parker
	log         *zap.SugaredLogger
	concurrency int
	attempts    int
	baseBackoff time.Duration
}

func NewCreditWorker(src queue.Source, crediter Crediter, parker Parker, cfg config.WorkerConfig, logger *zap.SugaredLogger) *CreditWorker {
	w := &CreditWorker{
		source:      src,
		crediter:    crediter,
		parker:      parker,
		log:         logger,
		concurrency: cfg.Concurrency,
		attempts:    cfg.Attempts,
		baseBackoff: cfg.BaseBackoff,
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.attempts <= 0 {
		w.attempts = 1
	}
	if w.baseBackoff <= 0 {
		w.baseBackoff = time.Second
	}
	return w
}

// Run blocks until ctx is cancelled or the source is closed.
func (w *CreditWorker) Run(ctx context.Context) error {
	w.log.Infof("credit worker started concurrency=%d attempts=%d", w.concurrency, w.attempts)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	return g.Wait()
}

func (w *CreditWorker) loop(ctx context.Context) error {
	for {
		d, err := w.source.Fetch(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			w.log.Errorf("fetch credit job: %v", err)
			if !sleep(ctx, fetchErrorPause) {
				return nil
			}
			continue
		}
		w.handle(ctx, d)
	}
}

// handle acks a job once it is credited or parked. Anything else leaves it unacked
// so the source redelivers it.
func (w *CreditWorker) handle(ctx context.Context, d queue.Delivery) {
	job := d.Job()
	attempts, err := w.credit(ctx, job)
	if ctx.Err() != nil {
		// unacked: the job is redelivered and may credit again (at-least-once).
		return
	}
	if err != nil {
		if perr := w.park(ctx, job, attempts, err); perr != nil {
			w.log.Warnw("shutdown before credit job was parked",
				"job_id", job.ID, "transaction_id", job.TransactionID, "error", perr)
			return
		}
		metrics.CreditJobs.WithLabelValues("parked").Inc()
		w.log.Errorw("credit job parked",
			"job_id", job.ID, "transaction_id", job.TransactionID, "account_id", job.AccountID,
			"attempts", attempts, "error", err)
	}
	if err := d.Ack(ctx); err != nil {
		w.log.Errorw("ack credit job", "job_id", job.ID, "error", err)
	}
}

// park keeps retrying ParkCreditJob until it succeeds or ctx is cancelled.
// A job is never acked before it is credited or parked.
func (w *CreditWorker) park(ctx context.Context, job model.CreditJob, attempts int, cause error) error {
	try := 0
	backoff := retry.WithCappedDuration(maxParkBackoff, retry.NewExponential(w.baseBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		try++
		if err := w.parker.ParkCreditJob(ctx, job, attempts, cause); err != nil {
			w.log.Errorw("park credit job failed",
				"job_id", job.ID, "transaction_id", job.TransactionID, "try", try, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

// credit tries up to w.attempts times, waiting base, 2*base, 4*base... between tries.
func (w *CreditWorker) credit(ctx context.Context, job model.CreditJob) (int, error) {
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(w.attempts-1), retry.NewExponential(w.baseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		acct, err := w.crediter.CreditAccount(ctx, job.AccountID, job.Amount)
		if err != nil {
			if attempt < w.attempts {
				metrics.CreditJobs.WithLabelValues("retried").Inc()
				w.log.Warnw("credit attempt failed", "job_id", job.ID, "attempt", attempt, "error", err)
			}
			return retry.RetryableError(err)
		}
		metrics.CreditJobs.WithLabelValues("credited").Inc()
		w.log.Infow("account credited",
			"job_id", job.ID, "transaction_id", job.TransactionID,
			"account_id", job.AccountID, "amount", job.Amount, "balance", acct.Balance)
		return nil
	})
	return attempt, err
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
