package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/richardliu001/settlement-service/internal/config"
	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/queue"
	"github.com/richardliu001/settlement-service/internal/repo"
	"github.com/richardliu001/settlement-service/internal/worker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubGateway struct {
	seq atomic.Int64
	err error
}

func (g *stubGateway) Authorize(ctx context.Context, accountID uint64, amount decimal.Decimal) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return fmt.Sprintf("auth_test_%d", g.seq.Add(1)), nil
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []model.CreditJob
}

func (e *recordingEnqueuer) EnqueueCredit(ctx context.Context, job model.CreditJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *recordingEnqueuer) all() []model.CreditJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.CreditJob(nil), e.jobs...)
}

// harness bundles a service with a view of the credit jobs it enqueued.
type harness struct {
	svc   *SettlementService
	store repo.Store
	gw    *stubGateway
	jobs  func() []model.CreditJob
}

var dbSeq atomic.Int64

func newMemoryHarness(t *testing.T) *harness {
	store := repo.NewMemoryStore()
	credits := &recordingEnqueuer{}
	gw := &stubGateway{}
	return &harness{
		svc:   NewSettlementService(store, gw, credits, zap.NewNop().Sugar()),
		store: store,
		gw:    gw,
		jobs:  credits.all,
	}
}

// newGormHarness enqueues credits through the repository outbox.
func newGormHarness(t *testing.T) *harness {
	dsn := fmt.Sprintf("file:service_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	r := repo.NewRepository(db, zap.NewNop().Sugar())
	require.NoError(t, r.Migrate())
	gw := &stubGateway{}
	return &harness{
		svc:   NewSettlementService(r, gw, r, zap.NewNop().Sugar()),
		store: r,
		gw:    gw,
		jobs: func() []model.CreditJob {
			evts, err := r.PollOutbox(context.Background(), 100)
			require.NoError(t, err)
			jobs := make([]model.CreditJob, 0, len(evts))
			for _, e := range evts {
				var j model.CreditJob
				require.NoError(t, json.Unmarshal([]byte(e.Payload), &j))
				jobs = append(jobs, j)
			}
			return jobs
		},
	}
}

func forEachHarness(t *testing.T, fn func(t *testing.T, h *harness)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryHarness(t)) })
	t.Run("gorm", func(t *testing.T) { fn(t, newGormHarness(t)) })
}

func settled(authID, stl string) model.WebhookPayload {
	return model.WebhookPayload{AuthID: authID, SettlementID: stl, Status: model.StatusSettled}
}

func failedPayload(authID, reason string) model.WebhookPayload {
	return model.WebhookPayload{AuthID: authID, Status: model.StatusFailed, FailureReason: reason}
}

func TestAuthorizeTransaction(t *testing.T) {
	forEachHarness(t, func(t *testing.T, h *harness) {
		ctx := context.Background()

		tx, err := h.svc.AuthorizeTransaction(ctx, 1, decimal.NewFromInt(1000))
		require.NoError(t, err)
		assert.NotZero(t, tx.ID)
		assert.Equal(t, model.StatusAuthorized, tx.Status)
		assert.NotEmpty(t, tx.AuthRef())
		assert.True(t, tx.Amount.Equal(decimal.NewFromInt(1000)))

		acct, err := h.svc.GetAccount(ctx, 1)
		require.NoError(t, err)
		assert.True(t, acct.Balance.IsZero())

		got, err := h.svc.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, tx.AuthRef(), got.AuthRef())
		assert.Empty(t, h.jobs())
	})
}

func TestAuthorizeTransaction_Validation(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()

	_, err := h.svc.AuthorizeTransaction(ctx, 1, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.AuthorizeTransaction(ctx, 1, decimal.NewFromInt(-5))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.svc.AuthorizeTransaction(ctx, 0, decimal.NewFromInt(5))
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestAuthorizeTransaction_GatewayFailureCreatesNothing(t *testing.T) {
	h := newMemoryHarness(t)
	h.gw.err = errors.New("processor offline")

	_, err := h.svc.AuthorizeTransaction(context.Background(), 1, decimal.NewFromInt(10))
	assert.ErrorIs(t, err, ErrGateway)

	_, err = h.store.GetTransaction(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWebhook_DuplicateSettledEnqueuesOnce(t *testing.T) {
	forEachHarness(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		tx, err := h.svc.AuthorizeTransaction(ctx, 1, decimal.NewFromInt(1000))
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			require.NoError(t, h.svc.HandleSettlementWebhook(ctx, settled(tx.AuthRef(), "stl_1")))
		}

		got, err := h.svc.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSettled, got.Status)
		require.NotNil(t, got.SettlementID)
		assert.Equal(t, "stl_1", *got.SettlementID)

		jobs := h.jobs()
		require.Len(t, jobs, 1)
		assert.Equal(t, uint64(1), jobs[0].AccountID)
		assert.Equal(t, tx.ID, jobs[0].TransactionID)
		assert.True(t, jobs[0].Amount.Equal(decimal.NewFromInt(1000)))
	})
}

func TestWebhook_ConcurrentDeliveriesSingleOutcome(t *testing.T) {
	forEachHarness(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		tx, err := h.svc.AuthorizeTransaction(ctx, 3, decimal.NewFromInt(70))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p := settled(tx.AuthRef(), "stl_race")
				if i%2 == 1 {
					p = failedPayload(tx.AuthRef(), "Gateway timeout")
				}
				assert.NoError(t, h.svc.HandleSettlementWebhook(ctx, p))
			}(i)
		}
		wg.Wait()

		got, err := h.svc.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		require.True(t, got.Status.IsTerminal())
		switch got.Status {
		case model.StatusSettled:
			assert.Nil(t, got.FailureReason)
			assert.Len(t, h.jobs(), 1)
		case model.StatusFailed:
			assert.Nil(t, got.SettlementID)
			assert.Empty(t, h.jobs())
		}
	})
}

func TestWebhook_FailedRecordsReason(t *testing.T) {
	forEachHarness(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		tx, err := h.svc.AuthorizeTransaction(ctx, 1, decimal.NewFromInt(1000))
		require.NoError(t, err)
		other, err := h.svc.AuthorizeTransaction(ctx, 1, decimal.NewFromInt(5))
		require.NoError(t, err)

		require.NoError(t, h.svc.HandleSettlementWebhook(ctx, failedPayload(tx.AuthRef(), "Gateway timeout")))
		require.NoError(t, h.svc.HandleSettlementWebhook(ctx, failedPayload(other.AuthRef(), "")))
		// a late SETTLED after FAILED changes nothing
		require.NoError(t, h.svc.HandleSettlementWebhook(ctx, settled(tx.AuthRef(), "stl_late")))

		got, err := h.svc.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got.Status)
		require.NotNil(t, got.FailureReason)
		assert.Equal(t, "Gateway timeout", *got.FailureReason)
		assert.Nil(t, got.SettlementID)

		got, err = h.svc.GetTransaction(ctx, other.ID)
		require.NoError(t, err)
		require.NotNil(t, got.FailureReason)
		assert.Equal(t, DefaultFailureReason, *got.FailureReason)

		assert.Empty(t, h.jobs())
	})
}

func TestWebhook_UnknownAuthIDIsNoop(t *testing.T) {
	forEachHarness(t, func(t *testing.T, h *harness) {
		err := h.svc.HandleSettlementWebhook(context.Background(), settled("auth_never_seen", "stl_9"))
		assert.NoError(t, err)
		assert.Empty(t, h.jobs())
	})
}

func TestWebhook_InvalidPayload(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := context.Background()
	tx, err := h.svc.AuthorizeTransaction(ctx, 1, decimal.NewFromInt(10))
	require.NoError(t, err)

	cases := map[string]model.WebhookPayload{
		"missing auth":       {Status: model.StatusSettled, SettlementID: "stl_1"},
		"missing settlement": {AuthID: tx.AuthRef(), Status: model.StatusSettled},
		"bad status":         {AuthID: tx.AuthRef(), Status: model.StatusAuthorized},
		"empty status":       {AuthID: tx.AuthRef()},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, h.svc.HandleSettlementWebhook(ctx, p), ErrValidation)
		})
	}

	got, err := h.svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAuthorized, got.Status)
}

func TestSettleTransaction(t *testing.T) {
	forEachHarness(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		tx, err := h.svc.AuthorizeTransaction(ctx, 2, decimal.NewFromInt(40))
		require.NoError(t, err)

		got, err := h.svc.SettleTransaction(ctx, tx.ID, Outcome{Status: model.StatusSettled, SettlementID: "stl_manual"})
		require.NoError(t, err)
		assert.Equal(t, model.StatusSettled, got.Status)

		again, err := h.svc.SettleTransaction(ctx, tx.ID, Outcome{Status: model.StatusFailed})
		require.NoError(t, err)
		assert.Equal(t, model.StatusSettled, again.Status)
		assert.Len(t, h.jobs(), 1)

		_, err = h.svc.SettleTransaction(ctx, 999, Outcome{Status: model.StatusFailed})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSettleTransaction_MissingAuthReference(t *testing.T) {
	forEachHarness(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		tx := &model.Transaction{AccountID: 1, Amount: decimal.NewFromInt(5), Status: model.StatusAuthorized}
		require.NoError(t, h.store.CreateTransaction(ctx, tx))

		_, err := h.svc.SettleTransaction(ctx, tx.ID, Outcome{Status: model.StatusSettled, SettlementID: "stl_1"})
		assert.ErrorIs(t, err, ErrInvalidState)

		got, err := h.svc.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusAuthorized, got.Status)
		assert.Empty(t, h.jobs())
	})
}

func TestGetTransaction_NotFound(t *testing.T) {
	h := newMemoryHarness(t)
	_, err := h.svc.GetTransaction(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

// pipeline wires the service to a memory queue drained by a credit worker.
func TestWebhook_FullQueueRevertsSettlement(t *testing.T) {
	store := repo.NewMemoryStore()
	q := queue.NewMemoryQueue(1)
	svc := NewSettlementService(store, &stubGateway{}, q, zap.NewNop().Sugar())
	ctx := context.Background()

	tx, err := svc.AuthorizeTransaction(ctx, 4, decimal.NewFromInt(300))
	require.NoError(t, err)
	require.NoError(t, q.EnqueueCredit(ctx, model.CreditJob{ID: "filler", AccountID: 99, Amount: decimal.NewFromInt(1)}))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = svc.HandleSettlementWebhook(short, settled(tx.AuthRef(), "stl_full"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAuthorized, got.Status)
	assert.Nil(t, got.SettlementID)

	d, err := q.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "filler", d.Job().ID)

	require.NoError(t, svc.HandleSettlementWebhook(ctx, settled(tx.AuthRef(), "stl_full")))
	require.NoError(t, svc.HandleSettlementWebhook(ctx, settled(tx.AuthRef(), "stl_full")))
	require.Equal(t, 1, q.Len())
	d, err = q.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, d.Job().TransactionID)
	assert.True(t, d.Job().Amount.Equal(decimal.NewFromInt(300)))

	got, err = svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSettled, got.Status)
}

func pipeline(t *testing.T) (*SettlementService, *repo.MemoryStore) {
	store := repo.NewMemoryStore()
	q := queue.NewMemoryQueue(64)
	svc := NewSettlementService(store, &stubGateway{}, q, zap.NewNop().Sugar())
	w := worker.NewCreditWorker(q, store, store, config.WorkerConfig{
		Concurrency: 5, Attempts: 3, BaseBackoff: time.Millisecond,
	}, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, store
}

func eventuallyBalance(t *testing.T, svc *SettlementService, account uint64, want int64) {
	assert.Eventually(t, func() bool {
		a, err := svc.GetAccount(context.Background(), account)
		return err == nil && a.Balance.Equal(decimal.NewFromInt(want))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScenario_SettledIsCredited(t *testing.T) {
	svc, _ := pipeline(t)
	ctx := context.Background()

	tx, err := svc.AuthorizeTransaction(ctx, 1, decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.Equal(t, model.StatusAuthorized, tx.Status)

	require.NoError(t, svc.HandleSettlementWebhook(ctx, settled(tx.AuthRef(), "stl_1")))

	got, err := svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSettled, got.Status)
	eventuallyBalance(t, svc, 1, 1000)
}

func TestScenario_FailedIsNotCredited(t *testing.T) {
	svc, store := pipeline(t)
	ctx := context.Background()

	tx, err := svc.AuthorizeTransaction(ctx, 1, decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.NoError(t, svc.HandleSettlementWebhook(ctx, failedPayload(tx.AuthRef(), "Gateway timeout")))

	got, err := svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "Gateway timeout", *got.FailureReason)

	time.Sleep(20 * time.Millisecond)
	acct, err := store.GetOrCreateAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
}

func TestScenario_ConcurrentSettlementsSumExactly(t *testing.T) {
	svc, _ := pipeline(t)
	ctx := context.Background()

	a, err := svc.AuthorizeTransaction(ctx, 5, decimal.NewFromInt(300))
	require.NoError(t, err)
	b, err := svc.AuthorizeTransaction(ctx, 5, decimal.NewFromInt(450))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, tx := range []*model.Transaction{a, b} {
		wg.Add(1)
		go func(tx *model.Transaction) {
			defer wg.Done()
			assert.NoError(t, svc.HandleSettlementWebhook(ctx, settled(tx.AuthRef(), "stl_"+tx.AuthRef())))
		}(tx)
	}
	wg.Wait()

	eventuallyBalance(t, svc, 5, 750)
}
