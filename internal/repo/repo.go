package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a transaction or account does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateAuthID is returned when an authorization reference is already persisted.
var ErrDuplicateAuthID = errors.New("duplicate authorization reference")

// AccountStore holds balances; credit is the only mutation.
type AccountStore interface {
	GetOrCreateAccount(ctx context.Context, id uint64) (*model.Account, error)
	CreditAccount(ctx context.Context, id uint64, amount decimal.Decimal) (*model.Account, error)
}

// TransactionStore persists transactions. TransitionTransaction applies next only when
// the row is still in status from and reports whether it did.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetTransaction(ctx context.Context, id uint64) (*model.Transaction, error)
	GetTransactionByAuthID(ctx context.Context, authID string) (*model.Transaction, error)
	TransitionTransaction(ctx context.Context, id uint64, from model.Status, next model.Transition) (bool, error)
}

// Transactor runs fn as one unit of work. Stores called with the ctx passed to fn join it.
type Transactor interface {
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is everything the settlement service needs from persistence.
type Store interface {
	AccountStore
	TransactionStore
	Transactor
}

type txKey struct{}

// Repository is the gorm-backed Store. It also owns the credit outbox and parked jobs.
type Repository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, log: logger}
}

// Migrate creates or updates every table the repository uses.
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(&model.Account{}, &model.Transaction{}, &model.OutboxEvent{}, &model.ParkedCreditJob{})
}

// DB returns the unit-of-work connection bound to ctx, or the pool.
func (r *Repository) DB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

// Atomically wraps fn in a database transaction.
func (r *Repository) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// GetOrCreateAccount inserts a zero-balance account unless one exists.
func (r *Repository) GetOrCreateAccount(ctx context.Context, id uint64) (*model.Account, error) {
	db := r.DB(ctx)
	if err := ensureAccount(db, id); err != nil {
		return nil, err
	}
	var a model.Account
	if err := db.Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// CreditAccount increments the balance in a single UPDATE.
func (r *Repository) CreditAccount(ctx context.Context, id uint64, amount decimal.Decimal) (*model.Account, error) {
	var a model.Account
	err := r.Atomically(ctx, func(ctx context.Context) error {
		db := r.DB(ctx)
		if err := ensureAccount(db, id); err != nil {
			return err
		}
		res := db.Model(&model.Account{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance + ?", amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		return db.Where("id = ?", id).First(&a).Error
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func ensureAccount(db *gorm.DB, id uint64) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Account{ID: id, Balance: decimal.Zero}).Error
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	if authID := t.AuthRef(); authID != "" {
		var n int64
		if err := r.DB(ctx).Model(&model.Transaction{}).Where("auth_id = ?", authID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateAuthID
		}
	}
	return r.DB(ctx).Create(t).Error
}

// GetTransaction finds by primary key.
func (r *Repository) GetTransaction(ctx context.Context, id uint64) (*model.Transaction, error) {
	return r.findTransaction(ctx, "id = ?", id)
}

// GetTransactionByAuthID finds by gateway authorization reference.
func (r *Repository) GetTransactionByAuthID(ctx context.Context, authID string) (*model.Transaction, error) {
	return r.findTransaction(ctx, "auth_id = ?", authID)
}

func (r *Repository) findTransaction(ctx context.Context, query string, arg interface{}) (*model.Transaction, error) {
	var t model.Transaction
	err := r.DB(ctx).Where(query, arg).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TransitionTransaction is UPDATE ... WHERE status = from; zero rows means another writer won.
func (r *Repository) TransitionTransaction(ctx context.Context, id uint64, from model.Status, next model.Transition) (bool, error) {
	updates := map[string]interface{}{
		"status":     string(next.Status),
		"updated_at": next.At,
	}
	switch next.Status {
	case model.StatusSettled:
		updates["settlement_id"] = next.SettlementID
	case model.StatusFailed:
		updates["failure_reason"] = next.FailureReason
	}
	res := r.DB(ctx).Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// EnqueueCredit writes the job to the outbox inside the caller's unit of work.
func (r *Repository) EnqueueCredit(ctx context.Context, job model.CreditJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal credit job: %w", err)
	}
	evt := &model.OutboxEvent{
		Aggregate:   "Transaction",
		AggregateID: job.TransactionID,
		EventType:   model.EventCreditBalance,
		Payload:     string(payload),
	}
	return r.DB(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.DB(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now().UTC()
	return r.DB(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// ParkCreditJob records a job whose retries are exhausted.
func (r *Repository) ParkCreditJob(ctx context.Context, job model.CreditJob, attempts int, cause error) error {
	row := &model.ParkedCreditJob{
		JobID:         job.ID,
		TransactionID: job.TransactionID,
		AccountID:     job.AccountID,
		Amount:        job.Amount,
		Attempts:      attempts,
		LastError:     truncate(errString(cause), 1024),
	}
	return r.DB(ctx).Create(row).Error
}

// ParkedCreditJobs lists parked jobs, newest first.
func (r *Repository) ParkedCreditJobs(ctx context.Context, limit int) ([]model.ParkedCreditJob, error) {
	var rows []model.ParkedCreditJob
	err := r.DB(ctx).Order("id desc").Limit(limit).Find(&rows).Error
	return rows, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
