package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/settlement-service/internal/metrics"
	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/queue"
	"github.com/richardliu001/settlement-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultFailureReason is recorded when a FAILED outcome carries no reason.
const DefaultFailureReason = "Settlement failed"

// Authorizer obtains an authorization reference from the card processor.
type Authorizer interface {
	Authorize(ctx context.Context, accountID uint64, amount decimal.Decimal) (string, error)
}

// Outcome is a settlement decision for one transaction.
type Outcome struct {
	Status        model.Status `json:"status"`
	SettlementID  string       `json:"settlementId,omitempty"`
	FailureReason string       `json:"failureReason,omitempty"`
}

// SettlementService owns every transaction state change.
type SettlementService struct {
	store   repo.Store
	gateway Authorizer
	credits queue.Enqueuer
	log     *zap.SugaredLogger
	now     func() time.Time
}

// NewSettlementService returns SettlementService. credits must join the store's unit of
// work for the settle-and-enqueue step to be atomic; the gorm Repository does.
func NewSettlementService(store repo.Store, gw Authorizer, credits queue.Enqueuer, logger *zap.SugaredLogger) *SettlementService {
	return &SettlementService{
		store:   store,
		gateway: gw,
		credits: credits,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AuthorizeTransaction auto-provisions the account, obtains a gateway reference and
// persists an AUTHORIZED transaction. No transaction is created if the gateway fails.
func (s *SettlementService) AuthorizeTransaction(ctx context.Context, accountID uint64, amount decimal.Decimal) (*model.Transaction, error) {
	if accountID == 0 {
		return nil, ErrInvalidAccount
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if _, err := s.store.GetOrCreateAccount(ctx, accountID); err != nil {
		return nil, fmt.Errorf("get or create account %d: %w", accountID, err)
	}
	authID, err := s.gateway.Authorize(ctx, accountID, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: authorize: %v", ErrGateway, err)
	}
	t := &model.Transaction{
		AccountID: accountID,
		Amount:    amount,
		Status:    model.StatusAuthorized,
		AuthID:    model.StringPtr(authID),
	}
	if err := s.store.CreateTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("persist transaction: %w", err)
	}
	s.log.Infow("transaction authorized",
		"transaction_id", t.ID, "account_id", accountID, "amount", amount, "auth_id", authID)
	return t, nil
}

// HandleSettlementWebhook applies a gateway callback. Unknown references and transactions
// that are already terminal are acknowledged without side effects.
func (s *SettlementService) HandleSettlementWebhook(ctx context.Context, p model.WebhookPayload) error {
	if p.AuthID == "" {
		metrics.Webhooks.WithLabelValues("invalid").Inc()
		return validationError("authId is required")
	}
	outcome := Outcome{Status: p.Status, SettlementID: p.SettlementID, FailureReason: p.FailureReason}
	if err := outcome.validate(); err != nil {
		metrics.Webhooks.WithLabelValues("invalid").Inc()
		return err
	}
	t, err := s.store.GetTransactionByAuthID(ctx, p.AuthID)
	if errors.Is(err, repo.ErrNotFound) {
		metrics.Webhooks.WithLabelValues("unknown").Inc()
		s.log.Warnw("settlement callback for unknown authorization", "auth_id", p.AuthID, "status", p.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup auth %s: %w", p.AuthID, err)
	}
	_, err = s.settle(ctx, t, outcome)
	return err
}

// SettleTransaction applies an outcome by transaction id, for manual reconciliation.
func (s *SettlementService) SettleTransaction(ctx context.Context, id uint64, outcome Outcome) (*model.Transaction, error) {
	if err := outcome.validate(); err != nil {
		return nil, err
	}
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t, nil
	}
	if t.AuthRef() == "" {
		return nil, fmt.Errorf("%w: transaction %d has no authorization reference", ErrInvalidState, id)
	}
	return s.settle(ctx, t, outcome)
}

// settle moves t out of AUTHORIZED. The conditional update and the credit enqueue share a
// unit of work, and only the caller whose update applied enqueues.
func (s *SettlementService) settle(ctx context.Context, t *model.Transaction, outcome Outcome) (*model.Transaction, error) {
	if t.Status.IsTerminal() {
		metrics.Webhooks.WithLabelValues("duplicate").Inc()
		s.log.Infow("transaction already terminal; ignoring outcome",
			"transaction_id", t.ID, "status", t.Status, "outcome", outcome.Status)
		return t, nil
	}
	if t.Status != model.StatusAuthorized {
		return nil, fmt.Errorf("%w: transaction %d is %s", ErrInvalidState, t.ID, t.Status)
	}

	next := outcome.transition(s.now())
	var applied bool
	err := s.store.Atomically(ctx, func(ctx context.Context) error {
		var err error
		applied, err = s.store.TransitionTransaction(ctx, t.ID, model.StatusAuthorized, next)
		if err != nil || !applied {
			return err
		}
		if next.Status != model.StatusSettled {
			return nil
		}
		job := model.CreditJob{
			ID:            uuid.NewString(),
			TransactionID: t.ID,
			AccountID:     t.AccountID,
			Amount:        t.Amount,
		}
		if err := s.credits.EnqueueCredit(ctx, job); err != nil {
			return fmt.Errorf("enqueue credit: %w", err)
		}
		s.log.Infow("credit job enqueued", "job_id", job.ID, "transaction_id", t.ID, "account_id", t.AccountID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settle transaction %d: %w", t.ID, err)
	}

	if !applied {
		metrics.Webhooks.WithLabelValues("duplicate").Inc()
		s.log.Infow("lost settlement race", "transaction_id", t.ID, "outcome", outcome.Status)
		return s.store.GetTransaction(ctx, t.ID)
	}
	metrics.Webhooks.WithLabelValues("applied").Inc()
	updated := *t
	next.Apply(&updated)
	s.log.Infow("transaction settled",
		"transaction_id", t.ID, "status", next.Status,
		"settlement_id", next.SettlementID, "failure_reason", next.FailureReason)
	return &updated, nil
}

// GetTransaction returns the transaction or ErrNotFound.
func (s *SettlementService) GetTransaction(ctx context.Context, id uint64) (*model.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// GetAccount returns the account, provisioning it on first reference.
func (s *SettlementService) GetAccount(ctx context.Context, id uint64) (*model.Account, error) {
	if id == 0 {
		return nil, ErrInvalidAccount
	}
	return s.store.GetOrCreateAccount(ctx, id)
}

func (o Outcome) validate() error {
	switch o.Status {
	case model.StatusSettled:
		if o.SettlementID == "" {
			return validationError("settlementId is required when status is SETTLED")
		}
	case model.StatusFailed:
	default:
		return validationError(fmt.Sprintf("status must be SETTLED or FAILED, got %q", o.Status))
	}
	return nil
}

func (o Outcome) transition(at time.Time) model.Transition {
	next := model.Transition{Status: o.Status, At: at}
	switch o.Status {
	case model.StatusSettled:
		next.SettlementID = o.SettlementID
	case model.StatusFailed:
		next.FailureReason = o.FailureReason
		if next.FailureReason == "" {
			next.FailureReason = DefaultFailureReason
		}
	}
	return next
}
