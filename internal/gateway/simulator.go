// Package gateway simulates the card processor: synchronous authorization and a delayed,
// unreliable settlement callback.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/richardliu001/settlement-service/internal/config"
	"github.com/richardliu001/settlement-service/internal/metrics"
	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeAlwaysOK   Mode = "ALWAYS_OK"
	ModeAlwaysFail Mode = "ALWAYS_FAIL"
	ModeRandomFail Mode = "RANDOM_FAIL"
)

const (
	ReasonSettlementFailed = "Settlement failed (simulated)"
	ReasonGatewayTimeout   = "Gateway timeout (simulated)"
)

var (
	ErrUnknownMode = errors.New("unknown gateway mode")
	ErrClosed      = errors.New("gateway closed")
)

// Option customises a Simulator.
type Option func(*Simulator)

// WithRandom replaces the source of RANDOM_FAIL draws. f must return values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(s *Simulator) { s.random = f }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Simulator) { s.client = c }
}

// Simulator authorizes every request and later posts the settlement outcome to the
// callback URL, retrying failed deliveries with exponential backoff.
type Simulator struct {
	mode        Mode
	failRate    float64
	delay       time.Duration
	callbackURL string
	baseBackoff time.Duration
	maxRetries  int

	client *http.Client
	log    *zap.SugaredLogger

	randMu sync.Mutex
	random func() float64

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSimulator(cfg config.GatewayConfig, logger *zap.SugaredLogger, opts ...Option) (*Simulator, error) {
	mode := Mode(cfg.Mode)
	switch mode {
	case ModeAlwaysOK, ModeAlwaysFail, ModeRandomFail:
	case "":
		mode = ModeAlwaysOK
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Simulator{
		mode:        mode,
		failRate:    cfg.FailRate,
		delay:       cfg.SettlementDelay,
		callbackURL: cfg.CallbackURL,
		baseBackoff: cfg.BaseBackoff,
		maxRetries:  cfg.MaxRetries,
		client:      &http.Client{Timeout: cfg.Timeout},
		log:         logger,
		random:      rand.New(rand.NewSource(time.Now().UnixNano())).Float64,
		ctx:         ctx,
		cancel:      cancel,
	}
	if s.baseBackoff <= 0 {
		s.baseBackoff = time.Second
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authorize returns a fresh authorization reference and schedules its settlement.
// It never waits for the settlement.
func (s *Simulator) Authorize(ctx context.Context, accountID uint64, amount decimal.Decimal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	authID := "auth_" + ulid.Make().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	s.wg.Add(1)
	go s.settle(authID)

	s.log.Debugw("authorized", "auth_id", authID, "account_id", accountID, "amount", amount)
	return authID, nil
}

// Close cancels pending deliveries and waits for in-flight ones.
func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Simulator) settle(authID string) {
	defer s.wg.Done()
	if !wait(s.ctx, s.delay) {
		return
	}
	d := &delivery{payload: s.decide(authID), attempt: 1, backoff: s.baseBackoff}
	for {
		err := s.post(d.payload)
		if err == nil {
			metrics.GatewayDeliveries.WithLabelValues("delivered").Inc()
			s.log.Infow("settlement callback delivered",
				"auth_id", authID, "status", d.payload.Status, "attempt", d.attempt)
			return
		}
		if d.attempt > s.maxRetries {
			metrics.GatewayDeliveries.WithLabelValues("exhausted").Inc()
			s.log.Errorw("settlement callback permanently failed",
				"auth_id", authID, "status", d.payload.Status, "attempts", d.attempt, "error", err)
			return
		}
		metrics.GatewayDeliveries.WithLabelValues("retry").Inc()
		s.log.Warnw("settlement callback failed",
			"auth_id", authID, "attempt", d.attempt, "retry_in", d.backoff, "error", err)
		if !wait(s.ctx, d.backoff) {
			return
		}
		d.next()
	}
}

// delivery is the retry state of one callback. The payload never changes between attempts.
type delivery struct {
	payload model.WebhookPayload
	attempt int
	backoff time.Duration
}

func (d *delivery) next() {
	d.attempt++
	d.backoff *= 2
}

func (s *Simulator) decide(authID string) model.WebhookPayload {
	switch s.mode {
	case ModeAlwaysFail:
		return failed(authID, ReasonSettlementFailed)
	case ModeRandomFail:
		if s.draw() < s.failRate {
			return failed(authID, ReasonGatewayTimeout)
		}
	}
	return model.WebhookPayload{
		AuthID:       authID,
		SettlementID: "stl_" + ulid.Make().String(),
		Status:       model.StatusSettled,
	}
}

func failed(authID, reason string) model.WebhookPayload {
	return model.WebhookPayload{AuthID: authID, Status: model.StatusFailed, FailureReason: reason}
}

func (s *Simulator) draw() float64 {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.random()
}

func (s *Simulator) post(p model.WebhookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
