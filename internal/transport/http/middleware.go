package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/settlement-service/internal/idempotency"
	"github.com/richardliu001/settlement-service/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Idempotency headers.
const (
	HeaderIdempotencyKey       = "Idempotency-Key"
	HeaderLegacyIdempotencyKey = "X-Idempotency-Key"
	HeaderIdempotencyReplayed  = "Idempotency-Replayed"
)

// LoggingMiddleware logs each request and records request metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPLatency.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())
		log.Infow("http request",
			"method", c.Request.Method, "path", c.Request.URL.Path, "status", status, "latency", elapsed)
	}
}

// RateLimitMiddleware simple token bucket per client IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	return func(c *gin.Context) {
		ip := c.ClientIP()
		mu.Lock()
		lim, found := buckets[ip]
		if !found {
			lim = rate.NewLimiter(rate.Limit(rps), burst)
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			abortWithError(c, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded", nil)
			return
		}
		c.Next()
	}
}

// IdempotencyStore persists replayable responses. Reserve claims a key before the
// handler runs; Save or Release settles the claim afterwards.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	Reserve(ctx context.Context, key, requestHash string) (bool, error)
	Save(ctx context.Context, key string, rec idempotency.Record) error
	Release(ctx context.Context, key string) error
}

// IdempotencyMiddleware replays the stored 2xx response for a repeated key and answers 409
// while the first request with that key is still running. Requests without a key pass
// through. If the store is unreachable the request is served uncached.
func IdempotencyMiddleware(store IdempotencyStore, scope string, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if clientKey == "" {
			clientKey = strings.TrimSpace(c.GetHeader(HeaderLegacyIdempotencyKey))
		}
		if clientKey == "" || store == nil {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, CodeValidation, "unreadable request body", nil)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		hash := hashBody(body)
		key := idempotency.Key(scope, clientKey)
		ctx := c.Request.Context()

		rec, err := store.Get(ctx, key)
		switch {
		case err == nil:
			replay(c, rec, hash)
			return
		case errors.Is(err, idempotency.ErrMiss):
		default:
			log.Warnw("idempotency lookup failed; serving uncached", "key", key, "error", err)
			c.Next()
			return
		}

		reserved, err := store.Reserve(ctx, key, hash)
		if err != nil {
			log.Warnw("idempotency reserve failed; serving uncached", "key", key, "error", err)
			c.Next()
			return
		}
		if !reserved {
			abortWithError(c, http.StatusConflict, CodeIdempotencyInFlight,
				"a request with this idempotency key is already in progress", nil)
			return
		}

		capture := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = capture
		c.Next()

		// the claim must settle even if the client has gone away
		ctx = context.WithoutCancel(ctx)
		status := capture.Status()
		if status < 200 || status > 299 {
			if err := store.Release(ctx, key); err != nil {
				log.Errorw("release idempotency key", "key", key, "error", err)
			}
			return
		}
		err = store.Save(ctx, key, idempotency.Record{
			Status:      status,
			Body:        capture.body.String(),
			ContentType: capture.Header().Get("Content-Type"),
			RequestHash: hash,
		})
		if err != nil {
			log.Errorw("persist idempotency record", "key", key, "error", err)
		}
	}
}

func replay(c *gin.Context, rec *idempotency.Record, hash string) {
	if rec.RequestHash != hash {
		abortWithError(c, http.StatusUnprocessableEntity, CodeIdempotencyReuse,
			"idempotency key reused with a different request body", nil)
		return
	}
	if rec.Pending {
		abortWithError(c, http.StatusConflict, CodeIdempotencyInFlight,
			"a request with this idempotency key is already in progress", nil)
		return
	}
	c.Header(HeaderIdempotencyReplayed, "true")
	c.Data(rec.Status, rec.ContentType, []byte(rec.Body))
	c.Abort()
}

type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func hashBody(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}
