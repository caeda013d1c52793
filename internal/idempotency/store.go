// Package idempotency caches responses by client-supplied key so a retried request
// returns the original result.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrMiss is returned by Get when nothing is stored under the key.
var ErrMiss = errors.New("idempotency record not found")

// PendingTTL bounds how long a reservation blocks its key if the holder never finishes.
const PendingTTL = time.Minute

// Record is a stored response. A pending record marks a request still in flight.
type Record struct {
	Status      int    `json:"status,omitempty"`
	Body        string `json:"body,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	RequestHash string `json:"request_hash"`
	Pending     bool   `json:"pending,omitempty"`
}

// RedisStore keeps records under "idempotency:<scope>:<key>" with a fixed TTL.
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// Key builds the redis key for a client key within a scope such as "payments".
func Key(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

// Reserve claims key with a pending record. It reports false if the key is already taken.
func (s *RedisStore) Reserve(ctx context.Context, key, requestHash string) (bool, error) {
	payload, err := json.Marshal(Record{RequestHash: requestHash, Pending: true})
	if err != nil {
		return false, err
	}
	return s.rdb.SetNX(ctx, key, string(payload), PendingTTL).Result()
}

// Save replaces the reservation with the final response.
func (s *RedisStore) Save(ctx context.Context, key string, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, string(payload), s.ttl).Err()
}

// Release drops a reservation so the request can be retried.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
