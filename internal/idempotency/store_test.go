package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "idempotency:payments:abc", Key("payments", "abc"))
}

func TestRedisStore_GetMiss(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb, time.Hour)
	mock.ExpectGet("idempotency:payments:k1").RedisNil()

	_, err := store.Get(context.Background(), Key("payments", "k1"))
	assert.ErrorIs(t, err, ErrMiss)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_ReserveSaveGet(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb, 24*time.Hour)
	ctx := context.Background()
	key := Key("payments", "k2")
	pending, err := json.Marshal(Record{RequestHash: "h", Pending: true})
	require.NoError(t, err)
	rec := Record{Status: 201, Body: `{"id":1}`, ContentType: "application/json", RequestHash: "h"}
	payload, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectSetNX(key, string(pending), PendingTTL).SetVal(true)
	mock.ExpectGet(key).SetVal(string(pending))
	mock.ExpectSet(key, string(payload), 24*time.Hour).SetVal("OK")
	mock.ExpectGet(key).SetVal(string(payload))

	reserved, err := store.Reserve(ctx, key, "h")
	require.NoError(t, err)
	assert.True(t, reserved)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Pending)
	assert.Equal(t, "h", got.RequestHash)

	require.NoError(t, store.Save(ctx, key, rec))

	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, rec, *got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_ReserveKeepsFirstWriter(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb, time.Hour)
	pending, _ := json.Marshal(Record{RequestHash: "h", Pending: true})
	mock.ExpectSetNX("idempotency:payments:k3", string(pending), PendingTTL).SetVal(false)

	reserved, err := store.Reserve(context.Background(), "idempotency:payments:k3", "h")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Release(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb, time.Hour)
	mock.ExpectDel("idempotency:payments:k6").SetVal(1)

	require.NoError(t, store.Release(context.Background(), "idempotency:payments:k6"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_GetPropagatesErrors(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewRedisStore(rdb, time.Hour)
	mock.ExpectGet("idempotency:payments:k4").SetErr(errors.New("connection refused"))

	_, err := store.Get(context.Background(), "idempotency:payments:k4")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)

	mock.ExpectGet("idempotency:payments:k5").SetVal("{broken")
	_, err = store.Get(context.Background(), "idempotency:payments:k5")
	assert.ErrorContains(t, err, "decode idempotency record")
}
