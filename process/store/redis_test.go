package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := NewRedisStore(mr.Addr(), "", 0, opts...)
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

func TestRedisStore(t *testing.T) {
	st, _ := newTestRedis(t)
	testStateStore(t, st, "")
}

func TestRedisStore_Keys(t *testing.T) {
	ctx := context.Background()

	t.Run("one hash per run", func(t *testing.T) {
		st, mr := newTestRedis(t, WithRedisPrefix("test:"))
		require.NoError(t, st.Save(ctx, "r1", "A", json.RawMessage(`{"n":1}`)))
		require.NoError(t, st.Save(ctx, "r1", "Sub/B", json.RawMessage(`{"n":2}`)))

		assert.True(t, mr.Exists("test:r1"))
		assert.Equal(t, `{"n":2}`, mr.HGet("test:r1", "Sub/B"))
	})

	t.Run("ttl refreshed on save", func(t *testing.T) {
		st, mr := newTestRedis(t, WithRedisTTL(time.Minute))
		require.NoError(t, st.Save(ctx, "r1", "A", json.RawMessage(`{}`)))
		assert.Equal(t, time.Minute, mr.TTL("procflow:run:r1"))

		mr.FastForward(2 * time.Minute)
		_, err := st.Load(ctx, "r1", "A")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("server failure is reported", func(t *testing.T) {
		st, mr := newTestRedis(t)
		mr.Close()
		err := st.Save(ctx, "r1", "A", json.RawMessage(`{}`))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}
