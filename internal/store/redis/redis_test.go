package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rategate/internal/common/errors"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := New(&Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, mr
}

func TestNew(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil)
		assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
	})

	t.Run("unreachable server", func(t *testing.T) {
		_, err := New(&Config{Address: "127.0.0.1:1"})
		assert.True(t, errors.IsType(err, errors.ErrTypeStoreUnavailable))
	})

	t.Run("defaults applied", func(t *testing.T) {
		s, _ := setupTestStore(t)
		assert.Equal(t, 10, s.config.PoolSize)
		assert.Equal(t, "rategate:", s.config.KeyPrefix)
		assert.Equal(t, 5*time.Second, s.config.OpTimeout)
	})
}

func TestIncrementWindow(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	t.Run("counts up from 1", func(t *testing.T) {
		for want := uint64(1); want <= 3; want++ {
			count, err := s.IncrementWindow(ctx, "k", 42, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, count)
		}
	})

	t.Run("expiry armed on first increment only", func(t *testing.T) {
		ttl := mr.TTL("rategate:w:k#42")
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("windows are independent", func(t *testing.T) {
		count, err := s.IncrementWindow(ctx, "k", 43, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), count)
	})

	t.Run("expired window starts fresh", func(t *testing.T) {
		mr.FastForward(2 * time.Minute)
		count, err := s.IncrementWindow(ctx, "k", 42, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), count)
	})
}

func TestReadWindow(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	t.Run("missing reads zero", func(t *testing.T) {
		count, err := s.ReadWindow(ctx, "nobody", 1)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("reads without incrementing", func(t *testing.T) {
		_, err := s.IncrementWindow(ctx, "r", 9, time.Minute)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			count, err := s.ReadWindow(ctx, "r", 9)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), count)
		}
	})
}

func TestBucketLifecycle(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	state, err := s.GetOrInitBucket(ctx, "b", 10)
	require.NoError(t, err)
	assert.Equal(t, 10.0, state.Tokens)
	assert.Equal(t, int64(1), state.Version)

	t.Run("second init is a read", func(t *testing.T) {
		again, err := s.GetOrInitBucket(ctx, "b", 99)
		require.NoError(t, err)
		assert.Equal(t, 10.0, again.Tokens)
		assert.Equal(t, int64(1), again.Version)
	})

	t.Run("versioned update succeeds once", func(t *testing.T) {
		next := state
		next.Tokens = 9
		next.LastRefill = time.Now()
		require.NoError(t, s.UpdateBucket(ctx, "b", state, next, time.Minute))

		// same prev version again loses the race
		err := s.UpdateBucket(ctx, "b", state, next, time.Minute)
		assert.True(t, errors.IsConflict(err))
	})

	t.Run("update reflects in state", func(t *testing.T) {
		current, err := s.GetOrInitBucket(ctx, "b", 10)
		require.NoError(t, err)
		assert.Equal(t, 9.0, current.Tokens)
		assert.Equal(t, int64(2), current.Version)
	})

	t.Run("update on missing bucket conflicts", func(t *testing.T) {
		err := s.UpdateBucket(ctx, "ghost", state, state, time.Minute)
		assert.True(t, errors.IsConflict(err))
	})
}

func TestReset(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.IncrementWindow(ctx, "rk", 1, time.Minute)
	require.NoError(t, err)
	_, err = s.IncrementWindow(ctx, "rk", 2, time.Minute)
	require.NoError(t, err)
	_, err = s.GetOrInitBucket(ctx, "rk", 3)
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx, "rk"))

	count, err := s.ReadWindow(ctx, "rk", 1)
	require.NoError(t, err)
	assert.Zero(t, count)

	state, err := s.GetOrInitBucket(ctx, "rk", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)
}

func TestUnavailableAfterShutdown(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	mr.Close()

	_, err := s.IncrementWindow(ctx, "k", 1, time.Minute)
	assert.True(t, errors.IsType(err, errors.ErrTypeStoreUnavailable))
}

func TestStats(t *testing.T) {
	s, _ := setupTestStore(t)
	stats := s.Stats()
	assert.Equal(t, "redis", stats["type"])
	assert.Equal(t, "rategate:", stats["key_prefix"])
}
