package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rategate/internal/clock"
	"rategate/internal/common/errors"
	"rategate/internal/store"
	"rategate/internal/store/memory"
)

func bucketFixture(t *testing.T, capacity, rate float64) (*TokenBucket, *memory.Store, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	st := memory.New(memory.WithClock(fake))
	s, err := NewTokenBucket(Config{Capacity: capacity, RefillRate: rate})
	require.NoError(t, err)
	return s, st, fake
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	// capacity=10, refill=1/s: ten immediate requests succeed, the eleventh
	// is denied with retry_after of about a second; five seconds later
	// exactly five more succeed.
	s, st, fake := bucketFixture(t, 10, 1)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		dec, err := s.Evaluate(ctx, "k", st, fake)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "burst request %d", i+1)
		assert.Equal(t, uint64(9-i), dec.Remaining)
		assertDecisionInvariants(t, dec)
	}

	dec, err := s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, time.Second, dec.RetryAfter)
	assertDecisionInvariants(t, dec)

	fake.Advance(5 * time.Second)
	for i := 0; i < 5; i++ {
		dec, err := s.Evaluate(ctx, "k", st, fake)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "refilled request %d", i+1)
	}

	dec, err = s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestTokenBucket_RefillCapsAtCapacity(t *testing.T) {
	s, st, fake := bucketFixture(t, 5, 100)
	ctx := context.Background()

	// drain two tokens, then wait far longer than a full refill takes
	for i := 0; i < 2; i++ {
		_, err := s.Evaluate(ctx, "k", st, fake)
		require.NoError(t, err)
	}
	fake.Advance(time.Hour)

	dec, err := s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, uint64(4), dec.Remaining, "refill never exceeds capacity")
}

func TestTokenBucket_FractionalRefill(t *testing.T) {
	s, st, fake := bucketFixture(t, 1, 2) // 2 tokens per second
	ctx := context.Background()

	dec, err := s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	assert.Equal(t, 500*time.Millisecond, dec.RetryAfter)

	// a quarter second refills half a token; still not enough
	fake.Advance(250 * time.Millisecond)
	dec, err = s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 250*time.Millisecond, dec.RetryAfter)

	fake.Advance(250 * time.Millisecond)
	dec, err = s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestTokenBucket_ZeroCapacityAlwaysDenies(t *testing.T) {
	s, st, fake := bucketFixture(t, 0, 1)
	ctx := context.Background()

	dec, err := s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Zero(t, dec.Remaining)
}

func TestTokenBucket_ClockSkewTolerated(t *testing.T) {
	s, st, fake := bucketFixture(t, 10, 1)
	ctx := context.Background()

	_, err := s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)

	// another instance with a slightly ahead clock wrote last_refill in our
	// future; elapsed clamps to zero instead of going negative
	fake.Advance(-500 * time.Millisecond)
	dec, err := s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, uint64(8), dec.Remaining)
}

// conflictingStore wraps a real store and forces the first n UpdateBucket
// calls to lose the CAS race.
type conflictingStore struct {
	store.Store
	conflicts int
}

func (c *conflictingStore) UpdateBucket(ctx context.Context, key string, prev, next store.BucketState, ttl time.Duration) error {
	if c.conflicts > 0 {
		c.conflicts--
		return errors.StoreConflict(key)
	}
	return c.Store.UpdateBucket(ctx, key, prev, next, ttl)
}

func TestTokenBucket_RetriesConflicts(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	inner := memory.New(memory.WithClock(fake))
	st := &conflictingStore{Store: inner, conflicts: 2}
	s, err := NewTokenBucket(Config{Capacity: 10, RefillRate: 1})
	require.NoError(t, err)

	dec, err := s.Evaluate(context.Background(), "k", st, fake)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, uint64(9), dec.Remaining, "exactly one token consumed despite retries")
}

func TestTokenBucket_ExhaustedRetriesEscalate(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	inner := memory.New(memory.WithClock(fake))
	st := &conflictingStore{Store: inner, conflicts: 100}
	s, err := NewTokenBucket(Config{Capacity: 10, RefillRate: 1})
	require.NoError(t, err)

	_, err = s.Evaluate(context.Background(), "k", st, fake)
	assert.True(t, errors.IsType(err, errors.ErrTypeStoreUnavailable))
}

func TestTokenBucket_InvariantHolds(t *testing.T) {
	// 0 <= tokens <= capacity after every update, across mixed traffic and
	// idle gaps
	s, st, fake := bucketFixture(t, 3, 10)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		_, err := s.Evaluate(ctx, "k", st, fake)
		require.NoError(t, err)

		state, err := st.GetOrInitBucket(ctx, "k", 3)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, state.Tokens, 0.0)
		assert.LessOrEqual(t, state.Tokens, 3.0)

		if i%7 == 0 {
			fake.Advance(130 * time.Millisecond)
		}
	}
}
