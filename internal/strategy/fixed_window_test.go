package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rategate/internal/clock"
	"rategate/internal/store/memory"
)

func TestFixedWindow_BasicCounting(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	st := memory.New(memory.WithClock(fake))
	s, err := NewFixedWindow(Config{Limit: 3, Window: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec, err := s.Evaluate(ctx, "k", st, fake)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Equal(t, uint64(2-i), dec.Remaining)
		assertDecisionInvariants(t, dec)
	}

	dec, err := s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assertDecisionInvariants(t, dec)
}

func TestFixedWindow_BoundaryBurst(t *testing.T) {
	// limit=5, window=1s: five requests at t=0.99s all succeed, the sixth
	// fails, and a request at t=1.01s lands in a fresh window. This is the
	// documented boundary-burst tradeoff.
	base := time.UnixMilli(0)
	fake := clock.NewFake(base.Add(990 * time.Millisecond))
	st := memory.New(memory.WithClock(fake))
	s, err := NewFixedWindow(Config{Limit: 5, Window: time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		dec, err := s.Evaluate(ctx, "k", st, fake)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "request %d at t=0.99s", i+1)
	}

	dec, err := s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	assert.False(t, dec.Allowed, "sixth request in the same window")
	assert.Equal(t, 10*time.Millisecond, dec.RetryAfter)

	fake.Set(base.Add(1010 * time.Millisecond))
	dec, err = s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "fresh window admits again")
	assert.Equal(t, uint64(4), dec.Remaining)
}

func TestFixedWindow_RetryAfterReflectsWindowRemainder(t *testing.T) {
	// limit=100, window=60s: the 101st request is denied with retry_after
	// equal to the remaining seconds in the window.
	base := time.UnixMilli(0)
	fake := clock.NewFake(base.Add(15 * time.Second))
	st := memory.New(memory.WithClock(fake))
	s, err := NewFixedWindow(Config{Limit: 100, Window: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		dec, err := s.Evaluate(ctx, "k", st, fake)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	dec, err := s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 45*time.Second, dec.RetryAfter)
	assert.Equal(t, base.Add(time.Minute).UnixMilli(), dec.ResetAt.UnixMilli())
}

func TestFixedWindow_StateExpiresAtBoundary(t *testing.T) {
	// An increment late in the window must not push the entry's lifetime
	// past the boundary; the counter dies with its window.
	base := time.UnixMilli(0)
	fake := clock.NewFake(base.Add(990 * time.Millisecond))
	st := memory.New(memory.WithClock(fake))
	s, err := NewFixedWindow(Config{Limit: 5, Window: time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Evaluate(ctx, "k", st, fake)
	require.NoError(t, err)

	count, err := st.ReadWindow(ctx, "k", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	fake.Set(base.Add(1000 * time.Millisecond))
	count, err = st.ReadWindow(ctx, "k", 0)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFixedWindow_KeysAreIndependent(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	st := memory.New(memory.WithClock(fake))
	s, err := NewFixedWindow(Config{Limit: 1, Window: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	dec, err := s.Evaluate(ctx, "a", st, fake)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	dec, err = s.Evaluate(ctx, "a", st, fake)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	dec, err = s.Evaluate(ctx, "b", st, fake)
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "key b has its own quota")
}

func TestFixedWindow_ConcurrentAdmission(t *testing.T) {
	// 1000 concurrent checks against limit=100 admit exactly 100; a
	// read-modify-write race anywhere would break the count.
	st := memory.New()
	s, err := NewFixedWindow(Config{Limit: 100, Window: time.Minute})
	require.NoError(t, err)
	clk := clock.NewReal()
	ctx := context.Background()

	const callers = 1000
	results := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dec, err := s.Evaluate(ctx, "hot", st, clk)
			assert.NoError(t, err)
			results[i] = dec.Allowed
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, ok := range results {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 100, admitted)
}
