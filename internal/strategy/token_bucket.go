package strategy

import (
	"context"
	"math"
	"time"

	"rategate/internal/clock"
	"rategate/internal/common/errors"
	"rategate/internal/store"
)

// TokenBucket models quota as tokens refilled at a constant rate up to a
// capacity. Buckets start full, so a new key can burst up to the capacity
// immediately while the long-term rate stays bounded by the refill rate.
//
// Updates are optimistic: the refill/consume computation runs against a
// snapshot and is written back with a compare-and-swap. A lost race is
// recomputed from fresh state up to maxConflictRetries times.
type TokenBucket struct {
	cfg Config
}

// NewTokenBucket validates the config and returns the strategy.
func NewTokenBucket(cfg Config) (*TokenBucket, error) {
	if err := cfg.validateBucket(); err != nil {
		return nil, err
	}
	return &TokenBucket{cfg: cfg}, nil
}

// Name returns the strategy identifier.
func (s *TokenBucket) Name() string { return string(KindTokenBucket) }

// Limit returns the bucket capacity as an integer ceiling.
func (s *TokenBucket) Limit() uint64 { return uint64(s.cfg.Capacity) }

// Evaluate refills the bucket from elapsed time, consumes one token when
// available, and writes the new state back atomically.
func (s *TokenBucket) Evaluate(ctx context.Context, key string, st store.Store, clk clock.Clock) (Decision, error) {
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		state, err := st.GetOrInitBucket(ctx, key, s.cfg.Capacity)
		if err != nil {
			return Decision{}, err
		}

		now := clk.Now()
		elapsed := now.Sub(state.LastRefill)
		if elapsed < 0 {
			// tolerate loosely synchronized clocks across instances
			elapsed = 0
		}

		refilled := state.Tokens + elapsed.Seconds()*s.cfg.RefillRate
		if refilled > s.cfg.Capacity {
			refilled = s.cfg.Capacity
		}

		next := store.BucketState{LastRefill: now, Version: state.Version}
		dec := Decision{Limit: s.Limit()}
		if refilled >= 1.0 {
			next.Tokens = refilled - 1.0
			dec.Allowed = true
		} else {
			next.Tokens = refilled
			dec.RetryAfter = secondsToDuration((1.0 - refilled) / s.cfg.RefillRate)
		}

		err = st.UpdateBucket(ctx, key, state, next, s.bucketTTL())
		if errors.IsConflict(err) {
			continue
		}
		if err != nil {
			return Decision{}, err
		}

		dec.Remaining = uint64(math.Floor(next.Tokens))
		dec.ResetAt = now.Add(secondsToDuration((s.cfg.Capacity - next.Tokens) / s.cfg.RefillRate))
		return dec, nil
	}

	// retries exhausted under extreme contention; escalate so the failure
	// policy decides
	return Decision{}, errors.StoreUnavailable("token bucket conflict retries exhausted", errors.StoreConflict(key))
}

// bucketTTL keeps idle buckets alive at least twice as long as a full
// refill takes, so a returning key sees a correctly refilled bucket rather
// than a re-initialized one.
func (s *TokenBucket) bucketTTL() time.Duration {
	ttl := 2 * secondsToDuration(s.cfg.Capacity/s.cfg.RefillRate)
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
