// Package breaker wraps a Store with a circuit breaker built on Sony's
// gobreaker. Once the backend fails repeatedly the circuit opens and
// evaluations fail fast as Unavailable, letting the limiter's failure policy
// take over instead of stacking timeouts on a dead backend.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"rategate/internal/common/errors"
	"rategate/internal/common/logging"
	"rategate/internal/store"
)

// Config holds the circuit breaker settings.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int
	// Timeout is how long the circuit stays open before probing half-open
	Timeout time.Duration
	// MaxConcurrentRequests limits probes allowed in half-open state
	MaxConcurrentRequests int
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxFailures:           5,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.MaxFailures <= 0 {
		return errors.ConfigError("breaker MaxFailures must be positive")
	}
	if c.Timeout <= 0 {
		return errors.ConfigError("breaker Timeout must be positive")
	}
	if c.MaxConcurrentRequests <= 0 {
		return errors.ConfigError("breaker MaxConcurrentRequests must be positive")
	}
	return nil
}

// Store decorates another store.Store with a circuit breaker.
type Store struct {
	inner store.Store
	cb    *gobreaker.CircuitBreaker
}

// Wrap decorates inner with a circuit breaker. Conflict errors count as
// success for the breaker: they are logic-level races, not backend failures.
func Wrap(inner store.Store, config Config, logger logging.Logger) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: uint32(config.MaxConcurrentRequests),
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.MaxFailures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.IsConflict(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state change",
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
	}

	return &Store{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}, nil
}

func (s *Store) execute(op func() (interface{}, error)) (interface{}, error) {
	res, err := s.cb.Execute(op)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errors.StoreUnavailable("store circuit open", err)
	}
	return res, err
}

// IncrementWindow delegates through the breaker.
func (s *Store) IncrementWindow(ctx context.Context, key string, windowID uint64, ttl time.Duration) (uint64, error) {
	res, err := s.execute(func() (interface{}, error) {
		return s.inner.IncrementWindow(ctx, key, windowID, ttl)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

// ReadWindow delegates through the breaker.
func (s *Store) ReadWindow(ctx context.Context, key string, windowID uint64) (uint64, error) {
	res, err := s.execute(func() (interface{}, error) {
		return s.inner.ReadWindow(ctx, key, windowID)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

// GetOrInitBucket delegates through the breaker.
func (s *Store) GetOrInitBucket(ctx context.Context, key string, capacity float64) (store.BucketState, error) {
	res, err := s.execute(func() (interface{}, error) {
		return s.inner.GetOrInitBucket(ctx, key, capacity)
	})
	if err != nil {
		return store.BucketState{}, err
	}
	return res.(store.BucketState), nil
}

// UpdateBucket delegates through the breaker.
func (s *Store) UpdateBucket(ctx context.Context, key string, prev, next store.BucketState, ttl time.Duration) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.inner.UpdateBucket(ctx, key, prev, next, ttl)
	})
	return err
}

// Reset delegates to the inner store when it supports resets.
func (s *Store) Reset(ctx context.Context, key string) error {
	if r, ok := s.inner.(store.Resetter); ok {
		return r.Reset(ctx, key)
	}
	return errors.ConfigError("inner store does not support reset")
}

// Stats merges breaker state with the inner store's stats.
func (s *Store) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"breaker_state": s.cb.State().String(),
	}
	if st, ok := s.inner.(store.Statser); ok {
		for k, v := range st.Stats() {
			stats[k] = v
		}
	}
	return stats
}

var _ store.Store = (*Store)(nil)
