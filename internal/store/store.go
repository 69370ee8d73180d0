// Package store defines the pluggable state backend contract for the rate
// limiting engine. All persisted counter and token bucket state lives behind
// this interface; strategies and the limiter facade hold no mutable state of
// their own.
package store

import (
	"context"
	"time"
)

// BucketState is the persisted state of one token bucket. Version is a
// monotonically increasing counter used for compare-and-swap updates.
type BucketState struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
	Version    int64     `json:"version"`
}

// Store is the backend contract. Implementations must provide per-key
// atomicity: two concurrent IncrementWindow or UpdateBucket calls on the
// same key must both observe correctly ordered, non-lost updates. Operations
// on distinct keys must be able to proceed in parallel.
//
// Deadlines are carried by the context; implementations backed by I/O apply
// an additional per-operation timeout of their own. Failures surface as the
// structured store errors from internal/common/errors: Unavailable, Timeout,
// or Conflict (UpdateBucket only).
type Store interface {
	// IncrementWindow atomically increments and returns the count for
	// (key, windowID). The first call for a new window initializes the count
	// and arms an expiry of ttl; later increments never extend it.
	IncrementWindow(ctx context.Context, key string, windowID uint64, ttl time.Duration) (uint64, error)

	// ReadWindow returns the count for (key, windowID) without mutating it.
	// Absent or expired windows read as 0.
	ReadWindow(ctx context.Context, key string, windowID uint64) (uint64, error)

	// GetOrInitBucket returns the bucket state for key, initializing a full
	// bucket (tokens = capacity) if none exists. Initialization is atomic:
	// of N concurrent callers exactly one creates the state, the rest read it.
	GetOrInitBucket(ctx context.Context, key string, capacity float64) (BucketState, error)

	// UpdateBucket replaces the bucket state for key if and only if the
	// stored version still equals prev.Version. A lost race returns a
	// Conflict error and the caller recomputes from fresh state. The entry's
	// expiry is re-armed to ttl on success.
	UpdateBucket(ctx context.Context, key string, prev, next BucketState, ttl time.Duration) error
}

// Resetter is implemented by stores that can drop all tracked state for a
// key on demand.
type Resetter interface {
	Reset(ctx context.Context, key string) error
}

// Statser is implemented by stores that expose introspection data.
type Statser interface {
	Stats() map[string]interface{}
}
