// Package memory provides an in-process Store backed by a sharded lock
// table. It is the default backend for tests, local development, and
// single-instance deployments; state is process-local, so it does not
// enforce a global limit across replicas.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"rategate/internal/clock"
	"rategate/internal/common/errors"
	"rategate/internal/store"
)

const shardCount = 32

type windowEntry struct {
	count     uint64
	expiresAt time.Time
}

type bucketEntry struct {
	state     store.BucketState
	expiresAt time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*windowEntry
	buckets map[string]*bucketEntry
}

// Store is an in-memory implementation of store.Store. Keys are spread
// across fixed shards so concurrent evaluations of distinct keys do not
// contend on one lock.
type Store struct {
	shards [shardCount]*shard
	clock  clock.Clock

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// Option configures the memory store.
type Option func(*Store)

// WithClock overrides the time source used for expiry checks.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates an in-memory store.
func New(opts ...Option) *Store {
	s := &Store{clock: clock.NewReal()}
	for i := range s.shards {
		s.shards[i] = &shard{
			windows: make(map[string]*windowEntry),
			buckets: make(map[string]*bucketEntry),
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartJanitor launches a background sweep that drops expired entries every
// interval. Expired-on-read semantics make the sweep an optimization, not a
// correctness requirement; it bounds memory for keys that stop arriving.
func (s *Store) StartJanitor(interval time.Duration) {
	s.janitorStop = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.janitorStop:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop terminates the janitor, if running.
func (s *Store) Stop() {
	if s.janitorStop != nil {
		s.janitorOnce.Do(func() { close(s.janitorStop) })
	}
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func windowKey(key string, windowID uint64) string {
	return fmt.Sprintf("%s#%d", key, windowID)
}

// IncrementWindow atomically increments the counter for (key, windowID).
// An expired entry is re-initialized rather than reused, so a sweep racing
// an increment can never resurrect stale state.
func (s *Store) IncrementWindow(ctx context.Context, key string, windowID uint64, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.StoreTimeout("increment_window")
	}

	now := s.clock.Now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	wk := windowKey(key, windowID)
	entry, ok := sh.windows[wk]
	if !ok || !entry.expiresAt.After(now) {
		entry = &windowEntry{expiresAt: now.Add(ttl)}
		sh.windows[wk] = entry
	}
	entry.count++
	return entry.count, nil
}

// ReadWindow returns the counter for (key, windowID); absent or expired
// windows read as 0.
func (s *Store) ReadWindow(ctx context.Context, key string, windowID uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.StoreTimeout("read_window")
	}

	now := s.clock.Now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.windows[windowKey(key, windowID)]
	if !ok || !entry.expiresAt.After(now) {
		return 0, nil
	}
	return entry.count, nil
}

// GetOrInitBucket returns the bucket for key, creating a full one under the
// shard lock so only the first caller initializes.
func (s *Store) GetOrInitBucket(ctx context.Context, key string, capacity float64) (store.BucketState, error) {
	if err := ctx.Err(); err != nil {
		return store.BucketState{}, errors.StoreTimeout("get_or_init_bucket")
	}

	now := s.clock.Now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.buckets[key]
	if !ok || !entry.expiresAt.After(now) {
		entry = &bucketEntry{
			state: store.BucketState{
				Tokens:     capacity,
				LastRefill: now,
				Version:    1,
			},
			// until the first UpdateBucket supplies a real ttl, keep the
			// freshly initialized bucket around for an hour
			expiresAt: now.Add(time.Hour),
		}
		sh.buckets[key] = entry
	}
	return entry.state, nil
}

// UpdateBucket replaces the bucket state if the stored version still matches
// prev.Version; a lost race returns a conflict.
func (s *Store) UpdateBucket(ctx context.Context, key string, prev, next store.BucketState, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreTimeout("update_bucket")
	}

	now := s.clock.Now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.buckets[key]
	if !ok || !entry.expiresAt.After(now) {
		return errors.StoreConflict(key)
	}
	if entry.state.Version != prev.Version {
		return errors.StoreConflict(key)
	}

	next.Version = prev.Version + 1
	entry.state = next
	entry.expiresAt = now.Add(ttl)
	return nil
}

// Reset drops all window counters and bucket state tracked for key.
func (s *Store) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreTimeout("reset")
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prefix := key + "#"
	for wk := range sh.windows {
		if strings.HasPrefix(wk, prefix) {
			delete(sh.windows, wk)
		}
	}
	delete(sh.buckets, key)
	return nil
}

// Stats reports entry counts for introspection.
func (s *Store) Stats() map[string]interface{} {
	windows, buckets := 0, 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		windows += len(sh.windows)
		buckets += len(sh.buckets)
		sh.mu.Unlock()
	}
	return map[string]interface{}{
		"type":           "memory",
		"shards":         shardCount,
		"window_entries": windows,
		"bucket_entries": buckets,
	}
}

func (s *Store) sweep() {
	now := s.clock.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for wk, entry := range sh.windows {
			if !entry.expiresAt.After(now) {
				delete(sh.windows, wk)
			}
		}
		for key, entry := range sh.buckets {
			if !entry.expiresAt.After(now) {
				delete(sh.buckets, key)
			}
		}
		sh.mu.Unlock()
	}
}

var _ store.Store = (*Store)(nil)
var _ store.Resetter = (*Store)(nil)
var _ store.Statser = (*Store)(nil)
