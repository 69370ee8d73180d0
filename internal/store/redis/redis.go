// Package redis provides a distributed Store backed by Redis. Every mutating
// operation runs as a single Lua script so the read/compute/write cycle is
// atomic across application instances sharing one budget per key.
package redis

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"rategate/internal/common/errors"
	"rategate/internal/store"
)

//go:embed window_incr.lua
var windowIncrScript string

//go:embed bucket_init.lua
var bucketInitScript string

//go:embed bucket_update.lua
var bucketUpdateScript string

// initBucketTTL bounds how long a freshly initialized bucket survives before
// the first update re-arms its expiry.
const initBucketTTL = time.Hour

// Config holds Redis connection settings.
type Config struct {
	Address   string        `json:"address"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	PoolSize  int           `json:"pool_size"`
	KeyPrefix string        `json:"key_prefix"`
	OpTimeout time.Duration `json:"op_timeout"`
}

// Store is a Redis-backed implementation of store.Store.
type Store struct {
	rdb    *redis.Client
	config *Config

	windowIncr   *redis.Script
	bucketInit   *redis.Script
	bucketUpdate *redis.Script
}

// New connects to Redis and verifies the connection with a ping.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, errors.ConfigError("redis config is required")
	}
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "rategate:"
	}
	if config.OpTimeout == 0 {
		config.OpTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.StoreUnavailable("failed to connect to Redis", err)
	}

	return &Store{
		rdb:          rdb,
		config:       config,
		windowIncr:   redis.NewScript(windowIncrScript),
		bucketInit:   redis.NewScript(bucketInitScript),
		bucketUpdate: redis.NewScript(bucketUpdateScript),
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Health pings the backend.
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) windowKey(key string, windowID uint64) string {
	return fmt.Sprintf("%sw:%s#%d", s.config.KeyPrefix, key, windowID)
}

func (s *Store) bucketKey(key string) string {
	return fmt.Sprintf("%sb:%s", s.config.KeyPrefix, key)
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

func mapErr(operation string, err error) error {
	if err == context.DeadlineExceeded || err == context.Canceled {
		return errors.StoreTimeout(operation)
	}
	return errors.StoreUnavailable(fmt.Sprintf("redis %s failed", operation), err)
}

// IncrementWindow runs INCR and arms PEXPIRE on first touch, atomically.
func (s *Store) IncrementWindow(ctx context.Context, key string, windowID uint64, ttl time.Duration) (uint64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	count, err := s.windowIncr.Run(ctx, s.rdb,
		[]string{s.windowKey(key, windowID)},
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, mapErr("increment_window", err)
	}
	return uint64(count), nil
}

// ReadWindow reads the counter without mutating it; a missing key reads 0.
func (s *Store) ReadWindow(ctx context.Context, key string, windowID uint64) (uint64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	val, err := s.rdb.Get(ctx, s.windowKey(key, windowID)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, mapErr("read_window", err)
	}
	return val, nil
}

// GetOrInitBucket initializes a full bucket hash if absent and returns the
// stored fields. Initialization and read happen in one script, so of N
// concurrent callers exactly one creates the state.
func (s *Store) GetOrInitBucket(ctx context.Context, key string, capacity float64) (store.BucketState, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.bucketInit.Run(ctx, s.rdb,
		[]string{s.bucketKey(key)},
		strconv.FormatFloat(capacity, 'f', -1, 64),
		time.Now().UnixMicro(),
		initBucketTTL.Milliseconds(),
	).Result()
	if err != nil {
		return store.BucketState{}, mapErr("get_or_init_bucket", err)
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) != 3 {
		return store.BucketState{}, errors.StoreUnavailable("unexpected bucket script reply", nil)
	}

	tokens, err := parseFloatField(fields[0])
	if err != nil {
		return store.BucketState{}, errors.StoreUnavailable("malformed bucket tokens field", err)
	}
	lastRefillUs, err := parseIntField(fields[1])
	if err != nil {
		return store.BucketState{}, errors.StoreUnavailable("malformed bucket last_refill field", err)
	}
	version, err := parseIntField(fields[2])
	if err != nil {
		return store.BucketState{}, errors.StoreUnavailable("malformed bucket version field", err)
	}

	return store.BucketState{
		Tokens:     tokens,
		LastRefill: time.UnixMicro(lastRefillUs),
		Version:    version,
	}, nil
}

// UpdateBucket performs a version-checked write; a stale version returns a
// conflict for the caller to retry against fresh state.
func (s *Store) UpdateBucket(ctx context.Context, key string, prev, next store.BucketState, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ok, err := s.bucketUpdate.Run(ctx, s.rdb,
		[]string{s.bucketKey(key)},
		prev.Version,
		strconv.FormatFloat(next.Tokens, 'f', -1, 64),
		next.LastRefill.UnixMicro(),
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return mapErr("update_bucket", err)
	}
	if ok != 1 {
		return errors.StoreConflict(key)
	}
	return nil
}

// Reset drops the bucket and all window counters for key.
func (s *Store) Reset(ctx context.Context, key string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	pattern := fmt.Sprintf("%sw:%s#*", s.config.KeyPrefix, key)
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	keys := []string{s.bucketKey(key)}
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return mapErr("reset", err)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return mapErr("reset", err)
	}
	return nil
}

// Stats reports connection pool data for introspection.
func (s *Store) Stats() map[string]interface{} {
	pool := s.rdb.PoolStats()
	return map[string]interface{}{
		"type":        "redis",
		"address":     s.config.Address,
		"key_prefix":  s.config.KeyPrefix,
		"total_conns": pool.TotalConns,
		"idle_conns":  pool.IdleConns,
		"hits":        pool.Hits,
		"misses":      pool.Misses,
	}
}

func parseFloatField(v interface{}) (float64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseFloat(x, 64)
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("unexpected field type %T", v)
	}
}

func parseIntField(v interface{}) (int64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseInt(x, 10, 64)
	case int64:
		return x, nil
	default:
		return 0, fmt.Errorf("unexpected field type %T", v)
	}
}

var _ store.Store = (*Store)(nil)
var _ store.Resetter = (*Store)(nil)
var _ store.Statser = (*Store)(nil)
