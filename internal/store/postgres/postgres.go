// Package postgres provides a distributed Store backed by PostgreSQL.
// Window counters use a single upsert round trip and token buckets use a
// version-guarded UPDATE, so atomicity comes from the database itself rather
// than client-side locking.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rategate/internal/common/errors"
	"rategate/internal/store"
)

//go:embed schema.sql
var schema string

// Config holds PostgreSQL connection settings.
type Config struct {
	Host      string        `json:"host"`
	Port      string        `json:"port"`
	Database  string        `json:"database"`
	User      string        `json:"user"`
	Password  string        `json:"password"`
	SSLMode   string        `json:"ssl_mode"`
	OpTimeout time.Duration `json:"op_timeout"`
}

// DSN builds the pgx connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// Store is a PostgreSQL-backed implementation of store.Store.
type Store struct {
	pool   *pgxpool.Pool
	config *Config
}

// New connects to PostgreSQL and applies the schema.
func New(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		return nil, errors.ConfigError("postgres config is required")
	}
	if config.Host == "" || config.Database == "" || config.User == "" {
		return nil, errors.ConfigError("postgres host, database and user are required")
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.OpTimeout == 0 {
		config.OpTimeout = 5 * time.Second
	}

	pool, err := pgxpool.New(ctx, config.DSN())
	if err != nil {
		return nil, errors.StoreUnavailable("failed to create postgres pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.StoreUnavailable("failed to connect to PostgreSQL", err)
	}

	s := &Store{pool: pool, config: config}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.StoreUnavailable("failed to apply schema", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Health pings the backend.
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

func mapErr(operation string, err error) error {
	if err == context.DeadlineExceeded || err == context.Canceled {
		return errors.StoreTimeout(operation)
	}
	return errors.StoreUnavailable(fmt.Sprintf("postgres %s failed", operation), err)
}

// IncrementWindow upserts the counter row. An expired row is re-initialized
// in the same statement, matching the expired-on-read semantics of the other
// backends.
func (s *Store) IncrementWindow(ctx context.Context, key string, windowID uint64, ttl time.Duration) (uint64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	const q = `
		INSERT INTO rate_windows (key, window_id, count, expires_at)
		VALUES ($1, $2, 1, now() + $3)
		ON CONFLICT (key, window_id) DO UPDATE SET
			count = CASE WHEN rate_windows.expires_at <= now() THEN 1
			             ELSE rate_windows.count + 1 END,
			expires_at = CASE WHEN rate_windows.expires_at <= now() THEN now() + $3
			                  ELSE rate_windows.expires_at END
		RETURNING count`

	var count int64
	if err := s.pool.QueryRow(ctx, q, key, int64(windowID), ttl).Scan(&count); err != nil {
		return 0, mapErr("increment_window", err)
	}
	return uint64(count), nil
}

// ReadWindow reads the counter without mutating it.
func (s *Store) ReadWindow(ctx context.Context, key string, windowID uint64) (uint64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	const q = `
		SELECT count FROM rate_windows
		WHERE key = $1 AND window_id = $2 AND expires_at > now()`

	var count int64
	err := s.pool.QueryRow(ctx, q, key, int64(windowID)).Scan(&count)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, mapErr("read_window", err)
	}
	return uint64(count), nil
}

// GetOrInitBucket inserts a full bucket if absent, then reads whatever row
// won; ON CONFLICT DO NOTHING guarantees a single initializer.
func (s *Store) GetOrInitBucket(ctx context.Context, key string, capacity float64) (store.BucketState, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	const insert = `
		INSERT INTO rate_buckets (key, tokens, last_refill, version, expires_at)
		VALUES ($1, $2, now(), 1, now() + interval '1 hour')
		ON CONFLICT (key) DO NOTHING`
	if _, err := s.pool.Exec(ctx, insert, key, capacity); err != nil {
		return store.BucketState{}, mapErr("get_or_init_bucket", err)
	}

	const sel = `SELECT tokens, last_refill, version FROM rate_buckets WHERE key = $1`
	var state store.BucketState
	if err := s.pool.QueryRow(ctx, sel, key).Scan(&state.Tokens, &state.LastRefill, &state.Version); err != nil {
		return store.BucketState{}, mapErr("get_or_init_bucket", err)
	}
	return state, nil
}

// UpdateBucket performs a version-guarded write; zero rows affected means
// the caller lost the race.
func (s *Store) UpdateBucket(ctx context.Context, key string, prev, next store.BucketState, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	const q = `
		UPDATE rate_buckets
		SET tokens = $3, last_refill = $4, version = version + 1, expires_at = now() + $5
		WHERE key = $1 AND version = $2`

	tag, err := s.pool.Exec(ctx, q, key, prev.Version, next.Tokens, next.LastRefill, ttl)
	if err != nil {
		return mapErr("update_bucket", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.StoreConflict(key)
	}
	return nil
}

// Reset drops all state for key.
func (s *Store) Reset(ctx context.Context, key string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM rate_windows WHERE key = $1`, key); err != nil {
		return mapErr("reset", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM rate_buckets WHERE key = $1`, key); err != nil {
		return mapErr("reset", err)
	}
	return nil
}

// Stats reports pool data for introspection.
func (s *Store) Stats() map[string]interface{} {
	stat := s.pool.Stat()
	return map[string]interface{}{
		"type":        "postgres",
		"host":        s.config.Host,
		"database":    s.config.Database,
		"total_conns": stat.TotalConns(),
		"idle_conns":  stat.IdleConns(),
	}
}

var _ store.Store = (*Store)(nil)
var _ store.Resetter = (*Store)(nil)
var _ store.Statser = (*Store)(nil)
