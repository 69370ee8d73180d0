// Package strategy implements the admission decision algorithms: fixed
// window, sliding window, token bucket, and an adaptive wrapper that picks
// per-tier configurations from a weighted score.
//
// Strategies are pure decision logic. All persisted state lives in the
// store, so a single strategy value is safely shared by unbounded
// concurrent callers.
package strategy

import (
	"context"
	"fmt"
	"time"

	"rategate/internal/clock"
	"rategate/internal/common/errors"
	"rategate/internal/store"
)

// maxConflictRetries bounds internal compare-and-swap retries before a
// conflict escalates to Unavailable.
const maxConflictRetries = 3

// Decision is the outcome of one admission check. Upstream layers map it
// onto rate limit response headers; denied decisions always carry a
// RetryAfter hint.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  uint64        `json:"remaining"`
	Limit      uint64        `json:"limit"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Degraded marks decisions produced by the failure policy while the
	// store was unreachable, so monitoring can tell "limited" from
	// "allowed because we could not know".
	Degraded bool `json:"degraded,omitempty"`
}

// Strategy evaluates one admission decision for a key.
type Strategy interface {
	// Name identifies the strategy for logging and metrics.
	Name() string
	// Limit reports the configured ceiling, used by the failure policy to
	// fill in degraded decisions.
	Limit() uint64
	// Evaluate decides admission for key against the store.
	Evaluate(ctx context.Context, key string, st store.Store, clk clock.Clock) (Decision, error)
}

// Kind is the closed set of strategy variants.
type Kind string

const (
	KindFixedWindow   Kind = "fixed_window"
	KindSlidingWindow Kind = "sliding_window"
	KindTokenBucket   Kind = "token_bucket"
)

// Config carries the strategy parameters. Window strategies use Limit and
// Window; the token bucket uses Capacity and RefillRate (tokens per second).
type Config struct {
	Limit      uint64        `json:"limit"`
	Window     time.Duration `json:"window"`
	Capacity   float64       `json:"capacity"`
	RefillRate float64       `json:"refill_rate"`
}

func (c Config) validateWindowed() error {
	if c.Limit == 0 {
		return errors.ConfigError("limit must be positive")
	}
	if c.Window <= 0 {
		return errors.ConfigError("window must be positive").WithContext("window", c.Window)
	}
	// window arithmetic runs in whole milliseconds; anything finer must be
	// rejected here so it can never divide by zero on the request path
	if c.Window < time.Millisecond {
		return errors.ConfigError("window must be at least one millisecond").WithContext("window", c.Window)
	}
	return nil
}

func (c Config) validateBucket() error {
	if c.Capacity < 0 {
		return errors.ConfigError("capacity must not be negative").WithContext("capacity", c.Capacity)
	}
	if c.RefillRate <= 0 {
		return errors.ConfigError("refill_rate must be positive").WithContext("refill_rate", c.RefillRate)
	}
	return nil
}

func (c Config) validateFor(kind Kind) error {
	switch kind {
	case KindFixedWindow, KindSlidingWindow:
		return c.validateWindowed()
	case KindTokenBucket:
		return c.validateBucket()
	default:
		return errors.ConfigError(fmt.Sprintf("unknown strategy kind %q", kind))
	}
}

// New constructs a strategy of the given kind. The switch is exhaustive
// over the closed Kind set; configuration errors are fatal at construction
// and never surface at request time.
func New(kind Kind, cfg Config) (Strategy, error) {
	switch kind {
	case KindFixedWindow:
		return NewFixedWindow(cfg)
	case KindSlidingWindow:
		return NewSlidingWindow(cfg)
	case KindTokenBucket:
		return NewTokenBucket(cfg)
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown strategy kind %q", kind))
	}
}

// windowID maps an instant to its fixed window ordinal.
func windowID(now time.Time, window time.Duration) uint64 {
	return uint64(now.UnixMilli() / window.Milliseconds())
}
