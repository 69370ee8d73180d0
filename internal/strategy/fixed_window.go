package strategy

import (
	"context"
	"time"

	"rategate/internal/clock"
	"rategate/internal/store"
)

// FixedWindow counts requests in fixed time buckets. A single atomic
// increment per check makes it the cheapest strategy, at the cost of the
// boundary burst: a client can spend the full limit at the end of one
// window and again at the start of the next, admitting up to twice the
// limit across the boundary. That tradeoff is accepted; use SlidingWindow
// where it matters.
type FixedWindow struct {
	cfg Config
}

// NewFixedWindow validates the config and returns the strategy.
func NewFixedWindow(cfg Config) (*FixedWindow, error) {
	if err := cfg.validateWindowed(); err != nil {
		return nil, err
	}
	return &FixedWindow{cfg: cfg}, nil
}

// Name returns the strategy identifier.
func (s *FixedWindow) Name() string { return string(KindFixedWindow) }

// Limit returns the configured ceiling.
func (s *FixedWindow) Limit() uint64 { return s.cfg.Limit }

// Evaluate increments the current window's counter and admits while the
// count stays within the limit.
func (s *FixedWindow) Evaluate(ctx context.Context, key string, st store.Store, clk clock.Clock) (Decision, error) {
	now := clk.Now()
	id := windowID(now, s.cfg.Window)
	resetAt := windowEnd(id, s.cfg.Window)

	// state is retained until the boundary regardless of when within the
	// window the first increment lands
	count, err := st.IncrementWindow(ctx, key, id, windowTTL(resetAt, now))
	if err != nil {
		return Decision{}, err
	}

	dec := Decision{
		Allowed: count <= s.cfg.Limit,
		Limit:   s.cfg.Limit,
		ResetAt: resetAt,
	}
	if count < s.cfg.Limit {
		dec.Remaining = s.cfg.Limit - count
	}
	if !dec.Allowed {
		dec.RetryAfter = dec.ResetAt.Sub(now)
	}
	return dec, nil
}

func windowEnd(id uint64, window time.Duration) time.Time {
	return time.UnixMilli(int64(id+1) * window.Milliseconds())
}

// windowTTL anchors an entry's lifetime to the window it belongs to, not to
// the increment that created it. Clamped so a last-instant arrival still
// persists long enough to be counted.
func windowTTL(until time.Time, now time.Time) time.Duration {
	ttl := until.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}
