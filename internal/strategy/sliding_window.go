package strategy

import (
	"context"
	"time"

	"rategate/internal/clock"
	"rategate/internal/store"
)

// SlidingWindow approximates a continuous window by weighting the previous
// fixed window's count against the current one. The weighted estimate is
// floored, keeping it integral and conservative: it never admits more than
// a true continuous window would. Cross-boundary bursts are bounded to
// roughly limit plus the decaying previous-window contribution instead of
// the fixed window's 2x.
type SlidingWindow struct {
	cfg Config
}

// NewSlidingWindow validates the config and returns the strategy.
func NewSlidingWindow(cfg Config) (*SlidingWindow, error) {
	if err := cfg.validateWindowed(); err != nil {
		return nil, err
	}
	return &SlidingWindow{cfg: cfg}, nil
}

// Name returns the strategy identifier.
func (s *SlidingWindow) Name() string { return string(KindSlidingWindow) }

// Limit returns the configured ceiling.
func (s *SlidingWindow) Limit() uint64 { return s.cfg.Limit }

// Evaluate reads the previous window, increments the current one, and
// admits while the weighted estimate stays within the limit. The current
// window's state is retained until one full window past its boundary so it
// remains readable as "previous" for the whole following window.
func (s *SlidingWindow) Evaluate(ctx context.Context, key string, st store.Store, clk clock.Clock) (Decision, error) {
	now := clk.Now()
	windowMs := s.cfg.Window.Milliseconds()
	id := windowID(now, s.cfg.Window)
	elapsedMs := now.UnixMilli() - int64(id)*windowMs
	weight := 1 - float64(elapsedMs)/float64(windowMs)

	var prev uint64
	if id > 0 {
		var err error
		prev, err = st.ReadWindow(ctx, key, id-1)
		if err != nil {
			return Decision{}, err
		}
	}

	boundary := windowEnd(id, s.cfg.Window)

	current, err := st.IncrementWindow(ctx, key, id, windowTTL(boundary.Add(s.cfg.Window), now))
	if err != nil {
		return Decision{}, err
	}

	estimate := current + uint64(float64(prev)*weight)

	dec := Decision{
		Allowed: estimate <= s.cfg.Limit,
		Limit:   s.cfg.Limit,
	}
	if estimate < s.cfg.Limit {
		dec.Remaining = s.cfg.Limit - estimate
	}

	if dec.Allowed {
		// the current window's own contribution is fully decayed one window
		// after the boundary
		dec.ResetAt = boundary.Add(s.cfg.Window)
		return dec, nil
	}

	dec.RetryAfter = s.retryAfter(current, prev, elapsedMs, boundary, now)
	dec.ResetAt = now.Add(dec.RetryAfter)
	return dec, nil
}

// retryAfter estimates when a retried request would be admitted, assuming
// no other traffic. The retry itself increments the window it lands in, so
// the hint budgets one slot for it. All arithmetic is in whole integer
// milliseconds: the hint must land strictly past the admission threshold,
// and float rounding could truncate it onto the threshold itself.
func (s *SlidingWindow) retryAfter(current, prev uint64, elapsedMs int64, boundary time.Time, now time.Time) time.Duration {
	windowMs := s.cfg.Window.Milliseconds()

	if current >= s.cfg.Limit {
		// the current window alone is spent. After the boundary it becomes
		// the previous window and keeps denying until its carried weight
		// leaves room for the retry: 1 + floor(current*w) <= limit.
		carryMs := windowMs*int64(current-s.cfg.Limit)/int64(current) + 1
		return boundary.Sub(now) + time.Duration(carryMs)*time.Millisecond
	}

	// a retry at elapsed e sees current+1 + floor(prev*(window-e)/window);
	// it fits once the previous window's share drops below the remaining
	// slack. Solve for the smallest whole millisecond past that point.
	slack := int64(s.cfg.Limit - current)
	neededMs := windowMs*(int64(prev)-slack)/int64(prev) + 1
	wait := time.Duration(neededMs-elapsedMs) * time.Millisecond
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}
