package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"rategate/internal/clock"
	"rategate/internal/common/errors"
	"rategate/internal/store"
)

// Factor contributes one normalized signal to the adaptive score. Extract
// must return a value in [0,1]; anything outside is clamped.
type Factor struct {
	Name    string
	Weight  float64
	Extract func(key string) float64
}

// Tier maps a score band to a strategy configuration. Tiers are ordered by
// MinScore descending; the first band the score reaches wins, and the last
// tier is the fallback for everything below.
type Tier struct {
	Name     string
	MinScore float64
	Config   Config
}

// AdaptiveConfig configures the adaptive wrapper.
type AdaptiveConfig struct {
	// Base is the wrapped strategy kind; fixed window or token bucket.
	Base Kind
	// Factors are the weighted score inputs; weights must sum to 1.
	Factors []Factor
	// Tiers are the score bands, ordered by MinScore descending.
	Tiers []Tier
	// ScoreTTL enables caching of computed scores (not decisions) for keys
	// with expensive factor lookups. Zero disables the cache.
	ScoreTTL time.Duration
}

type tierStrategy struct {
	tier     Tier
	strategy Strategy
}

type cachedScore struct {
	score    float64
	computed time.Time
}

// Adaptive recomputes the effective limit on every call from a weighted
// factor score and dispatches to a per-tier instance of the base strategy.
// Aside from the optional score cache it holds no mutable state.
type Adaptive struct {
	cfg   AdaptiveConfig
	tiers []tierStrategy

	mu    sync.Mutex
	cache map[string]cachedScore
}

// NewAdaptive validates the configuration and pre-builds one base strategy
// per tier, so request-time evaluation never constructs or validates
// anything.
func NewAdaptive(cfg AdaptiveConfig) (*Adaptive, error) {
	if cfg.Base != KindFixedWindow && cfg.Base != KindTokenBucket {
		return nil, errors.ConfigError(fmt.Sprintf("adaptive base must be fixed_window or token_bucket, got %q", cfg.Base))
	}
	if len(cfg.Factors) == 0 {
		return nil, errors.ConfigError("adaptive requires at least one factor")
	}
	var weightSum float64
	for _, f := range cfg.Factors {
		if f.Extract == nil {
			return nil, errors.ConfigError(fmt.Sprintf("factor %q has no extractor", f.Name))
		}
		if f.Weight < 0 {
			return nil, errors.ConfigError(fmt.Sprintf("factor %q has negative weight", f.Name))
		}
		weightSum += f.Weight
	}
	if math.Abs(weightSum-1.0) > 1e-6 {
		return nil, errors.ConfigError("factor weights must sum to 1").WithContext("sum", weightSum)
	}
	if len(cfg.Tiers) == 0 {
		return nil, errors.ConfigError("adaptive requires at least one tier")
	}

	tiers := make([]tierStrategy, 0, len(cfg.Tiers))
	for i, tier := range cfg.Tiers {
		if i > 0 && tier.MinScore > cfg.Tiers[i-1].MinScore {
			return nil, errors.ConfigError("tiers must be ordered by min score descending").
				WithContext("tier", tier.Name)
		}
		s, err := New(cfg.Base, tier.Config)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tierStrategy{tier: tier, strategy: s})
	}

	a := &Adaptive{cfg: cfg, tiers: tiers}
	if cfg.ScoreTTL > 0 {
		a.cache = make(map[string]cachedScore)
	}
	return a, nil
}

// Name returns the strategy identifier.
func (a *Adaptive) Name() string { return "adaptive_" + string(a.cfg.Base) }

// Limit reports the fallback tier's ceiling; the effective per-call limit
// depends on the key's score.
func (a *Adaptive) Limit() uint64 {
	return a.tiers[len(a.tiers)-1].strategy.Limit()
}

// Evaluate scores the key, selects its tier, and delegates to the tier's
// base strategy. Each tier tracks state under the same key, so moving
// between tiers does not leak quota across configurations of the same
// window or bucket.
func (a *Adaptive) Evaluate(ctx context.Context, key string, st store.Store, clk clock.Clock) (Decision, error) {
	score := a.score(key, clk)
	selected := a.tiers[len(a.tiers)-1]
	for _, ts := range a.tiers {
		if score >= ts.tier.MinScore {
			selected = ts
			break
		}
	}
	return selected.strategy.Evaluate(ctx, key, st, clk)
}

// TierFor reports which tier a key currently falls into; used by callers
// that expose scoring decisions for observability.
func (a *Adaptive) TierFor(key string, clk clock.Clock) string {
	score := a.score(key, clk)
	for _, ts := range a.tiers {
		if score >= ts.tier.MinScore {
			return ts.tier.Name
		}
	}
	return a.tiers[len(a.tiers)-1].tier.Name
}

func (a *Adaptive) score(key string, clk clock.Clock) float64 {
	if a.cache != nil {
		a.mu.Lock()
		if c, ok := a.cache[key]; ok && clk.Now().Sub(c.computed) < a.cfg.ScoreTTL {
			a.mu.Unlock()
			return c.score
		}
		a.mu.Unlock()
	}

	var score float64
	for _, f := range a.cfg.Factors {
		score += clamp01(f.Extract(key)) * f.Weight
	}

	if a.cache != nil {
		a.mu.Lock()
		a.cache[key] = cachedScore{score: score, computed: clk.Now()}
		a.mu.Unlock()
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ Strategy = (*Adaptive)(nil)
