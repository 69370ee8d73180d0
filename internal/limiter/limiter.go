// Package limiter composes a key generator, a strategy, and a store into the
// admission check callers use.
package limiter

import (
	"context"

	"rategate/internal/clock"
	"rategate/internal/common/errors"
	"rategate/internal/common/logging"
	"rategate/internal/keygen"
	"rategate/internal/metrics"
	"rategate/internal/store"
	"rategate/internal/strategy"
)

// FailurePolicy decides what happens when the store is unreachable.
type FailurePolicy int

const (
	// FailClosed denies requests while the store is down. The default:
	// admission control usually protects something that must not be
	// overrun.
	FailClosed FailurePolicy = iota
	// FailOpen admits requests while the store is down, flagging the
	// decision as degraded.
	FailOpen
)

// String returns the policy name.
func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "fail_open"
	}
	return "fail_closed"
}

// Limiter is the admission check facade. It holds no per-key state; all of
// it lives in the store, so any number of Limiter instances on any number
// of hosts converge on the same decisions.
type Limiter struct {
	store     store.Store
	generator keygen.Generator
	strategy  strategy.Strategy
	clk       clock.Clock
	recorder  metrics.Recorder
	policy    FailurePolicy
	logger    logging.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock substitutes the time source; tests use a fake.
func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) { l.clk = clk }
}

// WithRecorder injects a metrics backend.
func WithRecorder(rec metrics.Recorder) Option {
	return func(l *Limiter) { l.recorder = rec }
}

// WithFailurePolicy overrides the default fail-closed behavior.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(l *Limiter) { l.policy = p }
}

// WithLogger overrides the global logger.
func WithLogger(logger logging.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New builds a Limiter. The store, generator, and strategy are required.
func New(st store.Store, gen keygen.Generator, strat strategy.Strategy, opts ...Option) (*Limiter, error) {
	if st == nil {
		return nil, errors.ConfigError("limiter requires a store")
	}
	if gen == nil {
		return nil, errors.ConfigError("limiter requires a key generator")
	}
	if strat == nil {
		return nil, errors.ConfigError("limiter requires a strategy")
	}

	l := &Limiter{
		store:     st,
		generator: gen,
		strategy:  strat,
		clk:       clock.NewReal(),
		recorder:  metrics.Noop{},
		policy:    FailClosed,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logging.GetGlobalLogger()
	}
	return l, nil
}

// Check derives the key from the request and evaluates the strategy against
// it. Key derivation failures propagate to the caller; store failures are
// absorbed by the failure policy.
func (l *Limiter) Check(ctx context.Context, req keygen.RequestContext) (strategy.Decision, error) {
	key, err := l.generator.Key(req)
	if err != nil {
		return strategy.Decision{}, err
	}
	return l.CheckKey(ctx, key)
}

// CheckKey evaluates the strategy against an already derived key.
func (l *Limiter) CheckKey(ctx context.Context, key string) (strategy.Decision, error) {
	dec, err := l.strategy.Evaluate(ctx, key, l.store, l.clk)
	if err != nil {
		if errors.IsStoreFailure(err) {
			return l.degrade(key, err), nil
		}
		return strategy.Decision{}, err
	}

	l.recorder.RecordDecision(l.strategy.Name(), dec.Allowed)
	return dec, nil
}

// degrade produces the policy-driven decision for a store failure. The
// outcome is deterministic, never an error: callers always get an answer.
func (l *Limiter) degrade(key string, cause error) strategy.Decision {
	errType := string(errors.ErrTypeStoreUnavailable)
	if errors.IsType(cause, errors.ErrTypeStoreTimeout) {
		errType = string(errors.ErrTypeStoreTimeout)
	}
	l.recorder.RecordStoreError(errType)

	dec := strategy.Decision{
		Limit:    l.strategy.Limit(),
		Degraded: true,
	}
	if l.policy == FailOpen {
		dec.Allowed = true
		dec.Remaining = l.strategy.Limit()
		l.recorder.RecordDegraded(l.strategy.Name())
		l.logger.Warn("store unreachable, admitting under fail-open policy",
			logging.String("key", key),
			logging.Err(cause))
	} else {
		l.logger.Warn("store unreachable, denying under fail-closed policy",
			logging.String("key", key),
			logging.Err(cause))
	}
	l.recorder.RecordDecision(l.strategy.Name(), dec.Allowed)
	return dec
}

// Reset drops all tracked state for the request's key. Stores that cannot
// reset report a config error.
func (l *Limiter) Reset(ctx context.Context, req keygen.RequestContext) error {
	key, err := l.generator.Key(req)
	if err != nil {
		return err
	}
	return l.ResetKey(ctx, key)
}

// ResetKey drops all tracked state for an already derived key.
func (l *Limiter) ResetKey(ctx context.Context, key string) error {
	r, ok := l.store.(store.Resetter)
	if !ok {
		return errors.ConfigError("store does not support reset")
	}
	return r.Reset(ctx, key)
}

// Stats reports limiter and store introspection data.
func (l *Limiter) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"strategy":       l.strategy.Name(),
		"limit":          l.strategy.Limit(),
		"failure_policy": l.policy.String(),
	}
	if s, ok := l.store.(store.Statser); ok {
		for k, v := range s.Stats() {
			stats["store_"+k] = v
		}
	}
	return stats
}

// Strategy exposes the configured strategy for introspection.
func (l *Limiter) Strategy() strategy.Strategy { return l.strategy }
