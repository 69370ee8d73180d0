package limiter

import (
	"context"

	"rategate/internal/common/errors"
	"rategate/internal/keygen"
	"rategate/internal/strategy"
)

// Scope is one named limiter inside a Multi. Optional scopes are skipped
// when their key cannot be derived; required ones fail the check instead.
type Scope struct {
	Name     string
	Limiter  *Limiter
	Optional bool
}

// Multi evaluates several scopes in order and denies on the first scope
// that denies. A request passes only when every applicable scope admits it,
// so a global ceiling, a per-IP limit, and a per-user limit can be layered
// on one endpoint.
type Multi struct {
	scopes []Scope
}

// NewMulti builds a Multi from ordered scopes.
func NewMulti(scopes ...Scope) (*Multi, error) {
	if len(scopes) == 0 {
		return nil, errors.ConfigError("multi limiter requires at least one scope")
	}
	for _, s := range scopes {
		if s.Limiter == nil {
			return nil, errors.ConfigError("scope has no limiter").WithContext("scope", s.Name)
		}
	}
	return &Multi{scopes: scopes}, nil
}

// Check runs the scopes in order. The first denial wins and is returned
// with the denying scope's name. When every scope admits, the decision with
// the least remaining quota is returned, since that scope is the one the
// caller will hit first.
func (m *Multi) Check(ctx context.Context, req keygen.RequestContext) (strategy.Decision, string, error) {
	var (
		tightest      strategy.Decision
		tightestScope string
		evaluated     bool
	)

	for _, s := range m.scopes {
		dec, err := s.Limiter.Check(ctx, req)
		if err != nil {
			if s.Optional && errors.IsType(err, errors.ErrTypeKey) {
				// an anonymous request has no user scope to enforce
				continue
			}
			return strategy.Decision{}, s.Name, err
		}
		if !dec.Allowed {
			return dec, s.Name, nil
		}
		if !evaluated || dec.Remaining < tightest.Remaining {
			tightest = dec
			tightestScope = s.Name
			evaluated = true
		}
	}

	if !evaluated {
		return strategy.Decision{}, "", errors.ConfigError("no applicable scope for request")
	}
	return tightest, tightestScope, nil
}

// Reset drops tracked state for the request's key in every applicable scope.
func (m *Multi) Reset(ctx context.Context, req keygen.RequestContext) error {
	for _, s := range m.scopes {
		err := s.Limiter.Reset(ctx, req)
		if err != nil {
			if s.Optional && errors.IsType(err, errors.ErrTypeKey) {
				continue
			}
			return err
		}
	}
	return nil
}

// Stats aggregates per-scope stats keyed by scope name.
func (m *Multi) Stats() map[string]interface{} {
	stats := make(map[string]interface{}, len(m.scopes))
	for _, s := range m.scopes {
		stats[s.Name] = s.Limiter.Stats()
	}
	return stats
}
