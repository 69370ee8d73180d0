package limiter

import (
	"fmt"
	"net/http"

	"rategate/internal/common/errors"
	"rategate/internal/common/logging"
	"rategate/internal/keygen"
	"rategate/internal/strategy"
)

// HTTPMiddleware enforces the limiter on every request. Decision headers
// are set on allowed and denied responses alike; denials answer 429 with a
// Retry-After hint.
func (l *Limiter) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dec, err := l.Check(r.Context(), keygen.FromHTTP(r))
			if err != nil {
				if errors.IsType(err, errors.ErrTypeKey) {
					// requests without the keyed attribute pass through
					// unthrottled rather than being rejected
					l.logger.Debug("no rate limit key for request", logging.Err(err))
					next.ServeHTTP(w, r)
					return
				}
				l.logger.Error("rate limit check failed", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			writeDecisionHeaders(w, dec)
			if !dec.Allowed {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HTTPMiddleware enforces every scope of a Multi on each request.
func (m *Multi) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dec, scope, err := m.Check(r.Context(), keygen.FromHTTP(r))
			if err != nil {
				logging.Error("rate limit check failed", err, logging.String("scope", scope))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			writeDecisionHeaders(w, dec)
			if !dec.Allowed {
				w.Header().Set("X-RateLimit-Scope", scope)
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeDecisionHeaders(w http.ResponseWriter, dec strategy.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", dec.Limit))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", dec.Remaining))
	if !dec.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", dec.ResetAt.Unix()))
	}
	if !dec.Allowed {
		secs := int(dec.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", fmt.Sprintf("%d", secs))
	}
}
