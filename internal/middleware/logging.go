// Package middleware holds HTTP middleware shared by the server.
package middleware

import (
	"net/http"
	"time"

	"rategate/internal/common/logging"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Logging logs every request with method, path, status, and duration.
// Throttled responses log at warn so operators can spot hot callers.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		fields := []logging.Field{
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", wrapped.statusCode),
			logging.Int("duration_ms", int(time.Since(start).Milliseconds())),
			logging.String("remote_addr", r.RemoteAddr),
		}
		if userID := r.Header.Get("X-User-ID"); userID != "" {
			fields = append(fields, logging.String("user_id", userID))
		}

		switch {
		case wrapped.statusCode >= 500:
			logging.Error("request completed", nil, fields...)
		case wrapped.statusCode == http.StatusTooManyRequests:
			fields = append(fields, logging.String("retry_after", wrapped.Header().Get("Retry-After")))
			logging.Warn("request throttled", fields...)
		case wrapped.statusCode >= 400:
			logging.Warn("request completed", fields...)
		default:
			logging.Info("request completed", fields...)
		}
	})
}
