package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rategate/internal/common/errors"
	"rategate/internal/common/logging"
	"rategate/internal/keygen"
	"rategate/internal/limiter"
)

// Handlers serves the rate limiting API.
type Handlers struct {
	limiter *limiter.Limiter
	logger  logging.Logger
}

// NewHandlers builds the API handlers around a limiter.
func NewHandlers(l *limiter.Limiter, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handlers{limiter: l, logger: logger}
}

// SetupRoutes registers all API routes on the router.
func SetupRoutes(router *mux.Router, h *Handlers) {
	router.HandleFunc("/healthz", h.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/check", h.Check).Methods("POST")
	api.HandleFunc("/reset", h.Reset).Methods("POST")
	api.HandleFunc("/stats", h.Stats).Methods("GET")
}

// CheckRequest describes one admission check on behalf of a remote caller,
// typically a gateway asking about a request it is proxying.
type CheckRequest struct {
	RemoteAddr string            `json:"remote_addr"`
	UserID     string            `json:"user_id,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// CheckResponse is the decision payload. RetryAfterMs is the hint in
// milliseconds; zero on allowed decisions.
type CheckResponse struct {
	Allowed      bool      `json:"allowed"`
	Remaining    uint64    `json:"remaining"`
	Limit        uint64    `json:"limit"`
	ResetAt      time.Time `json:"reset_at"`
	RetryAfterMs int64     `json:"retry_after_ms,omitempty"`
	Degraded     bool      `json:"degraded,omitempty"`
}

func (r CheckRequest) requestContext() keygen.RequestContext {
	ctx := keygen.NewRequestContext(r.RemoteAddr, r.Headers)
	ctx.UserID = r.UserID
	return ctx
}

// Check evaluates admission for the described request and answers 200 with
// the decision, whether allowed or denied. Denial is data here, not an HTTP
// error: the caller enforces it.
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	dec, err := h.limiter.Check(r.Context(), req.requestContext())
	if err != nil {
		if errors.IsType(err, errors.ErrTypeKey) {
			http.Error(w, "Request has no rate limit key attribute", http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("check failed", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := CheckResponse{
		Allowed:      dec.Allowed,
		Remaining:    dec.Remaining,
		Limit:        dec.Limit,
		ResetAt:      dec.ResetAt,
		RetryAfterMs: dec.RetryAfter.Milliseconds(),
		Degraded:     dec.Degraded,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Reset drops all tracked state for the described request's key.
func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := h.limiter.Reset(r.Context(), req.requestContext()); err != nil {
		switch {
		case errors.IsType(err, errors.ErrTypeKey):
			http.Error(w, "Request has no rate limit key attribute", http.StatusUnprocessableEntity)
		case errors.IsType(err, errors.ErrTypeConfig):
			http.Error(w, "Store does not support reset", http.StatusNotImplemented)
		default:
			h.logger.Error("reset failed", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Stats reports limiter and store introspection data.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.limiter.Stats())
}

// Health answers 200 while the process is up. Store reachability shows up
// in stats and metrics instead; a degraded limiter still serves decisions.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
