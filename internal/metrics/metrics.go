// Package metrics records admission decisions for observability backends.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives the outcome of every evaluated check. Implementations
// must be safe for concurrent use and must not block the decision path.
type Recorder interface {
	// RecordDecision counts one admission decision for a strategy.
	RecordDecision(strategy string, allowed bool)
	// RecordDegraded counts one fail-open decision taken while the
	// backing store was unreachable.
	RecordDegraded(strategy string)
	// RecordStoreError counts one store failure by error type.
	RecordStoreError(errType string)
}

// Noop discards all recordings.
type Noop struct{}

func (Noop) RecordDecision(strategy string, allowed bool) {}
func (Noop) RecordDegraded(strategy string)               {}
func (Noop) RecordStoreError(errType string)              {}

// Prometheus exposes decision counters on a Prometheus registry.
type Prometheus struct {
	decisions   *prometheus.CounterVec
	degraded    *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
}

// NewPrometheus registers the counters on the given registerer. Pass
// prometheus.DefaultRegisterer for the process-global registry.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rategate_decisions_total",
			Help: "Total admission decisions by strategy and result",
		}, []string{"strategy", "result"}),
		degraded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rategate_degraded_decisions_total",
			Help: "Fail-open decisions taken while the store was unavailable",
		}, []string{"strategy"}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rategate_store_errors_total",
			Help: "Store failures by error type",
		}, []string{"type"}),
	}
}

func (p *Prometheus) RecordDecision(strategy string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	p.decisions.WithLabelValues(strategy, result).Inc()
}

func (p *Prometheus) RecordDegraded(strategy string) {
	p.degraded.WithLabelValues(strategy).Inc()
}

func (p *Prometheus) RecordStoreError(errType string) {
	p.storeErrors.WithLabelValues(errType).Inc()
}

var (
	_ Recorder = Noop{}
	_ Recorder = (*Prometheus)(nil)
)
