package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheus(reg)

	rec.RecordDecision("fixed_window", true)
	rec.RecordDecision("fixed_window", true)
	rec.RecordDecision("fixed_window", false)
	rec.RecordDecision("token_bucket", true)
	rec.RecordDegraded("fixed_window")
	rec.RecordStoreError("store_unavailable")

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.decisions.WithLabelValues("fixed_window", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.decisions.WithLabelValues("fixed_window", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.decisions.WithLabelValues("token_bucket", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.degraded.WithLabelValues("fixed_window")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.storeErrors.WithLabelValues("store_unavailable")))
}

func TestNoopRecorderIsSafe(t *testing.T) {
	var rec Recorder = Noop{}
	assert.NotPanics(t, func() {
		rec.RecordDecision("fixed_window", true)
		rec.RecordDegraded("fixed_window")
		rec.RecordStoreError("store_timeout")
	})
}
