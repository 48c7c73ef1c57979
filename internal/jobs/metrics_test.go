package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	assert.NoError(t, m.Track("prune").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("prune").End(boom), boom)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues("prune", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues("prune", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.failures.WithLabelValues("prune")))
}

func TestAddPruned(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddPruned(3, false)
	m.AddPruned(2, true)
	m.AddPruned(0, false)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.pruned.WithLabelValues("apply")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.pruned.WithLabelValues("dry_run")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AddPruned(1, false)
	assert.NoError(t, m.Track("prune").End(nil))
}
