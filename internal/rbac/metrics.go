package rbac

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes Prometheus collectors for the permission cache.
type Metrics struct {
	lookups       *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// NewMetrics registers the permission cache collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "staffdesk_permission_cache_total",
		Help: "Permission cache lookups partitioned by kind and result.",
	}, []string{"kind", "result"})
	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "staffdesk_permission_invalidations_total",
		Help: "Per-user permission cache invalidations by outcome.",
	}, []string{"outcome"})
	registerer.MustRegister(lookups, invalidations)
	return &Metrics{lookups: lookups, invalidations: invalidations}
}

func (m *Metrics) lookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) invalidated(outcome string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(outcome).Inc()
}
