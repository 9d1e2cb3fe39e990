package authz

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for engine activity. A nil *Metrics
// is valid and records nothing, so instrumentation stays optional.
type Metrics struct {
	checks        *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	filters       *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	cacheRebuilds *prometheus.CounterVec
	anomalies     *prometheus.CounterVec
}

// NewMetrics builds and registers the engine collectors. A nil registerer
// falls back to prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authz_checks_total",
			Help: "Access checks by resource class and outcome.",
		}, []string{"class", "outcome"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authz_check_duration_seconds",
			Help:    "Access check latency by resource class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"class"}),
		filters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authz_filters_total",
			Help: "Generated bulk filter predicates by resource class.",
		}, []string{"class"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authz_cache_lookups_total",
			Help: "Cache lookups by cache name and result.",
		}, []string{"cache", "result"}),
		cacheRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authz_cache_rebuilds_total",
			Help: "Cache rebuilds by cache name.",
		}, []string{"cache"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authz_graph_anomalies_total",
			Help: "Hierarchy cycles and depth truncations by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.checks, m.checkDuration, m.filters, m.cacheLookups, m.cacheRebuilds, m.anomalies)
	return m
}

func (m *Metrics) observeCheck(class string, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(class, outcome.String()).Inc()
	m.checkDuration.WithLabelValues(class).Observe(elapsed.Seconds())
}

func (m *Metrics) observeFilter(class string) {
	if m == nil {
		return
	}
	m.filters.WithLabelValues(class).Inc()
}

func (m *Metrics) observeLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) observeRebuild(cache string) {
	if m == nil {
		return
	}
	m.cacheRebuilds.WithLabelValues(cache).Inc()
}

func (m *Metrics) observeAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}
