package jobs

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments background job runs.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
}

var (
	sharedOnce sync.Once
	shared     *Metrics
)

// NewMetrics builds the job collectors and registers them. A nil registerer
// selects the process-wide default registry; that variant is built once and
// shared, so repeated calls stay safe.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		sharedOnce.Do(func() { shared = newMetrics(prometheus.DefaultRegisterer) })
		return shared
	}
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authz_jobs_total",
			Help: "Background job runs by job name and status.",
		}, []string{"job", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authz_job_duration_seconds",
			Help:    "Background job run time in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "authz_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per job.",
		}, []string{"job"}),
	}
	reg.MustRegister(m.runs, m.duration, m.lastSuccess)
	return m
}

// Tracker times one job run from Track until End.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track opens a run record for the named job. The Tracker tolerates a nil
// Metrics receiver and then records nothing.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End closes the run, counting it under success or failure, and hands err
// back to the caller.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
	} else {
		t.metrics.lastSuccess.WithLabelValues(t.job).SetToCurrentTime()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}
