package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for ingestion runs and background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	items      *prometheus.CounterVec
	rejections *prometheus.CounterVec
	outliers   prometheus.Counter
	reconcile  prometheus.Histogram
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddItem counts one item by pipeline result (created, updated, unchanged,
// duplicate, failed).
func (m *Metrics) AddItem(result string) {
	if m == nil || result == "" {
		return
	}
	m.items.WithLabelValues(result).Inc()
}

// AddRejection counts a validation rejection.
func (m *Metrics) AddRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// AddOutlier counts an item flagged outside the soft price range.
func (m *Metrics) AddOutlier() {
	if m == nil {
		return
	}
	m.outliers.Inc()
}

// ObserveReconcile records the latency of one reconciliation including retries.
func (m *Metrics) ObserveReconcile(d time.Duration) {
	if m == nil {
		return
	}
	m.reconcile.Observe(d.Seconds())
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricewatch_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricewatch_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pricewatch_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	items := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricewatch_ingest_items_total",
		Help: "Ingested items partitioned by pipeline result.",
	}, []string{"result"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricewatch_ingest_rejections_total",
		Help: "Observations rejected by validation, by reason.",
	}, []string{"reason"})
	outliers := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricewatch_ingest_outliers_total",
		Help: "Accepted observations priced outside the soft plausibility range.",
	})
	reconcile := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pricewatch_reconcile_duration_seconds",
		Help:    "Duration of one reconciliation including retries.",
		Buckets: prometheus.DefBuckets,
	})
	registerer.MustRegister(runs, failures, duration, items, rejections, outliers, reconcile)
	return &Metrics{
		runs:       runs,
		failures:   failures,
		duration:   duration,
		items:      items,
		rejections: rejections,
		outliers:   outliers,
		reconcile:  reconcile,
	}
}
