package jobmetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestJobTrackerRecordsOutcomesAndDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	for i := 0; i < 20; i++ {
		tracker := metrics.Track("ingest_batch")
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending batch tracker: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		tracker := metrics.Track("catalog_refresh")
		time.Sleep(5 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending refresh tracker: %v", err)
		}
	}

	failure := errors.New("view missing")
	tracker := metrics.Track("catalog_refresh")
	if err := tracker.End(failure); !errors.Is(err, failure) {
		t.Fatalf("expected error to propagate, got %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	if got := metricValue(t, families, "pricewatch_jobs_total", map[string]string{"job": "ingest_batch", "status": "success"}); got != 20 {
		t.Fatalf("expected 20 successful batches, got %v", got)
	}
	if got := metricValue(t, families, "pricewatch_jobs_total", map[string]string{"job": "catalog_refresh", "status": "failure"}); got != 1 {
		t.Fatalf("expected 1 failed refresh, got %v", got)
	}
	if got := metricValue(t, families, "pricewatch_jobs_failures_total", map[string]string{"job": "catalog_refresh"}); got != 1 {
		t.Fatalf("expected failure counter 1, got %v", got)
	}

	refresh := histogramMean(t, families, "pricewatch_job_duration_seconds", map[string]string{"job": "catalog_refresh"})
	if refresh <= 0 || refresh > 2.0 {
		t.Fatalf("refresh duration out of range: %f", refresh)
	}
}

func TestIngestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	for _, result := range []string{"created", "created", "updated", "duplicate", "failed", ""} {
		metrics.AddItem(result)
	}
	metrics.AddRejection("invalid_price")
	metrics.AddRejection("invalid_price")
	metrics.AddOutlier()
	metrics.ObserveReconcile(30 * time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	if got := metricValue(t, families, "pricewatch_ingest_items_total", map[string]string{"result": "created"}); got != 2 {
		t.Fatalf("expected 2 created, got %v", got)
	}
	if got := metricValue(t, families, "pricewatch_ingest_items_total", map[string]string{"result": "failed"}); got != 1 {
		t.Fatalf("expected 1 failed, got %v", got)
	}
	if got := metricValue(t, families, "pricewatch_ingest_rejections_total", map[string]string{"reason": "invalid_price"}); got != 2 {
		t.Fatalf("expected 2 rejections, got %v", got)
	}
	if got := metricValue(t, families, "pricewatch_ingest_outliers_total", nil); got != 1 {
		t.Fatalf("expected 1 outlier, got %v", got)
	}
	if mean := histogramMean(t, families, "pricewatch_reconcile_duration_seconds", nil); mean < 0.029 || mean > 0.031 {
		t.Fatalf("unexpected reconcile mean %f", mean)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.AddItem("created")
	metrics.AddRejection("missing_field")
	metrics.AddOutlier()
	metrics.ObserveReconcile(time.Second)
	if err := metrics.Track("ingest_batch").End(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				return metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range metric.GetLabel() {
		want, ok := labels[lp.GetName()]
		if !ok {
			continue
		}
		if lp.GetValue() != want {
			return false
		}
		found++
	}
	return found == len(labels)
}
