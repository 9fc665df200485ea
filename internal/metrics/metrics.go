// Package metrics owns the Prometheus collectors for the scrape pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shiftboard"

// Venue outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeCached  = "cached"
	OutcomeFailed  = "failed"
)

// Metrics is a registry plus the collectors recorded by the pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	venueRuns     *prometheus.CounterVec
	venueDuration *prometheus.HistogramVec
	fetchInFlight prometheus.Gauge
	lastSuccess   *prometheus.GaugeVec
	batchRuns     prometheus.Counter
	batchSkipped  prometheus.Counter
	batchDuration prometheus.Summary
	batchPeople   prometheus.Gauge
	batchShifts   prometheus.Gauge
	imageUploads  *prometheus.CounterVec
	taskRuns      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.venueRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "venue_runs_total",
		Help: "Venue scrape runs by outcome.",
	}, []string{"venue", "outcome"})
	m.venueDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "venue_run_duration_seconds",
		Help:    "Wall time of a venue scrape run.",
		Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90},
	}, []string{"venue"})
	m.fetchInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "venue_runs_in_flight",
		Help: "Venue runs currently holding a concurrency slot.",
	})
	m.lastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "venue_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run per venue.",
	}, []string{"venue"})
	m.batchRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "batch_runs_total",
		Help: "Completed scrape batches.",
	})
	m.batchSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "batch_skipped_total",
		Help: "Scheduled batches dropped because one was already running.",
	})
	m.batchDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: namespace, Name: "batch_duration_seconds",
		Help:       "Wall time of a scrape batch.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	m.batchPeople = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "batch_people",
		Help: "People found by the last batch (succeeded venues only).",
	})
	m.batchShifts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "batch_shifts",
		Help: "Shifts found by the last batch (succeeded venues only).",
	})
	m.imageUploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "image_uploads_total",
		Help: "Photo rehost attempts by result.",
	}, []string{"result"})
	m.taskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "task_runs_total",
		Help: "Scheduled task executions by task and result.",
	}, []string{"task", "result"})

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.venueRuns, m.venueDuration, m.fetchInFlight, m.lastSuccess,
		m.batchRuns, m.batchSkipped, m.batchDuration, m.batchPeople, m.batchShifts,
		m.imageUploads, m.taskRuns,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) VenueStarted() {
	if m == nil {
		return
	}
	m.fetchInFlight.Inc()
}

func (m *Metrics) VenueFinished(venueID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchInFlight.Dec()
	m.venueRuns.WithLabelValues(venueID, outcome).Inc()
	m.venueDuration.WithLabelValues(venueID).Observe(d.Seconds())
	if outcome == OutcomeSuccess {
		m.lastSuccess.WithLabelValues(venueID).SetToCurrentTime()
	}
}

func (m *Metrics) BatchFinished(d time.Duration, people, shifts int) {
	if m == nil {
		return
	}
	m.batchRuns.Inc()
	m.batchDuration.Observe(d.Seconds())
	m.batchPeople.Set(float64(people))
	m.batchShifts.Set(float64(shifts))
}

func (m *Metrics) BatchSkipped() {
	if m == nil {
		return
	}
	m.batchSkipped.Inc()
}

func (m *Metrics) ImageUpload(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.imageUploads.WithLabelValues(result).Inc()
}

func (m *Metrics) TaskRun(task string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.taskRuns.WithLabelValues(task, result).Inc()
}
