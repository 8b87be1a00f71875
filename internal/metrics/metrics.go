// Package metrics exposes Prometheus counters for the quality engine.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	jobsSubmitted   *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	itemsProcessed  *prometheus.CounterVec
	webhookDelivery *prometheus.CounterVec
	statsCache      *prometheus.CounterVec
	jobDuration     prometheus.Histogram
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the process-wide collectors registered on the default
// Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultM = New(prometheus.DefaultRegisterer)
	})
	return defaultM
}

// New builds and registers the collectors on registerer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_batch_jobs_submitted_total",
			Help: "Batch rescoring jobs accepted, by execution mode.",
		}, []string{"mode"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_batch_jobs_finished_total",
			Help: "Batch rescoring jobs reaching a terminal status.",
		}, []string{"status"}),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_batch_items_processed_total",
			Help: "Businesses processed by batch jobs, by outcome.",
		}, []string{"outcome"}),
		webhookDelivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_webhook_deliveries_total",
			Help: "Batch progress webhook deliveries, by outcome.",
		}, []string{"outcome"}),
		statsCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_stats_cache_requests_total",
			Help: "Directory stats requests by cache result.",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quality_batch_job_duration_seconds",
			Help:    "Wall time from job start to terminal status.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
	}

	registerer.MustRegister(
		m.jobsSubmitted,
		m.jobsFinished,
		m.itemsProcessed,
		m.webhookDelivery,
		m.statsCache,
		m.jobDuration,
	)
	return m
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// JobSubmitted counts a new job; mode is "sync" or "async".
func (m *Metrics) JobSubmitted(mode string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(mode).Inc()
}

// JobFinished counts a terminal transition and observes the run time.
func (m *Metrics) JobFinished(status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
	if seconds >= 0 {
		m.jobDuration.Observe(seconds)
	}
}

// ItemProcessed counts one business processed by a batch.
func (m *Metrics) ItemProcessed(ok bool) {
	if m == nil {
		return
	}
	m.itemsProcessed.WithLabelValues(outcome(ok)).Inc()
}

// WebhookDelivery counts a webhook attempt with one of the Outcome labels.
func (m *Metrics) WebhookDelivery(result string) {
	if m == nil {
		return
	}
	m.webhookDelivery.WithLabelValues(result).Inc()
}

// StatsCacheHit counts a stats request served from cache.
func (m *Metrics) StatsCacheHit() {
	if m == nil {
		return
	}
	m.statsCache.WithLabelValues("hit").Inc()
}

// StatsCacheMiss counts a stats request that recomputed.
func (m *Metrics) StatsCacheMiss() {
	if m == nil {
		return
	}
	m.statsCache.WithLabelValues("miss").Inc()
}

func outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}
