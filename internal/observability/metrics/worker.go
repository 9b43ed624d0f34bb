package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sp"

type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	stageTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageInFlight *prometheus.GaugeVec
	stageRetries  *prometheus.CounterVec
	queueLag      *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	stageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stage_runs_total",
			Help:      "Total stage attempts by stage and outcome.",
		},
		[]string{"service", "stage", "outcome"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stage_duration_seconds",
			Help:      "Stage attempt duration in seconds by stage and outcome.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "stage", "outcome"},
	)
	stageInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stage_in_flight",
			Help:      "Number of in-flight stage attempts.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		[]string{"stage"},
	)
	stageRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stage_retries_total",
			Help:      "Total stage attempts rescheduled for retry by reason.",
		},
		[]string{"service", "stage", "reason"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between task enqueue (or its not-before time) and processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "stage"},
	)

	registry.MustRegister(stageTotal, stageDuration, stageInFlight, stageRetries, queueLag)

	return &WorkerMetrics{
		registry:      registry,
		service:       service,
		stageTotal:    stageTotal,
		stageDuration: stageDuration,
		stageInFlight: stageInFlight,
		stageRetries:  stageRetries,
		queueLag:      queueLag,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *WorkerMetrics) StartStage(stage string) {
	m.stageInFlight.WithLabelValues(stage).Inc()
}

func (m *WorkerMetrics) FinishStage(stage, outcome string, duration time.Duration) {
	m.stageInFlight.WithLabelValues(stage).Dec()
	if outcome == "" {
		outcome = "unknown"
	}
	m.stageTotal.WithLabelValues(m.service, stage, outcome).Inc()
	m.stageDuration.WithLabelValues(m.service, stage, outcome).Observe(duration.Seconds())
}

func (m *WorkerMetrics) RecordRetry(stage, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.stageRetries.WithLabelValues(m.service, stage, reason).Inc()
}

func (m *WorkerMetrics) ObserveQueueLag(stage string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service, stage).Observe(lag.Seconds())
}
