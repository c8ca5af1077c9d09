// Package metrics exposes Prometheus collectors for advisor generation,
// enrichment, jobs and conversations.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "council"

// Metrics groups the service collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	generations        *prometheus.CounterVec
	generationDuration prometheus.Histogram
	enrichSteps        *prometheus.CounterVec
	jobs               *prometheus.CounterVec
	chatTurns          *prometheus.CounterVec
	chatDuration       *prometheus.HistogramVec
	upstreamErrors     *prometheus.CounterVec
}

// MustNewMetrics registers the collectors with reg and panics on a
// registration conflict with a collector of a different shape.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "advisors",
			Name:      "generations_total",
			Help:      "Advisor generation requests by outcome.",
		}, []string{"outcome"}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "advisors",
			Name:      "generation_duration_seconds",
			Help:      "Time spent generating and persisting an advisor batch.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80},
		}),
		enrichSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "steps_total",
			Help:      "Per-member enrichment steps by step and outcome.",
		}, []string{"step", "outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Background jobs processed by type and outcome.",
		}, []string{"type", "outcome"}),
		chatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Conversation requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		chatDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "duration_seconds",
			Help:      "Conversation request latency by mode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed calls to hosted collaborators by collaborator and HTTP status.",
		}, []string{"collaborator", "status"}),
	}

	m.generations = register(reg, m.generations)
	m.generationDuration = register(reg, m.generationDuration)
	m.enrichSteps = register(reg, m.enrichSteps)
	m.jobs = register(reg, m.jobs)
	m.chatTurns = register(reg, m.chatTurns)
	m.chatDuration = register(reg, m.chatDuration)
	m.upstreamErrors = register(reg, m.upstreamErrors)
	return m
}

// register reuses an already registered collector of the same type.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler serves the collectors of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveGeneration(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
	m.generationDuration.Observe(d.Seconds())
}

func (m *Metrics) IncEnrichStep(step, outcome string) {
	if m == nil {
		return
	}
	m.enrichSteps.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) IncJob(jobType, outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(jobType, outcome).Inc()
}

func (m *Metrics) ObserveChat(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.chatTurns.WithLabelValues(mode, outcome).Inc()
	m.chatDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// IncUpstreamError counts a failed collaborator call. Status 0 means the
// request never got a response.
func (m *Metrics) IncUpstreamError(collaborator string, status int) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(collaborator, strconv.Itoa(status)).Inc()
}
