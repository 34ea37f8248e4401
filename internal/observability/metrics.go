package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsStarted    *prometheus.CounterVec
	TurnsProcessed     *prometheus.CounterVec
	TurnsInFlight      prometheus.Gauge
	CollaboratorErrors *prometheus.CounterVec
	ScoringOutcomes    *prometheus.CounterVec
	LiveSubscribers    prometheus.Gauge
	TurnStageLatency   *prometheus.HistogramVec

	stages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SessionsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Interview sessions started by protocol.",
		}, []string{"protocol"}),
		TurnsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_processed_total",
			Help:      "Answer submissions by outcome.",
		}, []string{"outcome"}),
		TurnsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turns_in_flight",
			Help:      "Answer submissions currently being processed.",
		}),
		CollaboratorErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_errors_total",
			Help:      "Collaborator errors by collaborator and code.",
		}, []string{"collaborator", "code"}),
		ScoringOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_outcomes_total",
			Help:      "Scoring results by outcome.",
		}, []string{"outcome"}),
		LiveSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_feed_subscribers",
			Help:      "Open websocket message feed subscribers.",
		}),
		TurnStageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Latency of answer pipeline stages in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000, 60000},
		}, []string{"stage"}),
		stages: newTurnStageWindow(256),
	}
}

func (m *Metrics) SessionStarted(protocol string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(protocol).Inc()
}

func (m *Metrics) TurnProcessed(outcome string) {
	if m == nil {
		return
	}
	m.TurnsProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TurnStarted() func() {
	if m == nil {
		return func() {}
	}
	m.TurnsInFlight.Inc()
	return m.TurnsInFlight.Dec
}

func (m *Metrics) CollaboratorError(collaborator, code string) {
	if m == nil {
		return
	}
	m.CollaboratorErrors.WithLabelValues(collaborator, code).Inc()
	m.stages.ObserveIndicator(collaborator + "_error")
}

func (m *Metrics) ScoringOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ScoringOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SubscriberDelta(delta int) {
	if m == nil {
		return
	}
	m.LiveSubscribers.Add(float64(delta))
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.TurnStageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []TurnStageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
