package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the orchestrator.
type Metrics struct {
	registry *prometheus.Registry

	sagaStarted   *prometheus.CounterVec
	sagaFinished  *prometheus.CounterVec
	sagaDuration  prometheus.Histogram
	stepOutcomes  *prometheus.CounterVec
	compensations *prometheus.CounterVec
	manualTotal   *prometheus.CounterVec
	sweeperResume prometheus.Counter
	activeSagas   *prometheus.GaugeVec
}

// New creates a metrics registry and registers saga metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	sagaStarted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Total number of started sagas.",
	}, []string{"definition"})

	sagaFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_finished_total",
		Help: "Total number of sagas that reached a final state.",
	}, []string{"definition", "status"})

	sagaDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "Wall time from saga start to a final state in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	stepOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_attempts_total",
		Help: "Total number of step invocation attempts by outcome.",
	}, []string{"definition", "step", "outcome"})

	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensations_total",
		Help: "Total number of compensation attempts by outcome.",
	}, []string{"definition", "step", "outcome"})

	manualTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_manual_intervention_total",
		Help: "Total number of sagas escalated to manual intervention.",
	}, []string{"definition"})

	sweeperResume := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_sweeper_resumed_total",
		Help: "Total number of stuck sagas re-dispatched by the recovery sweeper.",
	})

	activeSagas := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "saga_instances",
		Help: "Current number of saga instances by status.",
	}, []string{"status"})

	registry.MustRegister(sagaStarted, sagaFinished, sagaDuration, stepOutcomes,
		compensations, manualTotal, sweeperResume, activeSagas)

	return &Metrics{
		registry:      registry,
		sagaStarted:   sagaStarted,
		sagaFinished:  sagaFinished,
		sagaDuration:  sagaDuration,
		stepOutcomes:  stepOutcomes,
		compensations: compensations,
		manualTotal:   manualTotal,
		sweeperResume: sweeperResume,
		activeSagas:   activeSagas,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSagaStarted(definition string) {
	if m == nil {
		return
	}
	m.sagaStarted.WithLabelValues(definition).Inc()
}

func (m *Metrics) IncSagaFinished(definition, status string) {
	if m == nil {
		return
	}
	m.sagaFinished.WithLabelValues(definition, status).Inc()
}

func (m *Metrics) ObserveSagaDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sagaDuration.Observe(d.Seconds())
}

func (m *Metrics) IncStepAttempt(definition, step, outcome string) {
	if m == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(definition, step, outcome).Inc()
}

func (m *Metrics) IncCompensation(definition, step, outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(definition, step, outcome).Inc()
}

func (m *Metrics) IncManualIntervention(definition string) {
	if m == nil {
		return
	}
	m.manualTotal.WithLabelValues(definition).Inc()
}

func (m *Metrics) IncSweeperResumed() {
	if m == nil {
		return
	}
	m.sweeperResume.Inc()
}

func (m *Metrics) SetActiveSagas(status string, count int64) {
	if m == nil {
		return
	}
	m.activeSagas.WithLabelValues(status).Set(float64(count))
}
