// Package metrics holds the Prometheus collectors for sessions, event fan-out
// and tool approvals. All methods are safe to call on a nil *Metrics, which
// lets tests and embedders run without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agent_bridge"

// Metrics groups every collector the bridge exports.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  *prometheus.CounterVec
	sessionsEnded    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	malformedLines   prometheus.Counter
	eventsBroadcast  *prometheus.CounterVec
	observers        prometheus.Gauge
	approvalRequests prometheus.Counter
	approvalVerdicts *prometheus.CounterVec
	approvalWait     prometheus.Histogram
	decisionConflict prometheus.Counter
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Agent session start attempts by outcome.",
		}, []string{"outcome"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Agent sessions that reached a terminal state.",
		}, []string{"state"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Agent processes currently running.",
		}),
		malformedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_malformed_lines_total",
			Help:      "Agent output lines dropped because they could not be parsed.",
		}),
		eventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_broadcast_total",
			Help:      "Stream events fanned out to observers, by type.",
		}, []string{"type"}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Connected stream observers.",
		}),
		approvalRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_requests_total",
			Help:      "Tool calls intercepted for human approval.",
		}),
		approvalVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_verdicts_total",
			Help:      "Verdicts returned to the agent, by outcome.",
		}, []string{"outcome"}),
		approvalWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_wait_seconds",
			Help:      "Time a tool call spent waiting for a verdict.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		decisionConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_conflicts_total",
			Help:      "Decisions rejected because the request was already settled.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsStarted,
		m.sessionsEnded,
		m.sessionsActive,
		m.malformedLines,
		m.eventsBroadcast,
		m.observers,
		m.approvalRequests,
		m.approvalVerdicts,
		m.approvalWait,
		m.decisionConflict,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues("ok").Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionSpawnFailed() {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues("spawn_error").Inc()
}

func (m *Metrics) SessionEnded(state string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(state).Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) MalformedLine() {
	if m == nil {
		return
	}
	m.malformedLines.Inc()
}

func (m *Metrics) EventBroadcast(eventType string) {
	if m == nil {
		return
	}
	m.eventsBroadcast.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserverAdded() {
	if m == nil {
		return
	}
	m.observers.Inc()
}

func (m *Metrics) ObserverRemoved() {
	if m == nil {
		return
	}
	m.observers.Dec()
}

func (m *Metrics) ApprovalRequested() {
	if m == nil {
		return
	}
	m.approvalRequests.Inc()
}

// ApprovalVerdict records one verdict; outcome is approved, denied, timeout
// or cancelled.
func (m *Metrics) ApprovalVerdict(outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.approvalVerdicts.WithLabelValues(outcome).Inc()
	m.approvalWait.Observe(waited.Seconds())
}

func (m *Metrics) DecisionConflict() {
	if m == nil {
		return
	}
	m.decisionConflict.Inc()
}
