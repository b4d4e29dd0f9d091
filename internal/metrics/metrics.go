// Package metrics exposes Prometheus counters and histograms for the
// conversation pipeline. Every method is safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cardiocheck"

// Metrics groups the collectors used across the application.
type Metrics struct {
	inboundTotal        *prometheus.CounterVec
	guardDecisions      *prometheus.CounterVec
	transitionsTotal    *prometheus.CounterVec
	transitionLatency   *prometheus.HistogramVec
	persistenceRetries  *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
	deadLetters         prometheus.Counter
	outboundTotal       *prometheus.CounterVec
	reminderSends       *prometheus.CounterVec
	reminderBatches     prometheus.Counter
	completions         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg, or with the
// default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "inbound_total",
			Help:      "Inbound user actions by kind and outcome",
		}, []string{"kind", "outcome"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "decisions_total",
			Help:      "Reentrancy guard decisions",
		}, []string{"decision"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "transitions_total",
			Help:      "Conversation transitions by source and target stage",
		}, []string{"from", "to"}),
		transitionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "handle_seconds",
			Help:      "Time to load, advance and persist one action",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		persistenceRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "persistence_retries_total",
			Help:      "Retried persistence operations",
		}, []string{"operation"}),
		persistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "persistence_failures_total",
			Help:      "Persistence operations that failed after every retry",
		}, []string{"operation"}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "dead_letters_total",
			Help:      "Writes recorded in the dead-letter log",
		}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Outbound sends by kind and status",
		}, []string{"kind", "status"}),
		reminderSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "sends_total",
			Help:      "Reminder deliveries by reminder id and status",
		}, []string{"reminder", "status"}),
		reminderBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "batches_total",
			Help:      "Reminder batches dispatched",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "completions_total",
			Help:      "Completed assessments by composite risk level",
		}, []string{"level"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.inboundTotal, m.guardDecisions, m.transitionsTotal, m.transitionLatency,
		m.persistenceRetries, m.persistenceFailures, m.deadLetters,
		m.outboundTotal, m.reminderSends, m.reminderBatches, m.completions,
	)
	return m
}

func (m *Metrics) ObserveInbound(kind, outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveGuardDecision(decision string) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveHandleLatency(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.transitionLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) IncPersistenceRetry(operation string) {
	if m == nil {
		return
	}
	m.persistenceRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncPersistenceFailure(operation string) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncDeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *Metrics) ObserveOutbound(kind string, err error) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(kind, status(err)).Inc()
}

func (m *Metrics) ObserveReminderSend(reminderID string, err error) {
	if m == nil {
		return
	}
	m.reminderSends.WithLabelValues(reminderID, status(err)).Inc()
}

func (m *Metrics) IncReminderBatch() {
	if m == nil {
		return
	}
	m.reminderBatches.Inc()
}

func (m *Metrics) ObserveCompletion(level string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(level).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
