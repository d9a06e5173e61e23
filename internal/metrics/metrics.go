// Package metrics holds the Prometheus collectors shared by the pool, the
// synchronizer and the session. Every method is safe on a nil *Metrics so
// components can run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the client's collector set.
type Metrics struct {
	PreEstablished   prometheus.Gauge
	HealthChecks     *prometheus.CounterVec
	Evictions        *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	TransitionTime   prometheus.Histogram
	Mismatches       prometheus.Counter
	ChronicMismatch  prometheus.Counter
	StatesAccepted   prometheus.Counter
	StatesDropped    *prometheus.CounterVec
	AugmentedEntity  prometheus.Counter
	TicksSkipped     *prometheus.CounterVec
	HeartbeatFailure prometheus.Counter
}

// New registers the collectors on reg under namespace. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "zoneclient"
	}
	factory := promauto.With(reg)

	return &Metrics{
		PreEstablished: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "pre_established_connections",
			Help:      "Number of pre-established neighbour connections",
		}),
		HealthChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "health_checks_total",
			Help:      "Health checks of pre-established connections by result",
		}, []string{"result"}),
		Evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Pre-established connections evicted by reason",
		}, []string{"reason"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transition",
			Name:      "attempts_total",
			Help:      "Transition attempts by outcome",
		}, []string{"outcome"}),
		TransitionTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transition",
			Name:      "duration_seconds",
			Help:      "Duration of transition attempts",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		Mismatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transition",
			Name:      "mismatch_increments_total",
			Help:      "Rate-limited increments of the zone mismatch counter",
		}),
		ChronicMismatch: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transition",
			Name:      "chronic_mismatch_total",
			Help:      "Times the mismatch counter crossed the chronic threshold",
		}),
		StatesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "states_accepted_total",
			Help:      "World states accepted from the active connection",
		}),
		StatesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "states_dropped_total",
			Help:      "World states dropped by reason",
		}, []string{"reason"}),
		AugmentedEntity: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "augmented_entities_total",
			Help:      "Entities merged in from neighbouring zones",
		}),
		TicksSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ticks_skipped_total",
			Help:      "Periodic task ticks skipped because the previous run was still active",
		}, []string{"task"}),
		HeartbeatFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "heartbeat_failures_total",
			Help:      "Failed heartbeats on the active connection",
		}),
	}
}

func (m *Metrics) SetPreEstablished(n int) {
	if m == nil {
		return
	}
	m.PreEstablished.Set(float64(n))
}

func (m *Metrics) HealthCheck(healthy bool) {
	if m == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.HealthChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) Evicted(reason string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(reason).Inc()
}

// Transition records one orchestrator attempt.
func (m *Metrics) Transition(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(outcome).Inc()
	m.TransitionTime.Observe(seconds)
}

func (m *Metrics) Mismatch() {
	if m == nil {
		return
	}
	m.Mismatches.Inc()
}

func (m *Metrics) Chronic() {
	if m == nil {
		return
	}
	m.ChronicMismatch.Inc()
}

func (m *Metrics) StateAccepted() {
	if m == nil {
		return
	}
	m.StatesAccepted.Inc()
}

func (m *Metrics) StateDropped(reason string) {
	if m == nil {
		return
	}
	m.StatesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Augmented(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AugmentedEntity.Add(float64(n))
}

func (m *Metrics) Skipped(task string) {
	if m == nil {
		return
	}
	m.TicksSkipped.WithLabelValues(task).Inc()
}

func (m *Metrics) HeartbeatFailed() {
	if m == nil {
		return
	}
	m.HeartbeatFailure.Inc()
}
