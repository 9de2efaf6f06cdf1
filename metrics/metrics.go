// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for backend calls.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeTransport = "transport"
)

// Broadcast triggers.
const (
	TriggerBind      = "bind"
	TriggerAction    = "action"
	TriggerReconcile = "reconcile"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// which keeps tests free of registry plumbing.
type Metrics struct {
	roomsActive      prometheus.Gauge
	bindings         prometheus.Gauge
	backendCalls     *prometheus.CounterVec
	backendLatency   *prometheus.HistogramVec
	broadcasts       *prometheus.CounterVec
	staleFetches     prometheus.Counter
	cleanupFailures  prometheus.Counter
	droppedPushes    prometheus.Counter
	connectionsTotal prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "rooms_active",
			Help:      "Number of game rooms with at least one bound connection.",
		}),
		bindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connection_bindings",
			Help:      "Number of connections currently bound to a room.",
		}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "backend_calls_total",
			Help:      "Backend calls by action and outcome.",
		}, []string{"action", "outcome"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "backend_call_seconds",
			Help:      "Backend call round-trip time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "broadcasts_total",
			Help:      "Snapshot broadcasts by trigger.",
		}, []string{"trigger"}),
		staleFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "stale_fetches_total",
			Help:      "Completed state fetches discarded because a later fetch was already applied.",
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "cleanup_failures_total",
			Help:      "Best-effort backend disconnects that failed during room teardown.",
		}),
		droppedPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "dropped_pushes_total",
			Help:      "Pushes dropped because a connection's send buffer was full.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "connections_total",
			Help:      "Websocket connections accepted.",
		}),
	}

	reg.MustRegister(
		m.roomsActive,
		m.bindings,
		m.backendCalls,
		m.backendLatency,
		m.broadcasts,
		m.staleFetches,
		m.cleanupFailures,
		m.droppedPushes,
		m.connectionsTotal,
	)
	return m
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.roomsActive.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.roomsActive.Dec()
	}
}

func (m *Metrics) Bound() {
	if m != nil {
		m.bindings.Inc()
	}
}

func (m *Metrics) Unbound() {
	if m != nil {
		m.bindings.Dec()
	}
}

func (m *Metrics) BackendCall(action, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.backendCalls.WithLabelValues(action, outcome).Inc()
	m.backendLatency.WithLabelValues(action).Observe(seconds)
}

func (m *Metrics) Broadcast(trigger string) {
	if m != nil {
		m.broadcasts.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) StaleFetch() {
	if m != nil {
		m.staleFetches.Inc()
	}
}

func (m *Metrics) CleanupFailure() {
	if m != nil {
		m.cleanupFailures.Inc()
	}
}

func (m *Metrics) DroppedPush() {
	if m != nil {
		m.droppedPushes.Inc()
	}
}

func (m *Metrics) ConnectionAccepted() {
	if m != nil {
		m.connectionsTotal.Inc()
	}
}
