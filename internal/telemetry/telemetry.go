// Package telemetry registers the Prometheus collectors for the
// connection and synchronization layer. All methods are nil-safe so
// components can run without metrics in tests.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	connState        prometheus.Gauge
	connectAttempts  prometheus.Counter
	retriesScheduled prometheus.Counter
	framesDispatched prometheus.Counter
	framesDropped    *prometheus.CounterVec
	sendsRejected    prometheus.Counter
	broadcasts       prometheus.Counter
	broadcastDrops   prometheus.Counter
	snapshotsApplied *prometheus.CounterVec
}

// New builds and registers the collectors. Pass
// prometheus.DefaultRegisterer in main; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncbridge_connection_state",
			Help: "Current connection state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncbridge_connect_attempts_total",
			Help: "Connection attempts, including retries.",
		}),
		retriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncbridge_retries_scheduled_total",
			Help: "Backoff retries scheduled after a disconnect.",
		}),
		framesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncbridge_frames_dispatched_total",
			Help: "Inbound frames dispatched to a handler.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncbridge_frames_dropped_total",
			Help: "Inbound frames dropped before dispatch.",
		}, []string{"reason"}),
		sendsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncbridge_sends_rejected_total",
			Help: "Outbound sends rejected because the channel was not connected.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncbridge_surface_broadcasts_total",
			Help: "Events delivered to registered surfaces.",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncbridge_surface_broadcast_drops_total",
			Help: "Events dropped because a surface buffer was full.",
		}),
		snapshotsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncbridge_snapshots_applied_total",
			Help: "Server snapshots applied to the local cache.",
		}, []string{"collection"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connState,
			m.connectAttempts,
			m.retriesScheduled,
			m.framesDispatched,
			m.framesDropped,
			m.sendsRejected,
			m.broadcasts,
			m.broadcastDrops,
			m.snapshotsApplied,
		)
	}
	return m
}

func (m *Metrics) SetConnState(state float64) {
	if m == nil {
		return
	}
	m.connState.Set(state)
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.retriesScheduled.Inc()
}

func (m *Metrics) FrameDispatched() {
	if m == nil {
		return
	}
	m.framesDispatched.Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SendRejected() {
	if m == nil {
		return
	}
	m.sendsRejected.Inc()
}

func (m *Metrics) BroadcastDelivered() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastDrops.Inc()
}

func (m *Metrics) SnapshotApplied(collection string) {
	if m == nil {
		return
	}
	m.snapshotsApplied.WithLabelValues(collection).Inc()
}
