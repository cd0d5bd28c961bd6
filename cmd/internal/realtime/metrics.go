package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the messaging core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	storeOps        *prometheus.CounterVec
	storeOpSeconds  *prometheus.HistogramVec
	subscriptions   prometheus.Gauge
	resubscribes    prometheus.Counter
	snapshots       *prometheus.CounterVec
	malformed       prometheus.Counter
	sessionsOpen    prometheus.Gauge
	optimisticSends *prometheus.CounterVec
	wsConnections   prometheus.Gauge
	wsRejects       *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		storeOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carchat_store_ops_total",
			Help: "Message store adapter operations by op and result.",
		}, []string{"op", "result"}),
		storeOpSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carchat_store_op_seconds",
			Help:    "Latency of message store adapter operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "carchat_subscriptions_active",
			Help: "Live subscription bridges.",
		}),
		resubscribes: f.NewCounter(prometheus.CounterOpts{
			Name: "carchat_resubscribe_total",
			Help: "Automatic resubscriptions after a listener failure.",
		}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carchat_snapshots_total",
			Help: "Snapshots emitted by subscription bridges.",
		}, []string{"kind", "stale"}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Name: "carchat_malformed_documents_total",
			Help: "Store documents rejected by schema validation.",
		}),
		sessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "carchat_sessions_open",
			Help: "Open conversation and inbox sessions.",
		}),
		optimisticSends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carchat_optimistic_sends_total",
			Help: "Optimistic entries by outcome (reconciled, failed, retried).",
		}, []string{"outcome"}),
		wsConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "carchat_ws_connections",
			Help: "Open WebSocket connections.",
		}),
		wsRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carchat_ws_rejects_total",
			Help: "Rejected or force-closed WebSocket connections by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) observeOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case IsValidation(err):
		result = "invalid"
	case IsNotFound(err):
		result = "not_found"
	case IsForbidden(err):
		result = "forbidden"
	default:
		result = "error"
	}
	m.storeOps.WithLabelValues(op, result).Inc()
	m.storeOpSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) subscriptionOpened() {
	if m != nil {
		m.subscriptions.Inc()
	}
}

func (m *Metrics) subscriptionClosed() {
	if m != nil {
		m.subscriptions.Dec()
	}
}

func (m *Metrics) resubscribed() {
	if m != nil {
		m.resubscribes.Inc()
	}
}

func (m *Metrics) snapshot(kind QueryKind, stale bool) {
	if m == nil {
		return
	}
	s := "false"
	if stale {
		s = "true"
	}
	m.snapshots.WithLabelValues(kind.String(), s).Inc()
}

func (m *Metrics) malformedDocument() {
	if m != nil {
		m.malformed.Inc()
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessionsOpen.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessionsOpen.Dec()
	}
}

func (m *Metrics) optimistic(outcome string) {
	if m != nil {
		m.optimisticSends.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.wsConnections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.wsConnections.Dec()
	}
}

func (m *Metrics) wsReject(reason string) {
	if m != nil {
		m.wsRejects.WithLabelValues(reason).Inc()
	}
}
