package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "telephony_bridge"

// Direction labels.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	framesForwarded    *prometheus.CounterVec
	framesDropped      *prometheus.CounterVec
	formatErrors       *prometheus.CounterVec
	joinAttempts       *prometheus.CounterVec
	sessionTransitions *prometheus.CounterVec
	sessionsActive     prometheus.Gauge
	duplicateRejects   prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		framesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_forwarded_total",
			Help:      "Frames delivered to their sink, by direction",
		}, []string{"direction"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Frames evicted from a full queue, by direction",
		}, []string{"direction"}),
		formatErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "format_errors_total",
			Help:      "Frames discarded because they did not match their format descriptor",
		}, []string{"direction"}),
		joinAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "room_join_attempts_total",
			Help:      "Room join attempts, by result",
		}, []string{"result"}),
		sessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions, by destination state",
		}, []string{"state"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Sessions currently held in the registry",
		}),
		duplicateRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "duplicate_sessions_rejected_total",
			Help:      "Connections rejected because the call id already had a session",
		}),
	}
}

func (m *Metrics) frameForwarded(direction string) {
	if m == nil {
		return
	}
	m.framesForwarded.WithLabelValues(direction).Inc()
}

func (m *Metrics) frameDropped(direction string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(direction).Inc()
}

func (m *Metrics) formatError(direction string) {
	if m == nil {
		return
	}
	m.formatErrors.WithLabelValues(direction).Inc()
}

func (m *Metrics) joinAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "success"
	}
	m.joinAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) transition(state State) {
	if m == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) sessionAdded() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionRemoved() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) duplicateRejected() {
	if m == nil {
		return
	}
	m.duplicateRejects.Inc()
}
