package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/DoyleJ11/planc-backend/internal/engine"
)

const namespace = "planc"

// Metrics holds the collectors shared by the hub, the lobbies and the
// websocket layer. A nil *Metrics is valid and records nothing.
type Metrics struct {
	activeSessions prometheus.Gauge
	participants   prometheus.Gauge
	commandsTotal  *prometheus.CounterVec
	joinsRejected  *prometheus.CounterVec
	statesSent     prometheus.Counter
}

// New registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently held by the registry",
		}),
		participants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_participants",
			Help:      "Number of participants with an open connection",
		}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands processed by type and result",
		}, []string{"command", "result"}),
		joinsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_rejected_total",
			Help:      "Join attempts declined, by reason",
		}, []string{"reason"}),
		statesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_messages_sent_total",
			Help:      "State views sent to participants",
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) ParticipantConnected() {
	if m == nil {
		return
	}
	m.participants.Inc()
}

func (m *Metrics) ParticipantDisconnected() {
	if m == nil {
		return
	}
	m.participants.Dec()
}

func (m *Metrics) CommandProcessed(cmd engine.CommandType, err error) {
	if m == nil {
		return
	}
	label := string(cmd)
	if label == "" {
		label = "Unparsed"
	}
	m.commandsTotal.WithLabelValues(label, Reason(err)).Inc()
}

func (m *Metrics) JoinRejected(err error) {
	if m == nil {
		return
	}
	m.joinsRejected.WithLabelValues(Reason(err)).Inc()
}

func (m *Metrics) StateSent() {
	if m == nil {
		return
	}
	m.statesSent.Inc()
}

// Reason maps an error to a bounded label value.
func Reason(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := engine.ErrorKind(err); kind != nil {
		return kind.Error()
	}
	return "other"
}
