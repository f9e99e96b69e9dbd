package braum

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the sync engine's counters as Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectionState *prometheus.GaugeVec
	connects        *prometheus.CounterVec
	failures        *prometheus.CounterVec
	frames          *prometheus.CounterVec
	malformed       *prometheus.CounterVec
	polls           *prometheus.CounterVec
	sends           *prometheus.CounterVec
	retracts        prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "braum",
			Name:      "connection_phase",
			Help:      "Current push connection phase per endpoint kind (0 closed, 1 connecting, 2 open, 3 backoff).",
		}, []string{"kind"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braum",
			Name:      "connections_opened_total",
			Help:      "Push connections that completed the handshake.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braum",
			Name:      "connection_failures_total",
			Help:      "Push connection errors and closes that led to backoff.",
		}, []string{"kind"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braum",
			Name:      "frames_received_total",
			Help:      "Inbound push frames by type.",
		}, []string{"kind", "type"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braum",
			Name:      "frames_malformed_total",
			Help:      "Inbound push frames dropped because they were not valid envelopes.",
		}, []string{"kind"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braum",
			Name:      "polls_total",
			Help:      "Fallback history fetches by result.",
		}, []string{"result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "braum",
			Name:      "sends_total",
			Help:      "Submitted messages by delivery path and result.",
		}, []string{"path", "result"}),
		retracts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "braum",
			Name:      "placeholders_retracted_total",
			Help:      "Optimistic placeholders removed after a confirmed send failure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connectionState, m.connects, m.failures, m.frames, m.malformed, m.polls, m.sends, m.retracts)
	}
	return m
}

func (m *Metrics) setConnectionState(e Endpoint, p Phase) {
	if m == nil {
		return
	}
	m.connectionState.WithLabelValues(e.Kind.String()).Set(float64(p))
}

func (m *Metrics) connectionOpened(e Endpoint) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(e.Kind.String()).Inc()
}

func (m *Metrics) connectionFailed(e Endpoint) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(e.Kind.String()).Inc()
}

func (m *Metrics) frameReceived(e Endpoint, frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(e.Kind.String(), frameType).Inc()
}

func (m *Metrics) frameMalformed(e Endpoint) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(e.Kind.String()).Inc()
}

func (m *Metrics) pollDone(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) sendDone(path string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sends.WithLabelValues(path, result).Inc()
}

func (m *Metrics) placeholderRetracted() {
	if m == nil {
		return
	}
	m.retracts.Inc()
}
