package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirror"

// Outcome labels shared by turns and analyses.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// Metrics groups the collectors exported by the chat engine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	turns           *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	turnsInFlight   prometheus.Gauge
	fragments       prometheus.Counter
	analyses        *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	sessions        prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a conversation turn from placeholder to final fragment.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		turnsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turns_in_flight",
			Help:      "Turns currently streaming.",
		}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fragments_total",
			Help:      "Streamed text fragments folded into AI messages.",
		}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Distortion analyses by outcome.",
		}, []string{"outcome"}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "LLM transport failures by operation.",
		}, []string{"op"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live anonymous sessions.",
		}),
	}

	reg.MustRegister(m.turns, m.turnDuration, m.turnsInFlight, m.fragments, m.analyses, m.transportErrors, m.sessions)
	return m
}

// TurnStarted marks a turn in flight and returns a func that records its outcome.
func (m *Metrics) TurnStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.turnsInFlight.Inc()
	return func(outcome string) {
		m.turnsInFlight.Dec()
		m.turnDuration.Observe(time.Since(start).Seconds())
		m.turns.WithLabelValues(outcome).Inc()
	}
}

// TurnRejected counts a send refused because another turn was in flight.
func (m *Metrics) TurnRejected() {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(OutcomeRejected).Inc()
}

func (m *Metrics) Fragment() {
	if m == nil {
		return
	}
	m.fragments.Inc()
}

func (m *Metrics) Analysis(outcome string) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TransportError(op string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
