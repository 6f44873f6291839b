package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTurnOutcomeRecorded(t *testing.T) {
	m := New(prometheus.NewRegistry())

	done := m.TurnStarted()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.turnsInFlight))

	done(OutcomeFailure)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.turnsInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.turns.WithLabelValues(OutcomeFailure)))

	m.TurnRejected()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.turns.WithLabelValues(OutcomeRejected)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TurnStarted()(OutcomeSuccess)
	m.Fragment()
	m.Analysis(OutcomeSuccess)
	m.TransportError("send")
	m.SessionOpened()
	m.SessionClosed()
}

func TestSessionGaugeTracksLiveSessions(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessions))
}
