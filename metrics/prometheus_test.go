package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionLifecycleMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SessionStarted()
	m.SessionStarted()
	m.SessionLive(300 * time.Millisecond)
	m.SessionFailed("exchange")
	m.SessionEnded()
	m.GatherTimedOut()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsLive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionFailures.WithLabelValues("exchange")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionFailures.WithLabelValues("transport")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatherTimeouts))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionLive(time.Second)
		m.SessionFailed("media")
		m.SessionEnded()
		m.GatherTimedOut()
	})
}
