package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics for stream session lifecycles.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsLive    prometheus.Counter
	SessionFailures *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	GatherTimeouts  prometheus.Counter
	TimeToLive      prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "whep_sessions_started_total",
			Help: "Total number of negotiation attempts started",
		}),
		SessionsLive: factory.NewCounter(prometheus.CounterOpts{
			Name: "whep_sessions_live_total",
			Help: "Total number of attempts that reached live media",
		}),
		SessionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "whep_session_failures_total",
			Help: "Total number of failed attempts by failure kind",
		}, []string{"kind"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "whep_active_sessions",
			Help: "Current number of attempts holding a peer connection",
		}),
		GatherTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "whep_gather_timeouts_total",
			Help: "Total number of offers sent with partially gathered candidates",
		}),
		TimeToLive: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "whep_time_to_live_seconds",
			Help:    "Time from attempt start until media was confirmed flowing",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) SessionLive(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SessionsLive.Inc()
	m.TimeToLive.Observe(elapsed.Seconds())
}

func (m *Metrics) SessionFailed(kind string) {
	if m == nil {
		return
	}
	m.SessionFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) GatherTimedOut() {
	if m == nil {
		return
	}
	m.GatherTimeouts.Inc()
}
