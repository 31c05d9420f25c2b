package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the provider-call collectors. A nil *Metrics records nothing.
type Metrics struct {
	calls        *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: domain, outcome (ok, degraded, failed, cancelled)
		calls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mentor",
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Provider invocations by domain and outcome",
			},
			[]string{"domain", "outcome"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mentor",
				Subsystem: "provider",
				Name:      "call_duration_seconds",
				Help:      "Wall time of provider invocations including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"domain"},
		),
		// 0=closed, 1=open, 2=half-open
		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mentor",
				Subsystem: "provider",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per domain (0=closed, 1=open, 2=half-open)",
			},
			[]string{"domain"},
		),
	}
}

func (m *Metrics) observe(domain string, out Outcome, state State) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(domain, string(out.Status)).Inc()
	m.latency.WithLabelValues(domain).Observe(out.Latency.Seconds())
	m.breakerState.WithLabelValues(domain).Set(float64(state))
}
