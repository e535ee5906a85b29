package auth

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session counters. A nil *Metrics records nothing.
type Metrics struct {
	refreshTotal  *prometheus.CounterVec
	backendCalls  prometheus.Counter
	refreshTime   prometheus.Histogram
	reauthTotal   *prometheus.CounterVec
	forcedLogouts prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered. Collectors already registered on reg, for
// example by an earlier session in the same process, are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		refreshTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsession_refresh_total",
			Help: "Refresh attempts by outcome.",
		}, []string{"outcome"})),
		backendCalls: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authsession_refresh_backend_calls_total",
			Help: "Refresh calls sent to the identity backend.",
		})),
		refreshTime: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authsession_refresh_duration_seconds",
			Help:    "Latency of refresh calls to the identity backend.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		})),
		reauthTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsession_reauth_total",
			Help: "Reactions to 401 responses by result.",
		}, []string{"result"})),
		forcedLogouts: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authsession_forced_logout_total",
			Help: "Sessions ended because the refresh token was rejected.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) refreshOutcome(outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) backendCall(d time.Duration) {
	if m == nil {
		return
	}
	m.backendCalls.Inc()
	m.refreshTime.Observe(d.Seconds())
}

func (m *Metrics) reauth(result string) {
	if m == nil {
		return
	}
	m.reauthTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) forcedLogout() {
	if m == nil {
		return
	}
	m.forcedLogouts.Inc()
}
