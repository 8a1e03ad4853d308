package auth

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects Prometheus counters for the auth layer. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	signIns      *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	loads        *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	callbacks    *prometheus.CounterVec
}

// NewMetrics registers the auth counters on reg. A nil reg uses a private
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanguard_auth_signin_attempts_total",
			Help: "Sign-in attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanguard_auth_rate_limited_total",
			Help: "Attempts rejected locally by the rate limiter.",
		}, []string{"action"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanguard_auth_user_loads_total",
			Help: "User record fetches by source and outcome.",
		}, []string{"source", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanguard_auth_cache_lookups_total",
			Help: "User cache lookups by result.",
		}, []string{"result"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanguard_auth_callback_resolutions_total",
			Help: "OAuth callback resolutions by outcome and path.",
		}, []string{"outcome", "path"}),
	}
	reg.MustRegister(m.signIns, m.rateLimited, m.loads, m.cacheLookups, m.callbacks)
	return m
}

func (m *Metrics) signIn(method, outcome string) {
	if m == nil {
		return
	}
	m.signIns.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) limited(action string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(action).Inc()
}

func (m *Metrics) load(source, outcome string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) callback(outcome, path string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome, path).Inc()
}
