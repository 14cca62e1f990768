package oauthx

import "github.com/prometheus/client_golang/prometheus"

const namespace = "oauthx"

// Metrics holds the collectors an Authorizer reports to. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Authorizations *prometheus.CounterVec
	CacheRequests  *prometheus.CounterVec
	Lookups        *prometheus.CounterVec
	LookupLatency  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Authorizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "authorizations_total",
				Help:      "Total number of authorization attempts, labeled by strategy and outcome code.",
			},
			[]string{"strategy", "code"},
		),
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_cache_requests_total",
				Help:      "Total number of claims cache reads, labeled by result.",
			},
			[]string{"result"},
		),
		Lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_lookups_total",
				Help:      "Total number of outbound claims lookups, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		),
		LookupLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "claims_lookup_latency_seconds",
				Help:      "Latency of outbound claims lookups (seconds).",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"source"},
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.Authorizations, m.CacheRequests, m.Lookups, m.LookupLatency} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) authorization(strategy Strategy, code string) {
	if m == nil {
		return
	}
	m.Authorizations.WithLabelValues(string(strategy), code).Inc()
}

func (m *Metrics) cacheResult(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) lookup(source string, seconds float64, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.Lookups.WithLabelValues(source, outcome).Inc()
	m.LookupLatency.WithLabelValues(source).Observe(seconds)
}
