// Package metrics exposes prometheus collectors for the proxy's admission
// decisions and store health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal *prometheus.CounterVec
	RateLimited   *prometheus.CounterVec
	Whitelisted   prometheus.Counter
	StoreErrors   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlproxy_requests_total",
				Help: "Requests handled by the proxy, by response code",
			},
			[]string{"code"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlproxy_rate_limited_total",
				Help: "Requests rejected with 429, by denying strategy kind",
			},
			[]string{"strategy"},
		),
		Whitelisted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rlproxy_whitelisted_total",
				Help: "Requests admitted via the IP whitelist",
			},
		),
		StoreErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rlproxy_store_errors_total",
				Help: "Bucket store checks that failed and fell back to the fail-open/fail-closed policy",
			},
		),
	}

	m.registry.MustRegister(m.RequestsTotal, m.RateLimited, m.Whitelisted, m.StoreErrors)
	return m
}

// Handler serves the collected metrics in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
