package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy-side prometheus instruments on a private
// registry so tests can construct servers independently.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	upstreamLatency   *prometheus.HistogramVec
	handshakeFailures prometheus.Counter
	poolSize          prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "azurebridge",
			Name:      "requests_total",
			Help:      "Proxy requests by route and response status.",
		}, []string{"route", "status"}),
		upstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "azurebridge",
			Name:      "upstream_latency_seconds",
			Help:      "Backend call latency by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"operation"}),
		handshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "azurebridge",
			Name:      "handshake_failures_total",
			Help:      "Failed credential mint attempts.",
		}),
		poolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "azurebridge",
			Name:      "credential_pool_size",
			Help:      "Valid credentials after the last refill pass.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route string, status int) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveUpstream(operation string, elapsed time.Duration) {
	m.upstreamLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) HandshakeFailure() { m.handshakeFailures.Inc() }

func (m *Metrics) SetPoolSize(n int) { m.poolSize.Set(float64(n)) }
