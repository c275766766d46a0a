package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Proxy metrics (low-cardinality; no collection or endpoint labels)
var (
	proxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latencypoison_proxy_requests_total",
			Help: "Total proxied requests by method, status and outcome",
		},
		[]string{"method", "status", "outcome"},
	)
	proxyReqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "latencypoison_proxy_request_duration_seconds",
			Help:    "End-to-end proxy request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "outcome"},
	)
	injectedDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "latencypoison_injected_delay_seconds",
			Help:    "Artificial delay applied before forwarding or failing",
			Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
	injectedFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "latencypoison_injected_failures_total",
			Help: "Total synthesized failures",
		},
	)
	upstreamInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "latencypoison_upstream_inflight",
			Help: "Number of in-flight upstream requests",
		},
	)
	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "latencypoison_upstream_request_duration_seconds",
			Help:    "Upstream round trip duration in seconds by result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)
	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "latencypoison_rate_limited_total",
			Help: "Total proxy requests rejected by the per-collection rate limit",
		},
	)
	snapshotVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "latencypoison_config_snapshot_version",
			Help: "Version of the configuration snapshot currently served",
		},
	)
)

func init() {
	prometheus.MustRegister(
		proxyRequestsTotal,
		proxyReqDuration,
		injectedDelay,
		injectedFailures,
		upstreamInflight,
		upstreamDuration,
		rateLimited,
		snapshotVersion,
	)
}

// ObserveProxyResponse records one completed proxy request.
func ObserveProxyResponse(method string, status int, outcome string, dur time.Duration) {
	if outcome == "" {
		outcome = "none"
	}
	proxyRequestsTotal.WithLabelValues(method, strconv.Itoa(status), outcome).Inc()
	proxyReqDuration.WithLabelValues(method, outcome).Observe(dur.Seconds())
}

// ObserveInjectedDelay records the artificial delay applied to a request.
func ObserveInjectedDelay(latencyMs int) {
	injectedDelay.Observe((time.Duration(latencyMs) * time.Millisecond).Seconds())
}

// IncInjectedFailure counts a synthesized failure.
func IncInjectedFailure() {
	injectedFailures.Inc()
}

// IncUpstreamInflight marks an upstream request as started.
func IncUpstreamInflight() {
	upstreamInflight.Inc()
}

// DecUpstreamInflight marks an upstream request as finished.
func DecUpstreamInflight() {
	upstreamInflight.Dec()
}

// ObserveUpstream records the upstream round trip duration; result is ok, error or timeout.
func ObserveUpstream(result string, dur time.Duration) {
	upstreamDuration.WithLabelValues(result).Observe(dur.Seconds())
}

// IncRateLimited counts a request rejected by the rate limiter.
func IncRateLimited() {
	rateLimited.Inc()
}

// SetSnapshotVersion publishes the served snapshot version.
func SetSnapshotVersion(version uint64) {
	snapshotVersion.Set(float64(version))
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
