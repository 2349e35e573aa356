package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the HLS gateway.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	tokensIssuedTotal   prometheus.Counter
	streamsStoppedTotal prometheus.Counter
	cacheHitsTotal      prometheus.Counter
	cacheMissesTotal    prometheus.Counter
	upstreamErrorsTotal prometheus.Counter
	activeStreams       prometheus.Gauge
	activeViewers       prometheus.Gauge
	cacheBytes          prometheus.Gauge
}

// New creates and registers Prometheus metrics for the gateway.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	tokensIssuedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_tokens_issued_total",
		Help: "Total number of access tokens issued",
	})
	streamsStoppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_streams_stopped_total",
		Help: "Total number of streams explicitly stopped",
	})
	cacheHitsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_segment_cache_hits_total",
		Help: "Total number of segment requests served from cache",
	})
	cacheMissesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_segment_cache_misses_total",
		Help: "Total number of segment requests fetched from origin",
	})
	upstreamErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_upstream_errors_total",
		Help: "Total number of failed upstream fetches",
	})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_streams",
		Help: "Number of streams that are active and unexpired",
	})
	activeViewers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_viewers",
		Help: "Number of live viewer sessions across all streams",
	})
	cacheBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_segment_cache_bytes",
		Help: "Total bytes currently resident in the segment cache",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		tokensIssuedTotal,
		streamsStoppedTotal,
		cacheHitsTotal,
		cacheMissesTotal,
		upstreamErrorsTotal,
		activeStreams,
		activeViewers,
		cacheBytes,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		errorsTotal:         errorsTotal,
		tokensIssuedTotal:   tokensIssuedTotal,
		streamsStoppedTotal: streamsStoppedTotal,
		cacheHitsTotal:      cacheHitsTotal,
		cacheMissesTotal:    cacheMissesTotal,
		upstreamErrorsTotal: upstreamErrorsTotal,
		activeStreams:       activeStreams,
		activeViewers:       activeViewers,
		cacheBytes:          cacheBytes,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncTokensIssued increments the tokens issued counter.
func (m *Metrics) IncTokensIssued() {
	m.tokensIssuedTotal.Inc()
}

// IncStreamsStopped increments the streams stopped counter.
func (m *Metrics) IncStreamsStopped() {
	m.streamsStoppedTotal.Inc()
}

// IncCacheHits increments the segment cache hit counter.
func (m *Metrics) IncCacheHits() {
	m.cacheHitsTotal.Inc()
}

// IncCacheMisses increments the segment cache miss counter.
func (m *Metrics) IncCacheMisses() {
	m.cacheMissesTotal.Inc()
}

// IncUpstreamErrors increments the upstream error counter.
func (m *Metrics) IncUpstreamErrors() {
	m.upstreamErrorsTotal.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// SetActiveViewers sets the active viewers gauge.
func (m *Metrics) SetActiveViewers(n int) {
	m.activeViewers.Set(float64(n))
}

// SetCacheBytes sets the cache occupancy gauge.
func (m *Metrics) SetCacheBytes(n int64) {
	m.cacheBytes.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
