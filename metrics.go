package touriquest

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle
// and the reliability layers. It is safe for concurrent use; all methods
// are no-ops on a nil receiver.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   *prometheus.GaugeVec

	deduplicationHits *prometheus.CounterVec

	batchFlushesTotal *prometheus.CounterVec
	batchSize         *prometheus.HistogramVec

	tokenRefreshesTotal *prometheus.CounterVec

	rateLimiterTokens   *prometheus.GaugeVec
	retryBudgetExceeded *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewMetricsCollector creates a collector on its own private registry, so
// multiple isolated client instances can coexist in one process.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer.
func NewMetricsCollectorWithRegistry(registerer prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "touriquest_client_requests_total",
				Help: "Total number of API requests executed",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "touriquest_client_request_duration_seconds",
				Help:    "Duration of API requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "touriquest_client_requests_in_flight",
				Help: "Number of API requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "touriquest_client_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		circuitBreakerState: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "touriquest_client_circuit_breaker_state",
				Help: "Circuit breaker state per endpoint class (0=closed, 1=open, 2=half-open)",
			},
			[]string{"endpoint_class"},
		),
		cacheHits: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "touriquest_client_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"method", "endpoint"},
		),
		cacheMisses: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "touriquest_client_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"method", "endpoint"},
		),
		cacheSize: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "touriquest_client_cache_size_bytes",
				Help: "Aggregate size of cached responses in bytes",
			},
			[]string{"backend"},
		),
		deduplicationHits: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "touriquest_client_deduplication_hits_total",
				Help: "Total number of requests coalesced into an in-flight call",
			},
			[]string{"method", "endpoint"},
		),
		batchFlushesTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "touriquest_client_batch_flushes_total",
				Help: "Total number of batch flushes",
			},
			[]string{"endpoint_class", "reason"},
		),
		batchSize: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "touriquest_client_batch_size",
				Help:    "Number of sub-requests per flushed batch",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"endpoint_class"},
		),
		tokenRefreshesTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "touriquest_client_token_refreshes_total",
				Help: "Total number of auth token refreshes",
			},
			[]string{"outcome"},
		),
		rateLimiterTokens: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "touriquest_client_rate_limiter_tokens",
				Help: "Currently available rate limiter tokens",
			},
			[]string{"endpoint_class"},
		),
		retryBudgetExceeded: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "touriquest_client_retry_budget_exceeded_total",
				Help: "Total number of times the retry budget stopped a retry",
			},
			[]string{"endpoint_class"},
		),
		errorsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "touriquest_client_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type", "method", "endpoint"},
		),
		registerer: registerer,
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	status := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, status, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, status, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments the retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordCircuitBreakerState sets the breaker state gauge for a class.
func (mc *MetricsCollector) RecordCircuitBreakerState(class string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.WithLabelValues(class).Set(float64(state))
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheSize sets the aggregate cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(backend string, sizeBytes int64) {
	if mc == nil {
		return
	}
	mc.cacheSize.WithLabelValues(backend).Set(float64(sizeBytes))
}

// RecordDeduplicationHit increments the coalesced-request counter.
func (mc *MetricsCollector) RecordDeduplicationHit(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.deduplicationHits.WithLabelValues(method, endpoint).Inc()
}

// RecordBatchFlush records one flushed batch and its size. reason is
// "window", "size" or "shutdown".
func (mc *MetricsCollector) RecordBatchFlush(class, reason string, size int) {
	if mc == nil {
		return
	}
	mc.batchFlushesTotal.WithLabelValues(class, reason).Inc()
	mc.batchSize.WithLabelValues(class).Observe(float64(size))
}

// RecordTokenRefresh increments the token refresh counter.
func (mc *MetricsCollector) RecordTokenRefresh(success bool) {
	if mc == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	mc.tokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordRateLimiterTokens sets the available-token gauge for a class.
func (mc *MetricsCollector) RecordRateLimiterTokens(class string, tokens int) {
	if mc == nil {
		return
	}
	mc.rateLimiterTokens.WithLabelValues(class).Set(float64(tokens))
}

// RecordRetryBudgetExceeded increments the retry budget counter.
func (mc *MetricsCollector) RecordRetryBudgetExceeded(class string) {
	if mc == nil {
		return
	}
	mc.retryBudgetExceeded.WithLabelValues(class).Inc()
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// Registry exposes the underlying registry when the collector owns one,
// e.g. to mount promhttp.HandlerFor in the host application.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	if registry, ok := mc.registerer.(*prometheus.Registry); ok {
		return registry
	}
	return nil
}
