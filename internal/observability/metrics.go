package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/air-advisory-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// KMA API call rate by endpoint and outcome.
	UpstreamCallsTotal *prometheus.CounterVec

	// KMA API latency. Watch for: p95 > 2s (upstream degradation).
	UpstreamDuration *prometheus.HistogramVec

	// Retry attempts against KMA. Watch for: high retries = unstable upstream.
	UpstreamRetriesTotal *prometheus.CounterVec

	// Advisory generator calls by kind and outcome. status=fallback means the canned text was served.
	GeneratorCallsTotal *prometheus.CounterVec

	// Advisory generator latency.
	GeneratorDuration *prometheus.HistogramVec

	// Store operation latency; operation is lookup or upsert.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Store failures. Watch for: any sustained rate (store unreachable).
	CacheErrorsTotal *prometheus.CounterVec

	// Freshness gate outcomes. Hit rate = result=hit / all, per collection.
	CacheLookupsTotal *prometheus.CounterVec

	// Prefetch sweeps run.
	PrefetchRunsTotal prometheus.Counter

	// Station fetches that failed during a sweep.
	PrefetchFailuresTotal *prometheus.CounterVec

	// Sweep wall time.
	PrefetchDurationSeconds prometheus.Histogram

	// Per-station advisory reads (allow-list; others go to "other").
	AdvisoryQueriesByStationTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Breaker state per component: 0 closed, 1 half-open, 2 open.
	CircuitBreakerState *prometheus.GaugeVec

	// Breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// In-flight requests at the moment shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	trackedStationsMu sync.RWMutex
	trackedStations   map[int]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmaApiCallsTotal",
			Help: "Total number of KMA API calls",
		},
		[]string{"endpoint", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kmaApiDurationSeconds",
			Help:    "KMA API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmaApiRetriesTotal",
			Help: "Total number of retry attempts for KMA API calls",
		},
		[]string{"endpoint"},
	)
	GeneratorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisoryGeneratorCallsTotal",
			Help: "Total number of advisory text generations",
		},
		[]string{"kind", "status"},
	)
	GeneratorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "advisoryGeneratorDurationSeconds",
			Help:    "Advisory generator latency in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Store operation latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "status"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Total number of store operation failures",
		},
		[]string{"operation"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Cache lookups by collection, result (hit/miss) and miss reason",
		},
		[]string{"collection", "result", "reason"},
	)
	PrefetchRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prefetchRunsTotal",
			Help: "Total number of prefetch sweeps",
		},
	)
	PrefetchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetchFailuresTotal",
			Help: "Station fetches that failed during prefetch",
		},
		[]string{"stn"},
	)
	PrefetchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prefetchDurationSeconds",
			Help:    "Prefetch sweep duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	AdvisoryQueriesByStationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisoryQueriesByStationTotal",
			Help: "Advisory reads by station (allow-list; others use stn=other)",
		},
		[]string{"stn"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests when graceful shutdown began",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamRetriesTotal,
		GeneratorCallsTotal, GeneratorDuration,
		CacheOperationDurationSeconds, CacheErrorsTotal, CacheLookupsTotal,
		PrefetchRunsTotal, PrefetchFailuresTotal, PrefetchDurationSeconds,
		AdvisoryQueriesByStationTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		ShutdownInFlightRequests,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges over the traffic tracker.
// Call once from main after config load.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited paths in sliding window",
				},
				func() float64 { return float64(traffic.WindowCounts(window).Requests()) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				func() float64 { return float64(traffic.WindowCounts(window).Denied) },
			),
		)
	})
}

// SetTrackedStations sets the allow-list for per-station metrics.
func SetTrackedStations(stations []int) {
	trackedStationsMu.Lock()
	defer trackedStationsMu.Unlock()
	trackedStations = make(map[int]struct{}, len(stations))
	for _, s := range stations {
		trackedStations[s] = struct{}{}
	}
}

// RecordStationQuery records an advisory read for the resolved station.
func RecordStationQuery(station int) {
	trackedStationsMu.RLock()
	_, ok := trackedStations[station]
	trackedStationsMu.RUnlock()
	if ok {
		AdvisoryQueriesByStationTotal.WithLabelValues(strconv.Itoa(station)).Inc()
	} else {
		AdvisoryQueriesByStationTotal.WithLabelValues("other").Inc()
	}
}

// RecordCircuitBreakerTransition counts a breaker transition and updates its state gauge.
func RecordCircuitBreakerTransition(component, from, to string, state float64) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(state)
}

// RecordShutdownInFlight records the in-flight count at shutdown.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
