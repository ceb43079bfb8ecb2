package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "construct_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "construct_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Eval metrics
	EvalsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "construct_evals_started_total",
			Help: "Total Evals registered",
		},
	)

	EvalsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "construct_evals_committed_total",
			Help: "Total events successfully committed",
		},
		[]string{"type"},
	)

	EvalsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "construct_evals_failed_total",
			Help: "Total Evals that failed, by the error taxonomy code",
		},
		[]string{"code"},
	)

	EvalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "construct_eval_duration_seconds",
			Help:    "Time from Eval registration to phase 8 notify or failure",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// Sequence registry metrics
	RegistryInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "construct_registry_in_flight",
			Help: "Number of Evals currently registered",
		},
	)

	// Fetch unit metrics
	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "construct_fetch_requests_total",
			Help: "Total fetch attempts issued, by outcome",
		},
		[]string{"outcome"}, // "success", "timeout", "not_found", "bad_signature", "not_conform"
	)

	FetchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "construct_fetch_in_flight",
			Help: "Number of fetch requests currently admitted (back-pressure gauge)",
		},
	)

	FetchOriginAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "construct_fetch_origin_attempts",
			Help:    "Number of candidate origins tried before a fetch resolved",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
	)

	// Federation peer metrics
	PeerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "construct_peer_errors_total",
			Help: "Total errors latched against a federation peer",
		},
		[]string{"server_name"},
	)

	// Key cache metrics
	KeyCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "construct_key_cache_hits_total",
			Help: "Total key cache lookups satisfied without a fetch",
		},
	)

	KeyCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "construct_key_cache_misses_total",
			Help: "Total key cache lookups that required a fetch",
		},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "construct_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	StorageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "construct_storage_latency_seconds",
			Help:    "Columnar storage operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
		[]string{"op"},
	)
)
