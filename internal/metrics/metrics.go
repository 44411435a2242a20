package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aidispatch"

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	CacheOperationLookup CacheOperation = "lookup"
	CacheOperationStore  CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	CacheLookupHit   CacheLookupOutcome = "hit"
	CacheLookupMiss  CacheLookupOutcome = "miss"
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	CacheStoreStored  CacheStoreOutcome = "stored"
	CacheStoreSkipped CacheStoreOutcome = "skipped"
	CacheStoreError   CacheStoreOutcome = "error"
)

// Recorder publishes Prometheus metrics for orchestrator activity. Every
// method is safe to call on a nil *Recorder.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	rejections      *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	flightAttaches  prometheus.Counter
	queueDepth      prometheus.Gauge
	spend           *prometheus.GaugeVec
	softLimit       prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so recorders never touch the global registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	r := &Recorder{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Requests resolved by the orchestrator.",
		}, []string{"task", "provider", "outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Time from submission to resolution.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"task", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "rejected_total",
			Help:      "Submissions rejected before reaching a provider.",
		}, []string{"reason"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Adapter calls grouped by provider and result.",
		}, []string{"provider", "task", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Latency distribution for adapter calls.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		cacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Response cache operations.",
		}, []string{"operation", "result"}),
		cacheLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for response cache operations.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}, []string{"operation", "result"}),
		flightAttaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "inflight_attach_total",
			Help:      "Submissions that attached to an identical in-flight request.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Items waiting in the dispatch queue.",
		}),
		spend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "spend_dollars",
			Help:      "Spend in the current billing period.",
		}, []string{"state"}),
		softLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "soft_limit_reached",
			Help:      "1 once committed spend crosses the soft limit in the current period.",
		}),
	}

	reg.MustRegister(
		r.requests, r.requestLatency, r.rejections,
		r.providerCalls, r.providerLatency,
		r.cacheOperations, r.cacheLatency, r.flightAttaches,
		r.queueDepth, r.spend, r.softLimit,
	)

	r.gatherer = reg
	r.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return r
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records a resolved request.
func (r *Recorder) ObserveRequest(task, provider, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	taskLabel := normalizeLabel(task)
	outcomeLabel := normalizeLabel(outcome)
	r.requests.WithLabelValues(taskLabel, normalizeLabel(provider), outcomeLabel).Inc()
	r.requestLatency.WithLabelValues(taskLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveRejection counts a submission refused before dispatch.
func (r *Recorder) ObserveRejection(reason string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(normalizeLabel(reason)).Inc()
}

// ObserveProviderCall records one adapter attempt.
func (r *Recorder) ObserveProviderCall(provider, task, result string, duration time.Duration) {
	if r == nil {
		return
	}
	providerLabel := normalizeLabel(provider)
	r.providerCalls.WithLabelValues(providerLabel, normalizeLabel(task), normalizeLabel(result)).Inc()
	r.providerLatency.WithLabelValues(providerLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(CacheLookupMiss)
	}
	r.observeCache(CacheOperationLookup, label, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(CacheStoreError)
	}
	r.observeCache(CacheOperationStore, label, duration)
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(string(operation), resLabel).Inc()
	r.cacheLatency.WithLabelValues(string(operation), resLabel).Observe(duration.Seconds())
}

// ObserveFlightAttach counts a caller joining an in-flight request.
func (r *Recorder) ObserveFlightAttach() {
	if r == nil {
		return
	}
	r.flightAttaches.Inc()
}

func (r *Recorder) SetQueueDepth(depth int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// SetSpend publishes committed and reserved spend in dollars.
func (r *Recorder) SetSpend(committed, reserved float64) {
	if r == nil {
		return
	}
	r.spend.WithLabelValues("committed").Set(committed)
	r.spend.WithLabelValues("reserved").Set(reserved)
}

func (r *Recorder) SetSoftLimitReached(reached bool) {
	if r == nil {
		return
	}
	if reached {
		r.softLimit.Set(1)
		return
	}
	r.softLimit.Set(0)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
