package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LookupOutcome captures the result of an entity-cache lookup.
type LookupOutcome string

const (
	// LookupHit indicates a fresh entry was served from the store.
	LookupHit LookupOutcome = "hit"
	// LookupStale indicates an entry was present past its TTL; it triggers a
	// refresh and remains available as a fallback.
	LookupStale LookupOutcome = "stale"
	// LookupMiss indicates the store held no entry for the key.
	LookupMiss LookupOutcome = "miss"
)

// FetchOutcome captures how a read-through fetch concluded.
type FetchOutcome string

const (
	// FetchFetched indicates the fetcher ran and its result was cached.
	FetchFetched FetchOutcome = "fetched"
	// FetchCoalesced indicates the caller attached to an already-outstanding fetch.
	FetchCoalesced FetchOutcome = "coalesced"
	// FetchError indicates the fetcher failed; the error was propagated.
	FetchError FetchOutcome = "error"
	// FetchDiscarded indicates the result resolved after its key was
	// invalidated and was dropped instead of written.
	FetchDiscarded FetchOutcome = "discarded"
)

// Recorder publishes Prometheus metrics for cache activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	lookups       *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	invalidations *prometheus.CounterVec
	sessionClears prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitycache",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Entity cache lookups, by family and outcome.",
	}, []string{"entity", "result"})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitycache",
		Subsystem: "cache",
		Name:      "fetches_total",
		Help:      "Read-through fetches issued, coalesced, failed, or discarded.",
	}, []string{"entity", "result"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "entitycache",
		Subsystem: "cache",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for completed remote fetches.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"entity"})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitycache",
		Subsystem: "invalidation",
		Name:      "applied_total",
		Help:      "Invalidation cascades applied, by mutation trigger.",
	}, []string{"trigger"})

	sessionClears := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "entitycache",
		Subsystem: "session",
		Name:      "clears_total",
		Help:      "Full cache clears triggered by session boundaries.",
	})

	reg.MustRegister(lookups, fetches, fetchLatency, invalidations, sessionClears)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:      reg,
		handler:       handler,
		lookups:       lookups,
		fetches:       fetches,
		fetchLatency:  fetchLatency,
		invalidations: invalidations,
		sessionClears: sessionClears,
	}
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

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveLookup records a cache lookup outcome for an entity family.
func (r *Recorder) ObserveLookup(entity string, result LookupOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(LookupMiss)
	}
	r.lookups.WithLabelValues(normalizeLabel(entity), resultLabel).Inc()
}

// ObserveFetch records the conclusion of a read-through fetch.
func (r *Recorder) ObserveFetch(entity string, result FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	entityLabel := normalizeLabel(entity)
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(FetchError)
	}
	r.fetches.WithLabelValues(entityLabel, resultLabel).Inc()
	if result != FetchCoalesced {
		r.fetchLatency.WithLabelValues(entityLabel).Observe(duration.Seconds())
	}
}

// ObserveInvalidation records one applied invalidation cascade.
func (r *Recorder) ObserveInvalidation(trigger string) {
	if r == nil {
		return
	}
	r.invalidations.WithLabelValues(normalizeLabel(trigger)).Inc()
}

// ObserveSessionClear records a session-boundary clear.
func (r *Recorder) ObserveSessionClear() {
	if r == nil {
		return
	}
	r.sessionClears.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
