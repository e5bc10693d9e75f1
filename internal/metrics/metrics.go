// Package metrics registers the engine's optional Prometheus instrumentation
// against a caller-supplied registerer. Nothing in the query engine's hot
// path depends on this package: a nil *Recorder is safe to call every method
// on, so callers who never wire a registry pay no cost.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the registered collectors. The zero value (obtained via a
// nil *Recorder, not Recorder{}) is valid and makes every method a no-op.
type Recorder struct {
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	planDuration   prometheus.Histogram
}

// New registers the engine's collectors against reg and returns a Recorder
// wired to them. Pass a nil Registerer to opt out of metrics entirely: New
// then returns a nil *Recorder.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		return nil
	}
	r := &Recorder{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecsquery_cache_hits_total",
			Help: "Prepared-statement cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecsquery_cache_misses_total",
			Help: "Prepared-statement cache misses.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecsquery_cache_evictions_total",
			Help: "Prepared-statement cache LRU evictions.",
		}),
		planDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ecsquery_plan_duration_seconds",
			Help:    "Time spent assembling a query's SQL, before execution.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.cacheHits, r.cacheMisses, r.cacheEvictions, r.planDuration)
	return r
}

// ObserveCacheLookup records a cache hit or miss.
func (r *Recorder) ObserveCacheLookup(hit bool) {
	if r == nil {
		return
	}
	if hit {
		r.cacheHits.Inc()
	} else {
		r.cacheMisses.Inc()
	}
}

// ObserveCacheEviction records one LRU eviction.
func (r *Recorder) ObserveCacheEviction() {
	if r == nil {
		return
	}
	r.cacheEvictions.Inc()
}

// ObservePlanDuration records the time spent in Query.plan.
func (r *Recorder) ObservePlanDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.planDuration.Observe(d.Seconds())
}
