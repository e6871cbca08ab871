// Package metrics holds the Prometheus collectors exposed by a Database:
// gauges for live segment count and free-queue depth, and counters/histograms
// for the compactor's activity (SPEC_FULL §1.5). Wiring is optional - nothing
// in the core depends on a scrape ever happening.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric this module registers, so callers can
// register (or skip registering) them as a single unit.
type Collectors struct {
	LiveSegments   prometheus.Gauge
	FreeQueueDepth prometheus.Gauge
	BytesReclaimed prometheus.Counter
	ObjectsMoved   prometheus.Counter
	CompactPasses  prometheus.Counter
	CompactMoveDur prometheus.Histogram
}

// New constructs a fresh set of collectors under the "arbtrie" namespace.
// It does not register them with any registry; call Registry.MustRegister
// explicitly.
func New() *Collectors {
	return &Collectors{
		LiveSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbtrie",
			Name:      "live_segments",
			Help:      "Number of segments currently mapped in the segment file.",
		}),
		FreeQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbtrie",
			Name:      "free_queue_depth",
			Help:      "Number of segments currently sitting in the free queue (end_ptr - alloc_ptr).",
		}),
		BytesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbtrie",
			Name:      "compactor_bytes_reclaimed_total",
			Help:      "Cumulative bytes freed by the compactor across all passes.",
		}),
		ObjectsMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbtrie",
			Name:      "compactor_objects_moved_total",
			Help:      "Cumulative count of objects relocated by the compactor.",
		}),
		CompactPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbtrie",
			Name:      "compactor_passes_total",
			Help:      "Cumulative count of compaction loop iterations, idle or not.",
		}),
		CompactMoveDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arbtrie",
			Name:      "compactor_pass_duration_seconds",
			Help:      "Wall-clock duration of a single compaction pass that drained a segment.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry wraps a prometheus.Registerer so Database.Metrics() can hand
// callers something ready to be scraped without forcing a specific global
// registry on them.
type Registry struct {
	*Collectors
	reg prometheus.Registerer
}

// NewRegistry builds collectors and registers them against reg (typically
// prometheus.NewRegistry() or prometheus.DefaultRegisterer).
func NewRegistry(reg prometheus.Registerer) *Registry {
	c := New()
	reg.MustRegister(
		c.LiveSegments,
		c.FreeQueueDepth,
		c.BytesReclaimed,
		c.ObjectsMoved,
		c.CompactPasses,
		c.CompactMoveDur,
	)
	return &Registry{Collectors: c, reg: reg}
}

// Sample snapshots a compact.Stats-shaped source into the counters/gauges.
// Counters only move forward, so callers pass cumulative totals and this
// function adds the delta since the last call.
type Sample struct {
	LiveSegments   int
	FreeQueueDepth int
	BytesReclaimed uint64
	ObjectsMoved   uint64
	PassesRun      uint64
}

// Observe updates the gauges to the latest snapshot and advances the
// counters by the delta against prev, returning the new "prev" to pass on
// the next call.
func (r *Registry) Observe(prev, cur Sample) Sample {
	r.LiveSegments.Set(float64(cur.LiveSegments))
	r.FreeQueueDepth.Set(float64(cur.FreeQueueDepth))
	if cur.BytesReclaimed > prev.BytesReclaimed {
		r.BytesReclaimed.Add(float64(cur.BytesReclaimed - prev.BytesReclaimed))
	}
	if cur.ObjectsMoved > prev.ObjectsMoved {
		r.ObjectsMoved.Add(float64(cur.ObjectsMoved - prev.ObjectsMoved))
	}
	if cur.PassesRun > prev.PassesRun {
		r.CompactPasses.Add(float64(cur.PassesRun - prev.PassesRun))
	}
	return cur
}
