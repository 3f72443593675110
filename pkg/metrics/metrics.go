// Package metrics collects per-function memoization metrics and exports
// them to Prometheus.
//
// A Collector is owned by one memoized function. The Exporter reads
// collectors through Snapshot only and never mutates them; register it
// with Registry (or any prometheus.Registerer) to expose all functions
// under one set of metric families labelled by function.
//
// Backend metrics are defined in their own packages via promauto.
package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by memocache.
// Backend metrics are automatically registered via promauto in their
// respective packages; exporters are registered by the caller.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Exporter (pkg/metrics), labelled {function}:
//   - memo_hits_total (Counter): Fresh cache hits
//   - memo_misses_total (Counter): Lookups without a usable value
//   - memo_stale_hits_total (Counter): Stale values returned (nextTime)
//   - memo_recalculations_total (Counter): Computations of the wrapped function
//   - memo_wait_timeouts_total (Counter): Waiters that gave up and recomputed
//   - memo_size_limit_rejections_total (Counter): Results not stored due to size
//   - memo_latency_average_seconds (Gauge): Mean call latency over the rolling window
//   - memo_entries (Gauge): Entries in the function's store
//   - memo_size_bytes (Gauge): Recorded bytes in the function's store
//
// Backend Metrics:
//   - memo_redis_store_errors_total{operation} (Counter): Failed Redis operations
//
// Example Prometheus Queries:
//
//   # Hit Rate per function
//   sum by (function) (rate(memo_hits_total[5m])) /
//   (sum by (function) (rate(memo_hits_total[5m])) + sum by (function) (rate(memo_misses_total[5m])))
//
//   # Waiters giving up
//   rate(memo_wait_timeouts_total[5m]) > 0

// Exporter implements prometheus.Collector over a set of named collectors.
type Exporter struct {
	mu      sync.RWMutex
	sources map[string]*Collector

	hits           *prometheus.Desc
	misses         *prometheus.Desc
	staleHits      *prometheus.Desc
	recalculations *prometheus.Desc
	waitTimeouts   *prometheus.Desc
	rejections     *prometheus.Desc
	avgLatency     *prometheus.Desc
	entries        *prometheus.Desc
	bytes          *prometheus.Desc
}

var _ prometheus.Collector = (*Exporter)(nil)

// NewExporter creates an exporter with metric names prefixed by namespace
// ("memo" when empty).
func NewExporter(namespace string) *Exporter {
	if namespace == "" {
		namespace = "memo"
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"function"}, nil)
	}
	return &Exporter{
		sources:        make(map[string]*Collector),
		hits:           desc("hits_total", "Total number of fresh cache hits"),
		misses:         desc("misses_total", "Total number of lookups without a usable value"),
		staleHits:      desc("stale_hits_total", "Total number of stale values returned"),
		recalculations: desc("recalculations_total", "Total number of computations of the wrapped function"),
		waitTimeouts:   desc("wait_timeouts_total", "Total number of waiters that gave up and recomputed"),
		rejections:     desc("size_limit_rejections_total", "Total number of results not stored due to size"),
		avgLatency:     desc("latency_average_seconds", "Mean call latency over the rolling window"),
		entries:        desc("entries", "Current number of entries in the store"),
		bytes:          desc("size_bytes", "Current recorded size of the store in bytes"),
	}
}

// Add exports c under function, replacing any previous collector.
func (e *Exporter) Add(function string, c *Collector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[function] = c
}

// Remove stops exporting function.
func (e *Exporter) Remove(function string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sources, function)
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.hits, e.misses, e.staleHits, e.recalculations, e.waitTimeouts,
		e.rejections, e.avgLatency, e.entries, e.bytes,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.mu.RLock()
	names := make([]string, 0, len(e.sources))
	for name := range e.sources {
		names = append(names, name)
	}
	sources := make([]*Collector, len(names))
	sort.Strings(names)
	for i, name := range names {
		sources[i] = e.sources[name]
	}
	e.mu.RUnlock()

	for i, name := range names {
		s := sources[i].Snapshot()
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), name)
		}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, name)
		}

		counter(e.hits, s.Hits)
		counter(e.misses, s.Misses)
		counter(e.staleHits, s.StaleHits)
		counter(e.recalculations, s.Recalculations)
		counter(e.waitTimeouts, s.WaitTimeouts)
		counter(e.rejections, s.SizeLimitRejections)
		gauge(e.avgLatency, s.AvgLatency.Seconds())
		gauge(e.entries, float64(s.EntryCount))
		gauge(e.bytes, float64(s.TotalBytes))
	}
}
