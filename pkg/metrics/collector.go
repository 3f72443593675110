package metrics

import (
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultWindowSize is the capacity of the rolling latency window.
const DefaultWindowSize = 1000

// Options configures a Collector.
type Options struct {
	// SampleRate is the probability in [0,1] that an event is recorded.
	// Values outside the range are clamped.
	SampleRate float64

	// WindowSize is the number of latency samples kept; <= 0 means
	// DefaultWindowSize.
	WindowSize int

	// Rand returns a uniform value in [0,1); nil uses math/rand/v2.
	Rand func() float64
}

// DefaultOptions records every event with the default window.
func DefaultOptions() Options {
	return Options{SampleRate: 1, WindowSize: DefaultWindowSize}
}

// Snapshot is a consistent, read-only copy of a collector's state.
type Snapshot struct {
	Hits                uint64 `json:"hits"`
	Misses              uint64 `json:"misses"`
	StaleHits           uint64 `json:"stale_hits"`
	Recalculations      uint64 `json:"recalculations"`
	WaitTimeouts        uint64 `json:"wait_timeouts"`
	SizeLimitRejections uint64 `json:"size_limit_rejections"`

	// AvgLatency is the mean over LatencySamples samples.
	AvgLatency     time.Duration `json:"avg_latency_ns"`
	LatencySamples int           `json:"latency_samples"`

	EntryCount int64 `json:"entry_count"`
	TotalBytes int64 `json:"total_bytes"`
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (s Snapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Collector counts the outcomes of one memoized function. It is safe for
// concurrent use; Snapshot and Reset are atomic with respect to recording.
type Collector struct {
	sampleRate float64
	rand       func() float64

	mu       sync.Mutex
	snap     Snapshot
	window   []time.Duration
	next     int
	filled   int
	totalLat time.Duration
}

// New creates a collector.
func New(opts Options) *Collector {
	rate := opts.SampleRate
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	size := opts.WindowSize
	if size <= 0 {
		size = DefaultWindowSize
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Collector{
		sampleRate: rate,
		rand:       rnd,
		window:     make([]time.Duration, size),
	}
}

// SampleRate returns the effective sampling probability.
func (c *Collector) SampleRate() float64 {
	return c.sampleRate
}

func (c *Collector) sampled() bool {
	switch {
	case c.sampleRate >= 1:
		return true
	case c.sampleRate <= 0:
		return false
	}
	return c.rand() < c.sampleRate
}

func (c *Collector) inc(field *uint64) {
	if !c.sampled() {
		return
	}
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// RecordHit counts a fresh cache hit.
func (c *Collector) RecordHit() { c.inc(&c.snap.Hits) }

// RecordMiss counts a lookup that found no usable value.
func (c *Collector) RecordMiss() { c.inc(&c.snap.Misses) }

// RecordStaleHit counts a stale value returned to the caller.
func (c *Collector) RecordStaleHit() { c.inc(&c.snap.StaleHits) }

// RecordRecalculation counts a computation of the wrapped function.
func (c *Collector) RecordRecalculation() { c.inc(&c.snap.Recalculations) }

// RecordWaitTimeout counts a waiter that gave up and recomputed.
func (c *Collector) RecordWaitTimeout() { c.inc(&c.snap.WaitTimeouts) }

// RecordSizeLimitRejection counts a result that was not stored because of
// its size.
func (c *Collector) RecordSizeLimitRejection() { c.inc(&c.snap.SizeLimitRejections) }

// RecordLatency adds a call latency to the rolling window, dropping the
// oldest sample when full.
func (c *Collector) RecordLatency(d time.Duration) {
	if !c.sampled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filled == len(c.window) {
		c.totalLat -= c.window[c.next]
	} else {
		c.filled++
	}
	c.window[c.next] = d
	c.totalLat += d
	c.next = (c.next + 1) % len(c.window)
}

// SetEntries updates the entry count and byte size gauges. Gauges are not
// sampled.
func (c *Collector) SetEntries(count int, bytes int64) {
	c.mu.Lock()
	c.snap.EntryCount = int64(count)
	c.snap.TotalBytes = bytes
	c.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.snap
	s.LatencySamples = c.filled
	if c.filled > 0 {
		s.AvgLatency = c.totalLat / time.Duration(c.filled)
	}
	return s
}

// Reset zeroes counters, gauges and the latency window.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snap = Snapshot{}
	clear(c.window)
	c.next, c.filled, c.totalLat = 0, 0, 0
}
