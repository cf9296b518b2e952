// Package monitor provides the metric store and the performance / SLA
// monitor.
//
// The metric store is a set of append-only in-memory ring buffers, one per
// metric, safe for concurrent writers and readers. The monitor runs on its
// own evaluation tick, never sharing a lock with engine dispatch: the
// engine appends outcome samples and moves on.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/MP2EZ/being-sync/internal/tier"
)

// Metric names the tracked series.
type Metric string

const (
	MetricSyncLatency    Metric = "sync_latency"
	MetricCrisisResponse Metric = "crisis_response"
	MetricThroughput     Metric = "throughput"
	MetricSyncSuccess    Metric = "sync_success"
	MetricUptime         Metric = "uptime"
	MetricCPU            Metric = "cpu"
	MetricMemory         Metric = "memory"
)

// Sample is one timestamped measurement.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    Metric    `json:"metric"`
	Value     float64   `json:"value"`
	Tier      tier.Tier `json:"tier,omitempty"`
	Domain    string    `json:"domain,omitempty"`
}

// ring is a fixed-capacity circular buffer of samples.
type ring struct {
	buf  []Sample
	next int
	full bool
}

func (r *ring) append(s Sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// chronological returns the samples oldest-first.
func (r *ring) chronological() []Sample {
	if !r.full {
		out := make([]Sample, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Sample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// MetricStore holds bounded sample history per metric. Appends never block
// readers for long: the lock covers only slice bookkeeping.
type MetricStore struct {
	mu       sync.RWMutex
	capacity int
	rings    map[Metric]*ring
}

// DefaultCapacity bounds each metric's ring. At one sample per second this
// holds just over an hour.
const DefaultCapacity = 4096

// NewMetricStore creates a store with the given per-metric capacity.
// capacity <= 0 uses DefaultCapacity.
func NewMetricStore(capacity int) *MetricStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MetricStore{
		capacity: capacity,
		rings:    make(map[Metric]*ring),
	}
}

// Append records a sample. Samples older than the ring capacity are
// overwritten; pruning is implicit.
func (ms *MetricStore) Append(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	r, ok := ms.rings[s.Metric]
	if !ok {
		r = &ring{buf: make([]Sample, ms.capacity)}
		ms.rings[s.Metric] = r
	}
	r.append(s)
}

// Window returns samples for a metric with Timestamp >= since,
// oldest-first.
func (ms *MetricStore) Window(metric Metric, since time.Time) []Sample {
	ms.mu.RLock()
	r, ok := ms.rings[metric]
	if !ok {
		ms.mu.RUnlock()
		return nil
	}
	all := r.chronological()
	ms.mu.RUnlock()

	// Samples are appended in time order; find the cut point.
	i := sort.Search(len(all), func(i int) bool {
		return !all[i].Timestamp.Before(since)
	})
	return all[i:]
}

// Latest returns the most recent sample for a metric, or false if none.
func (ms *MetricStore) Latest(metric Metric) (Sample, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	r, ok := ms.rings[metric]
	if !ok {
		return Sample{}, false
	}
	idx := r.next - 1
	if idx < 0 {
		if !r.full {
			return Sample{}, false
		}
		idx = len(r.buf) - 1
	}
	s := r.buf[idx]
	if s.Timestamp.IsZero() {
		return Sample{}, false
	}
	return s, true
}

// Metrics returns the metric names with recorded samples.
func (ms *MetricStore) Metrics() []Metric {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]Metric, 0, len(ms.rings))
	for m := range ms.rings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Percentiles summarizes a sample window.
type Percentiles struct {
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// ComputePercentiles returns p50/p95/p99 over the given samples.
func ComputePercentiles(samples []Sample) Percentiles {
	if len(samples) == 0 {
		return Percentiles{}
	}
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	sort.Float64s(values)

	pick := func(p float64) float64 {
		idx := int(p * float64(len(values)-1))
		return values[idx]
	}
	return Percentiles{
		P50:   pick(0.50),
		P95:   pick(0.95),
		P99:   pick(0.99),
		Count: len(values),
	}
}

// mean returns the arithmetic mean of the samples' values.
func mean(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples))
}
