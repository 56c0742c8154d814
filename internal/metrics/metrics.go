package metrics

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks worker counters and latencies for operational tooling.
// None of it feeds back into trading decisions.
type Metrics struct {
	PlacementLatency *LatencyHistogram
	ExchangeLatency  *LatencyHistogram

	triosPlaced      atomic.Uint64
	rollbacks        atomic.Uint64
	failedRollbacks  atomic.Uint64
	ambiguous        atomic.Uint64
	duplicateSkipped atomic.Uint64
	ackFailed        atomic.Uint64
	authErrors       atomic.Uint64
	pollErrors       atomic.Uint64

	signals     *CounterVec // by status
	transitions *CounterVec // by leg state
	exchangeErr *CounterVec // by error class

	startedAt time.Time
}

// New creates a metrics registry.
func New() *Metrics {
	return &Metrics{
		PlacementLatency: NewLatencyHistogram(1000),
		ExchangeLatency:  NewLatencyHistogram(1000),
		signals:          NewCounterVec(),
		transitions:      NewCounterVec(),
		exchangeErr:      NewCounterVec(),
		startedAt:        time.Now(),
	}
}

func (m *Metrics) IncTriosPlaced()      { m.triosPlaced.Add(1) }
func (m *Metrics) IncRollbacks()        { m.rollbacks.Add(1) }
func (m *Metrics) IncFailedRollbacks()  { m.failedRollbacks.Add(1) }
func (m *Metrics) IncAmbiguous()        { m.ambiguous.Add(1) }
func (m *Metrics) IncDuplicateSkipped() { m.duplicateSkipped.Add(1) }
func (m *Metrics) IncAckFailed()        { m.ackFailed.Add(1) }
func (m *Metrics) IncAuthErrors()       { m.authErrors.Add(1) }
func (m *Metrics) IncPollErrors()       { m.pollErrors.Add(1) }

// IncSignal counts a processed signal by outcome (placed, skipped, invalid, stale, error).
func (m *Metrics) IncSignal(status string) { m.signals.Inc(status) }

// IncTransition counts a leg transition into state.
func (m *Metrics) IncTransition(state string) { m.transitions.Inc(state) }

// IncExchangeError counts an exchange failure by class; empty class is ignored.
func (m *Metrics) IncExchangeError(class string) {
	if class != "" {
		m.exchangeErr.Inc(class)
	}
}

// FailedRollbacks returns the failed rollback count.
func (m *Metrics) FailedRollbacks() uint64 { return m.failedRollbacks.Load() }

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	TriosPlaced      uint64            `json:"trios_placed"`
	Rollbacks        uint64            `json:"rollbacks"`
	FailedRollbacks  uint64            `json:"failed_rollbacks"`
	Ambiguous        uint64            `json:"ambiguous"`
	DuplicateSkipped uint64            `json:"duplicate_skipped"`
	AckFailed        uint64            `json:"ack_failed"`
	AuthErrors       uint64            `json:"auth_errors"`
	PollErrors       uint64            `json:"poll_errors"`
	DegradedFilters  uint64            `json:"degraded_filters"`
	SignalsProcessed map[string]uint64 `json:"signals_processed"`
	LegTransitions   map[string]uint64 `json:"leg_transitions"`
	ExchangeErrors   map[string]uint64 `json:"exchange_errors"`
	PlacementLatency LatencyStats      `json:"placement_latency"`
	ExchangeLatency  LatencyStats      `json:"exchange_latency"`
	GoroutineCount   int               `json:"goroutine_count"`
	HeapAlloc        uint64            `json:"heap_alloc_bytes"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Snapshot returns the current counters. degradedFilters is read from the
// filter cache by the caller.
func (m *Metrics) Snapshot(degradedFilters uint64) Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		TriosPlaced:      m.triosPlaced.Load(),
		Rollbacks:        m.rollbacks.Load(),
		FailedRollbacks:  m.failedRollbacks.Load(),
		Ambiguous:        m.ambiguous.Load(),
		DuplicateSkipped: m.duplicateSkipped.Load(),
		AckFailed:        m.ackFailed.Load(),
		AuthErrors:       m.authErrors.Load(),
		PollErrors:       m.pollErrors.Load(),
		DegradedFilters:  degradedFilters,
		SignalsProcessed: m.signals.Values(),
		LegTransitions:   m.transitions.Values(),
		ExchangeErrors:   m.exchangeErr.Values(),
		PlacementLatency: m.PlacementLatency.Stats(),
		ExchangeLatency:  m.ExchangeLatency.Stats(),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		UptimeSeconds:    time.Since(m.startedAt).Seconds(),
		Timestamp:        time.Now(),
	}
}

// CounterVec is a set of counters keyed by one label.
type CounterVec struct {
	mu     sync.Mutex
	values map[string]uint64
}

// NewCounterVec creates an empty vector.
func NewCounterVec() *CounterVec {
	return &CounterVec{values: make(map[string]uint64)}
}

// Inc increments the counter for label.
func (v *CounterVec) Inc(label string) {
	v.mu.Lock()
	v.values[label]++
	v.mu.Unlock()
}

// Get returns the counter for label.
func (v *CounterVec) Get(label string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.values[label]
}

// Values copies all counters.
func (v *CounterVec) Values() map[string]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]uint64, len(v.values))
	for k, n := range v.values {
		out[k] = n
	}
	return out
}

// Signal returns the counter for a signal outcome.
func (m *Metrics) Signal(status string) uint64 { return m.signals.Get(status) }

// Transition returns the counter for a leg state.
func (m *Metrics) Transition(state string) uint64 { return m.transitions.Get(state) }

// ExchangeError returns the counter for an exchange error class.
func (m *Metrics) ExchangeError(class string) uint64 { return m.exchangeErr.Get(class) }

// LatencyHistogram tracks latency samples with a sliding window.
// Stats are recomputed lazily when samples change.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
