// Package latency records per-transaction phase durations and answers
// percentile queries over a bounded window of recent samples.
//
// Percentiles are computed by sorting the retained samples and indexing at
// ⌊n·p/100⌋ (clamped to the last sample). The method is deterministic for a
// given sample set and exact over the retained window; the only
// approximation is the window itself, which keeps the most recent Window
// samples per series and drops older ones.
package latency

import (
	"sort"
	"sync"
	"time"
)

// Phase names one timed section of a transaction.
type Phase string

const (
	// PhaseLockWait is the time spent waiting for keyed locks.
	PhaseLockWait Phase = "lock_wait"
	// PhaseBody is the time spent executing the mutator.
	PhaseBody Phase = "body"
	// PhasePersist is the time spent on ledger/journal persistence.
	PhasePersist Phase = "persist"
)

// DefaultWindow is the per-series sample retention bound.
const DefaultWindow = 4096

// DefaultSlowThreshold marks transactions counted as slow.
const DefaultSlowThreshold = 250 * time.Millisecond

// PhaseStats carries one percentile per phase.
type PhaseStats struct {
	LockWaitMs float64 `json:"lock_wait_ms"`
	BodyMs     float64 `json:"body_ms"`
	PersistMs  float64 `json:"persist_ms"`
}

// Snapshot is a point-in-time aggregation of recorded samples.
type Snapshot struct {
	TxDurationCount   uint64     `json:"tx_duration_count"`
	TxDurationTotalMs float64    `json:"tx_duration_total_ms"`
	TxDurationP50Ms   float64    `json:"tx_duration_p50_ms"`
	TxDurationP95Ms   float64    `json:"tx_duration_p95_ms"`
	TxDurationP99Ms   float64    `json:"tx_duration_p99_ms"`
	TxDurationMaxMs   float64    `json:"tx_duration_max_ms"`
	TxPhaseP95Ms      PhaseStats `json:"tx_phase_p95_ms"`
	TxPhaseP99Ms      PhaseStats `json:"tx_phase_p99_ms"`
	SlowTransactions  uint64     `json:"slow_transaction_count"`
}

// Recorder accumulates latency samples. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	window int
	slow   time.Duration

	phases map[Phase]*ring
	total  *ring

	count     uint64
	sumMs     float64
	maxMs     float64
	slowCount uint64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithWindow overrides the per-series retention bound.
func WithWindow(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.window = n
		}
	}
}

// WithSlowThreshold overrides the slow-transaction threshold.
func WithSlowThreshold(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.slow = d
		}
	}
}

// NewRecorder creates a recorder with the default window and threshold.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		window: DefaultWindow,
		slow:   DefaultSlowThreshold,
		phases: make(map[Phase]*ring, 3),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.total = newRing(r.window)
	for _, p := range []Phase{PhaseLockWait, PhaseBody, PhasePersist} {
		r.phases[p] = newRing(r.window)
	}
	return r
}

// Record appends one phase sample.
func (r *Recorder) Record(phase Phase, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.phases[phase]
	if !ok {
		ring = newRing(r.window)
		r.phases[phase] = ring
	}
	ring.add(toMs(d))
}

// RecordTransaction appends one whole-transaction sample and updates the
// lifetime count, total, max, and slow counter.
func (r *Recorder) RecordTransaction(total time.Duration) {
	ms := toMs(total)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total.add(ms)
	r.count++
	r.sumMs += ms
	if ms > r.maxMs {
		r.maxMs = ms
	}
	if total >= r.slow {
		r.slowCount++
	}
}

// SlowThreshold returns the configured slow-transaction threshold.
func (r *Recorder) SlowThreshold() time.Duration {
	return r.slow
}

// Snapshot aggregates the retained samples into percentile statistics.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	totals := r.total.sorted()
	snap := Snapshot{
		TxDurationCount:   r.count,
		TxDurationTotalMs: r.sumMs,
		TxDurationP50Ms:   percentile(totals, 50),
		TxDurationP95Ms:   percentile(totals, 95),
		TxDurationP99Ms:   percentile(totals, 99),
		TxDurationMaxMs:   r.maxMs,
		SlowTransactions:  r.slowCount,
	}

	lockWait := r.phases[PhaseLockWait].sorted()
	body := r.phases[PhaseBody].sorted()
	persist := r.phases[PhasePersist].sorted()
	snap.TxPhaseP95Ms = PhaseStats{
		LockWaitMs: percentile(lockWait, 95),
		BodyMs:     percentile(body, 95),
		PersistMs:  percentile(persist, 95),
	}
	snap.TxPhaseP99Ms = PhaseStats{
		LockWaitMs: percentile(lockWait, 99),
		BodyMs:     percentile(body, 99),
		PersistMs:  percentile(persist, 99),
	}
	return snap
}

// ring is a fixed-capacity overwrite-oldest sample buffer.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (rg *ring) add(v float64) {
	rg.buf[rg.next] = v
	rg.next++
	if rg.next == len(rg.buf) {
		rg.next = 0
		rg.full = true
	}
}

// sorted returns the retained samples in ascending order.
func (rg *ring) sorted() []float64 {
	n := rg.next
	if rg.full {
		n = len(rg.buf)
	}
	out := make([]float64, n)
	copy(out, rg.buf[:n])
	sort.Float64s(out)
	return out
}

// percentile indexes a sorted sample set at ⌊n·p/100⌋, clamped to the last
// element. Returns 0 for an empty set.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(float64(n) * p / 100)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
