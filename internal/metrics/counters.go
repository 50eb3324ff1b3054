// Package metrics holds the store's process-lifetime runtime counters and
// exports them to Prometheus. Counters only ever increment; they reset on
// process restart.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters is the set of monotonic runtime counters maintained by the
// store. All methods are safe for concurrent use.
type Counters struct {
	eventsProcessed        atomic.Uint64
	duplicateEventsSkipped atomic.Uint64
	transactionsCommitted  atomic.Uint64
	transactionsAborted    atomic.Uint64
	lockRetries            atomic.Uint64
	lockTimeouts           atomic.Uint64
}

// NewCounters creates a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

// CounterSnapshot is a point-in-time copy of the counters.
type CounterSnapshot struct {
	EventsProcessed        uint64 `json:"events_processed"`
	DuplicateEventsSkipped uint64 `json:"duplicate_events_skipped"`
	TransactionsCommitted  uint64 `json:"transactions_committed"`
	TransactionsAborted    uint64 `json:"transactions_aborted"`
	LockRetries            uint64 `json:"lock_retries"`
	LockTimeouts           uint64 `json:"lock_timeouts"`
}

// IncEventsProcessed counts a transact call that reached a terminal
// outcome: committed, skipped, or aborted.
func (c *Counters) IncEventsProcessed() { c.eventsProcessed.Add(1) }

// IncDuplicateEventsSkipped counts an idempotent replay suppressed by the
// ledger.
func (c *Counters) IncDuplicateEventsSkipped() { c.duplicateEventsSkipped.Add(1) }

// IncTransactionsCommitted counts a fresh, successful commit.
func (c *Counters) IncTransactionsCommitted() { c.transactionsCommitted.Add(1) }

// IncTransactionsAborted counts a mutator failure.
func (c *Counters) IncTransactionsAborted() { c.transactionsAborted.Add(1) }

// IncLockRetries counts a lock acquisition that had to queue behind an
// existing holder.
func (c *Counters) IncLockRetries() { c.lockRetries.Add(1) }

// IncLockTimeouts counts a lock acquisition abandoned on timeout.
func (c *Counters) IncLockTimeouts() { c.lockTimeouts.Add(1) }

// Snapshot returns a copy of the current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		EventsProcessed:        c.eventsProcessed.Load(),
		DuplicateEventsSkipped: c.duplicateEventsSkipped.Load(),
		TransactionsCommitted:  c.transactionsCommitted.Load(),
		TransactionsAborted:    c.transactionsAborted.Load(),
		LockRetries:            c.lockRetries.Load(),
		LockTimeouts:           c.lockTimeouts.Load(),
	}
}

// collector adapts Counters to prometheus.Collector so the same atomics
// back both the in-process metrics API and the /metrics endpoint.
type collector struct {
	counters *Counters
	descs    []counterDesc
}

type counterDesc struct {
	desc *prometheus.Desc
	read func(CounterSnapshot) uint64
}

// NewCollector wraps the counters in a prometheus.Collector.
func NewCollector(c *Counters) prometheus.Collector {
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("hearth_"+name, help, nil, nil)
	}
	return &collector{
		counters: c,
		descs: []counterDesc{
			{mk("events_processed_total", "Transact calls that reached a terminal outcome."),
				func(s CounterSnapshot) uint64 { return s.EventsProcessed }},
			{mk("duplicate_events_skipped_total", "Idempotent replays suppressed by the ledger."),
				func(s CounterSnapshot) uint64 { return s.DuplicateEventsSkipped }},
			{mk("transactions_committed_total", "Fresh successful commits."),
				func(s CounterSnapshot) uint64 { return s.TransactionsCommitted }},
			{mk("transactions_aborted_total", "Mutator failures."),
				func(s CounterSnapshot) uint64 { return s.TransactionsAborted }},
			{mk("lock_retries_total", "Lock acquisitions that queued behind a holder."),
				func(s CounterSnapshot) uint64 { return s.LockRetries }},
			{mk("lock_timeouts_total", "Lock acquisitions abandoned on timeout."),
				func(s CounterSnapshot) uint64 { return s.LockTimeouts }},
		},
	}
}

// Describe implements prometheus.Collector.
func (col *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range col.descs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (col *collector) Collect(ch chan<- prometheus.Metric) {
	snap := col.counters.Snapshot()
	for _, d := range col.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.read(snap)))
	}
}
