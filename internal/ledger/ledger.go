// Package ledger records which event ids have already been committed, so
// the store can decide skip-vs-apply under retries.
//
// The in-memory ledger is bounded two ways: a hard capacity evicting
// oldest-committed entries first, and a TTL sweep. The duplicate
// suppression window is therefore min(TTL, time for capacity-many fresh
// commits); callers must size the capacity above their maximum plausible
// concurrent-retry window. An optional SQLite journal extends suppression
// across process restarts for the entries it retains.
package ledger

import (
	"container/list"
	"sync"
	"time"
)

// Entry is one committed event: the id, the memoized mutator result, and
// the commit time. Entries are created once and never mutated; duplicate
// transact calls only read them.
type Entry struct {
	EventID     string
	Result      any
	CommittedAt time.Time
}

// DefaultCapacity bounds the in-memory ledger.
const DefaultCapacity = 4096

// DefaultTTL bounds entry age.
const DefaultTTL = time.Hour

// Ledger is the bounded in-memory idempotency ledger. Safe for concurrent
// use.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	entries map[string]*list.Element
	order   *list.List // front = oldest commit

	journal *Journal
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCapacity overrides the entry-count bound.
func WithCapacity(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithTTL overrides the entry-age bound.
func WithTTL(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithJournal attaches a durable commit journal. Records are written
// through to it; RestoreFromJournal reloads the recent window at startup.
func WithJournal(j *Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger with the default bounds.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		capacity: DefaultCapacity,
		ttl:      DefaultTTL,
		now:      time.Now,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Has reports whether the event id has a committed entry. Expired entries
// count as absent.
func (l *Ledger) Has(eventID string) bool {
	_, ok := l.Result(eventID)
	return ok
}

// Result returns the memoized result for a committed event id. Entries
// loaded from the journal after a restart carry JSON-decoded results
// (maps, float64) rather than the original Go types.
func (l *Ledger) Result(eventID string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.entries[eventID]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*Entry)
	if l.expired(entry, l.now()) {
		l.removeLocked(elem)
		return nil, false
	}
	return entry.Result, true
}

// Record commits an entry for the event id, writing through to the journal
// when one is attached. The in-memory entry is recorded even if the journal
// write fails; the journal error is returned so the caller can log it, but
// the commit itself stands. Recording an id twice keeps the first entry.
func (l *Ledger) Record(eventID string, result any) error {
	now := l.now()

	l.mu.Lock()
	if _, exists := l.entries[eventID]; !exists {
		elem := l.order.PushBack(&Entry{EventID: eventID, Result: result, CommittedAt: now})
		l.entries[eventID] = elem
		l.sweepLocked(now)
		for l.order.Len() > l.capacity {
			l.removeLocked(l.order.Front())
		}
	}
	l.mu.Unlock()

	if l.journal != nil {
		return l.journal.WriteCommit(eventID, result, now)
	}
	return nil
}

// Len returns the number of live in-memory entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Sweep drops expired entries and reports how many were removed.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

// RestoreFromJournal loads the most recent commits from the attached
// journal into memory, newest last so eviction order matches commit order.
// Returns the number of entries restored. A ledger without a journal
// restores nothing.
func (l *Ledger) RestoreFromJournal() (int, error) {
	if l.journal == nil {
		return 0, nil
	}
	entries, err := l.journal.RecentCommits(l.capacity)
	if err != nil {
		return 0, err
	}

	now := l.now()
	restored := 0
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range entries {
		entry := &entries[i]
		if l.expired(entry, now) {
			continue
		}
		if _, exists := l.entries[entry.EventID]; exists {
			continue
		}
		l.entries[entry.EventID] = l.order.PushBack(entry)
		restored++
	}
	return restored, nil
}

func (l *Ledger) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.CommittedAt) > l.ttl
}

// sweepLocked removes expired entries from the front of the commit order.
// Entries are ordered by commit time, so the scan stops at the first live
// entry. Caller holds l.mu.
func (l *Ledger) sweepLocked(now time.Time) int {
	removed := 0
	for {
		front := l.order.Front()
		if front == nil || !l.expired(front.Value.(*Entry), now) {
			return removed
		}
		l.removeLocked(front)
		removed++
	}
}

func (l *Ledger) removeLocked(elem *list.Element) {
	entry := elem.Value.(*Entry)
	l.order.Remove(elem)
	delete(l.entries, entry.EventID)
}
