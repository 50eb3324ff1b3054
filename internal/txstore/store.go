// Package txstore implements the transactional memory store at the heart
// of the world simulation. It owns the authoritative world document and
// applies caller-supplied mutators to it with exactly-once semantics:
// every transaction carries an event id, committed ids are remembered in
// an idempotency ledger, and replays return the memoized result without
// touching the document or any lock.
//
// Mutators must be fast and CPU-bound: a mutator runs while the document
// is exclusively held, so awaiting external I/O inside one stalls every
// other writer. Anything slow belongs before the transaction (pre-fetch),
// with the mutator reduced to applying the result.
package txstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mossglen/hearth/internal/eventid"
	"github.com/mossglen/hearth/internal/keymutex"
	"github.com/mossglen/hearth/internal/latency"
	"github.com/mossglen/hearth/internal/ledger"
	"github.com/mossglen/hearth/internal/metrics"
	"github.com/mossglen/hearth/internal/snapcodec"
	"github.com/mossglen/hearth/internal/world"
)

// WholeDocumentKey is the lock key used when a transaction declares no
// narrower key set. Coarse by default: transactions without declared keys
// serialize against each other.
const WholeDocumentKey = "document"

// DefaultLockTimeout bounds lock waits when the config leaves it unset.
const DefaultLockTimeout = 3 * time.Second

// Mutator is a transaction body: a pure function of the document,
// returning its effect as a value. All validation must happen before the
// first write, and side effects other than document mutation are
// forbidden: the returned value is memoized and replayed for duplicate
// event ids, so it must describe the effect completely.
type Mutator func(doc *world.Document) (any, error)

// TxOptions carries per-transaction settings.
type TxOptions struct {
	// EventID identifies the logical operation. Required.
	EventID eventid.ID
	// LockKeys declares the entity keys the mutator touches (e.g.
	// "agent:Mara"). Empty means the whole-document lock. Transactions
	// with disjoint key sets run concurrently; overlapping sets strictly
	// serialize in FIFO lock-grant order.
	LockKeys []string
	// Timeout bounds the lock wait. Zero means the store default.
	Timeout time.Duration
}

// TxResult is the outcome of a Transact call. Skipped marks an idempotent
// replay: the mutator did not run and Value is the memoized result of the
// original commit. A skip is an expected outcome, not an error.
type TxResult struct {
	Skipped bool
	Value   any
}

// Config configures a store.
type Config struct {
	// SnapshotPath is the durable snapshot file. Required.
	SnapshotPath string
	// JournalPath is the SQLite commit journal. Empty disables the
	// journal; duplicate suppression is then memory-only.
	JournalPath string

	// LedgerCapacity and LedgerTTL bound the idempotency ledger.
	// Zero values use the ledger defaults.
	LedgerCapacity int
	LedgerTTL      time.Duration

	// LockTimeout is the default lock wait budget.
	LockTimeout time.Duration
	// SlowThreshold marks transactions counted as slow.
	SlowThreshold time.Duration
	// LatencyWindow bounds the latency sample retention per series.
	LatencyWindow int

	// Logger receives structured store events. Nil means no logging.
	Logger *zap.Logger
}

// Store is the transactional memory store. Safe for concurrent use.
type Store struct {
	cfg      Config
	log      *zap.Logger
	locks    *keymutex.Registry
	ledger   *ledger.Ledger
	journal  *ledger.Journal
	recorder *latency.Recorder
	counters *metrics.Counters

	mu     sync.RWMutex // guards doc and loaded
	doc    *world.Document
	loaded bool
}

// Open validates the configuration and constructs a store. The document
// is not loaded yet; call Load before the first Transact.
func Open(cfg Config) (*Store, error) {
	if cfg.SnapshotPath == "" {
		return nil, &ConfigError{Field: "SnapshotPath", Reason: "required"}
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Store{
		cfg:      cfg,
		log:      log,
		counters: metrics.NewCounters(),
	}
	s.locks = keymutex.NewRegistry(keymutex.WithWaitHook(func(string) {
		s.counters.IncLockRetries()
	}))

	var recorderOpts []latency.Option
	if cfg.SlowThreshold > 0 {
		recorderOpts = append(recorderOpts, latency.WithSlowThreshold(cfg.SlowThreshold))
	}
	if cfg.LatencyWindow > 0 {
		recorderOpts = append(recorderOpts, latency.WithWindow(cfg.LatencyWindow))
	}
	s.recorder = latency.NewRecorder(recorderOpts...)

	ledgerOpts := []ledger.Option{}
	if cfg.LedgerCapacity > 0 {
		ledgerOpts = append(ledgerOpts, ledger.WithCapacity(cfg.LedgerCapacity))
	}
	if cfg.LedgerTTL > 0 {
		ledgerOpts = append(ledgerOpts, ledger.WithTTL(cfg.LedgerTTL))
	}
	if cfg.JournalPath != "" {
		journal, err := ledger.OpenJournal(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		s.journal = journal
		ledgerOpts = append(ledgerOpts, ledger.WithJournal(journal))
	}
	s.ledger = ledger.New(ledgerOpts...)

	return s, nil
}

// Load reads the snapshot file into memory and restores the recent commit
// window from the journal. A missing snapshot starts a fresh world. Must
// be called before the first Transact.
func (s *Store) Load(ctx context.Context) error {
	doc, err := snapcodec.Load(s.cfg.SnapshotPath)
	switch {
	case errors.Is(err, snapcodec.ErrNotExist):
		s.log.Info("no snapshot found, starting fresh world",
			zap.String("path", s.cfg.SnapshotPath))
		doc = world.NewDocument()
	case err != nil:
		return err
	}

	restored, err := s.ledger.RestoreFromJournal()
	if err != nil {
		return err
	}
	if restored > 0 {
		s.log.Info("restored idempotency ledger from journal",
			zap.Int("entries", restored))
	}

	s.mu.Lock()
	s.doc = doc
	s.loaded = true
	s.mu.Unlock()

	s.log.Info("world loaded",
		zap.String("path", s.cfg.SnapshotPath),
		zap.Int("agents", len(doc.Agents)),
		zap.Int("towns", len(doc.Towns)))
	return nil
}

// Transact applies one mutator to the document with exactly-once
// semantics.
//
// If the event id is already committed, the memoized result is returned
// with Skipped set, without invoking the mutator or touching any lock.
// Otherwise the declared lock keys (or the whole-document key) are
// acquired in a globally consistent order, the mutator runs against a
// working copy of the document, and on success the copy is swapped in
// atomically, the ledger entry committed, and the result returned. On
// mutator failure the document is untouched, no ledger entry is recorded
// (the same id may be retried), and the error propagates unchanged.
//
// Fails with *LockTimeoutError when the locks cannot be acquired within
// the timeout; the store never retries on its own.
func (s *Store) Transact(ctx context.Context, fn Mutator, opts TxOptions) (TxResult, error) {
	if fn == nil {
		return TxResult{}, ErrNilMutator
	}
	if opts.EventID.IsZero() {
		return TxResult{}, ErrEventIDRequired
	}
	if !s.isLoaded() {
		return TxResult{}, ErrNotLoaded
	}
	key := opts.EventID.Key()

	// Idempotency before locking: replays return without contending for
	// anything, which keeps retry storms off the lock queues.
	if res, ok := s.ledger.Result(key); ok {
		return s.skip(key, res), nil
	}

	lockKeys := opts.LockKeys
	if len(lockKeys) == 0 {
		lockKeys = []string{WholeDocumentKey}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.LockTimeout
	}

	start := time.Now()
	token, err := s.locks.AcquireAll(ctx, lockKeys, timeout)
	lockWait := time.Since(start)
	s.recorder.Record(latency.PhaseLockWait, lockWait)
	if err != nil {
		if IsLockTimeout(err) {
			s.counters.IncLockTimeouts()
			s.log.Warn("transaction lock timeout",
				zap.String("event_id", key),
				zap.Strings("lock_keys", lockKeys),
				zap.Duration("timeout", timeout))
		}
		return TxResult{}, err
	}
	defer token.Release()

	// Re-check under the lock: a concurrent call with the same id may
	// have committed while this one was queued.
	if res, ok := s.ledger.Result(key); ok {
		return s.skip(key, res), nil
	}

	bodyStart := time.Now()
	value, mErr := s.runMutator(fn)
	s.recorder.Record(latency.PhaseBody, time.Since(bodyStart))

	if mErr != nil {
		s.counters.IncTransactionsAborted()
		s.counters.IncEventsProcessed()
		s.recorder.RecordTransaction(time.Since(start))
		s.log.Debug("transaction aborted",
			zap.String("event_id", key),
			zap.Error(mErr))
		return TxResult{}, mErr
	}

	persistStart := time.Now()
	if jErr := s.ledger.Record(key, value); jErr != nil {
		// The in-memory commit stands; losing a journal row only narrows
		// the post-restart suppression window.
		s.log.Warn("commit journal write failed",
			zap.String("event_id", key),
			zap.Error(jErr))
	}
	s.recorder.Record(latency.PhasePersist, time.Since(persistStart))

	s.counters.IncTransactionsCommitted()
	s.counters.IncEventsProcessed()

	total := time.Since(start)
	s.recorder.RecordTransaction(total)
	if total >= s.recorder.SlowThreshold() {
		s.log.Warn("slow transaction",
			zap.String("event_id", key),
			zap.Duration("total", total),
			zap.Duration("lock_wait", lockWait))
	} else {
		s.log.Debug("transaction committed",
			zap.String("event_id", key),
			zap.Duration("total", total))
	}
	return TxResult{Value: value}, nil
}

// runMutator executes fn against a working copy and swaps the copy in on
// success. A failing (or panicking) mutator leaves the live document
// exactly as it was.
func (s *Store) runMutator(fn Mutator) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	working := s.doc.Clone()
	value, err := fn(working)
	if err != nil {
		return nil, err
	}
	s.doc = working
	return value, nil
}

func (s *Store) skip(key string, res any) TxResult {
	s.counters.IncDuplicateEventsSkipped()
	s.counters.IncEventsProcessed()
	s.log.Debug("duplicate event skipped", zap.String("event_id", key))
	return TxResult{Skipped: true, Value: res}
}

// Snapshot returns a point-in-time deep copy of the document. The copy
// never aliases live state and never observes a half-applied mutation:
// transactions swap a fully built working copy in, so readers see either
// the pre- or post-commit document.
func (s *Store) Snapshot() (*world.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return nil, ErrNotLoaded
	}
	return s.doc.Clone(), nil
}

// Save persists the document to the snapshot file. Safe to call while
// transactions are in flight: the document is cloned under the same
// discipline as Snapshot and the file write happens outside any lock.
func (s *Store) Save(ctx context.Context) error {
	clone, err := s.Snapshot()
	if err != nil {
		return err
	}
	if err := snapcodec.Save(s.cfg.SnapshotPath, clone, time.Now()); err != nil {
		return err
	}
	s.log.Info("world saved", zap.String("path", s.cfg.SnapshotPath))
	return nil
}

// ValidateIntegrity runs the document's structural self-check. Reported,
// never repaired; the result feeds operator-facing health flags.
func (s *Store) ValidateIntegrity() (world.IntegrityReport, error) {
	clone, err := s.Snapshot()
	if err != nil {
		return world.IntegrityReport{}, err
	}
	report := clone.CheckIntegrity()
	if !report.OK {
		s.log.Warn("memory integrity violation",
			zap.Strings("errors", report.Errors))
	}
	return report, nil
}

// Metrics returns a copy of the runtime counters.
func (s *Store) Metrics() metrics.CounterSnapshot {
	return s.counters.Snapshot()
}

// Latency returns the current latency percentile snapshot.
func (s *Store) Latency() latency.Snapshot {
	return s.recorder.Snapshot()
}

// Collector returns a prometheus collector over the runtime counters, for
// callers that expose a /metrics endpoint.
func (s *Store) Collector() prometheus.Collector {
	return metrics.NewCollector(s.counters)
}

// Close saves the document (best effort) and closes the journal. A failed
// save is logged and does not prevent the journal from closing; the
// returned error reports both.
func (s *Store) Close(ctx context.Context) error {
	var saveErr error
	if s.isLoaded() {
		if saveErr = s.Save(ctx); saveErr != nil {
			s.log.Error("save on close failed", zap.Error(saveErr))
		}
	}
	return errors.Join(saveErr, s.journal.Close())
}

func (s *Store) isLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}
