package txstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossglen/hearth/internal/eventid"
	"github.com/mossglen/hearth/internal/world"
)

func newTestStore(t *testing.T, mutate ...func(*Config)) *Store {
	t.Helper()
	cfg := Config{
		SnapshotPath: filepath.Join(t.TempDir(), "world.snapshot"),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Load(context.Background()))
	return s
}

func incrementCounter(name string) Mutator {
	return func(d *world.Document) (any, error) {
		if d.Counters == nil {
			d.Counters = make(map[string]int64)
		}
		d.Counters[name]++
		return d.Counters[name], nil
	}
}

func TestOpen_RequiresSnapshotPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "SnapshotPath", ce.Field)
}

func TestTransact_RequiresLoad(t *testing.T) {
	s, err := Open(Config{SnapshotPath: filepath.Join(t.TempDir(), "w.snapshot")})
	require.NoError(t, err)

	_, err = s.Transact(context.Background(), incrementCounter("x"), TxOptions{
		EventID: eventid.New("op", ""),
	})
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestTransact_RequiresEventID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Transact(context.Background(), incrementCounter("x"), TxOptions{})
	require.ErrorIs(t, err, ErrEventIDRequired)
}

func TestTransact_RequiresMutator(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Transact(context.Background(), nil, TxOptions{EventID: eventid.New("op", "")})
	require.ErrorIs(t, err, ErrNilMutator)
}

func TestTransact_Idempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	opts := TxOptions{EventID: eventid.New("counter.inc", "visits")}

	first, err := s.Transact(ctx, incrementCounter("visits"), opts)
	require.NoError(t, err)
	assert.False(t, first.Skipped)
	assert.Equal(t, int64(1), first.Value)

	second, err := s.Transact(ctx, incrementCounter("visits"), opts)
	require.NoError(t, err)
	assert.True(t, second.Skipped, "replay must be skipped")
	assert.Equal(t, int64(1), second.Value, "replay returns the memoized result")

	doc, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Counters["visits"], "effect applied exactly once")
}

func TestTransact_Scenario_SameAndDistinctIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Same event id three times: 1, 1, 1 — skipped after the first.
	for i := 0; i < 3; i++ {
		res, err := s.Transact(ctx, incrementCounter("c"), TxOptions{EventID: eventid.New("x", "")})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Value)
		assert.Equal(t, i > 0, res.Skipped)
	}
	doc, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Counters["c"])

	// Distinct event ids: 2, 3, 4 on top of the committed 1.
	for i := 1; i <= 3; i++ {
		res, err := s.Transact(ctx, incrementCounter("c"), TxOptions{
			EventID: eventid.New(fmt.Sprintf("x%d", i), ""),
		})
		require.NoError(t, err)
		assert.False(t, res.Skipped)
		assert.Equal(t, int64(1+i), res.Value)
	}
	doc, err = s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(4), doc.Counters["c"])
}

func TestTransact_FailureLeavesNoTrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("validation failed")
	opts := TxOptions{EventID: eventid.New("risky", "agent:Mara")}

	// The mutator writes before failing; the partial write must not leak.
	_, err := s.Transact(ctx, func(d *world.Document) (any, error) {
		if d.Counters == nil {
			d.Counters = make(map[string]int64)
		}
		d.Counters["partial"] = 99
		return nil, boom
	}, opts)
	require.ErrorIs(t, err, boom, "mutator error must propagate unchanged")

	doc, err := s.Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, doc.Counters, "partial", "aborted mutation must leave no artifact")

	// The failed attempt is not remembered: retrying the same id commits.
	res, err := s.Transact(ctx, incrementCounter("ok"), opts)
	require.NoError(t, err)
	assert.False(t, res.Skipped, "a failed attempt must not suppress the retry")
	assert.Equal(t, int64(1), res.Value)
}

func TestSnapshot_NonAliasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Transact(ctx, func(d *world.Document) (any, error) {
		d.Agents["Mara"] = &world.Agent{Name: "Mara", Gold: 10}
		return nil, nil
	}, TxOptions{EventID: eventid.New("seed", "")})
	require.NoError(t, err)

	snap1, err := s.Snapshot()
	require.NoError(t, err)
	snap1.Agents["Mara"].Gold = 9999
	snap1.Agents["Intruder"] = &world.Agent{Name: "Intruder"}

	snap2, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap2.Agents["Mara"].Gold, "snapshot mutation must not reach the live document")
	assert.NotContains(t, snap2.Agents, "Intruder")
}

func TestTransact_DisjointKeysCompose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Transact(ctx, func(d *world.Document) (any, error) {
		d.Agents["a"] = &world.Agent{Name: "a"}
		d.Agents["b"] = &world.Agent{Name: "b"}
		return nil, nil
	}, TxOptions{EventID: eventid.New("seed", "")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, agent := range []string{"a", "b"} {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(agent string, i int) {
				defer wg.Done()
				_, err := s.Transact(ctx, func(d *world.Document) (any, error) {
					d.Agents[agent].Gold++
					return d.Agents[agent].Gold, nil
				}, TxOptions{
					EventID:  eventid.New(fmt.Sprintf("earn-%d", i), "agent:"+agent),
					LockKeys: []string{"agent:" + agent},
				})
				assert.NoError(t, err)
			}(agent, i)
		}
	}
	wg.Wait()

	doc, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(50), doc.Agents["a"].Gold, "disjoint-key transactions compose serially")
	assert.Equal(t, int64(50), doc.Agents["b"].Gold)
}

func TestTransact_OverlappingKeysSerialize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var inBody atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Transact(ctx, func(d *world.Document) (any, error) {
				if inBody.Add(1) != 1 {
					return nil, errors.New("two mutator bodies ran simultaneously")
				}
				defer inBody.Add(-1)
				if d.Counters == nil {
					d.Counters = make(map[string]int64)
				}
				d.Counters["serial"]++
				return nil, nil
			}, TxOptions{
				EventID:  eventid.New(fmt.Sprintf("serial-%d", i), ""),
				LockKeys: []string{"agent:shared"},
				Timeout:  10 * time.Second,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	doc, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(20), doc.Counters["serial"])
}

func TestTransact_ConcurrentSameEventID_AppliesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	opts := TxOptions{
		EventID:  eventid.New("once", "agent:Mara"),
		LockKeys: []string{"agent:Mara"},
		Timeout:  10 * time.Second,
	}

	var skipped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Transact(ctx, incrementCounter("once"), opts)
			assert.NoError(t, err)
			if res.Skipped {
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(15), skipped.Load(), "exactly one of the racers commits")
	doc, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Counters["once"])
}

func TestTransact_LockTimeout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Hold the keyed lock out from under the store so the transaction
	// queues behind a lock that never frees within its budget.
	token, err := s.locks.AcquireAll(ctx, []string{"agent:Mara"}, time.Second)
	require.NoError(t, err)
	defer token.Release()

	_, err = s.Transact(ctx, incrementCounter("x"), TxOptions{
		EventID:  eventid.New("blocked", "agent:Mara"),
		LockKeys: []string{"agent:Mara"},
		Timeout:  30 * time.Millisecond,
	})

	require.Error(t, err)
	assert.True(t, IsLockTimeout(err), "expected lock timeout, got %v", err)
	assert.Equal(t, uint64(1), s.Metrics().LockTimeouts)
}

func TestMetrics_CountOutcomes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	opts := TxOptions{EventID: eventid.New("a", "")}
	_, err := s.Transact(ctx, incrementCounter("m"), opts)
	require.NoError(t, err)
	_, err = s.Transact(ctx, incrementCounter("m"), opts) // duplicate
	require.NoError(t, err)
	_, err = s.Transact(ctx, func(*world.Document) (any, error) {
		return nil, errors.New("boom")
	}, TxOptions{EventID: eventid.New("b", "")})
	require.Error(t, err)

	m := s.Metrics()
	assert.Equal(t, uint64(3), m.EventsProcessed)
	assert.Equal(t, uint64(1), m.TransactionsCommitted)
	assert.Equal(t, uint64(1), m.DuplicateEventsSkipped)
	assert.Equal(t, uint64(1), m.TransactionsAborted)
	assert.Zero(t, m.LockTimeouts)
}

func TestLatency_SamplesRecorded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Transact(ctx, incrementCounter("l"), TxOptions{
			EventID: eventid.New(fmt.Sprintf("l-%d", i), ""),
		})
		require.NoError(t, err)
	}

	snap := s.Latency()
	assert.Equal(t, uint64(5), snap.TxDurationCount)
	assert.GreaterOrEqual(t, snap.TxDurationMaxMs, snap.TxDurationP50Ms)
}

func TestSaveLoad_PersistsDocument(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{SnapshotPath: filepath.Join(dir, "world.snapshot")}
	ctx := context.Background()

	s1, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s1.Load(ctx))
	_, err = s1.Transact(ctx, incrementCounter("persisted"), TxOptions{EventID: eventid.New("p", "")})
	require.NoError(t, err)
	require.NoError(t, s1.Close(ctx))

	s2, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s2.Load(ctx))
	doc, err := s2.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Counters["persisted"])
}

func TestJournal_SuppressionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		SnapshotPath: filepath.Join(dir, "world.snapshot"),
		JournalPath:  filepath.Join(dir, "journal.db"),
	}
	ctx := context.Background()
	opts := TxOptions{EventID: eventid.New("durable", "agent:Mara")}

	s1, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s1.Load(ctx))
	res, err := s1.Transact(ctx, incrementCounter("d"), opts)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.NoError(t, s1.Close(ctx))

	s2, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s2.Load(ctx))
	res, err = s2.Transact(ctx, incrementCounter("d"), opts)
	require.NoError(t, err)
	assert.True(t, res.Skipped, "suppression must survive a restart with a journal")

	doc, err := s2.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Counters["d"], "the effect is not applied twice across restarts")
}

func TestValidateIntegrity_ReportsOnHealthyStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Transact(ctx, func(d *world.Document) (any, error) {
		d.Towns["Brindlemoor"] = &world.Town{Name: "Brindlemoor", Population: 10}
		d.Agents["Mara"] = &world.Agent{Name: "Mara", Town: "Brindlemoor", Gold: 5}
		return nil, nil
	}, TxOptions{EventID: eventid.New("seed", "")})
	require.NoError(t, err)

	report, err := s.ValidateIntegrity()
	require.NoError(t, err)
	assert.True(t, report.OK, "errors: %v", report.Errors)
}

func TestSave_SafeWhileTransactionsInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Transact(ctx, incrementCounter("flight"), TxOptions{
				EventID: eventid.New(fmt.Sprintf("f-%d", i), ""),
			})
			assert.NoError(t, err)
		}(i)
		if i%5 == 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Save(ctx))
			}()
		}
	}
	wg.Wait()

	require.NoError(t, s.Save(ctx))
	doc, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(20), doc.Counters["flight"])
}
