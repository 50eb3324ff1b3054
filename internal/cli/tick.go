package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mossglen/hearth/internal/eventid"
	"github.com/mossglen/hearth/internal/serialqueue"
	"github.com/mossglen/hearth/internal/txstore"
	"github.com/mossglen/hearth/internal/world"
)

// TickResult summarizes a tick run.
type TickResult struct {
	TicksRun   int    `json:"ticks_run"`
	FinalTick  int64  `json:"final_tick"`
	FinalDay   int64  `json:"final_day"`
	Agents     int    `json:"agents"`
	Committed  uint64 `json:"transactions_committed"`
	Duplicates uint64 `json:"duplicate_events_skipped"`
}

// NewTickCommand creates the tick command.
func NewTickCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		ticks       int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Advance the world by N ticks",
		Long: `Advance the world by N ticks.

Each tick advances the world clock and gives every agent a journal
entry for the tick, with per-agent work serialized through a keyed
queue. Event ids derive from the tick number, so re-running over the
same journal window is idempotent. The world is saved on exit,
including on SIGINT/SIGTERM.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(rootOpts, cmd, ticks, metricsAddr)
		},
	}

	cmd.Flags().IntVarP(&ticks, "ticks", "n", 1, "number of ticks to run")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running (overrides config)")

	return cmd
}

func runTick(opts *RootOptions, cmd *cobra.Command, ticks int, metricsAddr string) error {
	formatter := newFormatter(opts, cmd)

	if ticks <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("ticks must be positive, got %d", ticks))
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}

	log, err := newLogger(cfg, opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "build logger", err)
	}
	defer func() { _ = log.Sync() }()

	store, err := openStore(cmd, cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopMetrics := func() {}
	if metricsAddr != "" {
		stopMetrics, err = serveMetrics(metricsAddr, store, log)
		if err != nil {
			return WrapExitError(ExitCommandError, "start metrics server", err)
		}
	}

	runErr := runTicks(ctx, store, ticks, formatter)

	stopMetrics()
	if err := store.Close(context.Background()); err != nil {
		log.Error("close store", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return WrapExitError(ExitFailure, "tick run failed", runErr)
	}

	doc, err := store.Snapshot()
	if err != nil {
		return WrapExitError(ExitFailure, "snapshot after run", err)
	}
	m := store.Metrics()
	result := TickResult{
		TicksRun:   ticks,
		FinalTick:  doc.Clock.Tick,
		FinalDay:   doc.Clock.Day,
		Agents:     len(doc.Agents),
		Committed:  m.TransactionsCommitted,
		Duplicates: m.DuplicateEventsSkipped,
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "Ran %d tick(s): tick %d, day %d, %d agents (%d committed, %d duplicates)\n",
		result.TicksRun, result.FinalTick, result.FinalDay, result.Agents,
		result.Committed, result.Duplicates)
	return nil
}

// runTicks drives the simulation loop. The clock transaction keys on the
// whole document; per-agent journal writes key on the agent and flow
// through a serial queue, so one slow agent never reorders another's
// writes.
func runTicks(ctx context.Context, store *txstore.Store, ticks int, formatter *OutputFormatter) error {
	queue := serialqueue.New()

	start, err := store.Snapshot()
	if err != nil {
		return err
	}
	startTick := start.Clock.Tick

	for i := 0; i < ticks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Keyed on the target tick: a crashed run resumes without
		// double-advancing the clock.
		res, err := store.Transact(ctx, world.AdvanceClock(), txstore.TxOptions{
			EventID: eventid.New("clock.advance", fmt.Sprintf("tick:%d", startTick+int64(i)+1)),
		})
		if err != nil {
			return fmt.Errorf("advance clock: %w", err)
		}
		tick, err := asInt64(res.Value)
		if err != nil {
			return fmt.Errorf("advance clock: %w", err)
		}
		formatter.VerboseLog("tick %d", tick)

		doc, err := store.Snapshot()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(doc.Agents))
		for name := range doc.Agents {
			names = append(names, name)
		}
		sort.Strings(names)

		g, gctx := errgroup.WithContext(ctx)
		for _, name := range names {
			name := name
			key := "agent:" + name
			entry := fmt.Sprintf("went about the day (tick %d)", tick)
			id := eventid.Derive("journal.append", key, []byte(entry), time.Hour, time.Now())
			g.Go(func() error {
				return queue.Do(gctx, key, func(qctx context.Context) error {
					_, err := store.Transact(qctx, world.AppendJournal(name, tick, entry), txstore.TxOptions{
						EventID:  id,
						LockKeys: []string{key},
					})
					return err
				})
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("agent work at tick %d: %w", tick, err)
		}
	}
	return nil
}

// asInt64 unwraps a transaction result that is an int64, tolerating the
// json.Number form it takes after a round trip through the commit journal.
func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("unexpected result %T", v)
	}
}

// serveMetrics exposes the store's counters on addr/metrics. Returns a
// function that shuts the server down.
func serveMetrics(addr string, store *txstore.Store, log *zap.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(store.Collector())
	reg.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	log.Info("metrics server listening", zap.String("addr", addr))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
	}, nil
}
