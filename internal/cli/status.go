package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mossglen/hearth/internal/latency"
	"github.com/mossglen/hearth/internal/metrics"
)

// StatusResult is the payload of `hearth status`.
type StatusResult struct {
	Tick      int64                   `json:"tick"`
	Day       int64                   `json:"day"`
	Agents    int                     `json:"agents"`
	Towns     int                     `json:"towns"`
	IntactOK  bool                    `json:"integrity_ok"`
	Integrity []string                `json:"integrity_errors,omitempty"`
	Counters  metrics.CounterSnapshot `json:"counters"`
	Latency   latency.Snapshot        `json:"latency"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show world clock, counters, and integrity",
		Long: `Show world clock, counters, and integrity.

Loads the snapshot read-only: counters and latency percentiles reflect
this process only, since the store keeps them in memory.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}

	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
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

	doc, err := store.Snapshot()
	if err != nil {
		return WrapExitError(ExitCommandError, "snapshot", err)
	}
	report, err := store.ValidateIntegrity()
	if err != nil {
		return WrapExitError(ExitCommandError, "integrity check", err)
	}

	result := StatusResult{
		Tick:      doc.Clock.Tick,
		Day:       doc.Clock.Day,
		Agents:    len(doc.Agents),
		Towns:     len(doc.Towns),
		IntactOK:  report.OK,
		Integrity: report.Errors,
		Counters:  store.Metrics(),
		Latency:   store.Latency(),
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "World: tick %d, day %d (%d agents, %d towns)\n",
		result.Tick, result.Day, result.Agents, result.Towns)
	if result.IntactOK {
		fmt.Fprintln(formatter.Writer, "Integrity: ok")
	} else {
		fmt.Fprintf(formatter.Writer, "Integrity: %d violation(s)\n", len(result.Integrity))
		for _, msg := range result.Integrity {
			fmt.Fprintf(formatter.Writer, "  - %s\n", msg)
		}
	}
	c := result.Counters
	fmt.Fprintf(formatter.Writer, "Events: %d processed, %d committed, %d duplicates, %d aborted\n",
		c.EventsProcessed, c.TransactionsCommitted, c.DuplicateEventsSkipped, c.TransactionsAborted)
	fmt.Fprintf(formatter.Writer, "Locks: %d waits, %d timeouts\n", c.LockRetries, c.LockTimeouts)

	return nil
}
