// Package cli implements the hearth command line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mossglen/hearth/internal/config"
	"github.com/mossglen/hearth/internal/txstore"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the hearth CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "hearth",
		Short: "hearth - persistent world simulation store",
		Long:  "Manages a persistent world simulation: a transactional world document with exactly-once event application.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default: ./hearth.yaml if present)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewTickCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// newFormatter builds the command's output formatter from the root options.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// loadConfig resolves the runtime configuration for a command.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

// newLogger builds the structured logger. Verbose mode forces debug level.
// Logs go to stderr so they never interleave with command output.
func newLogger(cfg config.Config, verbose bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// openStore constructs and loads the store for a command.
func openStore(cmd *cobra.Command, cfg config.Config, log *zap.Logger) (*txstore.Store, error) {
	s, err := txstore.Open(txstore.Config{
		SnapshotPath:   cfg.SnapshotPath,
		JournalPath:    cfg.JournalPath,
		LedgerCapacity: cfg.LedgerCapacity,
		LedgerTTL:      cfg.LedgerTTL,
		LockTimeout:    cfg.LockTimeout,
		SlowThreshold:  cfg.SlowThreshold,
		LatencyWindow:  cfg.LatencyWindow,
		Logger:         log,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}
	if err := s.Load(cmd.Context()); err != nil {
		return nil, WrapExitError(ExitCommandError, "load world", err)
	}
	return s, nil
}
