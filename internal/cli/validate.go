package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationResult holds the integrity check outcome.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check world snapshot integrity",
		Long: `Check world snapshot integrity.

Validates the document against its schema and referential rules:
typed fields in range, agents' towns exist, journals within bounds.
Violations are reported, never repaired. Exit code 1 on violations.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateCmd(rootOpts, cmd)
		},
	}

	return cmd
}

func runValidateCmd(opts *RootOptions, cmd *cobra.Command) error {
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

	report, err := store.ValidateIntegrity()
	if err != nil {
		return WrapExitError(ExitCommandError, "integrity check", err)
	}

	result := ValidationResult{Valid: report.OK, Errors: report.Errors}

	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Fprintln(formatter.Writer, "✓ World document valid")
	} else {
		fmt.Fprintln(formatter.Writer, "✗ Integrity violations")
		for _, msg := range result.Errors {
			fmt.Fprintf(formatter.Writer, "  %s\n", msg)
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("integrity check failed with %d violation(s)", len(result.Errors)))
	}
	return nil
}
