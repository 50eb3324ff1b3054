package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mossglen/hearth/internal/snapcodec"
	"github.com/mossglen/hearth/internal/world"
)

// InitResult reports what `hearth init` wrote.
type InitResult struct {
	SnapshotPath string `json:"snapshot_path"`
	Agents       int    `json:"agents"`
	Towns        int    `json:"towns"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [seed-file]",
		Short: "Create the initial world snapshot",
		Long: `Create the initial world snapshot.

With a YAML seed file, the world starts with the declared towns and
agents. Without one, the world starts empty. Refuses to overwrite an
existing snapshot unless --force is given.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			seedPath := ""
			if len(args) == 1 {
				seedPath = args[0]
			}
			return runInit(rootOpts, cmd, seedPath, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing snapshot")

	return cmd
}

func runInit(opts *RootOptions, cmd *cobra.Command, seedPath string, force bool) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if !force {
		if _, err := os.Stat(cfg.SnapshotPath); err == nil {
			msg := fmt.Sprintf("snapshot %s already exists (use --force to overwrite)", cfg.SnapshotPath)
			_ = formatter.Error(msg, nil)
			return NewExitError(ExitCommandError, msg)
		} else if !errors.Is(err, os.ErrNotExist) {
			return WrapExitError(ExitCommandError, "stat snapshot", err)
		}
	}

	doc := world.NewDocument()
	if seedPath != "" {
		formatter.VerboseLog("seeding world from %s", seedPath)
		doc, err = LoadSeed(seedPath)
		if err != nil {
			_ = formatter.Error(err.Error(), nil)
			return WrapExitError(ExitCommandError, "load seed", err)
		}
	}

	if err := snapcodec.Save(cfg.SnapshotPath, doc, time.Now()); err != nil {
		return WrapExitError(ExitCommandError, "write snapshot", err)
	}

	result := InitResult{
		SnapshotPath: cfg.SnapshotPath,
		Agents:       len(doc.Agents),
		Towns:        len(doc.Towns),
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "Initialized world at %s (%d agents, %d towns)\n",
		result.SnapshotPath, result.Agents, result.Towns)
	return nil
}
