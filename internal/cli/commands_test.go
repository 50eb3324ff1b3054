package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig writes a config file pointing all state at a temp dir and
// returns its path.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hearth.yaml")
	body := fmt.Sprintf(`
snapshot_path: %s
journal_path: %s
log_level: error
`, filepath.Join(dir, "world.snapshot"), filepath.Join(dir, "journal.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInitCommand_EmptyWorld(t *testing.T) {
	cfg := testConfig(t)

	out, err := execCommand(t, "--config", cfg, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized world")
	assert.Contains(t, out, "0 agents")
}

func TestInitCommand_RefusesOverwrite(t *testing.T) {
	cfg := testConfig(t)

	_, err := execCommand(t, "--config", cfg, "init")
	require.NoError(t, err)

	_, err = execCommand(t, "--config", cfg, "init")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execCommand(t, "--config", cfg, "init", "--force")
	require.NoError(t, err)
}

func TestInitCommand_WithSeed(t *testing.T) {
	cfg := testConfig(t)
	seed := writeSeed(t, `
towns:
  - name: Brindlemoor
    population: 120
agents:
  - name: Mara
    town: Brindlemoor
    gold: 50
`)

	out, err := execCommand(t, "--config", cfg, "--format", "json", "init", seed)
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   InitResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Agents)
	assert.Equal(t, 1, resp.Data.Towns)
}

func TestTickCommand_AdvancesClockIdempotently(t *testing.T) {
	cfg := testConfig(t)
	seed := writeSeed(t, `
towns:
  - name: Brindlemoor
agents:
  - name: Mara
    town: Brindlemoor
  - name: Tobin
    town: Brindlemoor
`)
	_, err := execCommand(t, "--config", cfg, "init", seed)
	require.NoError(t, err)

	out, err := execCommand(t, "--config", cfg, "--format", "json", "tick", "-n", "3")
	require.NoError(t, err)

	var resp struct {
		Data TickResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(3), resp.Data.FinalTick)
	assert.Equal(t, 2, resp.Data.Agents)

	// A second run picks up where the first left off.
	out, err = execCommand(t, "--config", cfg, "--format", "json", "tick", "-n", "2")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(5), resp.Data.FinalTick)
}

func TestTickCommand_RejectsNonPositiveTicks(t *testing.T) {
	cfg := testConfig(t)

	_, err := execCommand(t, "--config", cfg, "tick", "-n", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatusCommand_ReportsWorld(t *testing.T) {
	cfg := testConfig(t)
	seed := writeSeed(t, `
towns:
  - name: Brindlemoor
agents:
  - name: Mara
    town: Brindlemoor
`)
	_, err := execCommand(t, "--config", cfg, "init", seed)
	require.NoError(t, err)
	_, err = execCommand(t, "--config", cfg, "tick", "-n", "2")
	require.NoError(t, err)

	out, err := execCommand(t, "--config", cfg, "--format", "json", "status")
	require.NoError(t, err)

	var resp struct {
		Data StatusResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(2), resp.Data.Tick)
	assert.Equal(t, 1, resp.Data.Agents)
	assert.True(t, resp.Data.IntactOK)
}

func TestValidateCommand_CleanWorld(t *testing.T) {
	cfg := testConfig(t)

	_, err := execCommand(t, "--config", cfg, "init")
	require.NoError(t, err)

	out, err := execCommand(t, "--config", cfg, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "valid")
}

func TestCommands_MissingConfigFile(t *testing.T) {
	_, err := execCommand(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
