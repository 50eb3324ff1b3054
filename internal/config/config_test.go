package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultSnapshotPath, cfg.SnapshotPath)
	assert.Equal(t, DefaultJournalPath, cfg.JournalPath)
	assert.Equal(t, DefaultLockTimeout, cfg.LockTimeout)
	assert.Equal(t, DefaultSlowThreshold, cfg.SlowThreshold)
	assert.Equal(t, DefaultLedgerCap, cfg.LedgerCapacity)
	assert.Equal(t, DefaultLedgerTTL, cfg.LedgerTTL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
snapshot_path: /var/lib/hearth/world.snapshot
lock_timeout: 5s
slow_threshold: 100ms
ledger_capacity: 128
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hearth/world.snapshot", cfg.SnapshotPath)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.SlowThreshold)
	assert.Equal(t, 128, cfg.LedgerCapacity)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultJournalPath, cfg.JournalPath)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lock_timeout: 5s\n"), 0o644))

	t.Setenv("HEARTH_LOCK_TIMEOUT", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty snapshot path", "snapshot_path: \"\"\n"},
		{"zero lock timeout", "lock_timeout: 0s\n"},
		{"negative ledger capacity", "ledger_capacity: -1\n"},
		{"unknown log level", "log_level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "hearth.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
