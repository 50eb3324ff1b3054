package snapcodec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossglen/hearth/internal/world"
)

func fixtureDocument() *world.Document {
	d := world.NewDocument()
	d.Clock = world.Clock{Tick: 42, Day: 1}
	d.Counters = map[string]int64{"ticks": 42}
	d.Towns["Brindlemoor"] = &world.Town{
		Name:       "Brindlemoor",
		Population: 120,
		Prices:     map[string]int64{"bread": 2, "iron": 7},
	}
	d.Agents["Mara"] = &world.Agent{
		Name:       "Mara",
		Town:       "Brindlemoor",
		Gold:       50,
		Reputation: 10,
		Inventory:  map[string]int64{"iron": 5},
		Journal:    []world.JournalEntry{{Tick: 1, Text: "arrived"}},
	}
	return d
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.snapshot")
	doc := fixtureDocument()

	require.NoError(t, Save(path, doc, time.Now()))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, doc, loaded, "save then load must reproduce an equal document")
}

func TestSave_OverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.snapshot")

	require.NoError(t, Save(path, fixtureDocument(), time.Now()))

	updated := fixtureDocument()
	updated.Clock.Tick = 100
	require.NoError(t, Save(path, updated, time.Now()))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(100), loaded.Clock.Tick)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.snapshot"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotExist))
}

func TestLoad_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.snapshot")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_NormalizesEmptyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.snapshot")
	require.NoError(t, Save(path, &world.Document{SchemaVersion: world.SchemaVersion}, time.Now()))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.NotNil(t, loaded.Agents)
	assert.NotNil(t, loaded.Towns)
}

func TestEncodePayload_Golden(t *testing.T) {
	payload, err := EncodePayload(fixtureDocument())
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "document_payload", payload)
}
