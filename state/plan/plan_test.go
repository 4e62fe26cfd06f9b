package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultraverse-io/retrostate/state/txn"
)

func TestReplayPlan_SortAndDedupe(t *testing.T) {
	p := New()
	p.AddGid(5)
	p.AddGid(2)
	p.AddGid(5)
	p.AddGid(3)
	p.SortAndDedupe()
	assert.Equal(t, []uint64{2, 3, 5}, p.Gids)
}

func TestReplayPlan_SubstituteIntermediateDB(t *testing.T) {
	p := New()
	p.ReplaceQueries = []string{
		"TRUNCATE items",
		"REPLACE INTO items SELECT * FROM " + IntermediateDBPlaceholder + ".items",
	}
	out := p.SubstituteIntermediateDB("ultrareplay_abc123")
	assert.Equal(t, "REPLACE INTO items SELECT * FROM ultrareplay_abc123.items", out[1])
	assert.Equal(t, "TRUNCATE items", out[0])
}

func TestPathFor(t *testing.T) {
	assert.Equal(t, filepath.Join("/var/log/state", "binlog.ultreplayplan"), PathFor("/var/log/state", "binlog"))
}

// Round-trip: serialise then deserialise a plan (including a
// Transaction) and all fields survive.
func TestStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "test.ultreplayplan")

	p := New()
	p.Gids = []uint64{1, 2, 3}
	p.RollbackGids = []uint64{4}
	p.ReplaceQueries = []string{"USE live", "SET FOREIGN_KEY_CHECKS=0"}
	p.UserQueries[2] = &txn.Transaction{
		Gid: 2,
		Queries: []txn.Query{
			{Database: "app", Statement: "INSERT INTO items (id) VALUES (1)"},
		},
	}

	s := NewStore(storePath)
	require.NoError(t, s.Save(p))

	_, statErr := os.Stat(storePath)
	require.NoError(t, statErr)

	loaded, err := s.Load()
	require.NoError(t, err)

	assert.Equal(t, p.Gids, loaded.Gids)
	assert.Equal(t, p.RollbackGids, loaded.RollbackGids)
	assert.Equal(t, p.ReplaceQueries, loaded.ReplaceQueries)
	require.Contains(t, loaded.UserQueries, uint64(2))
	assert.Equal(t, "app", loaded.UserQueries[2].Queries[0].Database)
}

func TestStore_LoadMissingFileErrors(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing.ultreplayplan"))
	_, err := s.Load()
	assert.Error(t, err)
}
