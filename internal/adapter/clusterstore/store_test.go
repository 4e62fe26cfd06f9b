package clusterstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultraverse-io/retrostate/state/cluster"
	"github.com/ultraverse-io/retrostate/state/item"
	"github.com/ultraverse-io/retrostate/state/resolver"
	"github.com/ultraverse-io/retrostate/state/txn"
	"github.com/ultraverse-io/retrostate/state/value"
)

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	sc := cluster.New([]string{"items.id"}, nil)
	r, err := resolver.NewCachedResolver(resolver.New(), 16)
	require.NoError(t, err)

	q := txn.NewQuery("live", "update items set price = 2 where id = 1")
	q.WriteItems = []item.Item{item.EQ("items.id", value.Int(1))}
	tx := &txn.Transaction{Gid: 5, Queries: []txn.Query{q}}
	sc.Insert(tx, r)
	sc.Merge()

	path := filepath.Join(t.TempDir(), "log.ultrcluster")
	store := New(path, []string{"items.id"}, nil)
	require.NoError(t, store.Save(sc))

	loaded, err := store.Load()
	require.NoError(t, err)

	target := txn.NewQuery("live", "update items set price = 3 where id = 1")
	target.WriteItems = []item.Item{item.EQ("items.id", value.Int(1))}
	targetTx := &txn.Transaction{Gid: 99, Queries: []txn.Query{target}}
	loaded.AddRollbackTarget(targetTx, r, true)

	assert.True(t, loaded.ShouldReplay(5))
	assert.False(t, loaded.ShouldReplay(99))
}
