package statelog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultraverse-io/retrostate/state/item"
	"github.com/ultraverse-io/retrostate/state/txn"
	"github.com/ultraverse-io/retrostate/state/value"
)

func writeSampleLog(t *testing.T, path string) []uint64 {
	t.Helper()
	w, err := Create(path)
	require.NoError(t, err)
	defer w.Close()

	gids := []uint64{1, 2, 3}
	for _, gid := range gids {
		q := txn.NewQuery("live", "update items set price = 1 where id = 1")
		q.ReadItems = []item.Item{item.EQ("items.id", value.Int(1))}
		tx := &txn.Transaction{Gid: gid, Xid: gid * 10, Queries: []txn.Query{q}}
		require.NoError(t, w.Append(txn.Header{Gid: gid, Timestamp: gid}, tx))
	}
	return gids
}

func TestReader_SequentialReadMatchesWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	gids := writeSampleLog(t, path)

	r := New()
	require.NoError(t, r.Open(path))
	defer r.Close()

	var got []uint64
	for {
		ok, err := r.NextHeader()
		require.NoError(t, err)
		if !ok {
			break
		}
		ok, err = r.NextTransaction()
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, r.TxnHeader().Gid)
		assert.Equal(t, r.TxnHeader().Gid, r.TxnBody().Gid)
	}
	assert.Equal(t, gids, got)
}

func TestReader_SeekGidJumpsDirectly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	writeSampleLog(t, path)

	r := New()
	require.NoError(t, r.Open(path))
	defer r.Close()

	found, err := r.SeekGid(2)
	require.NoError(t, err)
	require.True(t, found)

	ok, err := r.NextHeader()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), r.TxnHeader().Gid)

	found, err = r.SeekGid(999)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReader_IndexIsCachedAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	writeSampleLog(t, path)

	r1 := New()
	require.NoError(t, r1.Open(path))
	r1.Close()

	r2 := New()
	require.NoError(t, r2.Open(path))
	defer r2.Close()

	found, err := r2.SeekGid(3)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestReader_SkipTransactionUsesNextPos(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	writeSampleLog(t, path)

	r := New()
	require.NoError(t, r.Open(path))
	defer r.Close()

	ok, err := r.NextHeader()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.SkipTransaction())

	ok, err = r.NextHeader()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), r.TxnHeader().Gid)
}
