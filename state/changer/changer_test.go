package changer

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ultraverse-io/retrostate/internal/config"
	"github.com/ultraverse-io/retrostate/state/cluster"
	"github.com/ultraverse-io/retrostate/state/iface"
	"github.com/ultraverse-io/retrostate/state/item"
	"github.com/ultraverse-io/retrostate/state/plan"
	"github.com/ultraverse-io/retrostate/state/resolver"
	"github.com/ultraverse-io/retrostate/state/txn"
	"github.com/ultraverse-io/retrostate/state/value"
)

// fakeLogReader replays an in-memory transaction slice, supporting the
// same two-phase header/body protocol and random-access seek the real
// binary state log offers.
type fakeLogReader struct {
	txns     []*txn.Transaction
	pos      int
	consumed bool
}

func newFakeLogReader(txns []*txn.Transaction) *fakeLogReader {
	return &fakeLogReader{txns: txns, pos: -1, consumed: true}
}

func (f *fakeLogReader) Open(string) error  { return nil }
func (f *fakeLogReader) Close() error       { return nil }
func (f *fakeLogReader) Reset() error       { f.pos = -1; f.consumed = true; return nil }
func (f *fakeLogReader) Seek(uint64) error  { return nil }
func (f *fakeLogReader) Pos() uint64        { return uint64(f.pos) }
func (f *fakeLogReader) SkipTransaction() error {
	f.consumed = true
	return nil
}

func (f *fakeLogReader) NextHeader() (bool, error) {
	if f.consumed {
		f.pos++
		f.consumed = false
	}
	return f.pos < len(f.txns), nil
}

func (f *fakeLogReader) NextTransaction() (bool, error) {
	if f.pos >= len(f.txns) {
		return false, nil
	}
	f.consumed = true
	return true, nil
}

func (f *fakeLogReader) TxnHeader() txn.Header {
	return txn.Header{Gid: f.txns[f.pos].Gid}
}

func (f *fakeLogReader) TxnBody() *txn.Transaction { return f.txns[f.pos] }

func (f *fakeLogReader) SeekGid(gid uint64) (bool, error) {
	for i, t := range f.txns {
		if t.Gid == gid {
			f.pos = i - 1
			f.consumed = true
			return true, nil
		}
	}
	return false, nil
}

type fakeClusterStore struct {
	sc *cluster.StateCluster
}

func (f *fakeClusterStore) Load() (*cluster.StateCluster, error) { return f.sc, nil }
func (f *fakeClusterStore) Save(sc *cluster.StateCluster) error  { f.sc = sc; return nil }

type fakeBackupLoader struct{ calls int }

func (f *fakeBackupLoader) LoadBackup(context.Context, string, string) error {
	f.calls++
	return nil
}

type fakeDBHandle struct {
	mu      sync.Mutex
	queries []string
}

func (h *fakeDBHandle) Connect(context.Context) error { return nil }
func (h *fakeDBHandle) Disconnect() error             { return nil }
func (h *fakeDBHandle) LastError() error              { return nil }
func (h *fakeDBHandle) ConsumeResults() error          { return nil }
func (h *fakeDBHandle) ExecuteQuery(_ context.Context, query string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queries = append(h.queries, query)
	return 0, nil
}

func (h *fakeDBHandle) Queries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.queries...)
}

type fakeLease struct{ h *fakeDBHandle }

func (l *fakeLease) Get() iface.DBHandle { return l.h }
func (l *fakeLease) Release()            {}

type fakeDBHandlePool struct {
	h    *fakeDBHandle
	size int
}

func (p *fakeDBHandlePool) Take(context.Context) (iface.DBHandleLease, error) {
	return &fakeLease{h: p.h}, nil
}
func (p *fakeDBHandlePool) PoolSize() int { return p.size }

type fakeIntrospector struct {
	pks []string
	fks []iface.ForeignKeyRef
}

func (f *fakeIntrospector) PrimaryKeys(context.Context, string) ([]string, error) {
	return f.pks, nil
}
func (f *fakeIntrospector) ForeignKeys(context.Context, string) ([]iface.ForeignKeyRef, error) {
	return f.fks, nil
}

func mkTxn(gid uint64, readItems, writeItems []item.Item, readCols, writeCols []string) *txn.Transaction {
	q := txn.NewQuery("db", "stmt")
	q.ReadItems = readItems
	q.WriteItems = writeItems
	for _, c := range readCols {
		q.ReadColumns.Add(c)
	}
	for _, c := range writeCols {
		q.WriteColumns.Add(c)
	}
	return &txn.Transaction{Gid: gid, Queries: []txn.Query{q}}
}

func newTestChanger(t *testing.T, cfg *config.Config, logReader iface.LogReader, store iface.ClusterStore, pool *fakeDBHandlePool) *Changer {
	t.Helper()
	c, err := New(cfg, zap.NewNop(), logReader, store, &fakeBackupLoader{}, pool, &fakeIntrospector{})
	require.NoError(t, err)
	return c
}

// Scenario 1 (spec §8): rollback selects only dependent gids, exercised
// end to end through Prepare's plan emission.
func TestPrepare_RollbackSelectsOnlyDependentGids(t *testing.T) {
	sc := cluster.New([]string{"items.id"}, nil)

	t1 := mkTxn(1, nil, []item.Item{item.EQ("items.id", value.Int(1))}, nil, []string{"items.id"})
	t2 := mkTxn(2, []item.Item{item.EQ("items.id", value.Int(1))}, nil, []string{"items.id"}, nil)
	t3 := mkTxn(3, []item.Item{item.EQ("items.id", value.Int(2))}, nil, []string{"items.id"}, nil)

	cr, err := resolver.NewCachedResolver(resolver.New(), 64)
	require.NoError(t, err)
	sc.Insert(t1, cr)
	sc.Insert(t2, cr)
	sc.Insert(t3, cr)
	sc.Merge()

	store := &fakeClusterStore{sc: sc}
	logReader := newFakeLogReader([]*txn.Transaction{t1, t2, t3})
	pool := &fakeDBHandlePool{h: &fakeDBHandle{}, size: 1}

	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBName = "live"
	cfg.KeyColumns = []string{"items.id"}
	cfg.RollbackGids = []uint64{1}
	cfg.StateLogPath = dir
	cfg.StateLogName = "log"

	c := newTestChanger(t, cfg, logReader, store, pool)
	_, err = c.Prepare(context.Background())
	require.NoError(t, err)

	loaded, err := plan.NewStore(plan.PathFor(dir, "log")).Load()
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, loaded.Gids)
	assert.Equal(t, []uint64{1}, loaded.RollbackGids)
}

// Scenario 2 (spec §8): column-taint propagation is transitive, with no
// key columns involved at all.
func TestPrepare_ColumnTaintPropagationIsTransitive(t *testing.T) {
	sc := cluster.New(nil, nil)

	t1 := mkTxn(1, nil, []item.Item{item.EQ("items.color", value.String("red"))}, nil, []string{"items.color"})
	t2 := mkTxn(2,
		[]item.Item{item.EQ("items.color", value.String("red"))},
		[]item.Item{item.EQ("items.size", value.String("L"))},
		[]string{"items.color"}, []string{"items.size"})
	t3 := mkTxn(3, []item.Item{item.EQ("items.size", value.String("L"))}, nil, []string{"items.size"}, nil)

	store := &fakeClusterStore{sc: sc}
	logReader := newFakeLogReader([]*txn.Transaction{t1, t2, t3})
	pool := &fakeDBHandlePool{h: &fakeDBHandle{}, size: 1}

	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBName = "live"
	cfg.RollbackGids = []uint64{1}
	cfg.StateLogPath = dir
	cfg.StateLogName = "log"

	c := newTestChanger(t, cfg, logReader, store, pool)
	_, err := c.Prepare(context.Background())
	require.NoError(t, err)

	loaded, err := plan.NewStore(plan.PathFor(dir, "log")).Load()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{2, 3}, loaded.Gids)
}

// indexOf returns the position of the first query containing needle, or
// -1 if absent.
func indexOf(queries []string, needle string) int {
	for i, q := range queries {
		if strings.Contains(q, needle) {
			return i
		}
	}
	return -1
}

// Scenario 3 (spec §8): six transactions alternating between two key
// values with thread-num 2 must preserve per-chain execution order even
// though the two chains interleave.
func TestRunReplay_PreservesPerChainOrder(t *testing.T) {
	mk := func(gid uint64, id int, stmt string) *txn.Transaction {
		t := mkTxn(gid, nil, []item.Item{item.EQ("items.id", value.Int(id))}, nil, []string{"items.id"})
		t.Queries[0].Statement = stmt
		return t
	}
	txns := []*txn.Transaction{
		mk(1, 1, "chain1-a"),
		mk(2, 2, "chain2-a"),
		mk(3, 1, "chain1-b"),
		mk(4, 2, "chain2-b"),
		mk(5, 1, "chain1-c"),
		mk(6, 2, "chain2-c"),
	}
	logReader := newFakeLogReader(txns)
	handle := &fakeDBHandle{}
	pool := &fakeDBHandlePool{h: handle, size: 2}

	dir := t.TempDir()
	store := plan.NewStore(plan.PathFor(dir, "log"))
	p := plan.New()
	for _, gid := range []uint64{1, 2, 3, 4, 5, 6} {
		p.AddGid(gid)
	}
	require.NoError(t, store.Save(p))

	cfg := config.Default()
	cfg.DBName = "live"
	cfg.KeyColumns = []string{"items.id"}
	cfg.StateLogPath = dir
	cfg.StateLogName = "log"
	cfg.ThreadNum = 2

	c := newTestChanger(t, cfg, logReader, &fakeClusterStore{}, pool)
	rep, err := c.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, rep.ReplayGidCount)

	queries := handle.Queries()
	require.Greater(t, indexOf(queries, "chain1-b"), indexOf(queries, "chain1-a"))
	require.Greater(t, indexOf(queries, "chain1-c"), indexOf(queries, "chain1-b"))
	require.Greater(t, indexOf(queries, "chain2-b"), indexOf(queries, "chain2-a"))
	require.Greater(t, indexOf(queries, "chain2-c"), indexOf(queries, "chain2-b"))
}

// Scenario 6 (spec §8): pre-replay covers [replay-from, first-target-1]
// ahead of the main replay; the rollback target gid is never executed,
// pre-replayed or otherwise.
func TestReplay_PreReplayRunsBeforeMainReplay(t *testing.T) {
	mk := func(gid uint64, stmt string) *txn.Transaction {
		t := mkTxn(gid, nil, nil, nil, nil)
		t.Queries[0].Statement = stmt
		return t
	}
	txns := []*txn.Transaction{
		mk(1, "gid1"), mk(2, "gid2"), mk(3, "gid3"),
		mk(4, "gid4"), mk(5, "gid5"), mk(6, "gid6"),
	}
	logReader := newFakeLogReader(txns)
	handle := &fakeDBHandle{}
	pool := &fakeDBHandlePool{h: handle, size: 1}

	dir := t.TempDir()
	store := plan.NewStore(plan.PathFor(dir, "log"))
	p := plan.New()
	p.AddGid(5)
	p.AddGid(6)
	p.AddRollbackGid(4)
	require.NoError(t, store.Save(p))

	cfg := config.Default()
	cfg.DBName = "live"
	cfg.StateLogPath = dir
	cfg.StateLogName = "log"
	cfg.ThreadNum = 1
	cfg.ReplayFromGid = 2

	c := newTestChanger(t, cfg, logReader, &fakeClusterStore{}, pool)
	_, err := c.Replay(context.Background())
	require.NoError(t, err)

	queries := handle.Queries()
	assert.NotContains(t, queries, "gid1")
	assert.NotContains(t, queries, "gid4")
	assert.Less(t, indexOf(queries, "gid2"), indexOf(queries, "gid5"))
	assert.Less(t, indexOf(queries, "gid3"), indexOf(queries, "gid5"))
}

// Replay executes a small pre-built plan against the fake DB pool,
// BEGIN/COMMIT-bracketing each claimed node.
func TestReplay_ExecutesPlanGidsAndReplaceQueries(t *testing.T) {
	t1 := mkTxn(1, nil, []item.Item{item.EQ("items.id", value.Int(1))}, nil, []string{"items.id"})
	t1.Queries[0].Statement = "UPDATE items SET color='red' WHERE id=1"
	t2 := mkTxn(2, []item.Item{item.EQ("items.id", value.Int(1))}, nil, []string{"items.id"}, nil)
	t2.Queries[0].Statement = "SELECT color FROM items WHERE id=1"

	logReader := newFakeLogReader([]*txn.Transaction{t1, t2})
	handle := &fakeDBHandle{}
	pool := &fakeDBHandlePool{h: handle, size: 1}

	dir := t.TempDir()
	store := plan.NewStore(plan.PathFor(dir, "log"))
	p := plan.New()
	p.AddGid(2)
	p.ReplaceQueries = []string{"USE live", "TRUNCATE items", "REPLACE INTO items SELECT * FROM __INTERMEDIATE_DB__.items"}
	require.NoError(t, store.Save(p))

	cfg := config.Default()
	cfg.DBName = "live"
	cfg.KeyColumns = []string{"items.id"}
	cfg.StateLogPath = dir
	cfg.StateLogName = "log"
	cfg.ThreadNum = 2
	cfg.ExecuteReplaceQuery = true

	c := newTestChanger(t, cfg, logReader, &fakeClusterStore{}, pool)
	rep, err := c.Replay(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.ReplayGidCount)
	queries := handle.Queries()
	assert.Contains(t, queries, "BEGIN")
	assert.Contains(t, queries, "COMMIT")
	assert.Contains(t, queries, "SELECT color FROM items WHERE id=1")
}
