package rowgraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultraverse-io/retrostate/state/item"
	"github.com/ultraverse-io/retrostate/state/resolver"
	"github.com/ultraverse-io/retrostate/state/txn"
	"github.com/ultraverse-io/retrostate/state/value"
)

func newGraph(t *testing.T, keyColumns []string, groups [][]string) (*Graph, *resolver.CachedResolver) {
	t.Helper()
	cr, err := resolver.NewCachedResolver(resolver.New(), 64)
	require.NoError(t, err)
	g := New(keyColumns, groups, cr)
	t.Cleanup(g.Close)
	return g, cr
}

func waitForReady(t *testing.T, g *Graph, id NodeID) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n, ok := g.NodeFor(id); ok && n.Ready() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("node %d never became ready", id)
}

func mkTxn(gid uint64, reads, writes []item.Item) *txn.Transaction {
	q := txn.NewQuery("db", "stmt")
	q.ReadItems = reads
	q.WriteItems = writes
	return &txn.Transaction{Gid: gid, Queries: []txn.Query{q}}
}

// Property: a write followed by a read of the same key produces an edge
// from the writer's node to the reader's node (RAW).
func TestGraph_ReadAfterWriteEdge(t *testing.T) {
	g, _ := newGraph(t, []string{"items.id"}, nil)

	w := mkTxn(1, nil, []item.Item{item.EQ("items.id", value.Int(1))})
	idW := g.AddNode(w, false)
	waitForReady(t, g, idW)

	r := mkTxn(2, []item.Item{item.EQ("items.id", value.Int(1))}, nil)
	idR := g.AddNode(r, false)
	waitForReady(t, g, idR)

	g.graphMu.RLock()
	defer g.graphMu.RUnlock()
	assert.True(t, g.edgesOut[idW][idR], "writer must precede reader")
}

// Property: two transactions touching disjoint keys never get an edge
// between them and can both become ready independently.
func TestGraph_DisjointKeysNoEdge(t *testing.T) {
	g, _ := newGraph(t, []string{"items.id"}, nil)

	t1 := mkTxn(1, nil, []item.Item{item.EQ("items.id", value.Int(1))})
	t2 := mkTxn(2, nil, []item.Item{item.EQ("items.id", value.Int(2))})

	id1 := g.AddNode(t1, false)
	id2 := g.AddNode(t2, false)
	waitForReady(t, g, id1)
	waitForReady(t, g, id2)

	g.graphMu.RLock()
	defer g.graphMu.RUnlock()
	assert.False(t, g.edgesOut[id1][id2])
	assert.False(t, g.edgesOut[id2][id1])
}

// Property: a wildcard write conflicts with every subsequent read on
// that column, regardless of value.
func TestGraph_WildcardWriteConflictsWithEverything(t *testing.T) {
	g, _ := newGraph(t, []string{"items.id"}, nil)

	w := mkTxn(1, nil, []item.Item{item.WildcardItem("items.id")})
	idW := g.AddNode(w, false)
	waitForReady(t, g, idW)

	r := mkTxn(2, []item.Item{item.EQ("items.id", value.Int(999))}, nil)
	idR := g.AddNode(r, false)
	waitForReady(t, g, idR)

	g.graphMu.RLock()
	defer g.graphMu.RUnlock()
	assert.True(t, g.edgesOut[idW][idR])
}

// Scenario 4 continuation: composite key dependency requires all members
// to match before an edge is drawn.
func TestGraph_CompositeKeyEdgeRequiresAllMembers(t *testing.T) {
	g, _ := newGraph(t, []string{"orders.id", "orders.user_id"}, [][]string{{"orders.id", "orders.user_id"}})

	w := mkTxn(1, nil, []item.Item{
		item.EQ("orders.id", value.Int(1)),
		item.EQ("orders.user_id", value.Int(42)),
	})
	idW := g.AddNode(w, false)
	waitForReady(t, g, idW)

	partial := mkTxn(2, []item.Item{item.EQ("orders.user_id", value.Int(42))}, nil)
	idPartial := g.AddNode(partial, false)
	waitForReady(t, g, idPartial)

	full := mkTxn(3, []item.Item{
		item.EQ("orders.id", value.Int(1)),
		item.EQ("orders.user_id", value.Int(42)),
	}, nil)
	idFull := g.AddNode(full, false)
	waitForReady(t, g, idFull)

	g.graphMu.RLock()
	defer g.graphMu.RUnlock()
	assert.True(t, g.edgesOut[idW][idFull], "full composite match must produce an edge")
}

// Property: a node with no key-column items becomes ready immediately,
// with no pending tasks.
func TestGraph_NoKeyColumnsReadyImmediately(t *testing.T) {
	g, _ := newGraph(t, []string{"items.id"}, nil)

	t1 := mkTxn(1, nil, []item.Item{item.EQ("items.color", value.String("red"))})
	id := g.AddNode(t1, false)

	n, ok := g.NodeFor(id)
	require.True(t, ok)
	assert.True(t, n.Ready())
}

// Entrypoint only yields nodes whose in-edges are all finalised, and
// each node is claimed by exactly one worker.
func TestGraph_EntrypointRespectsEdgeOrder(t *testing.T) {
	g, _ := newGraph(t, []string{"items.id"}, nil)

	w := mkTxn(1, nil, []item.Item{item.EQ("items.id", value.Int(1))})
	idW := g.AddNode(w, false)
	waitForReady(t, g, idW)

	r := mkTxn(2, []item.Item{item.EQ("items.id", value.Int(1))}, nil)
	idR := g.AddNode(r, false)
	waitForReady(t, g, idR)

	id, ok := g.Entrypoint(1)
	require.True(t, ok)
	assert.Equal(t, idW, id, "writer has no unfinalised dependencies and must be claimable first")

	_, ok = g.Entrypoint(2)
	assert.False(t, ok, "reader is still blocked on the unfinalised writer")

	n, _ := g.NodeFor(idW)
	n.ReleaseTransaction()
	n.MarkFinalized()

	id2, ok := g.Entrypoint(2)
	require.True(t, ok)
	assert.Equal(t, idR, id2)
}

// GC removes finalised, released nodes and scrubs any holder that
// referenced them, without disturbing live holders.
func TestGraph_GCRemovesFinalizedReleasedNodes(t *testing.T) {
	g, _ := newGraph(t, []string{"items.id"}, nil)

	w := mkTxn(1, nil, []item.Item{item.EQ("items.id", value.Int(1))})
	idW := g.AddNode(w, false)
	waitForReady(t, g, idW)

	n, _ := g.NodeFor(idW)
	n.ReleaseTransaction()
	n.MarkFinalized()

	g.GC()

	_, ok := g.NodeFor(idW)
	assert.False(t, ok)
	assert.True(t, g.IsFinalized(), "empty graph is vacuously finalized")
}

// Manual edges (AddEdge / ReleaseNode) implement prepend-before-host
// ordering independent of key-column conflicts.
func TestGraph_ManualEdgeAndHold(t *testing.T) {
	g, _ := newGraph(t, []string{"items.id"}, nil)

	host := mkTxn(1, nil, []item.Item{item.EQ("items.id", value.Int(1))})
	idHost := g.AddNode(host, true)
	waitForReady(t, g, idHost)

	prepended := mkTxn(2, nil, []item.Item{item.EQ("items.color", value.String("red"))})
	idPrepended := g.AddNode(prepended, false)
	g.AddEdge(idPrepended, idHost)

	_, ok := g.Entrypoint(1)
	require.True(t, ok)

	_, ok = g.Entrypoint(2)
	assert.False(t, ok, "host is held until explicitly released")

	g.ReleaseNode(idHost)
	pn, _ := g.NodeFor(idPrepended)
	pn.ReleaseTransaction()
	pn.MarkFinalized()

	id, ok := g.Entrypoint(2)
	require.True(t, ok)
	assert.Equal(t, idHost, id)
}
