package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultraverse-io/retrostate/state/item"
	"github.com/ultraverse-io/retrostate/state/resolver"
	"github.com/ultraverse-io/retrostate/state/txn"
	"github.com/ultraverse-io/retrostate/state/value"
)

func newResolver(t *testing.T) *resolver.CachedResolver {
	t.Helper()
	cr, err := resolver.NewCachedResolver(resolver.New(), 64)
	require.NoError(t, err)
	return cr
}

func mkTxn(gid uint64, reads, writes []item.Item) *txn.Transaction {
	q := txn.NewQuery("db", "stmt")
	q.ReadItems = reads
	q.WriteItems = writes
	return &txn.Transaction{Gid: gid, Queries: []txn.Query{q}}
}

// Scenario 1: rollback selects only dependent gids.
func TestScenario_RollbackSelectsOnlyDependentGids(t *testing.T) {
	r := newResolver(t)
	sc := New([]string{"items.id"}, nil)

	t1 := mkTxn(1, nil, []item.Item{item.EQ("items.id", value.Int(1))})
	t2 := mkTxn(2, []item.Item{item.EQ("items.id", value.Int(1))}, nil)
	t3 := mkTxn(3, []item.Item{item.EQ("items.id", value.Int(2))}, nil)

	sc.Insert(t1, r)
	sc.Insert(t2, r)
	sc.Insert(t3, r)
	sc.Merge()

	sc.AddRollbackTarget(t1, r, true)

	assert.True(t, sc.ShouldReplay(2))
	assert.False(t, sc.ShouldReplay(3))
	assert.False(t, sc.ShouldReplay(1), "target's own gid is never a replay candidate")
}

// Scenario 4: composite key requires all members.
func TestScenario_CompositeKeyRequiresAllMembers(t *testing.T) {
	r := newResolver(t)
	sc := New([]string{"orders.id", "orders.user_id"}, [][]string{{"orders.id", "orders.user_id"}})

	target := mkTxn(1, nil, []item.Item{
		item.EQ("orders.id", value.Int(1)),
		item.EQ("orders.user_id", value.Int(42)),
	})
	partial := mkTxn(2, []item.Item{item.EQ("orders.user_id", value.Int(42))}, nil)
	full := mkTxn(3, []item.Item{
		item.EQ("orders.id", value.Int(1)),
		item.EQ("orders.user_id", value.Int(42)),
	}, nil)

	sc.Insert(target, r)
	sc.Insert(partial, r)
	sc.Insert(full, r)
	sc.Merge()

	sc.AddRollbackTarget(target, r, true)

	assert.False(t, sc.ShouldReplay(2), "partial composite match must not trigger replay")
	assert.True(t, sc.ShouldReplay(3))
}

// Gap-filled entries are still recorded, for consumers like the row
// graph, but marked so they cannot themselves satisfy a composite match.
func TestScenario_CompositeGapFillIsRecordedButNotMatchable(t *testing.T) {
	r := newResolver(t)
	sc := New([]string{"orders.id", "orders.user_id"}, [][]string{{"orders.id", "orders.user_id"}})

	partial := mkTxn(2, []item.Item{item.EQ("orders.user_id", value.Int(42))}, nil)
	sc.Insert(partial, r)
	sc.Merge()

	cc := sc.clusters["orders.id"]
	require.Len(t, cc.read.finalize, 1)
	for _, e := range cc.read.finalize {
		assert.True(t, e.gids.Contains(GID(2)), "gap-filled entry is still recorded")
		assert.True(t, e.fill.Contains(GID(2)), "gap-filled entry is tagged as such")
	}
}

// Boundary: wildcard-only transaction produces exactly one wildcard entry
// per key column.
func TestBoundary_WildcardOnlyTransaction(t *testing.T) {
	r := newResolver(t)
	sc := New([]string{"items.id"}, nil)

	t1 := mkTxn(1, nil, []item.Item{item.WildcardItem("items.id")})
	sc.Insert(t1, r)
	sc.Merge()

	cc := sc.clusters["items.id"]
	require.Len(t, cc.write.finalize, 1)
	for _, e := range cc.write.finalize {
		assert.True(t, e.rng.IsWildcard())
	}
}

// Boundary: a transaction with no key-column items contributes nothing.
func TestBoundary_NoKeyColumnItemsContributesNothing(t *testing.T) {
	r := newResolver(t)
	sc := New([]string{"items.id"}, nil)

	t1 := mkTxn(1, nil, []item.Item{item.EQ("items.color", value.String("red"))})
	sc.Insert(t1, r)
	sc.Merge()

	cc := sc.clusters["items.id"]
	assert.Len(t, cc.write.finalize, 0)
}

func TestSnapshot_RoundTripPreservesShouldReplay(t *testing.T) {
	r := newResolver(t)
	sc := New([]string{"items.id"}, nil)
	sc.Insert(mkTxn(5, nil, []item.Item{item.EQ("items.id", value.Int(1))}), r)
	sc.Merge()

	restored := FromSnapshot(sc.Snapshot())
	restored.AddRollbackTarget(mkTxn(99, nil, []item.Item{item.EQ("items.id", value.Int(1))}), r, true)

	assert.True(t, restored.ShouldReplay(5))
	assert.False(t, restored.ShouldReplay(99))
}

func TestMerge_IsIdempotent(t *testing.T) {
	r := newResolver(t)
	sc := New([]string{"items.id"}, nil)
	sc.Insert(mkTxn(1, nil, []item.Item{item.EQ("items.id", value.Int(1))}), r)

	sc.Merge()
	cc := sc.clusters["items.id"]
	before := len(cc.write.finalize)

	sc.Merge()
	assert.Equal(t, before, len(cc.write.finalize))
}

// Scenario 5: replace-query wildcards a table when any contributing
// range is wildcard.
func TestScenario_ReplaceQueryWildcardsTable(t *testing.T) {
	r := newResolver(t)
	sc := New([]string{"items.id"}, nil)

	target := mkTxn(1, nil, []item.Item{item.WildcardItem("items.id")})
	sc.Insert(target, r)
	sc.Merge()
	sc.AddRollbackTarget(target, r, true)

	queries := sc.GenerateReplaceQuery("live", "intermediate", r, nil)
	joined := ""
	for _, q := range queries {
		joined += q + ";\n"
	}
	assert.Contains(t, joined, "TRUNCATE items")
	assert.Contains(t, joined, "REPLACE INTO items SELECT * FROM intermediate.items")
}
