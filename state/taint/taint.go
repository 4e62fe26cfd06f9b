// Package taint implements the taint analyzer (§4.6): the helper used
// by the orchestrator's prepare phase to decide, for each scanned
// transaction, whether its column access set is related to the set of
// columns transitively reachable by writes from rollback/prepend
// targets.
package taint

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ultraverse-io/retrostate/state/cluster"
	"github.com/ultraverse-io/retrostate/state/resolver"
	"github.com/ultraverse-io/retrostate/state/txn"
)

// CollectColumnRW concatenates the read/write column sets across every
// non-DDL query in t.
func CollectColumnRW(t *txn.Transaction) (reads, writes mapset.Set[string]) {
	return t.ReadColumns(), t.WriteColumns()
}

// IsColumnRelated reports whether a and b (table.column strings) are
// related: the same table.column, one is table.* and the other's table
// matches, or one is table.* and a foreign key bridges the two tables
// with the matching concrete column on the other side.
func IsColumnRelated(a, b string, fks []cluster.ForeignKey) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return true
	}

	aTable, aCol := splitColumn(a)
	bTable, bCol := splitColumn(b)

	if aCol == "*" && aTable == bTable {
		return true
	}
	if bCol == "*" && aTable == bTable {
		return true
	}

	if aCol == "*" {
		for _, fk := range fks {
			if strings.EqualFold(fk.ChildTable, aTable) && strings.EqualFold(fk.ParentTable, bTable) && strings.EqualFold(fk.ParentColumn, bCol) {
				return true
			}
			if strings.EqualFold(fk.ParentTable, aTable) && strings.EqualFold(fk.ChildTable, bTable) && strings.EqualFold(fk.ChildColumn, bCol) {
				return true
			}
		}
	}
	if bCol == "*" {
		return IsColumnRelated(b, a, fks)
	}

	for _, fk := range fks {
		if strings.EqualFold(fk.ChildTable, aTable) && strings.EqualFold(fk.ChildColumn, aCol) &&
			strings.EqualFold(fk.ParentTable, bTable) && strings.EqualFold(fk.ParentColumn, bCol) {
			return true
		}
		if strings.EqualFold(fk.ChildTable, bTable) && strings.EqualFold(fk.ChildColumn, bCol) &&
			strings.EqualFold(fk.ParentTable, aTable) && strings.EqualFold(fk.ParentColumn, aCol) {
			return true
		}
	}
	return false
}

func splitColumn(c string) (table, column string) {
	idx := strings.IndexByte(c, '.')
	if idx < 0 {
		return c, ""
	}
	return c[:idx], c[idx+1:]
}

// ColumnSetsRelated is the pairwise-any of IsColumnRelated over taint and
// candidate.
func ColumnSetsRelated(taint, candidate mapset.Set[string], fks []cluster.ForeignKey) bool {
	for _, a := range taint.ToSlice() {
		for _, b := range candidate.ToSlice() {
			if IsColumnRelated(a, b, fks) {
				return true
			}
		}
	}
	return false
}

// HasKeyColumnItems reports whether any item of any non-DDL query in t
// resolves, through resolver, to a configured key column of cluster.
func HasKeyColumnItems(t *txn.Transaction, sc *cluster.StateCluster, r *resolver.CachedResolver) bool {
	for _, it := range t.ReadItems() {
		if sc.IsKeyColumnItem(r, it) {
			return true
		}
	}
	for _, it := range t.WriteItems() {
		if sc.IsKeyColumnItem(r, it) {
			return true
		}
	}
	return false
}
