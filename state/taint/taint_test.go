package taint

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultraverse-io/retrostate/state/cluster"
	"github.com/ultraverse-io/retrostate/state/item"
	"github.com/ultraverse-io/retrostate/state/resolver"
	"github.com/ultraverse-io/retrostate/state/txn"
	"github.com/ultraverse-io/retrostate/state/value"
)

func TestIsColumnRelated_SameColumn(t *testing.T) {
	assert.True(t, IsColumnRelated("items.color", "items.color", nil))
	assert.False(t, IsColumnRelated("items.color", "items.size", nil))
}

func TestIsColumnRelated_WildcardTable(t *testing.T) {
	assert.True(t, IsColumnRelated("items.*", "items.color", nil))
	assert.True(t, IsColumnRelated("items.color", "items.*", nil))
	assert.False(t, IsColumnRelated("items.*", "orders.color", nil))
}

func TestIsColumnRelated_ForeignKeyBridge(t *testing.T) {
	fks := []cluster.ForeignKey{{ChildTable: "orders", ChildColumn: "user_id", ParentTable: "users", ParentColumn: "id"}}
	assert.True(t, IsColumnRelated("orders.*", "users.id", fks))
	assert.True(t, IsColumnRelated("orders.user_id", "users.id", fks))
}

// Scenario 2: column-taint propagation is transitive.
func TestScenario_ColumnTaintPropagationIsTransitive(t *testing.T) {
	t1w := mapset.NewThreadUnsafeSet("items.color")
	t2r := mapset.NewThreadUnsafeSet("items.color")
	t2w := mapset.NewThreadUnsafeSet("items.size")
	t3r := mapset.NewThreadUnsafeSet("items.size")

	columnTaint := mapset.NewThreadUnsafeSet[string]()
	columnTaint = columnTaint.Union(t1w)

	assert.True(t, ColumnSetsRelated(columnTaint, t2r, nil))
	columnTaint = columnTaint.Union(t2w)

	assert.True(t, ColumnSetsRelated(columnTaint, t3r, nil))
}

func TestHasKeyColumnItems(t *testing.T) {
	cr, err := resolver.NewCachedResolver(resolver.New(), 16)
	require.NoError(t, err)

	sc := cluster.New([]string{"items.id"}, nil)

	withKey := &txn.Transaction{Gid: 1, Queries: []txn.Query{{
		ReadItems: []item.Item{item.EQ("items.id", value.Int(1))},
	}}}
	withoutKey := &txn.Transaction{Gid: 2, Queries: []txn.Query{{
		ReadItems: []item.Item{item.EQ("items.color", value.String("red"))},
	}}}

	assert.True(t, HasKeyColumnItems(withKey, sc, cr))
	assert.False(t, HasKeyColumnItems(withoutKey, sc, cr))
}
