package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultraverse-io/retrostate/state/rowgraph"
)

func TestParseKeyColumnGroups(t *testing.T) {
	groups, err := ParseKeyColumnGroups("users.id,orders.user_id+orders.item_id")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"users.id"}, {"orders.user_id", "orders.item_id"}}, groups)
}

func TestParseKeyColumnGroups_Empty(t *testing.T) {
	groups, err := ParseKeyColumnGroups("")
	require.NoError(t, err)
	assert.Nil(t, groups)
}

func TestParseKeyColumnGroups_RejectsUnqualifiedColumn(t *testing.T) {
	_, err := ParseKeyColumnGroups("id")
	assert.Error(t, err)
}

func TestParseGidList(t *testing.T) {
	gids, err := ParseGidList(" 1, 2,3 ")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, gids)
}

func TestRangeComparison_ToGraphMode(t *testing.T) {
	assert.Equal(t, rowgraph.EqOnly, RangeComparisonEqOnly.ToGraphMode())
	assert.Equal(t, rowgraph.Intersect, RangeComparisonIntersect.ToGraphMode())
}

func TestLoad_DefaultsThenOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db-host: 127.0.0.1
db-name: shop
thread-num: 8
key-columns:
  - items.id
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.DBHost)
	assert.Equal(t, "shop", cfg.DBName)
	assert.Equal(t, 8, cfg.ThreadNum)
	assert.Equal(t, []string{"items.id"}, cfg.KeyColumns)
	assert.Equal(t, RangeComparisonEqOnly, cfg.RangeComparison, "unset fields keep Default()'s value")
}
