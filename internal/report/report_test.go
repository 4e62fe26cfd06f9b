package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReport_WriteProducesValidJSON(t *testing.T) {
	r := New("replay")
	r.IntermediateDBName = "ultrareplay_abcd"
	r.ExecutionTime = 3 * time.Second
	r.ReplayGidCount = 12
	r.TotalCount = 120

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, r.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "replay", decoded["phase"])
	assert.Equal(t, "ultrareplay_abcd", decoded["intermediate_db_name"])
	assert.Equal(t, float64(12), decoded["replay_gid_count"])
}

func TestReport_OmitsBenchFieldsWhenEmpty(t *testing.T) {
	r := New("prepare")
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, r.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "rollback_gids")
}
