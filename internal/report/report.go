// Package report implements the JSON report emitter (§7 "User-visible
// behaviour"): every phase writes one of these to report-path.
package report

import (
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Report is the JSON document written at report-path after each phase.
type Report struct {
	Phase              string        `json:"phase"`
	IntermediateDBName string        `json:"intermediate_db_name,omitempty"`
	SQLLoadTime        time.Duration `json:"sql_load_time_ns"`
	ExecutionTime      time.Duration `json:"execution_time_ns"`
	ReplayGidCount     int           `json:"replay_gid_count"`
	TotalCount         int           `json:"total_count"`

	// Bench-mode-only fields.
	RollbackGids     []uint64 `json:"rollback_gids,omitempty"`
	ReplayQueryCount int      `json:"replay_query_count,omitempty"`
	TotalQueryCount  int      `json:"total_query_count,omitempty"`
}

// New starts a Report for the named phase ("makecluster", "prepare" or
// "replay").
func New(phase string) *Report {
	return &Report{Phase: phase}
}

// Write marshals r as JSON and writes it to path, creating or
// truncating the file.
func (r *Report) Write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal report")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write report file")
	}
	return nil
}
