// Package plan implements the replay plan (§3 "Replay plan"): the
// persisted artefact that phase B (prepare) emits and phase C (replay)
// consumes, enumerating exactly which gids must be re-executed and in
// what order, plus the generated replace-query script.
package plan

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/ultraverse-io/retrostate/state/txn"
)

// IntermediateDBPlaceholder is substituted by phase C with the freshly
// created intermediate schema name before executing replace_queries.
const IntermediateDBPlaceholder = "__INTERMEDIATE_DB__"

// ReplayPlan is {gids, user_queries, rollback_gids, replace_queries}.
type ReplayPlan struct {
	Gids           []uint64                  `json:"gids"`
	UserQueries    map[uint64]*txn.Transaction `json:"user_queries"`
	RollbackGids   []uint64                  `json:"rollback_gids"`
	ReplaceQueries []string                  `json:"replace_queries"`
}

// New returns an empty plan ready for incremental population.
func New() *ReplayPlan {
	return &ReplayPlan{UserQueries: make(map[uint64]*txn.Transaction)}
}

// AddGid appends gid to the replay set if not already present.
func (p *ReplayPlan) AddGid(gid uint64) {
	for _, g := range p.Gids {
		if g == gid {
			return
		}
	}
	p.Gids = append(p.Gids, gid)
}

// AddRollbackGid appends gid to the rollback set if not already present.
func (p *ReplayPlan) AddRollbackGid(gid uint64) {
	for _, g := range p.RollbackGids {
		if g == gid {
			return
		}
	}
	p.RollbackGids = append(p.RollbackGids, gid)
}

// SortAndDedupe sorts Gids and RollbackGids ascending and removes
// duplicates, per §4.5 phase B step 4 "Sort, dedupe, and emit".
func (p *ReplayPlan) SortAndDedupe() {
	p.Gids = sortDedupe(p.Gids)
	p.RollbackGids = sortDedupe(p.RollbackGids)
}

func sortDedupe(gids []uint64) []uint64 {
	if len(gids) == 0 {
		return gids
	}
	sorted := append([]uint64(nil), gids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := sorted[:1]
	for _, g := range sorted[1:] {
		if g != out[len(out)-1] {
			out = append(out, g)
		}
	}
	return out
}

// SubstituteIntermediateDB returns ReplaceQueries with every occurrence
// of IntermediateDBPlaceholder replaced by dbName, per §6 "Placeholder".
func (p *ReplayPlan) SubstituteIntermediateDB(dbName string) []string {
	out := make([]string, len(p.ReplaceQueries))
	for i, q := range p.ReplaceQueries {
		out[i] = replaceAll(q, IntermediateDBPlaceholder, dbName)
	}
	return out
}

func replaceAll(s, old, new string) string {
	return string(bytes.ReplaceAll([]byte(s), []byte(old), []byte(new)))
}

// PathFor returns the on-disk path convention from §6:
// <log-path>/<log-name>.ultreplayplan.
func PathFor(logPath, logName string) string {
	return filepath.Join(logPath, logName+".ultreplayplan")
}

// Store persists and loads ReplayPlans to PathFor's convention, gzip
// compressing a goccy/go-json encoding and guarding concurrent
// writer/reader access with an advisory file lock (one process writing
// a plan while another reads a stale one is the failure this guards
// against).
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save gzip-compresses p's JSON encoding and writes it to Store's path
// under an exclusive advisory lock. Fatal on any I/O error, per §7
// "Replay-plan I/O error ... fatal in phase B (write)".
func (s *Store) Save(p *ReplayPlan) error {
	lock := flock.New(s.path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return errors.Wrap(err, "acquire replay plan lock")
	}
	if !locked {
		return errors.New("replay plan is locked by another process")
	}
	defer lock.Unlock()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gw)
	if err := enc.Encode(p); err != nil {
		return errors.Wrap(err, "encode replay plan")
	}
	if err := gw.Close(); err != nil {
		return errors.Wrap(err, "close gzip writer")
	}

	if err := os.WriteFile(s.path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "write replay plan file")
	}
	return nil
}

// Load reads and decompresses the plan at Store's path under a shared
// advisory lock. Fatal on any I/O error, per §7 "... fatal in phase C
// (read)".
func (s *Store) Load() (*ReplayPlan, error) {
	lock := flock.New(s.path + ".lock")
	locked, err := lock.TryRLock()
	if err != nil {
		return nil, errors.Wrap(err, "acquire replay plan lock")
	}
	if !locked {
		return nil, errors.New("replay plan is locked by another process")
	}
	defer lock.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "open replay plan file")
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "open gzip reader")
	}
	defer gr.Close()

	data, err := io.ReadAll(gr)
	if err != nil {
		return nil, errors.Wrap(err, "read replay plan body")
	}

	p := New()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "decode replay plan")
	}
	return p, nil
}

// String renders a short human-readable summary, for logging.
func (p *ReplayPlan) String() string {
	return fmt.Sprintf("plan{gids=%d rollback=%d replace_stmts=%d}", len(p.Gids), len(p.RollbackGids), len(p.ReplaceQueries))
}
