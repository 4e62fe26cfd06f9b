// Package clusterstore is the reference ClusterStore implementation
// (§6 "Cluster store contract"): a gzip-compressed goccy/go-json
// encoding of a cluster.Snapshot, guarded by the same advisory-lock
// discipline as the replay-plan store.
package clusterstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/ultraverse-io/retrostate/state/cluster"
)

// PathFor returns the on-disk convention for cluster persistence,
// mirroring plan.PathFor's <log-path>/<log-name>.<ext> shape.
func PathFor(logPath, logName string) string {
	return filepath.Join(logPath, logName+".ultrcluster")
}

// Store persists and restores a cluster.Snapshot at a fixed path.
type Store struct {
	path            string
	keyColumns      []string
	keyColumnGroups [][]string
}

// New returns a Store bound to path. keyColumns/keyColumnGroups are the
// configuration Load uses to reconstruct a StateCluster when no stored
// snapshot names them (an empty snapshot is never written, but callers
// may reuse the same Store before any Save).
func New(path string, keyColumns []string, keyColumnGroups [][]string) *Store {
	return &Store{path: path, keyColumns: keyColumns, keyColumnGroups: keyColumnGroups}
}

// Save gzip-compresses sc's Snapshot and writes it to Store's path under
// an exclusive advisory lock.
func (s *Store) Save(sc *cluster.StateCluster) error {
	lock := flock.New(s.path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return errors.Wrap(err, "acquire cluster store lock")
	}
	if !locked {
		return errors.New("cluster store is locked by another process")
	}
	defer lock.Unlock()

	snap := sc.Snapshot()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gw)
	if err := enc.Encode(snap); err != nil {
		return errors.Wrap(err, "encode cluster snapshot")
	}
	if err := gw.Close(); err != nil {
		return errors.Wrap(err, "close gzip writer")
	}

	if err := os.WriteFile(s.path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "write cluster store file")
	}
	return nil
}

// Load reads and decompresses the snapshot at Store's path under a
// shared advisory lock and rebuilds a StateCluster from it.
func (s *Store) Load() (*cluster.StateCluster, error) {
	lock := flock.New(s.path + ".lock")
	locked, err := lock.TryRLock()
	if err != nil {
		return nil, errors.Wrap(err, "acquire cluster store lock")
	}
	if !locked {
		return nil, errors.New("cluster store is locked by another process")
	}
	defer lock.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "open cluster store file")
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "open gzip reader")
	}
	defer gr.Close()

	data, err := io.ReadAll(gr)
	if err != nil {
		return nil, errors.Wrap(err, "read cluster store body")
	}

	var snap cluster.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "decode cluster snapshot")
	}
	if len(snap.KeyColumns) == 0 {
		snap.KeyColumns = s.keyColumns
		snap.KeyColumnGroups = s.keyColumnGroups
	}
	return cluster.FromSnapshot(snap), nil
}
