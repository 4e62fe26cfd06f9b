// Package statelog is the reference state-log reader/writer
// implementation (§6 "State-log reader contract"): a sequence of
// [32-byte header][4-byte length][goccy/go-json body] records over a
// byte-addressable file, with gid-indexed random seeks backed by a
// sidecar index file built on first open.
package statelog

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/ultraverse-io/retrostate/state/txn"
)

// IndexPathFor returns the sidecar gid-index path for a state log file.
func IndexPathFor(logPath string) string {
	return logPath + ".gidx"
}

// Writer appends transaction records to a state log file, used by tests
// and by any future log-producing component; the replay/prepare phases
// only ever read.
type Writer struct {
	f   *os.File
	pos uint64
}

func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create state log %s", path)
	}
	return &Writer{f: f}, nil
}

// Append writes header and t as one record, filling in header.NextPos
// with the byte offset immediately after this record.
func (w *Writer) Append(h txn.Header, t *txn.Transaction) error {
	body, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "marshal transaction body")
	}
	h.NextPos = w.pos + txn.HeaderSize + 4 + uint64(len(body))

	hdrBuf, err := h.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal header")
	}
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(body)))

	for _, chunk := range [][]byte{hdrBuf, lenBuf, body} {
		n, err := w.f.Write(chunk)
		if err != nil {
			return errors.Wrap(err, "write state log record")
		}
		w.pos += uint64(n)
	}
	return nil
}

func (w *Writer) Close() error { return w.f.Close() }

// Reader implements iface.LogReader over a statelog file.
type Reader struct {
	path string
	f    *os.File
	pos  uint64

	header txn.Header
	body   *txn.Transaction

	gidIndex map[uint64]uint64 // gid -> header start offset
}

func New() *Reader { return &Reader{} }

func (r *Reader) Open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open state log %s", path)
	}
	r.path = path
	r.f = f
	r.pos = 0

	idx, err := loadOrBuildIndex(path)
	if err != nil {
		f.Close()
		return err
	}
	r.gidIndex = idx
	return nil
}

func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}

func (r *Reader) Reset() error { return r.Seek(0) }

func (r *Reader) Seek(pos uint64) error {
	if _, err := r.f.Seek(int64(pos), io.SeekStart); err != nil {
		return errors.Wrap(err, "seek state log")
	}
	r.pos = pos
	return nil
}

func (r *Reader) Pos() uint64 { return r.pos }

func (r *Reader) NextHeader() (bool, error) {
	buf := make([]byte, txn.HeaderSize)
	n, err := io.ReadFull(r.f, buf)
	if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "read transaction header")
	}
	var h txn.Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return false, err
	}
	r.header = h
	r.pos += uint64(n)
	return true, nil
}

func (r *Reader) NextTransaction() (bool, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r.f, lenBuf); err != nil {
		return false, errors.Wrap(err, "read transaction body length")
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf)
	r.pos += 4

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r.f, body); err != nil {
		return false, errors.Wrap(err, "read transaction body")
	}
	r.pos += uint64(bodyLen)

	t := &txn.Transaction{}
	if err := json.Unmarshal(body, t); err != nil {
		return false, errors.Wrap(err, "decode transaction body")
	}
	r.body = t
	return true, nil
}

// SkipTransaction advances past the current record's body using the
// header's NextPos rather than decoding it.
func (r *Reader) SkipTransaction() error {
	return r.Seek(r.header.NextPos)
}

func (r *Reader) TxnHeader() txn.Header        { return r.header }
func (r *Reader) TxnBody() *txn.Transaction    { return r.body }

// SeekGid looks gid up in the sidecar index and seeks to its header
// offset if found.
func (r *Reader) SeekGid(gid uint64) (bool, error) {
	pos, ok := r.gidIndex[gid]
	if !ok {
		return false, nil
	}
	if err := r.Seek(pos); err != nil {
		return false, err
	}
	return true, nil
}

// loadOrBuildIndex reads a cached gzip+JSON gid index next to path, or
// builds one by scanning the log once and caches it for next time.
func loadOrBuildIndex(path string) (map[uint64]uint64, error) {
	idxPath := IndexPathFor(path)
	if idx, err := readIndex(idxPath); err == nil {
		return idx, nil
	}

	idx, err := buildIndex(path)
	if err != nil {
		return nil, err
	}
	// Best-effort cache; a failure to persist the index must not fail Open.
	_ = writeIndex(idxPath, idx)
	return idx, nil
}

func buildIndex(path string) (map[uint64]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open state log for indexing")
	}
	defer f.Close()

	idx := make(map[uint64]uint64)
	var pos uint64
	hdrBuf := make([]byte, txn.HeaderSize)
	for {
		n, err := io.ReadFull(f, hdrBuf)
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "scan state log header")
		}
		var h txn.Header
		if err := h.UnmarshalBinary(hdrBuf); err != nil {
			return nil, err
		}
		idx[h.Gid] = pos
		if h.NextPos <= pos {
			break
		}
		if _, err := f.Seek(int64(h.NextPos), io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seek to next record while indexing")
		}
		pos = h.NextPos
	}
	return idx, nil
}

func readIndex(path string) (map[uint64]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	data, err := io.ReadAll(gr)
	if err != nil {
		return nil, err
	}
	idx := make(map[uint64]uint64)
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	return idx, nil
}

func writeIndex(path string, idx map[uint64]uint64) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(f)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		f.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Clean(path))
}
