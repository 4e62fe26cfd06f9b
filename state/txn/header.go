package txn

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed, little-endian, packed on-disk header layout:
// timestamp:u64, gid:u64, xid:u32, is_successful:u8, flags:u8,
// next_pos:u64 (30 bytes of payload, padded to 32).
const HeaderSize = 32

// Header is the last-read state-log transaction header (txn_header()).
type Header struct {
	Timestamp    uint64
	Gid          uint64
	Xid          uint32
	IsSuccessful uint8
	Flags        uint8
	NextPos      uint64
}

func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Timestamp)
	binary.LittleEndian.PutUint64(buf[8:16], h.Gid)
	binary.LittleEndian.PutUint32(buf[16:20], h.Xid)
	buf[20] = h.IsSuccessful
	buf[21] = h.Flags
	binary.LittleEndian.PutUint64(buf[22:30], h.NextPos)
	return buf, nil
}

func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("txn: header requires %d bytes, got %d", HeaderSize, len(buf))
	}
	h.Timestamp = binary.LittleEndian.Uint64(buf[0:8])
	h.Gid = binary.LittleEndian.Uint64(buf[8:16])
	h.Xid = binary.LittleEndian.Uint32(buf[16:20])
	h.IsSuccessful = buf[20]
	h.Flags = buf[21]
	h.NextPos = binary.LittleEndian.Uint64(buf[22:30])
	return nil
}
