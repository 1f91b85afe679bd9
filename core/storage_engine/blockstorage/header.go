package blockstorage

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/sushant-115/pagekv/core/dberror"
)

const (
	// PhysicalBlockSize is the on-disk size of every block, header included.
	PhysicalBlockSize = 4096
	// BlockSize is the payload a caller may store in one block. The last
	// physical byte holds blockMarker.
	BlockSize = PhysicalBlockSize - 1
	// HeadDataSize is the size of the caller-owned slot in the header region.
	HeadDataSize = 56

	// FormatVersion is the only version this package reads and writes.
	FormatVersion uint16 = 1

	initRecordSize   = 32
	headerRegionOff  = initRecordSize
	headerRegionSize = 80
	digestOff        = 8 + HeadDataSize

	flagEncrypted uint16 = 1 << 0

	blockMarker byte = 0xB7
)

var magic = [8]byte{'P', 'A', 'G', 'E', 'K', 'V', 'D', 'B'}

// initRecord is the plaintext prefix of block 0.
//
//	[0:8]   magic
//	[8:10]  version
//	[10:12] flags
//	[12:28] salt (store id)
//	[28:32] reserved
type initRecord struct {
	version uint16
	flags   uint16
	salt    uuid.UUID
}

func (r *initRecord) encrypted() bool { return r.flags&flagEncrypted != 0 }

func (r *initRecord) marshal(buf []byte) {
	copy(buf[0:8], magic[:])
	binary.LittleEndian.PutUint16(buf[8:10], r.version)
	binary.LittleEndian.PutUint16(buf[10:12], r.flags)
	copy(buf[12:28], r.salt[:])
	clear(buf[28:initRecordSize])
}

func (r *initRecord) unmarshal(buf []byte) error {
	if len(buf) < initRecordSize {
		return fmt.Errorf("%w: init record truncated (%d bytes)", dberror.ErrFormat, len(buf))
	}
	if !bytes.Equal(buf[0:8], magic[:]) {
		return fmt.Errorf("%w: bad magic %q", dberror.ErrFormat, buf[0:8])
	}
	r.version = binary.LittleEndian.Uint16(buf[8:10])
	if r.version != FormatVersion {
		return fmt.Errorf("%w: unsupported version %d", dberror.ErrFormat, r.version)
	}
	r.flags = binary.LittleEndian.Uint16(buf[10:12])
	copy(r.salt[:], buf[12:28])
	return nil
}

// headerRegion is the block counter plus the head-data slot, sealed by an
// MD5 digest. It is encrypted as a unit when the store is encrypted.
//
//	[0:8]   block count
//	[8:64]  head data
//	[64:80] md5 over [0:64]
type headerRegion struct {
	count    uint64
	headData [HeadDataSize]byte
}

func (h *headerRegion) marshal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.count)
	copy(buf[8:digestOff], h.headData[:])
	sum := md5.Sum(buf[:digestOff])
	copy(buf[digestOff:headerRegionSize], sum[:])
}

// unmarshal reports false when the digest does not match.
func (h *headerRegion) unmarshal(buf []byte) bool {
	sum := md5.Sum(buf[:digestOff])
	if !bytes.Equal(sum[:], buf[digestOff:headerRegionSize]) {
		return false
	}
	h.count = binary.LittleEndian.Uint64(buf[0:8])
	copy(h.headData[:], buf[8:digestOff])
	return true
}
