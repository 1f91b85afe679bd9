// Package codec defines how keys and values are laid out inside a page.
//
// A Codec must be deterministic and self-delimiting: given a buffer that
// starts at an encoded value it reports the encoded length without any
// external framing.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer is returned when a buffer ends before the encoded value does.
var ErrShortBuffer = errors.New("codec: short buffer")

// Codec encodes values of type T.
type Codec[T any] interface {
	// SizeOf returns the encoded length of v.
	SizeOf(v T) int
	// SizeOfEncoded returns the length of the value encoded at the start of buf.
	SizeOfEncoded(buf []byte) (int, error)
	// Read decodes the value encoded at the start of buf.
	Read(buf []byte) (T, error)
	// Write encodes v at the start of buf and returns the number of bytes
	// written. buf must hold at least SizeOf(v) bytes.
	Write(buf []byte, v T) int
}

// String is a uvarint length-prefixed UTF-8 string.
type String struct{}

func (String) SizeOf(v string) int {
	return uvarintLen(uint64(len(v))) + len(v)
}

func (String) SizeOfEncoded(buf []byte) (int, error) {
	return prefixedLen(buf)
}

func (String) Read(buf []byte) (string, error) {
	n, hdr, err := prefixed(buf)
	if err != nil {
		return "", err
	}
	return string(buf[hdr : hdr+n]), nil
}

func (String) Write(buf []byte, v string) int {
	hdr := binary.PutUvarint(buf, uint64(len(v)))
	return hdr + copy(buf[hdr:], v)
}

// Bytes is a uvarint length-prefixed byte slice. Read returns a copy.
type Bytes struct{}

func (Bytes) SizeOf(v []byte) int {
	return uvarintLen(uint64(len(v))) + len(v)
}

func (Bytes) SizeOfEncoded(buf []byte) (int, error) {
	return prefixedLen(buf)
}

func (Bytes) Read(buf []byte) ([]byte, error) {
	n, hdr, err := prefixed(buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[hdr:hdr+n])
	return out, nil
}

func (Bytes) Write(buf []byte, v []byte) int {
	hdr := binary.PutUvarint(buf, uint64(len(v)))
	return hdr + copy(buf[hdr:], v)
}

// Int64 is a fixed 8-byte big-endian integer with the sign bit flipped so the
// encoded bytes sort in numeric order.
type Int64 struct{}

func (Int64) SizeOf(int64) int { return 8 }

func (Int64) SizeOfEncoded(buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("%w: int64 needs 8 bytes, got %d", ErrShortBuffer, len(buf))
	}
	return 8, nil
}

func (Int64) Read(buf []byte) (int64, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("%w: int64 needs 8 bytes, got %d", ErrShortBuffer, len(buf))
	}
	return int64(binary.BigEndian.Uint64(buf) ^ (1 << 63)), nil
}

func (Int64) Write(buf []byte, v int64) int {
	binary.BigEndian.PutUint64(buf, uint64(v)^(1<<63))
	return 8
}

// Uint64 is a fixed 8-byte big-endian unsigned integer.
type Uint64 struct{}

func (Uint64) SizeOf(uint64) int { return 8 }

func (Uint64) SizeOfEncoded(buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("%w: uint64 needs 8 bytes, got %d", ErrShortBuffer, len(buf))
	}
	return 8, nil
}

func (Uint64) Read(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("%w: uint64 needs 8 bytes, got %d", ErrShortBuffer, len(buf))
	}
	return binary.BigEndian.Uint64(buf), nil
}

func (Uint64) Write(buf []byte, v uint64) int {
	binary.BigEndian.PutUint64(buf, v)
	return 8
}

// Bool is a single byte, 0 or 1.
type Bool struct{}

func (Bool) SizeOf(bool) int { return 1 }

func (Bool) SizeOfEncoded(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, fmt.Errorf("%w: bool needs 1 byte", ErrShortBuffer)
	}
	return 1, nil
}

func (Bool) Read(buf []byte) (bool, error) {
	if len(buf) < 1 {
		return false, fmt.Errorf("%w: bool needs 1 byte", ErrShortBuffer)
	}
	switch buf[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("codec: invalid bool byte 0x%x", buf[0])
	}
}

func (Bool) Write(buf []byte, v bool) int {
	if v {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
	return 1
}

func uvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// prefixed returns the payload length and the header length of a uvarint
// length-prefixed value.
func prefixed(buf []byte) (int, int, error) {
	n, hdr := binary.Uvarint(buf)
	if hdr <= 0 {
		return 0, 0, fmt.Errorf("%w: bad length prefix", ErrShortBuffer)
	}
	if n > math.MaxInt32 || uint64(len(buf)-hdr) < n {
		return 0, 0, fmt.Errorf("%w: need %d payload bytes, have %d", ErrShortBuffer, n, len(buf)-hdr)
	}
	return int(n), hdr, nil
}

func prefixedLen(buf []byte) (int, error) {
	n, hdr, err := prefixed(buf)
	if err != nil {
		return 0, err
	}
	return hdr + n, nil
}
