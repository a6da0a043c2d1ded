// Package cryptonote holds the block and transaction model of the chain and
// its canonical binary encoding. The encoding is consensus critical: block
// and transaction ids are hashes of these bytes.
package cryptonote

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrTruncated   = errors.New("truncated input")
	ErrBadTag      = errors.New("invalid variant tag")
	ErrOverflow    = errors.New("varint overflow")
	ErrUnsupported = errors.New("unsupported version or type")
	ErrTrailing    = errors.New("trailing bytes after object")
)

// PutVarint appends v in the little-endian base-128 encoding used for all
// lengths and most integers on the wire.
func PutVarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

// ReadVarint decodes a varint from the start of data and returns the value
// and the number of bytes consumed.
func ReadVarint(data []byte) (uint64, int, error) {
	v, n := binary.Uvarint(data)
	switch {
	case n == 0:
		return 0, 0, ErrTruncated
	case n < 0:
		return 0, 0, ErrOverflow
	case n > 1 && data[n-1] == 0:
		// A trailing zero group would give a second encoding of the same value.
		return 0, 0, fmt.Errorf("%w: non-canonical encoding", ErrOverflow)
	}
	return v, n, nil
}

// reader walks a byte slice. The first error sticks: once set, every later
// read returns zero values, so decoders check r.err once per object.
type reader struct {
	data []byte
	off  int
	err  error
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.fail(ErrTruncated)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) varint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n, err := ReadVarint(r.data[r.off:])
	if err != nil {
		r.fail(err)
		return 0
	}
	r.off += n
	return v
}

// count reads a container length and rejects lengths that cannot possibly
// fit in the remaining input, given at least minElem bytes per element.
func (r *reader) count(minElem int) int {
	n := r.varint()
	if r.err != nil {
		return 0
	}
	if minElem < 1 {
		minElem = 1
	}
	if n > uint64(r.remaining()/minElem) {
		r.fail(ErrTruncated)
		return 0
	}
	return int(n)
}

func (r *reader) key32() [32]byte {
	var k [32]byte
	copy(k[:], r.bytes(32))
	return k
}

func (r *reader) sig64() [64]byte {
	var s [64]byte
	copy(s[:], r.bytes(64))
	return s
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.remaining() != 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailing, r.remaining())
	}
	return nil
}

func appendU16(buf []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(buf, v) }
func appendU32(buf []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(buf, v) }
func appendU64(buf []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(buf, v) }
