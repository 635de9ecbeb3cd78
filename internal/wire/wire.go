// Package wire holds the big-endian primitives used by the header and record
// codecs.
//
// Every reader takes a buffer and a cursor and returns the value together with
// the advanced cursor, so codecs thread a single offset through a borrowed
// slice instead of keeping aliased views into the file's backing memory.
// Writers return the advanced cursor and panic only on programming errors
// (a slot sized too small), which the callers size exactly beforehand.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sizes of the fixed-width primitives.
const (
	ByteSize  = 1
	ShortSize = 2
	IntSize   = 4
	LongSize  = 8
)

// ErrShort is returned when a read runs past the end of the buffer.
var ErrShort = errors.New("wire: buffer too short")

// MaxBlob bounds length-prefixed fields so a corrupt length cannot trigger a
// huge allocation.
const MaxBlob = 64 << 20

func need(b []byte, off, n int) error {
	if off < 0 || n < 0 || off+n > len(b) {
		return ErrShort
	}
	return nil
}

// PutByte writes v at off.
func PutByte(b []byte, off int, v byte) int {
	b[off] = v
	return off + ByteSize
}

// PutShort writes v at off.
func PutShort(b []byte, off int, v int16) int {
	binary.BigEndian.PutUint16(b[off:], uint16(v))
	return off + ShortSize
}

// PutInt writes v at off.
func PutInt(b []byte, off int, v int32) int {
	binary.BigEndian.PutUint32(b[off:], uint32(v))
	return off + IntSize
}

// PutLong writes v at off.
func PutLong(b []byte, off int, v int64) int {
	binary.BigEndian.PutUint64(b[off:], uint64(v))
	return off + LongSize
}

// PutRaw copies p at off without a length prefix.
func PutRaw(b []byte, off int, p []byte) int {
	return off + copy(b[off:off+len(p)], p)
}

// PutBlob writes an int32 length followed by p.
func PutBlob(b []byte, off int, p []byte) int {
	off = PutInt(b, off, int32(len(p)))
	return PutRaw(b, off, p)
}

// BlobSize is the encoded size of PutBlob(p).
func BlobSize(p []byte) int {
	return IntSize + len(p)
}

// Byte reads one byte at off.
func Byte(b []byte, off int) (byte, int, error) {
	if err := need(b, off, ByteSize); err != nil {
		return 0, off, err
	}
	return b[off], off + ByteSize, nil
}

// Short reads an int16 at off.
func Short(b []byte, off int) (int16, int, error) {
	if err := need(b, off, ShortSize); err != nil {
		return 0, off, err
	}
	return int16(binary.BigEndian.Uint16(b[off:])), off + ShortSize, nil
}

// Int reads an int32 at off.
func Int(b []byte, off int) (int32, int, error) {
	if err := need(b, off, IntSize); err != nil {
		return 0, off, err
	}
	return int32(binary.BigEndian.Uint32(b[off:])), off + IntSize, nil
}

// Long reads an int64 at off.
func Long(b []byte, off int) (int64, int, error) {
	if err := need(b, off, LongSize); err != nil {
		return 0, off, err
	}
	return int64(binary.BigEndian.Uint64(b[off:])), off + LongSize, nil
}

// Raw returns a copy of the n bytes at off.
func Raw(b []byte, off, n int) ([]byte, int, error) {
	if err := need(b, off, n); err != nil {
		return nil, off, err
	}
	p := make([]byte, n)
	copy(p, b[off:off+n])
	return p, off + n, nil
}

// Blob reads an int32 length and that many bytes, returning a copy.
func Blob(b []byte, off int) ([]byte, int, error) {
	n, next, err := Int(b, off)
	if err != nil {
		return nil, off, err
	}
	if n < 0 || n > MaxBlob {
		return nil, off, fmt.Errorf("wire: bad length %d at offset %d", n, off)
	}
	return Raw(b, next, int(n))
}

// Reader threads a cursor through b and remembers the first error, so record
// decoders can read a run of fields and check once at the end.
type Reader struct {
	b   []byte
	off int
	err error
}

// NewReader returns a Reader positioned at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Offset returns the current cursor.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.b) - r.off }

func (r *Reader) Byte() byte {
	if r.err != nil {
		return 0
	}
	var v byte
	v, r.off, r.err = Byte(r.b, r.off)
	return v
}

func (r *Reader) Short() int16 {
	if r.err != nil {
		return 0
	}
	var v int16
	v, r.off, r.err = Short(r.b, r.off)
	return v
}

func (r *Reader) Int() int32 {
	if r.err != nil {
		return 0
	}
	var v int32
	v, r.off, r.err = Int(r.b, r.off)
	return v
}

func (r *Reader) Long() int64 {
	if r.err != nil {
		return 0
	}
	var v int64
	v, r.off, r.err = Long(r.b, r.off)
	return v
}

func (r *Reader) Blob() []byte {
	if r.err != nil {
		return nil
	}
	var v []byte
	v, r.off, r.err = Blob(r.b, r.off)
	return v
}
