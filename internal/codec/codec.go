// Package codec implements the TLS presentation-language primitives used by
// every wire artifact: big-endian fixed-width integers and length-prefixed
// opaque vectors.
package codec

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrTruncated is returned when a reader runs out of input.
	ErrTruncated = errors.New("truncated input")
	// ErrOversized is returned when a vector exceeds its length prefix.
	ErrOversized = errors.New("vector exceeds length prefix")
	// ErrTrailing is returned by Finish when input remains unconsumed.
	ErrTrailing = errors.New("trailing bytes after structure")
)

// Writer accumulates a TLS-style serialized structure.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) U8(v uint8)  { w.buf = append(w.buf, v) }
func (w *Writer) U16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}
func (w *Writer) U32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}
func (w *Writer) U64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// Raw appends b without a length prefix (fixed-size fields).
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Opaque8 appends b with a one-byte length prefix.
func (w *Writer) Opaque8(b []byte) {
	if len(b) > math.MaxUint8 {
		panic("codec: opaque8 overflow")
	}
	w.U8(uint8(len(b)))
	w.Raw(b)
}

// Opaque16 appends b with a two-byte length prefix.
func (w *Writer) Opaque16(b []byte) {
	if len(b) > math.MaxUint16 {
		panic("codec: opaque16 overflow")
	}
	w.U16(uint16(len(b)))
	w.Raw(b)
}

// Opaque32 appends b with a four-byte length prefix.
func (w *Writer) Opaque32(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		panic("codec: opaque32 overflow")
	}
	w.U32(uint32(len(b)))
	w.Raw(b)
}

// Bytes returns the serialized structure.
func (w *Writer) Bytes() []byte { return w.buf }

// Reader consumes a TLS-style serialized structure. The first decode error
// sticks; callers check Err (or Finish) once after a run of reads.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrTruncated
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Raw reads n bytes without a length prefix. The result is copied.
func (r *Reader) Raw(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Raw32 reads a fixed 32-byte field into an array.
func (r *Reader) Raw32() (out [32]byte) {
	b := r.take(32)
	if b != nil {
		copy(out[:], b)
	}
	return
}

func (r *Reader) Opaque8() []byte  { return r.Raw(int(r.U8())) }
func (r *Reader) Opaque16() []byte { return r.Raw(int(r.U16())) }
func (r *Reader) Opaque32() []byte { return r.Raw(int(r.U32())) }

// Err reports the first decode error, if any.
func (r *Reader) Err() error { return r.err }

// Finish returns an error if decoding failed or input remains.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return ErrTrailing
	}
	return nil
}
