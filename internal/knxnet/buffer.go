package knxnet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a structure runs past the end of its data.
var ErrShortBuffer = errors.New("knxnet: short buffer")

// Writer appends big-endian fields to an owned byte slice.
type Writer struct {
	buf []byte
}

// NewWriter returns a writer with room for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *Writer) Write(b []byte) { w.buf = append(w.buf, b...) }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the written data.
func (w *Writer) Bytes() []byte { return w.buf }

// Reader walks a byte slice, bounds-checking every read. The first failure
// is sticky: later reads return zero values and Err reports it.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader returns a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) need(n int, what string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: %s needs %d bytes at offset %d, have %d", ErrShortBuffer, what, n, r.off, len(r.data)-r.off)
		return false
	}
	return true
}

func (r *Reader) Uint8(what string) uint8 {
	if !r.need(1, what) {
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *Reader) Uint16(what string) uint16 {
	if !r.need(2, what) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

// Bytes returns a copy of the next n bytes.
func (r *Reader) Bytes(n int, what string) []byte {
	if !r.need(n, what) {
		return nil
	}
	v := append([]byte(nil), r.data[r.off:r.off+n]...)
	r.off += n
	return v
}

// Rest returns a copy of all unread bytes.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	v := append([]byte(nil), r.data[r.off:]...)
	r.off = len(r.data)
	return v
}

// Remaining reports the unread byte count.
func (r *Reader) Remaining() int { return len(r.data) - r.off }

// Fail records err unless an earlier error is already pending.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }
