// Package binio provides bounds-checked readers and writers over byte
// buffers. No accessor ever touches memory outside the buffer it was given.
package binio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when an access would cross the end of the buffer.
var ErrShortBuffer = errors.New("access past end of buffer")

// Reader is a cursor over an untrusted buffer.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader positioned at off.
func NewReader(buf []byte, off int) *Reader {
	return &Reader{buf: buf, off: off}
}

// Offset returns the current cursor position.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of bytes left after the cursor.
func (r *Reader) Remaining() int {
	if r.off >= len(r.buf) {
		return 0
	}
	return len(r.buf) - r.off
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.off < 0 || r.off > len(r.buf) || len(r.buf)-r.off < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, r.Remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.take(n)
	return err
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16LE() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) U16BE() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) U32LE() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) U32BE() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Bytes copies the next n bytes into a fresh slice.
func (r *Reader) Bytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Writer fills a caller-provided buffer.
type Writer struct {
	buf []byte
	off int
}

// NewWriter returns a Writer positioned at the start of buf.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Offset returns the number of bytes written so far.
func (w *Writer) Offset() int { return w.off }

func (w *Writer) reserve(n int) ([]byte, error) {
	if n < 0 || len(w.buf)-w.off < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, w.off, len(w.buf)-w.off)
	}
	b := w.buf[w.off : w.off+n]
	w.off += n
	return b, nil
}

// Seek moves the cursor to an absolute offset inside the buffer.
func (w *Writer) Seek(off int) error {
	if off < 0 || off > len(w.buf) {
		return fmt.Errorf("%w: seek to %d in %d-byte buffer", ErrShortBuffer, off, len(w.buf))
	}
	w.off = off
	return nil
}

func (w *Writer) PutU8(v uint8) error {
	b, err := w.reserve(1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (w *Writer) PutU16LE(v uint16) error {
	b, err := w.reserve(2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (w *Writer) PutU16BE(v uint16) error {
	b, err := w.reserve(2)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b, v)
	return nil
}

func (w *Writer) PutU32LE(v uint32) error {
	b, err := w.reserve(4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (w *Writer) PutU32BE(v uint32) error {
	b, err := w.reserve(4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b, v)
	return nil
}

func (w *Writer) PutBytes(p []byte) error {
	b, err := w.reserve(len(p))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}
