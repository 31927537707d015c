package source

import (
	"encoding/binary"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Reader reads fixed-width binary and ASCII fields from a position.
// The first failure is sticky: later reads return zero values and Err
// reports the original cause.
type Reader struct {
	r     io.ReaderAt
	order binary.ByteOrder
	pos   int64
	err   error
}

// NewReader creates a reader at offset 0 using order for binary fields.
func NewReader(r io.ReaderAt, order binary.ByteOrder) *Reader {
	return &Reader{r: r, order: order}
}

// At returns a new reader sharing r, positioned at offset.
func (r *Reader) At(offset int64) *Reader {
	return &Reader{r: r.r, order: r.order, pos: offset}
}

// Order returns the byte order used for binary fields.
func (r *Reader) Order() binary.ByteOrder {
	return r.order
}

// Pos returns the current position.
func (r *Reader) Pos() int64 {
	return r.pos
}

// Seek moves to an absolute offset.
func (r *Reader) Seek(offset int64) {
	r.pos = offset
}

// Skip advances n bytes.
func (r *Reader) Skip(n int64) {
	r.pos += n
}

// Err returns the first error encountered.
func (r *Reader) Err() error {
	return r.err
}

// Bytes reads exactly n bytes.
func (r *Reader) Bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 {
		r.err = errors.Errorf("negative field length %d at %d", n, r.pos)
		return nil
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf
	}
	got, err := r.r.ReadAt(buf, r.pos)
	if got < n {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		r.err = errors.Wrapf(err, "read %d bytes at %d", n, r.pos)
		return nil
	}
	r.pos += int64(n)
	return buf
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	b := r.Bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Uint16 reads a 16-bit value.
func (r *Reader) Uint16() uint16 {
	b := r.Bytes(2)
	if b == nil {
		return 0
	}
	return r.order.Uint16(b)
}

// Uint32 reads a 32-bit value.
func (r *Reader) Uint32() uint32 {
	b := r.Bytes(4)
	if b == nil {
		return 0
	}
	return r.order.Uint32(b)
}

// Uint64 reads a 64-bit value.
func (r *Reader) Uint64() uint64 {
	b := r.Bytes(8)
	if b == nil {
		return 0
	}
	return r.order.Uint64(b)
}

// String reads an n byte ASCII field with surrounding blanks trimmed.
func (r *Reader) String(n int) string {
	b := r.Bytes(n)
	if b == nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Int reads an n byte ASCII decimal field.
func (r *Reader) Int(n int) int {
	at := r.pos
	s := r.String(n)
	if r.err != nil {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		r.err = errors.Errorf("numeric field %q at %d", s, at)
		return 0
	}
	return v
}
