package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// maxFieldSize bounds a single length-prefixed field on decode.
const maxFieldSize = 16 * 1024 * 1024

// ErrShortBuffer is returned when a decoder runs out of input.
var ErrShortBuffer = errors.New("short buffer")

// Encoder appends fixed-layout fields to a byte slice.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

func (e *Encoder) Byte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

// Bytes writes a u32 length prefix followed by b.
func (e *Encoder) Bytes(b []byte) {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Text(s string) {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// Raw appends b without a length prefix.
func (e *Encoder) Raw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Data returns the encoded bytes.
func (e *Encoder) Data() []byte {
	return e.buf
}

// Decoder reads fields written by Encoder. The first error sticks; every
// later read returns zero values, so callers check Err once at the end.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a Decoder over data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{buf: data}
}

func (d *Decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, d.off, len(d.buf)-d.off)
		return false
	}
	return true
}

func (d *Decoder) Byte() byte {
	if !d.need(1) {
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

func (d *Decoder) Uint64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *Decoder) Uint32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

// Bytes reads a length-prefixed field and returns a copy of it.
func (d *Decoder) Bytes() []byte {
	n := d.Uint32()
	if d.err != nil {
		return nil
	}
	if n > maxFieldSize {
		d.err = fmt.Errorf("field of %d bytes exceeds limit", n)
		return nil
	}
	if !d.need(int(n)) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return out
}

func (d *Decoder) Text() string {
	return string(d.Bytes())
}

// Raw reads exactly n bytes without a length prefix.
func (d *Decoder) Raw(n int) []byte {
	if !d.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+n])
	d.off += n
	return out
}

// Rest returns a copy of all unread bytes.
func (d *Decoder) Rest() []byte {
	if d.err != nil {
		return nil
	}
	out := make([]byte, len(d.buf)-d.off)
	copy(out, d.buf[d.off:])
	d.off = len(d.buf)
	return out
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

// Err returns the first decode error, if any.
func (d *Decoder) Err() error {
	return d.err
}
