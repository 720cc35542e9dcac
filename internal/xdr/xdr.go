// Package xdr implements the subset of RFC 4506 XDR encoding the RPC
// layer needs (spec §4.6, §6.2): 32-bit big-endian integers and
// length-prefixed opaque byte strings padded to a 4-byte boundary.
// Grounded in original_source/sw/libhal/xdr.c, which exposes this as a
// pair of cursor-advancing encode/decode functions over a bounded
// buffer; Encoder/Decoder below play the same role idiomatically, each
// holding its own cursor instead of threading **uint8_t pointers.
package xdr

import (
	"encoding/binary"

	"github.com/cryptech/hsmcore/internal/herr"
)

// Encoder appends XDR-encoded values to an in-memory buffer. The zero
// value is ready to use.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with capacity pre-reserved, mirroring
// the fixed-size packet buffers the RPC layer hands to the XDR layer.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Bytes returns the accumulated wire encoding.
func (e *Encoder) Bytes() []byte { return e.buf }

// Int encodes a uint32 as 4 big-endian bytes (RFC 4506 §4.1; also
// covers int, enum, and bool per the source's comment that "these are
// all encoded as 32-bit big-endian fields").
func (e *Encoder) Int(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// FixedOpaque appends value verbatim, zero-padded to a multiple of 4
// bytes (RFC 4506 §4.9), with no length prefix.
func (e *Encoder) FixedOpaque(value []byte) {
	e.buf = append(e.buf, value...)
	if pad := padLen(len(value)); pad > 0 {
		e.buf = append(e.buf, make([]byte, pad)...)
	}
}

// VariableOpaque encodes a 4-byte length followed by FixedOpaque of
// value (RFC 4506 §4.10).
func (e *Encoder) VariableOpaque(value []byte) {
	e.Int(uint32(len(value)))
	e.FixedOpaque(value)
}

// Decoder consumes XDR-encoded values from a fixed buffer, advancing
// an internal cursor and returning herr.XDRBufferOverflow once the
// cursor would run past the end (spec §7's "XDR over a fixed-length
// frame buffer" error kind).
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential decoding.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining reports how many bytes are left to decode.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

// Int decodes a uint32, advancing the cursor by 4 bytes.
func (d *Decoder) Int() (uint32, error) {
	v, err := d.peekInt()
	if err != nil {
		return 0, err
	}
	d.pos += 4
	return v, nil
}

// peekInt decodes without advancing, mirroring
// hal_xdr_decode_int_peek's use in the RPC dispatcher to inspect the
// function code before committing to a full decode.
func (d *Decoder) peekInt() (uint32, error) {
	if d.Remaining() < 4 {
		return 0, herr.New(herr.XDRBufferOverflow, "xdr.Decoder.Int", nil)
	}
	return binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4]), nil
}

// PeekInt decodes the next 4-byte integer without advancing the cursor.
func (d *Decoder) PeekInt() (uint32, error) { return d.peekInt() }

// FixedOpaquePtr returns a slice aliasing len bytes of the underlying
// buffer, advancing the cursor past the value and its padding. It
// mirrors hal_xdr_decode_fixed_opaque_ptr's zero-copy role in the RPC
// server, which reads requests directly out of the receive buffer.
func (d *Decoder) FixedOpaquePtr(length int) ([]byte, error) {
	padded := (length + 3) &^ 3
	if d.Remaining() < padded {
		return nil, herr.New(herr.XDRBufferOverflow, "xdr.Decoder.FixedOpaquePtr", nil)
	}
	v := d.buf[d.pos : d.pos+length]
	d.pos += padded
	return v, nil
}

// FixedOpaque copies length bytes into a new slice.
func (d *Decoder) FixedOpaque(length int) ([]byte, error) {
	p, err := d.FixedOpaquePtr(length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, p)
	return out, nil
}

// VariableOpaquePtr decodes a length-prefixed opaque value, returning a
// slice aliasing the underlying buffer (RPC server zero-copy path).
func (d *Decoder) VariableOpaquePtr() ([]byte, error) {
	save := d.pos
	length, err := d.Int()
	if err != nil {
		return nil, err
	}
	v, err := d.FixedOpaquePtr(int(length))
	if err != nil {
		d.pos = save
		return nil, err
	}
	return v, nil
}

// VariableOpaque decodes a length-prefixed opaque value into a fresh
// copy (RPC client path, matching hal_xdr_decode_variable_opaque).
func (d *Decoder) VariableOpaque() ([]byte, error) {
	p, err := d.VariableOpaquePtr()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

// padLen returns the number of zero bytes needed to round n up to a
// multiple of 4.
func padLen(n int) int {
	if r := n % 4; r != 0 {
		return 4 - r
	}
	return 0
}
