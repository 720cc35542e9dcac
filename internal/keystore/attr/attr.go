// Package attr implements the key block's TLV attribute area (spec §3
// "a flat byte area holding ... TLV-encoded attributes packed at the
// rear"), grounded on original_source/sw/libhal/ks_attribute.c. Each
// entry is a 6-byte header (type:u32, length:u16, both big-endian)
// followed by length bytes of value, packed with no padding.
package attr

import (
	"encoding/binary"

	"github.com/cryptech/hsmcore/internal/herr"
)

// HeaderSize is the fixed TLV header length (hal_ks_attribute_header_size).
const HeaderSize = 6

// Attribute is one decoded TLV entry (hal_pkey_attribute_t): a numeric
// type tag and its value bytes. The PKEY_GET/SET_ATTRIBUTES RPCs
// operate on slices of these (spec §6.2 #27, #28).
type Attribute struct {
	Type  uint32
	Value []byte
}

// Scan parses buf into a sequence of attributes (hal_ks_attribute_scan).
// It stops as soon as it has parsed every TLV entry present in buf up
// to the first malformed header, returning the entries found and the
// total number of bytes they occupy.
func Scan(buf []byte) ([]Attribute, int, error) {
	var out []Attribute
	pos := 0
	for pos < len(buf) {
		if len(buf)-pos < HeaderSize {
			break
		}
		typ := binary.BigEndian.Uint32(buf[pos : pos+4])
		length := int(binary.BigEndian.Uint16(buf[pos+4 : pos+6]))
		if pos+HeaderSize+length > len(buf) {
			return nil, 0, herr.New(herr.BadAttributeLength, "attr.Scan", nil)
		}
		value := buf[pos+HeaderSize : pos+HeaderSize+length]
		out = append(out, Attribute{Type: typ, Value: append([]byte(nil), value...)})
		pos += HeaderSize + length
	}
	return out, pos, nil
}

// Encode packs attrs back into TLV form, in the order given. The
// rewrite-in-place semantics of ks_attribute.c's delete/insert (which
// memmove within a fixed-size block) are replaced by building a fresh
// buffer, since hsmcore's key blocks are plain Go byte slices rather
// than a fixed flash region.
func Encode(attrs []Attribute) []byte {
	var out []byte
	for _, a := range attrs {
		var hdr [HeaderSize]byte
		binary.BigEndian.PutUint32(hdr[0:4], a.Type)
		binary.BigEndian.PutUint16(hdr[4:6], uint16(len(a.Value)))
		out = append(out, hdr[:]...)
		out = append(out, a.Value...)
	}
	return out
}

// Get returns the value for the first attribute of the given type
// (hal_pkey_attribute_t lookups preceding PKEY_GET_ATTRIBUTES).
func Get(attrs []Attribute, typ uint32) ([]byte, bool) {
	for _, a := range attrs {
		if a.Type == typ {
			return a.Value, true
		}
	}
	return nil, false
}

// Set inserts or replaces the attribute of type typ with value,
// preserving the relative order of the other attributes
// (hal_ks_attribute_insert: delete-then-append, same externally
// observable result as the original's in-place memmove version).
func Set(attrs []Attribute, typ uint32, value []byte) []Attribute {
	out := Delete(attrs, typ)
	return append(out, Attribute{Type: typ, Value: append([]byte(nil), value...)})
}

// Delete removes the attribute of type typ, if present
// (hal_ks_attribute_delete: a no-op, not an error, when absent).
func Delete(attrs []Attribute, typ uint32) []Attribute {
	out := make([]Attribute, 0, len(attrs))
	for _, a := range attrs {
		if a.Type != typ {
			out = append(out, a)
		}
	}
	return out
}
