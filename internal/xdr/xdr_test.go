package xdr

import (
	"bytes"
	"testing"
)

// TestIntRoundTrip mirrors original_source/sw/libhal/tests/test-xdr.c's
// "work to failure" loop, encoding a run of integers and decoding them
// back in order.
func TestIntRoundTrip(t *testing.T) {
	e := NewEncoder(256)
	for i := uint32(1); i < 100; i++ {
		e.Int(i)
	}

	d := NewDecoder(e.Bytes())
	for i := uint32(1); i < 100; i++ {
		got, err := d.Int()
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if got != i {
			t.Fatalf("decode mismatch: got %d want %d", got, i)
		}
	}
	if d.Remaining() != 0 {
		t.Errorf("expected decoder exhausted, %d bytes remaining", d.Remaining())
	}
}

func TestIntOverflow(t *testing.T) {
	d := NewDecoder([]byte{0x00, 0x01})
	if _, err := d.Int(); err == nil {
		t.Error("expected XDR buffer overflow on short int")
	}
}

func TestVariableOpaqueRoundTrip(t *testing.T) {
	alphabet := []byte("abcdefghijklmnopqrstuvwxyz")

	e := NewEncoder(512)
	var lengths []int
	for i := 1; i <= len(alphabet); i++ {
		e.VariableOpaque(alphabet[:i])
		lengths = append(lengths, i)
	}

	d := NewDecoder(e.Bytes())
	for _, want := range lengths {
		got, err := d.VariableOpaque()
		if err != nil {
			t.Fatalf("decode len %d: %v", want, err)
		}
		if !bytes.Equal(got, alphabet[:want]) {
			t.Fatalf("decode mismatch at len %d: got %q", want, got)
		}
	}
}

func TestFixedOpaquePadding(t *testing.T) {
	e := NewEncoder(16)
	e.FixedOpaque([]byte("abc")) // 3 bytes -> 1 pad byte
	if len(e.Bytes()) != 4 {
		t.Fatalf("expected 4 padded bytes, got %d", len(e.Bytes()))
	}
	if e.Bytes()[3] != 0 {
		t.Error("expected zero padding byte")
	}
}

func TestVariableOpaqueOverflow(t *testing.T) {
	e := NewEncoder(8)
	e.Int(100) // claims 100 bytes follow, but none do
	d := NewDecoder(e.Bytes())
	if _, err := d.VariableOpaque(); err == nil {
		t.Error("expected overflow decoding a length that exceeds the buffer")
	}
}

func TestPtrVariantsAliasUnderlyingBuffer(t *testing.T) {
	e := NewEncoder(32)
	e.VariableOpaque([]byte("zero-copy"))

	d := NewDecoder(e.Bytes())
	p, err := d.VariableOpaquePtr()
	if err != nil {
		t.Fatalf("VariableOpaquePtr: %v", err)
	}
	if !bytes.Equal(p, []byte("zero-copy")) {
		t.Fatalf("got %q", p)
	}
}
