package attr

import (
	"bytes"
	"testing"
)

func TestEncodeScanRoundTrip(t *testing.T) {
	in := []Attribute{
		{Type: 1, Value: []byte("first")},
		{Type: 2, Value: []byte("second-value")},
		{Type: 3, Value: nil},
	}
	buf := Encode(in)

	got, n, err := Scan(buf)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(buf), n)
	}
	if len(got) != len(in) {
		t.Fatalf("expected %d attributes, got %d", len(in), len(got))
	}
	for i := range in {
		if got[i].Type != in[i].Type || !bytes.Equal(got[i].Value, in[i].Value) {
			t.Errorf("attribute %d mismatch: got %+v want %+v", i, got[i], in[i])
		}
	}
}

func TestScanRejectsTruncatedValue(t *testing.T) {
	buf := Encode([]Attribute{{Type: 1, Value: []byte("hello")}})
	truncated := buf[:len(buf)-2]
	if _, _, err := Scan(truncated); err == nil {
		t.Error("expected Scan to reject a truncated TLV value")
	}
}

func TestGetSetDelete(t *testing.T) {
	attrs := []Attribute{{Type: 10, Value: []byte("a")}, {Type: 20, Value: []byte("b")}}

	if v, ok := Get(attrs, 20); !ok || !bytes.Equal(v, []byte("b")) {
		t.Fatalf("Get(20): got %q, ok %v", v, ok)
	}
	if _, ok := Get(attrs, 99); ok {
		t.Error("expected Get of missing type to report not-found")
	}

	attrs = Set(attrs, 10, []byte("updated"))
	if v, ok := Get(attrs, 10); !ok || !bytes.Equal(v, []byte("updated")) {
		t.Fatalf("Set(10): got %q, ok %v", v, ok)
	}
	if len(attrs) != 2 {
		t.Fatalf("expected Set to replace in place (2 attrs), got %d", len(attrs))
	}

	attrs = Delete(attrs, 20)
	if _, ok := Get(attrs, 20); ok {
		t.Error("expected type 20 to be gone after Delete")
	}
	if len(attrs) != 1 {
		t.Fatalf("expected 1 attribute after delete, got %d", len(attrs))
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	attrs := []Attribute{{Type: 1, Value: []byte("x")}}
	out := Delete(attrs, 999)
	if len(out) != 1 {
		t.Errorf("expected delete of missing type to be a no-op, got %d entries", len(out))
	}
}
