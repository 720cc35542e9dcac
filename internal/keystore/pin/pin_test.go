package pin

import (
	"encoding/hex"
	"testing"
)

// TestDeriveMatchesKnownVector reproduces spec §8 seed scenario 2.
func TestDeriveMatchesKnownVector(t *testing.T) {
	got := Derive([]byte("password"), []byte("salt"), 1, 32)
	want, err := hex.DecodeString("120fb6cffcf8b32c43e7225256c4f837a86548c92ccc35480805987cb70be17b")
	if err != nil {
		t.Fatalf("bad test fixture: %v", err)
	}
	if hex.EncodeToString(got) != hex.EncodeToString(want) {
		t.Errorf("got %x want %x", got, want)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec, err := NewRecord([]byte("correct horse"), 1000)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	if !rec.Verify([]byte("correct horse")) {
		t.Error("expected correct PIN to verify")
	}
	if rec.Verify([]byte("wrong pin")) {
		t.Error("expected wrong PIN to fail verification")
	}
}

func TestNewRecordEnforcesLengthBounds(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		if _, err := NewRecord([]byte("abc"), 1000); err == nil {
			t.Error("expected sub-minimum PIN to be rejected")
		}
	})
	t.Run("minimum length accepted", func(t *testing.T) {
		if _, err := NewRecord([]byte("abcd"), 1000); err != nil {
			t.Errorf("expected 4-byte PIN to be accepted, got %v", err)
		}
	})
	t.Run("maximum length accepted", func(t *testing.T) {
		pinBytes := make([]byte, MaxLength)
		for i := range pinBytes {
			pinBytes[i] = 'x'
		}
		if _, err := NewRecord(pinBytes, 1000); err != nil {
			t.Errorf("expected max-length PIN to be accepted, got %v", err)
		}
	})
	t.Run("over maximum rejected", func(t *testing.T) {
		pinBytes := make([]byte, MaxLength+1)
		if _, err := NewRecord(pinBytes, 1000); err == nil {
			t.Error("expected over-length PIN to be rejected")
		}
	})
}

func TestLastGasp(t *testing.T) {
	if !VerifyLastGasp([]byte("fnord fnord fnord")) {
		t.Error("expected the recovery PIN to verify")
	}
	if VerifyLastGasp([]byte("not the recovery pin")) {
		t.Error("expected a wrong PIN to fail against the recovery constant")
	}
}
