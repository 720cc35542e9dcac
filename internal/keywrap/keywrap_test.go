package keywrap

import (
	"bytes"
	"testing"
)

// TestWrapUnwrap tests round-trip wrap/unwrap across block-aligned and
// non-aligned plaintexts (spec §8 seed scenario 1).
func TestWrapUnwrap(t *testing.T) {
	key := bytes.Repeat([]byte{0x00}, 16)

	t.Run("single partial block uses AIV-direct encoding", func(t *testing.T) {
		plaintext := []byte("hello") // 5 bytes, pads to 8

		wrapped, err := Wrap(key, plaintext)
		if err != nil {
			t.Fatalf("Wrap failed: %v", err)
		}
		if len(wrapped) != 16 {
			t.Fatalf("expected 16-byte wrapped output, got %d", len(wrapped))
		}

		got, err := Unwrap(key, wrapped)
		if err != nil {
			t.Fatalf("Unwrap failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("roundtrip mismatch: got %x want %x", got, plaintext)
		}
	})

	t.Run("multi-block plaintext", func(t *testing.T) {
		plaintext := bytes.Repeat([]byte{0xAB}, 32)

		wrapped, err := Wrap(key, plaintext)
		if err != nil {
			t.Fatalf("Wrap failed: %v", err)
		}
		if len(wrapped) != 8+32 {
			t.Fatalf("expected 40-byte wrapped output, got %d", len(wrapped))
		}

		got, err := Unwrap(key, wrapped)
		if err != nil {
			t.Fatalf("Unwrap failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("roundtrip mismatch: got %x want %x", got, plaintext)
		}
	})

	t.Run("exact multiple of 8 bytes", func(t *testing.T) {
		plaintext := bytes.Repeat([]byte{0x11}, 24)

		wrapped, err := Wrap(key, plaintext)
		if err != nil {
			t.Fatalf("Wrap failed: %v", err)
		}
		got, err := Unwrap(key, wrapped)
		if err != nil {
			t.Fatalf("Unwrap failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("roundtrip mismatch: got %x want %x", got, plaintext)
		}
	})
}

func TestUnwrapRejectsCorruption(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	plaintext := []byte("a secret key material blob")

	wrapped, err := Wrap(key, plaintext)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	t.Run("corrupted AIV is rejected", func(t *testing.T) {
		corrupt := append([]byte(nil), wrapped...)
		corrupt[0] ^= 0xFF

		if _, err := Unwrap(key, corrupt); err == nil {
			t.Error("expected Unwrap to reject corrupted AIV")
		}
	})

	t.Run("truncated input is rejected", func(t *testing.T) {
		if _, err := Unwrap(key, wrapped[:len(wrapped)-1]); err == nil {
			t.Error("expected Unwrap to reject non-8-aligned input")
		}
	})

	t.Run("wrong key fails magic check", func(t *testing.T) {
		wrongKey := bytes.Repeat([]byte{0x99}, 16)
		if _, err := Unwrap(wrongKey, wrapped); err == nil {
			t.Error("expected Unwrap with wrong key to fail")
		}
	})
}

func TestWrapRejectsEmptyPlaintext(t *testing.T) {
	key := bytes.Repeat([]byte{0x00}, 16)
	if _, err := Wrap(key, nil); err == nil {
		t.Error("expected Wrap to reject empty plaintext")
	}
}
