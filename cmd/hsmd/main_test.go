package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/cryptech/hsmcore/internal/config"
	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/keystore/voldriver"
)

// TestGetenv tests the getenv utility function.
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{
			name:     "environment variable set",
			key:      "HSMD_TEST_ENV_VAR",
			value:    "test_value",
			def:      "default",
			expected: "test_value",
		},
		{
			name:     "environment variable not set",
			key:      "HSMD_TEST_UNSET_VAR",
			value:    "",
			def:      "default_value",
			expected: "default_value",
		},
		{
			name:     "empty environment variable returns default",
			key:      "HSMD_TEST_EMPTY_VAR",
			value:    "",
			def:      "fallback",
			expected: "fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
				defer os.Unsetenv(tt.key)
			}
			result := getenv(tt.key, tt.def)
			if result != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, result)
			}
		})
	}
}

// TestDiscoverBusRegistersAllCores checks that every core name the
// hash and rsa packages look up by name actually shows up after a
// scan of the simulated bus.
func TestDiscoverBusRegistersAllCores(t *testing.T) {
	want := []string{"sha1", "sha2-256", "sha2-512", "modexp-crt-p", "modexp-crt-q"}

	b := discoverBus()
	for i, name := range want {
		gotName, _, ok, err := b.Probe(uint32(i) * 0x0100)
		if err != nil {
			t.Fatalf("probe %s: %v", name, err)
		}
		if !ok {
			t.Fatalf("no slot registered at base for %s", name)
		}
		if gotName.String() != name {
			t.Fatalf("slot %d: got name %q, want %q", i, gotName.String(), name)
		}
	}
}

func newVolatileStore(t *testing.T) *keystore.Store {
	t.Helper()
	store, err := keystore.Open(voldriver.New(32))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

// TestEnsureKEKFromEnv checks that HSMCORE_KEK, when set, is decoded
// and installed regardless of EnableFlashKEKBackup.
func TestEnsureKEKFromEnv(t *testing.T) {
	store := newVolatileStore(t)
	cfg := &config.Config{EnableFlashKEKBackup: false}

	os.Setenv("HSMCORE_KEK", "eijPx1XZBbQ1HdSInxzQBH1q20AaIWSlWccAjEJNftk=")
	defer os.Unsetenv("HSMCORE_KEK")

	if err := ensureKEK(cfg, store); err != nil {
		t.Fatalf("ensureKEK: %v", err)
	}
	kek, err := store.GetKEK()
	if err != nil {
		t.Fatalf("get kek: %v", err)
	}
	if len(kek) != 32 {
		t.Fatalf("got %d byte kek, want 32", len(kek))
	}
}

// TestEnsureKEKWithoutBackupFails checks that a fresh store with no
// env KEK and the flash-backup flag off fails loudly instead of
// silently fabricating a key.
func TestEnsureKEKWithoutBackupFails(t *testing.T) {
	store := newVolatileStore(t)
	cfg := &config.Config{EnableFlashKEKBackup: false}

	err := ensureKEK(cfg, store)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if herr.CodeOf(err) != herr.MasterkeyNotSet {
		t.Fatalf("got code %v, want MasterkeyNotSet", herr.CodeOf(err))
	}
}

// TestEnsureKEKWithBackupGenerates checks that a fresh store with the
// flash-backup flag on gets a generated KEK persisted.
func TestEnsureKEKWithBackupGenerates(t *testing.T) {
	store := newVolatileStore(t)
	cfg := &config.Config{EnableFlashKEKBackup: true}

	if err := ensureKEK(cfg, store); err != nil {
		t.Fatalf("ensureKEK: %v", err)
	}
	kek, err := store.GetKEK()
	if err != nil {
		t.Fatalf("get kek: %v", err)
	}
	if len(kek) != 32 {
		t.Fatalf("got %d byte kek, want 32", len(kek))
	}
	if bytes.Equal(kek, make([]byte, 32)) {
		t.Fatal("generated kek is all zero")
	}
}

// TestEnsureKEKIdempotent checks a second call against an
// already-keyed store is a no-op rather than an error.
func TestEnsureKEKIdempotent(t *testing.T) {
	store := newVolatileStore(t)
	cfg := &config.Config{EnableFlashKEKBackup: true}

	if err := ensureKEK(cfg, store); err != nil {
		t.Fatalf("first ensureKEK: %v", err)
	}
	first, err := store.GetKEK()
	if err != nil {
		t.Fatalf("get kek: %v", err)
	}
	if err := ensureKEK(cfg, store); err != nil {
		t.Fatalf("second ensureKEK: %v", err)
	}
	second, err := store.GetKEK()
	if err != nil {
		t.Fatalf("get kek: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("second ensureKEK call replaced the existing kek")
	}
}
