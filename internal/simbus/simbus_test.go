package simbus

import (
	"testing"

	"github.com/cryptech/hsmcore/internal/bus"
)

func TestRegisterAndProbe(t *testing.T) {
	b := New()
	b.Register(0x0000, NewSlot("sha2-256", 3))

	name, version, ok, err := b.Probe(0x0000)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !ok {
		t.Fatal("expected slot present")
	}
	if name.String() != "sha2-256" {
		t.Fatalf("got name %q, want sha2-256", name.String())
	}
	if version != 3 {
		t.Fatalf("got version %d, want 3", version)
	}

	_, _, ok, err = b.Probe(0x0100)
	if err != nil {
		t.Fatalf("probe empty base: %v", err)
	}
	if ok {
		t.Fatal("expected no slot at an unregistered base")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := New()
	b.Register(0x0000, NewSlot("aes", 1))

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := b.Write(0x0000, 0x10, payload, 4); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 4)
	if err := b.Read(0x0000, 0x10, got, 4); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %x, want %x", got, payload)
	}
}

func TestControlWriteReportsReadyAndValid(t *testing.T) {
	b := New()
	b.Register(0x0000, NewSlot("modexp-crt-p", 1))

	if err := b.Write(0x0000, RegCtrl, []byte{0, 0, 0, 1}, 4); err != nil {
		t.Fatalf("write control: %v", err)
	}
	status := make([]byte, 4)
	if err := b.Read(0x0000, RegStatus, status, 4); err != nil {
		t.Fatalf("read status: %v", err)
	}
	got := uint32(status[0])<<24 | uint32(status[1])<<16 | uint32(status[2])<<8 | uint32(status[3])
	if got&StatusReady == 0 || got&StatusValid == 0 {
		t.Fatalf("status = %#x, want ready|valid set", got)
	}
}

func TestReadWriteUnregisteredBaseFails(t *testing.T) {
	b := New()
	if err := b.Write(0x9999, 0x10, []byte{1, 2, 3, 4}, 4); err == nil {
		t.Fatal("expected error writing to an unregistered base")
	}
	if err := b.Read(0x9999, 0x10, make([]byte, 4), 4); err == nil {
		t.Fatal("expected error reading from an unregistered base")
	}
}

// TestDiscoverFindsRegisteredSlots checks simbus satisfies bus.Bus
// well enough for bus.Discover's scan-and-probe loop to find every
// slot registered on it.
func TestDiscoverFindsRegisteredSlots(t *testing.T) {
	b := New()
	b.Register(uint32(bus.ScanStart), NewSlot("sha1", 1))
	b.Register(uint32(bus.ScanStart)+bus.ScanStep, NewSlot("sha2-256", 1))

	descs, err := bus.Discover(b)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(descs))
	}
	names := map[string]bool{}
	for _, d := range descs {
		names[d.Name.String()] = true
	}
	if !names["sha1"] || !names["sha2-256"] {
		t.Fatalf("missing expected core names in %v", names)
	}
}
