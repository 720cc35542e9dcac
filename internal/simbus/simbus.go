// Package simbus is the one production implementation of bus.Bus: an
// in-process simulation of the FPGA crypto cores standing in for real
// hardware (spec §1 treats "FPGA register-level bit layouts" as
// out of scope and opaque; simbus is that opaque boundary made
// concrete enough to run against in tests and in the reference
// server).
//
// Each registered slot exposes STATUS and CONTROL registers at fixed
// offsets, plus an open-ended register file for core-specific
// operands; its name and version are reported through Probe. A CONTROL write is handed to the slot's
// internal/coreset.Core (chosen by name at registration), which
// computes the STATUS word to report afterward — in this simulation
// that is always ready+valid, since there is no real clock to make a
// caller wait on, but the dispatch is real enough that bus.Wait's
// read-compare-yield loop still exercises actual code instead of
// being permanently short-circuited.
package simbus

import (
	"sync"

	"github.com/cryptech/hsmcore/internal/bus"
	"github.com/cryptech/hsmcore/internal/coreset"
	"github.com/cryptech/hsmcore/internal/herr"
)

// Register offsets generic to every simulated core. Real offsets are
// hardware-specific and out of scope (spec §1); these are simbus's own
// convention, documented once here rather than per core.
const (
	RegStatus = 0xF0
	RegCtrl   = 0xF4

	// StatusReady and StatusValid are the two bits spec §4.1's
	// io_wait mask checks ("STATUS & mask != 0").
	StatusReady uint32 = 1 << 0
	StatusValid uint32 = 1 << 1
)

// Slot is one simulated core occupying a base address. Its CONTROL
// timing is delegated to a coreset.Core chosen by name, so CONTROL
// writes drive real (if trivial) per-core-family code instead of a
// single hardcoded status flip shared by every slot.
type Slot struct {
	Name    bus.Name
	Version uint32

	mu     sync.Mutex
	regs   map[uint32][]byte
	status uint32
	core   coreset.Core
}

// NewSlot creates a slot pre-populated with ready+valid status, as a
// freshly configured core would present after boot, behind the
// coreset.Core behavior registered for name.
func NewSlot(name string, version uint32) *Slot {
	return &Slot{
		Name:    bus.NewName(name),
		Version: version,
		regs:    make(map[uint32][]byte),
		status:  StatusReady | StatusValid,
		core:    coreset.ForName(name),
	}
}

// Bus is the simulated FPGA bus: a fixed map from base address to Slot.
type Bus struct {
	mu    sync.Mutex
	slots map[uint32]*Slot
}

// New creates an empty simulated bus. Use Register to populate it
// before Discover is called against it.
func New() *Bus {
	return &Bus{slots: make(map[uint32]*Slot)}
}

// Register places slot at base. Bases should be multiples of
// bus.ScanStep to match the discovery scan's stride.
func (b *Bus) Register(base uint32, slot *Slot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[base] = slot
}

func (b *Bus) slotAt(base uint32) (*Slot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.slots[base]
	return s, ok
}

// Read implements bus.Bus.
func (b *Bus) Read(base uint32, offset uint32, buf []byte, n int) error {
	if err := bus.CheckCount("simbus.Read", n); err != nil {
		return err
	}
	s, ok := b.slotAt(base)
	if !ok {
		return herr.New(herr.IOUnexpected, "simbus.Read", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case offset == RegStatus:
		putWord(buf, s.status)
	default:
		data := s.regs[offset]
		copy(buf[:n], data)
	}
	return nil
}

// Write implements bus.Bus.
func (b *Bus) Write(base uint32, offset uint32, buf []byte, n int) error {
	if err := bus.CheckCount("simbus.Write", n); err != nil {
		return err
	}
	s, ok := b.slotAt(base)
	if !ok {
		return herr.New(herr.IOUnexpected, "simbus.Write", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch offset {
	case RegCtrl:
		s.status = s.core.Step(getWord(buf, n))
	default:
		cp := make([]byte, n)
		copy(cp, buf[:n])
		s.regs[offset] = cp
	}
	return nil
}

// Probe implements bus.Bus, used by bus.Discover.
func (b *Bus) Probe(base uint32) (bus.Name, uint32, bool, error) {
	s, ok := b.slotAt(base)
	if !ok {
		return bus.Name{}, 0, false, nil
	}
	if s.Name[0] == 0x00 || s.Name[0] == 0xFF {
		return bus.Name{}, 0, false, nil
	}
	return s.Name, s.Version, true, nil
}

func putWord(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

// getWord reads a big-endian word from buf, zero-padding if the
// caller wrote fewer than 4 bytes to CONTROL.
func getWord(buf []byte, n int) uint32 {
	var w [4]byte
	copy(w[:], buf[:n])
	return uint32(w[0])<<24 | uint32(w[1])<<16 | uint32(w[2])<<8 | uint32(w[3])
}
