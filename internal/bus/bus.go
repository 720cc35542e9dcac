// Package bus implements word-oriented I/O against the FPGA crypto
// cores and the core-discovery scan (spec §4.1).
//
// The real firmware talks to a memory-mapped bus at (core_base +
// offset); this package keeps that addressing model but routes it
// through a Bus interface so production code runs against simbus (an
// in-process simulation of the cores named in spec §3/§4) while tests
// can substitute a bus that returns canned register values or induces
// timeouts. The FPGA's actual register-level bit layouts are out of
// scope (spec §1): Bus only knows about byte offsets and status masks.
package bus

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/task"
)

// DefaultTimeoutIterations is the default poll budget for Wait when
// the caller seeds *count with -1 (spec §4.1: "seeded with the
// default timeout (≈10^8 iterations)"). hsmcore counts poll attempts,
// not raw CPU iterations, since the two are not comparable once the
// busy-loop runs on a scheduled goroutine instead of bare metal.
const DefaultTimeoutIterations = 100_000_000

// pollBackoff is the sleep between unsuccessful status polls. The
// original firmware spins with task_yield() between polls on bare
// metal; under a preemptive OS scheduler a zero-length sleep would
// burn a core spinning, so hsmcore yields and then backs off briefly.
const pollBackoff = 10 * time.Microsecond

// NameLen is the width of a core's bus name field: 8 bytes,
// space-padded, not NUL-terminated (spec §3 "Core descriptor").
const NameLen = 8

// Name is a fixed-width, space-padded core name as it appears on the
// bus, e.g. "aes     " or "sha2-256".
type Name [NameLen]byte

// NewName pads s with spaces (or truncates) to NameLen bytes.
func NewName(s string) Name {
	var n Name
	for i := range n {
		n[i] = ' '
	}
	copy(n[:], s)
	return n
}

func (n Name) String() string {
	return string(trimTrailingSpaces(n[:]))
}

func trimTrailingSpaces(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == ' ' {
		i--
	}
	return b[:i]
}

// Bus is the word-oriented I/O contract every core driver is built on.
// n must be a multiple of 4 for Read/Write (spec §4.1: "n must be a
// multiple of 4... Fails with bad-count if length not a multiple of 4").
type Bus interface {
	// Read copies n bytes starting at (base+offset) into buf[:n].
	Read(base uint32, offset uint32, buf []byte, n int) error

	// Write copies n bytes from buf[:n] to (base+offset).
	Write(base uint32, offset uint32, buf []byte, n int) error

	// Probe reads the NAME (8 bytes) and VERSION (4 bytes) registers
	// at base, for use by the discovery scan. It returns ok=false for
	// an empty bus slot (first name byte 0x00 or 0xFF) without error.
	Probe(base uint32) (name Name, version uint32, ok bool, err error)
}

// ReadWord reads one big-endian 32-bit register. The wire format is
// always big-endian regardless of host byte order (spec §4.1: "Words
// are read/written in big-endian on the wire; byte-swap on little-
// endian hosts") — encoding/binary.BigEndian makes that swap explicit
// and host-order-independent, rather than relying on build-tag magic.
func ReadWord(b Bus, base, offset uint32) (uint32, error) {
	var buf [4]byte
	if err := b.Read(base, offset, buf[:], 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteWord writes one big-endian 32-bit register.
func WriteWord(b Bus, base, offset uint32, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return b.Write(base, offset, buf[:], 4)
}

// CheckCount validates the spec's "n must be a multiple of 4"
// constraint, returning *herr.Error(IOBadCount) on violation.
func CheckCount(op string, n int) error {
	if n%4 != 0 {
		return herr.New(herr.IOBadCount, op, fmt.Errorf("length %d not a multiple of 4", n))
	}
	return nil
}

// Wait polls the STATUS register at (base+statusOffset) until
// STATUS&mask != 0, yielding cooperatively between polls (spec §4.1
// "io_wait"). If *count == -1 on entry it is seeded with
// DefaultTimeoutIterations; each failed poll decrements it. Wait
// returns herr.IOTimeout if it reaches zero, and otherwise writes back
// the number of polls actually consumed.
func Wait(b Bus, base, statusOffset uint32, mask uint32, count *int64) error {
	if *count == -1 {
		*count = DefaultTimeoutIterations
	}
	spent := int64(0)
	for {
		status, err := ReadWord(b, base, statusOffset)
		if err != nil {
			return err
		}
		spent++
		if status&mask != 0 {
			*count = spent
			return nil
		}
		*count--
		if *count <= 0 {
			return herr.New(herr.IOTimeout, "bus.Wait", nil)
		}
		task.Yield()
		time.Sleep(pollBackoff)
	}
}

// Wait2 waits until both cores (either may be nil, matching spec
// §4.1's "either may be null") report the requested status. core1 and
// core2 may share the same bus or different buses.
func Wait2(b1 Bus, base1 uint32, b2 Bus, base2 uint32, statusOffset uint32, mask uint32, count *int64) error {
	if *count == -1 {
		*count = DefaultTimeoutIterations
	}
	for {
		ok1 := b1 == nil
		ok2 := b2 == nil
		if !ok1 {
			status, err := ReadWord(b1, base1, statusOffset)
			if err != nil {
				return err
			}
			ok1 = status&mask != 0
		}
		if !ok2 {
			status, err := ReadWord(b2, base2, statusOffset)
			if err != nil {
				return err
			}
			ok2 = status&mask != 0
		}
		if ok1 && ok2 {
			return nil
		}
		*count--
		if *count <= 0 {
			return herr.New(herr.IOTimeout, "bus.Wait2", nil)
		}
		task.Yield()
		time.Sleep(pollBackoff)
	}
}

// ScanStart and ScanEnd bound the discovery address space (spec §4.1:
// "scan bus addresses 0x0000..0xFFFF stepping by 0x100").
const (
	ScanStart = 0x0000
	ScanStep  = 0x0100
	ScanEnd   = 0xFFFF
)

// ExtraSlots declares, per discovered core name, how many additional
// 0x100-sized slots that core occupies beyond its own (spec §4.1: "A
// small table of known cores declares extra slot gaps to skip past
// multi-slot cores"). The CSPRNG leaves 11 empty slots after it;
// modexps6 uses 4 total slots (3 extra); modexpa7 uses 8 total slots
// (7 extra).
var ExtraSlots = map[string]int{
	"csprng":   11,
	"trng":     11,
	"modexps6": 3,
	"modexpa7": 7,
}

// Descriptor is the immutable record discovered at boot for a single
// core (spec §3 "Core descriptor"). Descriptor tables are built once
// by Discover and never freed; mutable allocation bookkeeping (busy,
// LRU tick) lives in the arbiter package, not here, per the module
// split in spec §4.1 vs the arbiter's ownership of that state.
type Descriptor struct {
	Name    Name
	Version uint32
	Base    uint32
}

// Discover scans the bus per spec §4.1 and returns every core found,
// in ascending base-address order. A failure reading any slot clears
// the whole table and returns herr.CoreNotFound, matching the spec's
// all-or-nothing discovery contract.
func Discover(b Bus) ([]Descriptor, error) {
	var found []Descriptor
	for base := uint32(ScanStart); base <= ScanEnd; base += ScanStep {
		name, version, ok, err := b.Probe(base)
		if err != nil {
			return nil, herr.New(herr.CoreNotFound, "bus.Discover", err)
		}
		if !ok {
			continue
		}
		found = append(found, Descriptor{Name: name, Version: version, Base: base})
		if extra, known := ExtraSlots[name.String()]; known {
			base += uint32(extra) * ScanStep
		}
	}
	return found, nil
}
