// Package voldriver implements the volatile (RAM-slot) keystore
// backing store (spec §3 "Keystore block ... stored in a flash
// subsector (or RAM slot)"), grounded on
// original_source/sw/libhal/ks_volatile.c. Unlike the flash driver,
// blocks here have no erase cycle and no wear-leveling concern: a
// write simply replaces the slot's contents.
package voldriver

import (
	"sync"

	"github.com/cryptech/hsmcore/internal/herr"
)

// Driver is a mutex-guarded, size-bounded map of block number to block
// bytes (ks_volatile.c's static array of hal_ks_block_t, reimagined as
// a map since Go has no reason to preallocate the full address space
// up front).
type Driver struct {
	mu     sync.Mutex
	size   int
	blocks map[uint16][]byte
}

// New returns a Driver with room for size blocks, all initially
// reading back as an erased block.
func New(size int) *Driver {
	return &Driver{size: size, blocks: make(map[uint16][]byte, size)}
}

// Size reports the configured block count.
func (d *Driver) Size() int { return d.size }

// Read returns blockno's current contents, or an all-0xFF buffer if
// the slot has never been written (i.e. reads as erased).
func (d *Driver) Read(blockno uint16) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(blockno) >= d.size {
		return nil, herr.New(herr.BadArguments, "voldriver.Read", nil)
	}
	if buf, ok := d.blocks[blockno]; ok {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	}
	return erasedBlock(), nil
}

// Write replaces blockno's contents.
func (d *Driver) Write(blockno uint16, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(blockno) >= d.size {
		return herr.New(herr.BadArguments, "voldriver.Write", nil)
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.blocks[blockno] = cp
	return nil
}

// Erase resets blockno to the erased state, matching the flash
// driver's analogous operation so the recovery scan can treat both
// drivers uniformly.
func (d *Driver) Erase(blockno uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(blockno) >= d.size {
		return herr.New(herr.BadArguments, "voldriver.Erase", nil)
	}
	delete(d.blocks, blockno)
	return nil
}

const blockSize = 8192

func erasedBlock() []byte {
	buf := make([]byte, blockSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	return buf
}
