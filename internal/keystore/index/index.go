// Package index implements the keystore's block index (spec §3
// "Keystore index", invariants I1-I4), grounded directly on
// original_source/sw/libhal/ks_index.c. index[] is a flat []uint16 of
// block numbers split into a sorted live prefix of length Used and a
// free-list suffix; names[] maps block number to owning UUID. Replace
// is kept as a single operation (mirroring hal_ks_index_replace)
// because it is the building block for the tombstone update algorithm
// in keystore's Store.UpdateKey (via replaceBlock), which must not observe an intermediate
// delete-then-add state.
package index

import (
	"github.com/google/uuid"

	"github.com/cryptech/hsmcore/internal/herr"
)

// Index is the keystore block index for a store of Size blocks.
// Blocks[0:Used] is the live prefix, sorted ascending by
// Names[Blocks[i]]; Blocks[Used:Size] is the free list in arbitrary
// order.
type Index struct {
	Blocks []uint16
	Names  []uuid.UUID
	Used   int
	Size   int
}

// New builds an Index over size blocks, all initially free, with block
// numbers 0..size-1 on the free list in order.
func New(size int) *Index {
	idx := &Index{
		Blocks: make([]uint16, size),
		Names:  make([]uuid.UUID, size),
		Size:   size,
	}
	for i := range idx.Blocks {
		idx.Blocks[i] = uint16(i)
	}
	return idx
}

// Fsck checks invariant I1: the live prefix is strictly ascending by
// UUID. Every exported operation runs this both before and after
// mutating, matching ks_index.c's fsck(ks) bracketing.
func (idx *Index) Fsck() error {
	if idx.Size == 0 || idx.Used > idx.Size {
		return herr.New(herr.BadArguments, "index.Fsck", nil)
	}
	for i := 1; i < idx.Used; i++ {
		a := idx.Names[idx.Blocks[i-1]]
		b := idx.Names[idx.Blocks[i]]
		if cmpUUID(a, b) >= 0 {
			return herr.New(herr.KSIndexUUIDMisordered, "index.Fsck", nil)
		}
	}
	return nil
}

// find performs the binary search ks_find uses, returning (where,
// found): if found, Blocks[where] is the matching entry; if not,
// where is the live prefix insertion point.
func (idx *Index) find(name uuid.UUID) (where int, found bool) {
	lo, hi := -1, idx.Used
	for {
		m := (lo + hi) / 2
		if hi == 0 || m == lo {
			return hi, false
		}
		cmp := cmpUUID(name, idx.Names[idx.Blocks[m]])
		switch {
		case cmp < 0:
			hi = m
		case cmp > 0:
			lo = m
		default:
			return m, true
		}
	}
}

// Find returns the block number owning name (spec §8 seed scenario 3).
func (idx *Index) Find(name uuid.UUID) (blockno uint16, err error) {
	if err := idx.Fsck(); err != nil {
		return 0, err
	}
	where, ok := idx.find(name)
	if !ok {
		return 0, herr.New(herr.KeyNotFound, "index.Find", nil)
	}
	return idx.Blocks[where], nil
}

// Add inserts name, claiming the first free-list block and sliding the
// live prefix up by one slot to keep it sorted (ks_index_add).
func (idx *Index) Add(name uuid.UUID) (blockno uint16, err error) {
	if idx.Used == idx.Size {
		return 0, herr.New(herr.NoKeyIndexSlots, "index.Add", nil)
	}
	if err := idx.Fsck(); err != nil {
		return 0, err
	}
	where, ok := idx.find(name)
	if ok {
		return 0, herr.New(herr.KeyNameInUse, "index.Add", nil)
	}

	b := idx.Blocks[idx.Used]
	copy(idx.Blocks[where+1:idx.Used+1], idx.Blocks[where:idx.Used])
	idx.Used++
	idx.Blocks[where] = b
	idx.Names[b] = name

	if err := idx.Fsck(); err != nil {
		return 0, err
	}
	return b, nil
}

// Delete removes name from the live prefix, moving its block number to
// the end of the free list (ks_index_delete).
func (idx *Index) Delete(name uuid.UUID) (blockno uint16, err error) {
	if err := idx.Fsck(); err != nil {
		return 0, err
	}
	where, ok := idx.find(name)
	if idx.Used == 0 || !ok {
		return 0, herr.New(herr.KeyNotFound, "index.Delete", nil)
	}

	b := idx.Blocks[where]
	copy(idx.Blocks[where:idx.Size-1], idx.Blocks[where+1:idx.Size])
	idx.Blocks[idx.Size-1] = b
	idx.Used--
	idx.Names[b] = uuid.UUID{}

	if err := idx.Fsck(); err != nil {
		return 0, err
	}
	return b, nil
}

// Replace swaps the block currently holding name for a fresh block
// from the free list, retiring the old one to the end of the free
// list, without the name ever leaving the live prefix — the atomic
// building block the tombstone update algorithm needs (ks_index_replace).
func (idx *Index) Replace(name uuid.UUID) (newBlockno uint16, err error) {
	if idx.Used == idx.Size {
		return 0, herr.New(herr.NoKeyIndexSlots, "index.Replace", nil)
	}
	if err := idx.Fsck(); err != nil {
		return 0, err
	}
	where, ok := idx.find(name)
	if idx.Used == 0 || !ok {
		return 0, herr.New(herr.KeyNotFound, "index.Replace", nil)
	}

	b1 := idx.Blocks[where]
	b2 := idx.Blocks[idx.Used]
	copy(idx.Blocks[idx.Used:idx.Size-1], idx.Blocks[idx.Used+1:idx.Size])
	idx.Blocks[idx.Size-1] = b1
	idx.Blocks[where] = b2
	idx.Names[b2] = name
	idx.Names[b1] = uuid.UUID{}

	if err := idx.Fsck(); err != nil {
		return 0, err
	}
	return b2, nil
}

// AdoptFree inserts name at blockno, where blockno already holds valid
// live content but currently sits somewhere in the free-list suffix
// rather than at its head. Used by the boot-time tombstone recovery
// scan, which must bring a specific block into the live prefix rather
// than accept whichever block Add would hand out.
func (idx *Index) AdoptFree(name uuid.UUID, blockno uint16) error {
	if idx.Used == idx.Size {
		return herr.New(herr.NoKeyIndexSlots, "index.AdoptFree", nil)
	}
	if err := idx.Fsck(); err != nil {
		return err
	}
	where, ok := idx.find(name)
	if ok {
		return herr.New(herr.KeyNameInUse, "index.AdoptFree", nil)
	}

	pos := -1
	for i := idx.Used; i < idx.Size; i++ {
		if idx.Blocks[i] == blockno {
			pos = i
			break
		}
	}
	if pos < 0 {
		return herr.New(herr.Impossible, "index.AdoptFree", nil)
	}
	idx.Blocks[pos], idx.Blocks[idx.Used] = idx.Blocks[idx.Used], idx.Blocks[pos]

	copy(idx.Blocks[where+1:idx.Used+1], idx.Blocks[where:idx.Used])
	idx.Used++
	idx.Blocks[where] = blockno
	idx.Names[blockno] = name

	return idx.Fsck()
}

// cmpUUID orders UUIDs byte-wise, matching hal_uuid_cmp's memcmp.
func cmpUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
