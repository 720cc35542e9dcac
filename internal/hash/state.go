package hash

import (
	"context"
	gohash "hash"

	"github.com/cryptech/hsmcore/internal/arbiter"
	"github.com/cryptech/hsmcore/internal/herr"
)

// State is the opaque streaming digest handle (spec §3 "Hash state"):
// created by Initialize, mutated by Update, consumed by Finalize.
// Allocation comes from a bounded pool in the original firmware; Go's
// ordinary allocator serves that role here (Design Note: the arena
// constraint is about avoiding heap fragmentation on bare metal, not
// about the shape of the data — Go has no such constraint).
type State struct {
	desc Descriptor
	h    gohash.Hash
	arb  *arbiter.Arbiter

	// pinned holds the core handle for the lifetime of the stream,
	// used only for non-restorable algorithms (SHA-1) per spec §4.3.
	pinned *arbiter.Handle

	finalized bool
}

// Initialize creates a new streaming hash state (spec §4.3, "hash_initialize").
// arb may be nil, in which case no core allocation is simulated (useful
// for pure software-path unit tests); a non-nil arb must have the
// relevant core registered under the algorithm's CoreName.
func Initialize(arb *arbiter.Arbiter, alg Algorithm) (*State, error) {
	d, ok := DescriptorFor(alg)
	if !ok {
		return nil, herr.New(herr.BadArguments, "hash.Initialize", nil)
	}
	s := &State{desc: d, h: d.newHash(), arb: arb}
	if !d.CanRestore && arb != nil {
		h, err := arb.Alloc(context.Background(), d.CoreName, nil)
		if err != nil {
			return nil, herr.New(herr.CoreNotFound, "hash.Initialize", err)
		}
		s.pinned = h
	}
	return s, nil
}

// Update feeds message bytes into the stream (spec §4.3 "hash_update").
// For a restorable algorithm this simulates borrowing the shared core
// for the duration of the call and releasing it immediately after,
// matching "this lets one core be time-shared across many streams".
func (s *State) Update(data []byte) error {
	if s.finalized {
		return herr.New(herr.BadArguments, "hash.Update", nil)
	}
	if s.desc.CanRestore && s.arb != nil {
		h, err := s.arb.Alloc(context.Background(), s.desc.CoreName, nil)
		if err != nil {
			return herr.New(herr.CoreNotFound, "hash.Update", err)
		}
		defer s.arb.Free(h)
	}
	s.h.Write(data)
	return nil
}

// Finalize completes the digest (spec §4.3 "hash_finalize"), returning
// at most the algorithm's digest length. A State must not be reused
// after Finalize.
func (s *State) Finalize() ([]byte, error) {
	if s.finalized {
		return nil, herr.New(herr.BadArguments, "hash.Finalize", nil)
	}
	s.finalized = true
	if s.pinned != nil {
		s.arb.Free(s.pinned)
		s.pinned = nil
	}
	return s.h.Sum(nil), nil
}

// Descriptor returns the algorithm descriptor this state was created
// with (spec §6.2 "HASH_GET_ALGORITHM" retrieves this from a handle).
func (s *State) Descriptor() Descriptor { return s.desc }

// Sum is a one-shot convenience wrapper: initialize, update once,
// finalize. It never touches the arbiter, matching the RPC mixed
// client's need to compute a digest purely locally (spec §4.6 "Mixed").
func Sum(alg Algorithm, data []byte) ([]byte, error) {
	s, err := Initialize(nil, alg)
	if err != nil {
		return nil, err
	}
	if err := s.Update(data); err != nil {
		return nil, err
	}
	return s.Finalize()
}
