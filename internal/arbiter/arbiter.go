// Package arbiter implements allocation of scarce FPGA crypto cores to
// concurrent callers under a name-based LRU policy with cooperative
// yielding on contention (spec §4.1 "Allocation contract", §4.2 Core
// handle, §5 "Core arbiter table").
//
// The original firmware guards its busy/LRU bookkeeping with a single
// critical section (interrupts disabled) and blocks by spinning with
// task_yield(). hsmcore keeps the same *shape* — one mutex serializes
// the "pick a free core" decision, busy-ness itself is a per-core
// golang.org/x/sync/semaphore.Weighted(1) so Free can never race a
// concurrent Alloc into double-booking a core — while replacing the
// bare spin with a short sleep between yields so it doesn't pin a CPU.
package arbiter

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cryptech/hsmcore/internal/bus"
	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/task"
)

// retryBackoff bounds the busy-wait interval in the contention path
// (spec §4.1: "If all matches are busy, cooperatively yield and retry
// until one is free").
const retryBackoff = 200 * time.Microsecond

type entry struct {
	desc bus.Descriptor
	sem  *semaphore.Weighted

	mu      sync.Mutex
	lruTick uint64
}

// Arbiter owns the process-global table of discovered core descriptors
// (spec §3: "Ownership: process-global singleton table populated once
// by scanning the bus. Never freed.") and the LRU/busy bookkeeping for
// allocation.
type Arbiter struct {
	mu      sync.Mutex // serializes the "pick a free core" critical section
	entries []*entry
	lruNext uint64
}

// New builds an Arbiter from a discovered core table (see bus.Discover).
func New(descs []bus.Descriptor) *Arbiter {
	a := &Arbiter{}
	for _, d := range descs {
		a.entries = append(a.entries, &entry{desc: d, sem: semaphore.NewWeighted(1)})
	}
	return a
}

// Handle is a reference to a core descriptor plus a generation token
// (spec §3 "Core handle"). The zero Handle represents "no core held
// yet", matching the C API's `core_t *core = NULL` convention.
type Handle struct {
	e   *entry
	Tag uint64
}

// Descriptor returns the immutable descriptor behind a held handle.
func (h *Handle) Descriptor() bus.Descriptor {
	if h == nil || h.e == nil {
		return bus.Descriptor{}
	}
	return h.e.desc
}

func (a *Arbiter) candidates(name string) []*entry {
	var out []*entry
	for _, e := range a.entries {
		if e.desc.Name.String() == name {
			out = append(out, e)
		}
	}
	return out
}

// tryAllocFresh attempts one pass over name's candidates, returning the
// free one with the oldest (smallest) LRU tick, or nil if all are busy.
// Must be called with a.mu held.
func (a *Arbiter) tryAllocFresh(cands []*entry) *entry {
	sort.Slice(cands, func(i, j int) bool {
		cands[i].mu.Lock()
		ti := cands[i].lruTick
		cands[i].mu.Unlock()
		cands[j].mu.Lock()
		tj := cands[j].lruTick
		cands[j].mu.Unlock()
		return ti < tj
	})
	for _, e := range cands {
		if e.sem.TryAcquire(1) {
			return e
		}
	}
	return nil
}

func (a *Arbiter) bump(e *entry) uint64 {
	a.lruNext++
	tick := a.lruNext
	e.mu.Lock()
	e.lruTick = tick
	e.mu.Unlock()
	return tick
}

// Alloc implements core_alloc (spec §4.1): if h is nil, finds all cores
// matching name and allocates the least-recently-used free one,
// retrying with cooperative yields until one is free. If h is non-nil,
// it instead reasserts exclusive access to the core h already
// references, failing with herr.CoreReassigned if h's tag no longer
// matches that core's current LRU value.
func (a *Arbiter) Alloc(ctx context.Context, name string, h *Handle) (*Handle, error) {
	if h != nil && h.e != nil {
		return a.reassert(name, h)
	}
	for {
		a.mu.Lock()
		cands := a.candidates(name)
		if len(cands) == 0 {
			a.mu.Unlock()
			return nil, herr.New(herr.CoreNotFound, "arbiter.Alloc", nil)
		}
		e := a.tryAllocFresh(cands)
		if e != nil {
			tag := a.bump(e)
			a.mu.Unlock()
			return &Handle{e: e, Tag: tag}, nil
		}
		a.mu.Unlock()

		task.Yield()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
}

func (a *Arbiter) reassert(name string, h *Handle) (*Handle, error) {
	e := h.e
	e.mu.Lock()
	tagOK := e.lruTick == h.Tag
	e.mu.Unlock()
	if !tagOK || e.desc.Name.String() != name {
		return nil, herr.New(herr.CoreReassigned, "arbiter.Alloc", nil)
	}
	if !e.sem.TryAcquire(1) {
		return nil, herr.New(herr.CoreReassigned, "arbiter.Alloc", nil)
	}
	a.mu.Lock()
	tag := a.bump(e)
	a.mu.Unlock()
	return &Handle{e: e, Tag: tag}, nil
}

// Alloc2 acquires two named cores atomically with backoff (spec §4.1
// "core_alloc2"): on failure to acquire the second core after
// acquiring the first, it releases the first, yields, and retries.
// The caller's pre-existing handle for core1 (h1, possibly already
// held) is preserved across retries, matching the spec's note that
// "Caller's pre-state for core1 is preserved on retry".
func (a *Arbiter) Alloc2(ctx context.Context, name1 string, h1 *Handle, name2 string, h2 *Handle) (*Handle, *Handle, error) {
	for {
		g1, err := a.Alloc(ctx, name1, h1)
		if err != nil {
			return nil, nil, err
		}
		if h1 != nil && h1.e != nil {
			// Reassertion bumped the tag; the next pass must reassert
			// with the fresh one.
			h1 = g1
		}
		g2, err := a.tryAllocOnce(name2, h2)
		if err == nil {
			return g1, g2, nil
		}
		a.Free(g1)
		task.Yield()
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
}

// tryAllocOnce is Alloc without the retry loop, for Alloc2's
// single-shot second acquisition.
func (a *Arbiter) tryAllocOnce(name string, h *Handle) (*Handle, error) {
	if h != nil && h.e != nil {
		return a.reassert(name, h)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cands := a.candidates(name)
	if len(cands) == 0 {
		return nil, herr.New(herr.CoreNotFound, "arbiter.Alloc2", nil)
	}
	e := a.tryAllocFresh(cands)
	if e == nil {
		return nil, herr.New(herr.CoreBusy, "arbiter.Alloc2", nil)
	}
	tag := a.bump(e)
	return &Handle{e: e, Tag: tag}, nil
}

// Free releases a held core (spec §4.1 "core_free"): mark not-busy,
// yield.
func (a *Arbiter) Free(h *Handle) {
	if h == nil || h.e == nil {
		return
	}
	h.e.sem.Release(1)
	task.Yield()
}
