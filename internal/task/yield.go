// Package task marks the cooperative-scheduling suspension points the
// original firmware relied on (spec §4.7, §5), re-expressed over real
// goroutines rather than a literal task scheduler.
//
// The source device runs single-threaded cooperative multitasking: a
// task keeps the CPU until it calls task_yield(). hsmcore runs on the
// Go scheduler instead (Design Note "Threading vs. cooperative tasks"
// explicitly permits this), so Yield is a no-op from a correctness
// standpoint — mutexes and semaphores, not cooperative scheduling,
// enforce hsmcore's invariants. It still exists and is still called at
// every point spec §5 names as a suspension point ("io_wait", the
// core-alloc retry loop, between HSS keygen leaves, the dispatcher
// loop, the bad-PIN delay) so a reader auditing those call sites finds
// exactly the ones the spec documents.
package task

import "runtime"

// Yield hints to the Go scheduler that this goroutine has nothing
// urgent to do right now. Safe to call at high frequency (e.g. inside
// a busy-poll loop); it does not block.
func Yield() {
	runtime.Gosched()
}
