// Package syncx holds a low-level, optional fast-path wakeup primitive
// preserved from an earlier queue design. Nothing in the pool uses it
// (pool.workChannel is a sync.Mutex/sync.Cond FIFO and never calls into
// this package), but the packed-state CAS machinery is kept and exercised because
// it captures non-trivial systems design worth having around: a
// spinner/waiter bifurcation, cacheline padding, and a lock-free state
// machine driven entirely by compare-and-swap.
package syncx

import (
	"runtime"
	"sync/atomic"
	"time"
)

// cacheLinePad is sized to push neighbouring fields onto separate cache
// lines on common 64-byte-line architectures; the exact size doesn't need
// to be portable-precise, only large enough that the padded struct spans a
// line boundary. Grounded on the same padding idiom used for lock-free
// stack nodes elsewhere in this corpus.
const cacheLineSize = 64

type cacheLinePad [cacheLineSize]byte

// UnfairSemaphore is a semaphore that biases towards threads that have
// most recently begun waiting: a spinner that is still burning CPU in
// user space is cheaper to wake than a waiter parked on the kernel
// primitive, so Release always pays spinners first. All non-kernel state
// is packed into a single atomic word and mutated only by CAS.
//
// Packed layout (low bits to high bits): spinners:16, countForSpinners:16,
// waiters:16, countForWaiters:16. Every field lives in [0, 0x7FFF] and
// countForSpinners+countForWaiters never exceeds 0x7FFF — both invariants
// are asserted after every successful CAS when built with the semdebug
// build tag (see semaphore_debug.go).
type UnfairSemaphore struct {
	_ cacheLinePad

	state atomic.Uint64

	// kernelSem stands in for the OS semaphore a native implementation
	// would block on. Go has no portable named kernel semaphore exposed
	// to library code, so a capacity-bounded channel is the idiomatic
	// substitute: Release posts one token per waiter it kernel-releases,
	// and a blocked Acquire receives from it.
	kernelSem chan struct{}

	_ cacheLinePad
}

const maxCount = 0x7FFF

// NewUnfairSemaphore returns a semaphore with no permits and no waiters.
func NewUnfairSemaphore() *UnfairSemaphore {
	return &UnfairSemaphore{kernelSem: make(chan struct{}, maxCount)}
}

func pack(spinners, countForSpinners, waiters, countForWaiters uint64) uint64 {
	return spinners | countForSpinners<<16 | waiters<<32 | countForWaiters<<48
}

func unpack(s uint64) (spinners, countForSpinners, waiters, countForWaiters uint64) {
	const mask = 0xFFFF
	return s & mask, (s >> 16) & mask, (s >> 32) & mask, (s >> 48) & mask
}

// Acquire blocks until a permit is available or timeout elapses (a
// non-positive timeout blocks indefinitely). It returns true if a permit
// was obtained.
func (s *UnfairSemaphore) Acquire(timeout time.Duration) bool {
	// Step 1: try the immediate fast path, else register as a spinner.
	for {
		cur := s.state.Load()
		spinners, csp, waiters, cwait := unpack(cur)
		if csp > 0 {
			next := pack(spinners, csp-1, waiters, cwait)
			if s.state.CompareAndSwap(cur, next) {
				assertInvariants(next)
				return true
			}
			continue
		}
		next := pack(spinners+1, csp, waiters, cwait)
		if s.state.CompareAndSwap(cur, next) {
			assertInvariants(next)
			break
		}
	}

	// Step 2: spin loop. Each spinner gets a budget inversely proportional
	// to how many spinners are currently contending, so a crowded spin
	// phase degrades to blocking quickly rather than burning CPU for N
	// threads at once.
	cpus := runtime.NumCPU()
	spins := 0
	for {
		cur := s.state.Load()
		spinners, csp, waiters, cwait := unpack(cur)
		if csp > 0 {
			next := pack(spinners-1, csp-1, waiters, cwait)
			if s.state.CompareAndSwap(cur, next) {
				assertInvariants(next)
				return true
			}
			continue
		}

		budget := spinBudget(spinners, uint64(cpus))
		spins++
		if spins >= budget {
			next := pack(spinners-1, csp, waiters+1, cwait)
			if s.state.CompareAndSwap(cur, next) {
				assertInvariants(next)
				break
			}
			continue
		}
		// A zero-duration time.Sleep returns immediately without yielding
		// at all, and runtime.Gosched is only a pure yield. A minimal
		// nonzero sleep forces the runtime to actually park and
		// reschedule the spinner.
		time.Sleep(time.Nanosecond)
	}

	// Step 3: block on the kernel primitive.
	if timeout <= 0 {
		<-s.kernelSem
		s.onWake(true)
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.kernelSem:
		s.onWake(true)
		return true
	case <-timer.C:
		s.onWake(false)
		return false
	}
}

func spinBudget(spinners, cpus uint64) int {
	if cpus <= 0 {
		cpus = 1
	}
	if spinners == 0 {
		spinners = 1
	}
	ratio := float64(spinners) / float64(cpus)
	if ratio <= 0 {
		return 50
	}
	budget := int(50/ratio + 0.5)
	if budget < 1 {
		budget = 1
	}
	return budget
}

// onWake decrements waiters (and, on a successful wait, countForWaiters)
// after the blocking step resolves.
func (s *UnfairSemaphore) onWake(acquired bool) {
	for {
		cur := s.state.Load()
		spinners, csp, waiters, cwait := unpack(cur)
		if waiters > 0 {
			waiters--
		}
		if acquired && cwait > 0 {
			cwait--
		}
		next := pack(spinners, csp, waiters, cwait)
		if s.state.CompareAndSwap(cur, next) {
			assertInvariants(next)
			return
		}
	}
}

// Release makes n permits available, preferring unreserved spinners first
// (no kernel transition needed), then unreserved waiters (requires a
// kernel release), and banking any leftover as future spinner credit.
func (s *UnfairSemaphore) Release(n int) {
	if n <= 0 {
		return
	}
	remaining := uint64(n)
	var releasedToWaiters uint64
	for {
		cur := s.state.Load()
		spinners, csp, waiters, cwait := unpack(cur)

		toSpinners := min64(remaining, subClamp(spinners, csp))
		afterSpinners := remaining - toSpinners

		toWaiters := min64(afterSpinners, subClamp(waiters, cwait))
		leftover := afterSpinners - toWaiters

		nextCsp := csp + toSpinners + leftover
		nextCwait := cwait + toWaiters

		next := pack(spinners, nextCsp, waiters, nextCwait)
		if s.state.CompareAndSwap(cur, next) {
			assertInvariants(next)
			releasedToWaiters = toWaiters
			break
		}
	}
	for i := uint64(0); i < releasedToWaiters; i++ {
		s.kernelSem <- struct{}{}
	}
}

func subClamp(total, reserved uint64) uint64 {
	if reserved >= total {
		return 0
	}
	return total - reserved
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
