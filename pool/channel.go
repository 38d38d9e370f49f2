package pool

import (
	"sync"
)

// workChannel is an unbounded FIFO of callables with single-completion
// semantics: once Complete is called, TryWrite fails, and readers drain
// whatever remains before observing end-of-stream. This is the library-
// provided-MPMC-channel choice the pool's contract permits (a
// sync.Mutex/sync.Cond FIFO) rather than the UnfairSemaphore-backed
// alternative; syncx.UnfairSemaphore itself is preserved separately as an
// unused-but-exercised primitive (see syncx's package doc and its own
// tests) rather than pressed into service here.
type workChannel struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []func()
	completed bool
}

func newWorkChannel(allowSynchronousContinuations bool) *workChannel {
	c := &workChannel{}
	c.cond = sync.NewCond(&c.mu)
	// allowSynchronousContinuations is accepted for API-compatibility with
	// Settings and for future channel implementations to consult; this
	// sync.Cond-based FIFO always wakes a waiter on its own goroutine; it
	// has no producer-resumes-consumer-inline mode to toggle.
	_ = allowSynchronousContinuations
	return c
}

// TryWrite enqueues w unless the channel has already been completed.
func (c *workChannel) TryWrite(w func()) bool {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return false
	}
	c.items = append(c.items, w)
	c.mu.Unlock()

	c.cond.Signal()
	return true
}

// TryRead pops the oldest item without blocking. The second return value
// is false when the queue is currently empty (which says nothing about
// whether the channel has been completed).
func (c *workChannel) TryRead() (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return nil, false
	}
	w := c.items[0]
	c.items[0] = nil
	c.items = c.items[1:]
	return w, true
}

// WaitForRead blocks until an item is available (true) or completion has
// been signalled and the queue is empty (false).
func (c *workChannel) WaitForRead() bool {
	c.mu.Lock()
	for len(c.items) == 0 && !c.completed {
		c.cond.Wait()
	}
	ok := len(c.items) > 0
	c.mu.Unlock()
	return ok
}

// Complete is idempotent; once called, TryWrite fails for all future
// callers and every blocked WaitForRead is woken to re-check state.
func (c *workChannel) Complete() {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	c.completed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *workChannel) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
