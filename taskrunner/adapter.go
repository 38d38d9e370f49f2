// Package taskrunner layers a secondary FIFO task queue on top of a
// *pool.Pool, multiplexing many small cooperative tasks onto the pool's
// shared worker goroutines through a consolidating "drain closure", and
// allowing a task to run inline on a goroutine that is already draining
// the adapter's queue rather than round-tripping through a re-enqueue.
//
// This mirrors the Chromium task-scheduler lineage visible elsewhere in
// this corpus (a SequencedTaskRunner posting onto a shared thread pool)
// but is scoped to exactly what the pool spec asks for: one FIFO queue,
// inline re-entrancy, and nothing about priorities or sequences.
package taskrunner

import (
	"context"
	"sync"

	"github.com/UTC-Six/threadpool/pool"
	"github.com/UTC-Six/threadpool/poolerrors"
)

// Task is a unit of cooperative work. It accepts a context the way every
// blocking or long-running callable in this module's lineage does (the
// teacher's own Task.TaskFunc takes ctx first); the adapter uses that
// context to carry the "is this goroutine currently inside my drain
// closure" marker a raw parameterless callable would have no way to
// expose.
type Task func(ctx context.Context)

type adapterMarkerKey struct{}

// Handle identifies a previously enqueued Task so TryDequeue and
// TryExecuteInline can address it without requiring Task values to be
// comparable (arbitrary closures are not).
type Handle struct {
	task Task
}

// Adapter is a FIFO task queue layered over a pool.Pool. The zero value
// is not valid; construct with New.
type Adapter struct {
	submit func(func()) (bool, error)

	mu              sync.Mutex
	tasks           []*Handle
	parallelWorkers int
	waitingWork     int
	maxConcurrency  int
}

// New constructs an Adapter that hands its drain closures to submit
// (typically a pool's Submit method). maxConcurrency bounds how many drain
// closures may be active in the pool at once on this adapter's behalf;
// pass p.MaxThreads() to match the spec's default.
func New(submit func(func()) (bool, error), maxConcurrency int) *Adapter {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Adapter{submit: submit, maxConcurrency: maxConcurrency}
}

// NewFromPool constructs an Adapter over p, using p.MaxThreads() as the
// concurrency ceiling, matching the spec's "new TaskSchedulerAdapter(pool)"
// boundary.
func NewFromPool(p *pool.Pool) *Adapter {
	return New(p.Submit, p.MaxThreads())
}

// MaxConcurrency returns the configured ceiling on concurrently active
// drain closures.
func (a *Adapter) MaxConcurrency() int { return a.maxConcurrency }

// Enqueue appends task to the FIFO queue. If fewer than MaxConcurrency
// drain closures are currently active, a new one is submitted to the
// underlying pool to help drain the queue.
func (a *Adapter) Enqueue(ctx context.Context, task Task) *Handle {
	h := &Handle{task: task}

	a.mu.Lock()
	a.tasks = append(a.tasks, h)
	a.waitingWork++
	launch := a.parallelWorkers < a.maxConcurrency
	if launch {
		a.parallelWorkers++
	}
	a.mu.Unlock()

	if launch {
		// submit's own failure (pool closed) just means this drain
		// closure never runs; parallelWorkers must be rolled back so a
		// later Enqueue on a still-open pool can try again.
		if ok, _ := a.submit(func() { a.drain(ctx) }); !ok {
			a.mu.Lock()
			a.parallelWorkers--
			a.mu.Unlock()
		}
	}
	return h
}

// drain repeatedly pops the front of the queue until it is empty, marking
// the current goroutine as belonging to this adapter for the duration so
// TryExecuteInline can recognize re-entrant calls.
func (a *Adapter) drain(parentCtx context.Context) {
	ctx := context.WithValue(parentCtx, adapterMarkerKey{}, a)
	for {
		a.mu.Lock()
		if len(a.tasks) == 0 {
			a.parallelWorkers--
			a.mu.Unlock()
			return
		}
		h := a.tasks[0]
		a.tasks[0] = nil
		a.tasks = a.tasks[1:]
		a.waitingWork--
		a.mu.Unlock()

		runCatchingPanic(ctx, h.task)
	}
}

// runCatchingPanic invokes task, recovering any panic. The task-runtime
// layer above this adapter is expected to capture its own errors; a task
// must never be allowed to kill the goroutine draining the queue.
func runCatchingPanic(ctx context.Context, task Task) {
	defer func() { _ = recover() }()
	task(ctx)
}

// TryExecuteInline runs task on the calling goroutine instead of posting
// it through the queue, but only when that goroutine is already inside
// one of this adapter's drain closures — running arbitrary tasks inline
// on a goroutine not owned by the adapter would violate the single-owner
// assumption the drain loop depends on. If wasQueued is true, task must
// currently be queued (via its Handle) or this call returns false without
// running it, avoiding a double execution.
func (a *Adapter) TryExecuteInline(ctx context.Context, h *Handle, wasQueued bool) bool {
	if !a.isOwnDrainGoroutine(ctx) {
		return false
	}
	if wasQueued {
		if !a.remove(h) {
			return false
		}
	}
	runCatchingPanic(ctx, h.task)
	return true
}

func (a *Adapter) isOwnDrainGoroutine(ctx context.Context) bool {
	owner, _ := ctx.Value(adapterMarkerKey{}).(*Adapter)
	return owner == a
}

// TryDequeue removes h from the queue if it is still present, reporting
// whether it found it.
func (a *Adapter) TryDequeue(h *Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removeLocked(h)
}

func (a *Adapter) remove(h *Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removeLocked(h)
}

func (a *Adapter) removeLocked(h *Handle) bool {
	for i, cur := range a.tasks {
		if cur == h {
			a.tasks = append(a.tasks[:i], a.tasks[i+1:]...)
			a.waitingWork--
			return true
		}
	}
	return false
}

// ScheduledTasks is a best-effort snapshot of the currently queued
// handles. It takes the queue lock with TryLock rather than Lock: under
// contention it returns poolerrors.ErrUnsupported instead of blocking,
// since a caller enumerating tasks has no business waiting behind a
// drain closure that might itself be waiting on this call's result.
func (a *Adapter) ScheduledTasks() ([]*Handle, error) {
	if !a.mu.TryLock() {
		return nil, poolerrors.ErrUnsupported
	}
	defer a.mu.Unlock()
	out := make([]*Handle, len(a.tasks))
	copy(out, a.tasks)
	return out, nil
}
