// Package pool implements a dedicated worker-goroutine pool: a bounded
// group of long-lived goroutines consuming a shared work channel, with an
// adaptive controller that grows or retires workers in response to load.
package pool

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/UTC-Six/threadpool/internal/telemetry"
	"github.com/UTC-Six/threadpool/poolerrors"
)

// Resize-tick policy constants, exposed as tunables per the design note
// that the idleness heuristic's thresholds and tick period are policy,
// not law.
var (
	// RetireIdleAbove is the idleness level past which an over-idle
	// worker becomes eligible for retirement.
	RetireIdleAbove = 75
	// BusyBelow is the idleness level below which a worker counts as
	// "running" for the grow decision.
	BusyBelow = 10
	// TickEvery is how many successful submits elapse between resize
	// ticks.
	TickEvery = 50
)

// Pool owns a bounded set of worker goroutines plus the shared work
// channel they drain, and runs the adaptive resize controller on the
// submission path.
type Pool struct {
	settings Settings
	channel  *workChannel

	// slotsMu guards the workers slice header (append, replace) and the
	// numThreads/cleanCounter bookkeeping every time the resize tick runs.
	// Under the single-submitter contract this is uncontended
	// and exists purely so the race detector (and any caller who reads
	// workers concurrently, e.g. WaitForExit) sees no data race on the
	// slice itself; individual *worker fields are already atomics.
	slotsMu      sync.Mutex
	workers      []*worker
	numThreads   int
	cleanCounter int
	nextWorkerID int

	submitCount    atomic.Int64
	rejectedCount  atomic.Int64
	completedCount atomic.Int64
}

// New constructs a Pool from validated Settings and starts its initial
// workers.
func New(settings Settings) (*Pool, error) {
	if settings.NumThreads <= 0 {
		return nil, poolerrors.InvalidArgument("num_threads must be > 0, got %d", settings.NumThreads)
	}
	if settings.ExceptionHandler == nil {
		settings.ExceptionHandler = func(error) {}
	}
	if settings.Logger == nil {
		settings.Logger = zap.NewNop()
	}

	p := &Pool{
		settings: settings,
		channel:  newWorkChannel(settings.AllowSynchronousContinuations),
	}

	// Telemetry emission should never need more concurrency than the pool
	// itself has workers to generate it; this also keeps a pool configured
	// with a tiny MaxThreads from spinning up 64 telemetry goroutines.
	telemetry.SetMaxConcurrent(settings.MaxThreads)

	for i := 0; i < settings.NumThreads; i++ {
		p.workers = append(p.workers, p.spawnWorker(i))
	}
	p.numThreads = settings.NumThreads

	settings.Logger.Info("pool created",
		zap.String("name", settings.Name),
		zap.Int("num_threads", settings.NumThreads),
		zap.Int("min_threads", settings.MinThreads),
		zap.Int("max_threads", settings.MaxThreads),
		zap.String("thread_type", settings.ThreadType.String()),
	)
	return p, nil
}

func (p *Pool) spawnWorker(slot int) *worker {
	p.nextWorkerID++
	id := p.nextWorkerID
	name := p.settings.Name
	if name != "" {
		name = name + "_" + strconv.Itoa(id)
	}
	w := newWorker(id, name)
	go w.run(p.channel, p.onFault)
	return w
}

// onFault hands a recovered user-work fault to Settings.ExceptionHandler.
// A panic from the handler itself is swallowed, per spec: the exception
// handler's own exceptions must never propagate. When
// Settings.RetryExceptionHandler is set, a panicking handler gets one
// retry through a short fixed backoff before its panic is swallowed,
// using backoff/v5 the same way the rest of this dependency surface
// leans on it for narrowly-scoped, non-looping retries.
func (p *Pool) onFault(workerName string, recovered any) {
	fault := wrapUserFault(workerName, recovered)
	handler := p.settings.ExceptionHandler

	if !p.settings.RetryExceptionHandler {
		invokeHandlerSwallowingPanic(handler, fault)
		return
	}

	operation := func() (struct{}, error) {
		if !invokeHandlerCatching(handler, fault) {
			return struct{}{}, errHandlerPanicked
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(10*time.Millisecond)),
		backoff.WithMaxTries(2),
	)
	if err != nil && errors.Is(err, errHandlerPanicked) {
		// The retry also panicked; there is nothing left to do but
		// swallow it, same as the non-retrying path above.
	}
}

var errHandlerPanicked = errors.New("pool: exception handler panicked")

func invokeHandlerSwallowingPanic(handler func(error), fault error) {
	defer func() { _ = recover() }()
	handler(fault)
}

// invokeHandlerCatching returns false if handler panicked.
func invokeHandlerCatching(handler func(error), fault error) (ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	handler(fault)
	return
}

// Submit enqueues w for execution by a worker. It returns false (with a
// nil error) once the pool has been closed; a nil w is rejected with
// poolerrors.ErrInvalidArgument before the channel is ever touched.
func (p *Pool) Submit(w func()) (bool, error) {
	if w == nil {
		return false, poolerrors.ErrInvalidArgument
	}
	wrapped := func() {
		defer p.completedCount.Add(1)
		w()
	}
	if !p.channel.TryWrite(wrapped) {
		p.rejectedCount.Add(1)
		return false, nil
	}
	p.submitCount.Add(1)

	// Settings.SynchronousScheduler documents that submitters promise not
	// to call Submit concurrently with each other, which is what makes it
	// safe to run the resize tick inline on the submitter's own thread
	// instead of from a dedicated supervisor. That contract says nothing
	// about concurrent *readers* of pool state (NumThreads, WaitForExit),
	// so slotsMu is still taken here: it is uncontended in the promised
	// single-submitter case and only costs anything when the contract is
	// violated or another goroutine is reading concurrently, which is
	// exactly when it is needed. With SynchronousScheduler false, no resize
	// tick runs at all.
	if p.settings.SynchronousScheduler {
		p.slotsMu.Lock()
		p.tickOnSubmit()
		p.slotsMu.Unlock()
	}
	return true, nil
}

// tickOnSubmit advances the submission counter and runs a resize tick
// every TickEvery submissions. Callers must hold slotsMu.
func (p *Pool) tickOnSubmit() {
	p.cleanCounter++
	if p.cleanCounter%TickEvery != 0 {
		return
	}
	p.cleanCounter = 0
	start := time.Now()
	p.resizeTick()
	telemetry.TrackDuration(p.settings.Logger, "resize_tick", start)
}

// resizeTick retires over-idle workers and spawns fresh ones to restore
// [MinThreads, MaxThreads] bounds. It assumes the caller already holds
// whatever guard applies (either the single-submitter contract or
// slotsMu).
func (p *Pool) resizeTick() {
	stoppable := p.numThreads - p.settings.MinThreads
	if stoppable < 0 {
		stoppable = 0
	}
	running := 0

	for _, w := range p.workers {
		if w == nil {
			continue
		}
		idle := w.Idle()
		switch {
		case idle == workerIdleDead:
			p.numThreads--
			if stoppable > 0 {
				stoppable--
			}
		case stoppable > 0 && idle > RetireIdleAbove:
			w.Stop()
			stoppable--
			p.settings.Logger.Debug("retiring idle worker", zap.String("worker", w.name), zap.Int("idle", idle))
		case idle < BusyBelow:
			running++
		}
	}

	grow := p.numThreads < p.settings.MinThreads ||
		(running == p.numThreads && p.numThreads < p.settings.MaxThreads)
	if !grow {
		return
	}

	target := p.numThreads + 1
	for len(p.workers) < target {
		p.workers = append(p.workers, nil)
	}
	spawned := 0
	for i, w := range p.workers {
		if w == nil || w.Idle() == workerIdleDead {
			p.workers[i] = p.spawnWorker(i)
			spawned++
		}
	}
	live := 0
	for _, w := range p.workers {
		if w != nil && w.Idle() != workerIdleDead {
			live++
		}
	}
	p.numThreads = live
	if spawned > 0 {
		p.settings.Logger.Debug("grew pool", zap.Int("spawned", spawned), zap.Int("num_threads", p.numThreads))
	}
}

// Close completes the work channel: no further writes succeed, and
// workers exit once the queue drains. Close does not block; call
// WaitForExit to wait for workers to finish.
func (p *Pool) Close() {
	p.channel.Complete()
}

// WaitForExit blocks until every worker's exit signal has fired, or until
// ctx is done, whichever comes first. Pass context.Background() to wait
// indefinitely.
func (p *Pool) WaitForExit(ctx context.Context) bool {
	p.slotsMu.Lock()
	signals := make([]<-chan struct{}, 0, len(p.workers))
	for _, w := range p.workers {
		if w != nil {
			signals = append(signals, w.Done())
		}
	}
	p.slotsMu.Unlock()

	for _, done := range signals {
		select {
		case <-done:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// NumThreads returns the current live worker count. Safe to call
// concurrently with Submit.
func (p *Pool) NumThreads() int {
	p.slotsMu.Lock()
	defer p.slotsMu.Unlock()
	return p.numThreads
}

// MaxThreads returns the pool's configured upper bound on worker count,
// the ceiling taskrunner.Adapter uses for its own max concurrency.
func (p *Pool) MaxThreads() int {
	return p.settings.MaxThreads
}
