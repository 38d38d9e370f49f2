package pool

import (
	"context"
	"runtime/pprof"
	"sync/atomic"

	"github.com/UTC-Six/threadpool/poolerrors"
)

// workerIdleDead marks a worker whose goroutine has returned. It is never
// reused; a dead slot is replaced by a fresh *worker, never resurrected.
const workerIdleDead = -1

// worker owns one long-lived goroutine draining the pool's workChannel.
// idle and stop are the only fields read or written across goroutines and
// are therefore atomics rather than plain fields: idle has a single
// writer (the worker itself) and a single reader (the resize tick); stop
// has a single writer (the resize controller) and a single reader (the
// worker). A plain field here would be a real data race under the race
// detector, not just a documented-but-unenforced invariant.
type worker struct {
	id   int
	name string

	idle atomic.Int32
	stop atomic.Bool

	exitSignal chan struct{}
}

func newWorker(id int, name string) *worker {
	w := &worker{
		id:         id,
		name:       name,
		exitSignal: make(chan struct{}),
	}
	return w
}

// Idle returns the current idleness estimate, or workerIdleDead if the
// worker's goroutine has exited.
func (w *worker) Idle() int { return int(w.idle.Load()) }

// Stop requests cooperative shutdown; it does not block and does not
// forcibly interrupt work already in progress.
func (w *worker) Stop() { w.stop.Store(true) }

// Done reports whether the worker's goroutine has exited.
func (w *worker) Done() <-chan struct{} { return w.exitSignal }

// run is the thread body: drain the channel, track idleness, honor stop
// and end-of-stream, and complete exitSignal exactly once on every exit
// path.
func (w *worker) run(ch *workChannel, handleFault func(worker string, recovered any)) {
	defer func() {
		w.idle.Store(workerIdleDead)
		close(w.exitSignal)
	}()

	label := pprof.Labels("pool_worker", w.name)
	pprof.Do(context.Background(), label, func(context.Context) {
		w.loop(ch, handleFault)
	})
}

func (w *worker) loop(ch *workChannel, handleFault func(worker string, recovered any)) {
	for {
		if w.stop.Load() {
			return
		}

		if item, ok := ch.TryRead(); ok {
			w.idle.Store(decFloor0(w.idle.Load()))
			w.execute(item, handleFault)
			continue
		}

		w.idle.Store(incCap100(w.idle.Load()))
		if !ch.WaitForRead() {
			return
		}
	}
}

// execute invokes item, catching any panic so it never propagates out of
// the worker goroutine. The recovered value is handed to handleFault, which
// is itself guarded against a panicking handler.
func (w *worker) execute(item func(), handleFault func(worker string, recovered any)) {
	defer func() {
		if r := recover(); r != nil {
			safeHandleFault(w.name, r, handleFault)
		}
	}()
	item()
}

// safeHandleFault calls handleFault and swallows any panic raised by the
// handler itself, per spec: an exception from the exception handler must
// never take down the worker.
func safeHandleFault(name string, recovered any, handleFault func(worker string, recovered any)) {
	defer func() {
		_ = recover()
	}()
	handleFault(name, recovered)
}

func decFloor0(v int32) int32 {
	v--
	if v < 0 {
		return 0
	}
	return v
}

func incCap100(v int32) int32 {
	v += 2
	if v > 100 {
		return 100
	}
	return v
}

// wrapUserFault adapts a recovered value into the poolerrors.UserWorkFault
// shape before it reaches Settings.ExceptionHandler.
func wrapUserFault(worker string, recovered any) error {
	return poolerrors.NewUserWorkFault(worker, recovered)
}
