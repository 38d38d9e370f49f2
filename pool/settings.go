package pool

import (
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/UTC-Six/threadpool/poolerrors"
)

// ThreadType mirrors the host platform's background/foreground thread
// distinction. Go has no library-level notion of a thread that keeps the
// process alive, so this field is carried purely as metadata: it is stored
// on Settings and logged when the pool is created, and nothing in this
// module (cmd/poolctl included) changes its behaviour based on it.
type ThreadType int

const (
	// Background threads never keep the process alive by themselves.
	Background ThreadType = iota
	// Foreground marks workers as ones the process should wait on before
	// exiting; the pool itself does not act on this.
	Foreground
)

func (t ThreadType) String() string {
	if t == Foreground {
		return "foreground"
	}
	return "background"
}

// Settings is an immutable, validated configuration record for a Pool.
// Build one with NewSettings(options...); the zero value is not valid.
type Settings struct {
	NumThreads int
	MinThreads int
	MaxThreads int

	ThreadType ThreadType
	Name       string

	// DeadlockTimeout is reserved for a future supervisor and is never
	// consulted by this implementation; see DESIGN.md.
	DeadlockTimeout *time.Duration

	ExceptionHandler func(error)

	AllowSynchronousContinuations bool
	SynchronousScheduler          bool

	// RetryExceptionHandler, when true, retries a panicking
	// ExceptionHandler once (via a tiny fixed backoff) before the panic
	// is swallowed, instead of swallowing it on the first panic.
	RetryExceptionHandler bool

	Logger *zap.Logger
}

// Option configures a Settings during construction.
type Option func(*settingsBuilder)

type settingsBuilder struct {
	numThreads             int
	maxThreads             int
	maxThreadsSet          bool
	threadType             ThreadType
	name                   string
	deadlockTimeout        *time.Duration
	exceptionHandler       func(error)
	allowSyncContinuations bool
	synchronousScheduler   bool
	retryExceptionHandler  bool
	logger                 *zap.Logger
}

// WithNumThreads sets the initial worker count. Required to be > 0.
func WithNumThreads(n int) Option {
	return func(b *settingsBuilder) { b.numThreads = n }
}

// WithMaxThreads overrides the derived upper bound on worker count.
func WithMaxThreads(n int) Option {
	return func(b *settingsBuilder) {
		b.maxThreads = n
		b.maxThreadsSet = true
	}
}

// WithThreadType sets whether workers are Foreground or Background.
func WithThreadType(t ThreadType) Option {
	return func(b *settingsBuilder) { b.threadType = t }
}

// WithName sets the thread-name prefix used for worker goroutine labels.
func WithName(name string) Option {
	return func(b *settingsBuilder) { b.name = name }
}

// WithDeadlockTimeout sets the reserved deadlock-timeout field. Must be
// nil or >= 1ms.
func WithDeadlockTimeout(d time.Duration) Option {
	return func(b *settingsBuilder) { b.deadlockTimeout = &d }
}

// WithExceptionHandler sets the callback invoked with a *poolerrors.UserWorkFault
// whenever submitted work panics. It is invoked on
// worker goroutines and MUST be safe for concurrent use.
func WithExceptionHandler(h func(error)) Option {
	return func(b *settingsBuilder) { b.exceptionHandler = h }
}

// WithAllowSynchronousContinuations tells the work channel that a producer
// may resume a blocked consumer on the producer's own goroutine.
func WithAllowSynchronousContinuations(allow bool) Option {
	return func(b *settingsBuilder) { b.allowSyncContinuations = allow }
}

// WithSynchronousScheduler declares that Submit is called from a bounded
// set of producers that never call it concurrently with each other,
// enabling the resize tick that Submit runs inline every TickEvery
// submissions (under the pool's internal mutex). When false, Submit runs
// no resize tick, so the worker count stays where New left it.
func WithSynchronousScheduler(synchronous bool) Option {
	return func(b *settingsBuilder) { b.synchronousScheduler = synchronous }
}

// WithRetryExceptionHandler enables a single retry (via a short fixed
// backoff) of a panicking ExceptionHandler before the panic is swallowed.
func WithRetryExceptionHandler(retry bool) Option {
	return func(b *settingsBuilder) { b.retryExceptionHandler = retry }
}

// WithLogger sets the structured logger used for lifecycle and resize
// events. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *settingsBuilder) { b.logger = l }
}

// NewSettings validates and constructs a Settings from the given options.
func NewSettings(opts ...Option) (Settings, error) {
	b := &settingsBuilder{
		threadType:             Background,
		allowSyncContinuations: true,
		synchronousScheduler:   true,
		exceptionHandler:       func(error) {},
		logger:                 zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.numThreads <= 0 {
		return Settings{}, poolerrors.InvalidArgument("num_threads must be > 0, got %d", b.numThreads)
	}
	if b.deadlockTimeout != nil && *b.deadlockTimeout < time.Millisecond {
		return Settings{}, poolerrors.InvalidArgument("deadlock_timeout must be nil or >= 1ms, got %s", *b.deadlockTimeout)
	}

	min := b.numThreads
	if min > 2 {
		min = 2
	}

	max := b.numThreads
	if b.maxThreadsSet {
		max = b.maxThreads
	} else {
		floor := runtime.NumCPU() - 1
		if floor < 2 {
			floor = 2
		}
		if floor > max {
			max = floor
		}
	}
	if max < min {
		max = min
	}

	name := b.name
	if name == "" {
		name = fmt.Sprintf("pool-%s", uuid.NewString())
	}

	return Settings{
		NumThreads:                    b.numThreads,
		MinThreads:                    min,
		MaxThreads:                    max,
		ThreadType:                    b.threadType,
		Name:                          name,
		DeadlockTimeout:               b.deadlockTimeout,
		ExceptionHandler:              b.exceptionHandler,
		AllowSynchronousContinuations: b.allowSyncContinuations,
		SynchronousScheduler:          b.synchronousScheduler,
		RetryExceptionHandler:         b.retryExceptionHandler,
		Logger:                        b.logger,
	}, nil
}
