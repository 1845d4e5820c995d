package feedforward

import (
	"context"
	"time"
)

// MatchFunc decides whether a stage's transform should run against a given
// key. A nil MatchFunc matches every key. Keys rejected by MatchFunc are
// never passed to the transform; their current value still reaches
// downstream stages via the broadcast fan-out of whichever upstream stage
// (or the run driver) last produced it (see coordinator.go).
type MatchFunc[K comparable] func(key K) bool

// EqualFunc reports whether two values should be treated as identical for
// the purpose of suppressing a no-op emission: unchanged results never
// reach the outgoing queue. False negatives (reporting unequal values that
// are "close enough") only cost a redundant emission; false positives
// (reporting equal values that actually differ) are forbidden, since they
// would silently drop a real change.
type EqualFunc[V any] func(a, b V) bool

// MapFunc transforms a single key's value. Returning deleted=true marks the
// key as removed from this point in the pipeline forward. An error aborts
// the whole batch the key belongs to (see stage.go's batch execution).
type MapFunc[K comparable, V any] func(key K, value V) (result V, deleted bool, err error)

// EmitFunc is supplied to ProcessFunc so it can publish zero or more
// derived notifications per invocation, supporting non-1:1 transforms (a
// process stage deriving one key from several, or several from one).
// Emitted keys are subject to the same staleness/dominance checks as any
// other notification.
type EmitFunc[K comparable, V any] func(key K, value V, deleted bool)

// ProcessFunc is the full-form transform extension point: given a batch of
// notifications and the stage's assigned generation for this batch, it
// calls emit zero or more times. Unlike MapFunc, it is invoked once per
// batch rather than once per key, so it can fan in across keys. An error
// return rolls back the whole batch exactly as MapFunc's would, and, for
// notifications already published via emit before the error, triggers a
// corrective unwind (see BatchTimeoutError's doc comment).
type ProcessFunc[K comparable, V any] func(ctx context.Context, generation uint64, notifications []Notification[K, V], emit EmitFunc[K, V]) error

// StageConfig bundles the optional, per-stage knobs that aren't already
// captured by choosing MapFunc vs. ProcessFunc. A nil *StageConfig, or any
// zero-valued field within one, uses the documented default for that field,
// mirroring microbatch.BatcherConfig's "nil-safe struct with defaults"
// contract.
type StageConfig[K comparable, V any] struct {
	// Match restricts which keys this stage's transform runs against.
	// Defaults to nil (match every key).
	Match MatchFunc[K]

	// Equal is used to detect a no-op transform result. Defaults to
	// reflect.DeepEqual if nil; supply a cheaper or more precise one for
	// non-trivial value types.
	Equal EqualFunc[V]

	// Deliberate, if true, makes this a non-eager stage: runBatch blocks
	// until this stage's own input is marked final before touching any
	// batch, rather than speculating ahead of upstream finality. Defaults to
	// false (eager): batches run as soon as notifications accumulate,
	// speculatively, ahead of upstream finality.
	Deliberate bool

	// BatchCap is the maximum number of notifications drained per batch.
	// Defaults to 64 if 0.
	BatchCap int

	// MaxConcurrency bounds the number of batches this stage may have
	// in flight simultaneously. Defaults to 0, in which case the stage sets
	// no semaphore of its own, but its incoming intake.Accumulator applies
	// its own default of one batch in flight at a time, so batches of this
	// stage do not run in parallel. All stages are also bounded globally by
	// the run's WithWorkerCount.
	MaxConcurrency int

	// Timeout, if positive, bounds how long a single batch's transform
	// call may run before it is treated as a BatchTimeoutError. Defaults
	// to 0 (no per-batch timeout).
	Timeout time.Duration
}

func resolveStageConfig[K comparable, V any](c *StageConfig[K, V]) StageConfig[K, V] {
	out := StageConfig[K, V]{BatchCap: 64}
	if c == nil {
		return out
	}
	out.Match = c.Match
	out.Equal = c.Equal
	out.Deliberate = c.Deliberate
	if c.BatchCap != 0 {
		out.BatchCap = c.BatchCap
	}
	out.MaxConcurrency = c.MaxConcurrency
	out.Timeout = c.Timeout
	return out
}

// runOptions is the resolved configuration for one Run, built up by
// RunOption values passed to NewRun.
type runOptions[K comparable, V any] struct {
	logger         *Logger
	workerCount    int
	onStageFinal   func(stageIndex int, snapshot map[K]State[V])
	deliberateMode bool
	cancelOnSignal bool
}

// RunOption configures a Run, following the same functional-options shape
// as eventloop's LoopOption: constructed via the With* functions below and
// applied in order by NewRun.
type RunOption[K comparable, V any] interface {
	applyRun(*runOptions[K, V]) error
}

type runOptionFunc[K comparable, V any] func(*runOptions[K, V]) error

func (f runOptionFunc[K, V]) applyRun(o *runOptions[K, V]) error { return f(o) }

// WithLogger attaches a structured logger to the run. Every stage and the
// coordinator log through it. A nil logger (the default, if this option is
// never used) makes logging a no-op.
func WithLogger[K comparable, V any](l *Logger) RunOption[K, V] {
	return runOptionFunc[K, V](func(o *runOptions[K, V]) error {
		o.logger = l
		return nil
	})
}

// WithWorkerCount bounds the number of batches the run's worker pool may
// execute concurrently, across all stages combined. Defaults to 4.
func WithWorkerCount[K comparable, V any](n int) RunOption[K, V] {
	return runOptionFunc[K, V](func(o *runOptions[K, V]) error {
		if n <= 0 {
			return newConfigError(`worker count must be positive, got %d`, n)
		}
		o.workerCount = n
		return nil
	})
}

// WithOnStageFinal registers a callback invoked exactly once per stage, the
// moment that stage transitions to OUTPUT_FINAL, with a point-in-time
// snapshot of its settled view (see Stage.snapshotView). Callbacks run on
// the coordinator goroutine and must not block or call back into the Run.
func WithOnStageFinal[K comparable, V any](fn func(stageIndex int, snapshot map[K]State[V])) RunOption[K, V] {
	return runOptionFunc[K, V](func(o *runOptions[K, V]) error {
		o.onStageFinal = fn
		return nil
	})
}

// WithDeliberateMode forces every stage in the run to behave as if its
// StageConfig.Deliberate were true, regardless of what each AddMapStep or
// AddProcessStep call specified, overriding every stage to the non-eager
// predecessor-finality gate run-wide. Defaults to false.
func WithDeliberateMode[K comparable, V any](enabled bool) RunOption[K, V] {
	return runOptionFunc[K, V](func(o *runOptions[K, V]) error {
		o.deliberateMode = enabled
		return nil
	})
}

// WithCancelOnSignal, if enabled, makes RunToCompletion cancel its working
// context on SIGINT/SIGTERM/SIGQUIT, so a running pipeline winds down
// cooperatively (partial results returned, ErrCancelled-wrapped error)
// instead of being killed out from under itself. Defaults to false.
func WithCancelOnSignal[K comparable, V any](enabled bool) RunOption[K, V] {
	return runOptionFunc[K, V](func(o *runOptions[K, V]) error {
		o.cancelOnSignal = enabled
		return nil
	})
}

func resolveRunOptions[K comparable, V any](opts []RunOption[K, V]) (runOptions[K, V], error) {
	o := runOptions[K, V]{workerCount: 4}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRun(&o); err != nil {
			return o, err
		}
	}
	return o, nil
}
