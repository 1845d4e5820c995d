package feedforward

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// StageSnapshot is one stage's point-in-time diagnostic view, as returned
// by Run.Snapshot.
type StageSnapshot[K comparable, V any] struct {
	Index int
	View  map[K]State[V]
	Stats Stats
}

// Run is the single-use façade over an ordered pipeline of stages. Build
// one with NewRun, append stages with AddMapStep/AddProcessStep, then call
// RunToCompletion exactly once.
type Run[K comparable, V any] struct {
	opts    runOptions[K, V]
	stages  []*Stage[K, V]
	started atomic.Bool
}

// NewRun constructs an empty Run.
func NewRun[K comparable, V any](opts ...RunOption[K, V]) (*Run[K, V], error) {
	resolved, err := resolveRunOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Run[K, V]{opts: resolved}, nil
}

// AddMapStep appends a 1:1 transform stage. Returns ErrConfigError if fn is
// nil, and ErrRunAlreadyStarted if RunToCompletion has already been called.
func (r *Run[K, V]) AddMapStep(fn MapFunc[K, V], cfg *StageConfig[K, V]) error {
	if r.started.Load() {
		return ErrRunAlreadyStarted
	}
	if fn == nil {
		return newConfigError(`AddMapStep: fn must not be nil`)
	}
	st, err := newStage[K, V](len(r.stages), fn, nil, r.applyDeliberateMode(cfg), r.opts.logger)
	if err != nil {
		return err
	}
	r.stages = append(r.stages, st)
	return nil
}

// AddProcessStep appends a full-form, batch-at-a-time transform stage,
// capable of non-1:1 (fan-in/fan-out) key mappings via its emit callback.
func (r *Run[K, V]) AddProcessStep(fn ProcessFunc[K, V], cfg *StageConfig[K, V]) error {
	if r.started.Load() {
		return ErrRunAlreadyStarted
	}
	if fn == nil {
		return newConfigError(`AddProcessStep: fn must not be nil`)
	}
	st, err := newStage[K, V](len(r.stages), nil, fn, r.applyDeliberateMode(cfg), r.opts.logger)
	if err != nil {
		return err
	}
	r.stages = append(r.stages, st)
	return nil
}

// applyDeliberateMode returns cfg unmodified unless WithDeliberateMode was
// set on this Run, in which case it returns a copy with Deliberate forced
// true, leaving the caller's own *StageConfig untouched.
func (r *Run[K, V]) applyDeliberateMode(cfg *StageConfig[K, V]) *StageConfig[K, V] {
	if !r.opts.deliberateMode {
		return cfg
	}
	var forced StageConfig[K, V]
	if cfg != nil {
		forced = *cfg
	}
	forced.Deliberate = true
	return &forced
}

// Snapshot returns a thread-safe, point-in-time diagnostic view of every
// stage's current settled map and counters. Safe to call concurrently with
// RunToCompletion, from another goroutine, while a run is in flight.
func (r *Run[K, V]) Snapshot() []StageSnapshot[K, V] {
	out := make([]StageSnapshot[K, V], len(r.stages))
	for i, st := range r.stages {
		out[i] = StageSnapshot[K, V]{Index: i, View: st.snapshotView(), Stats: st.Stats()}
	}
	return out
}

// RunToCompletion injects initial as the pipeline's initial key/value map
// and drives every stage to OUTPUT_FINAL, returning the rightmost stage's
// settled key->State map (so callers can inspect the generation vector a
// result settled at, not just its value). It may be called at most once per
// Run.
//
// On context cancellation, the returned error wraps ErrCancelled and the
// returned map holds whatever partial result had accumulated. A fatal
// protocol violation returns immediately with that error instead. If
// WithCancelOnSignal was set, a SIGINT/SIGTERM/SIGQUIT has the same effect
// as an externally cancelled ctx.
func (r *Run[K, V]) RunToCompletion(ctx context.Context, initial map[K]V) (map[K]State[V], error) {
	if !r.started.CompareAndSwap(false, true) {
		return nil, ErrRunAlreadyStarted
	}
	if len(r.stages) == 0 {
		return nil, newConfigError(`run has no stages`)
	}

	if r.opts.cancelOnSignal {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
		defer stop()
	}

	logRunStart(r.opts.logger, len(r.stages), len(initial))

	pool := newWorkerPool(r.opts.workerCount)
	for _, st := range r.stages {
		st.pool = pool
	}
	defer func() {
		for _, st := range r.stages {
			_ = st.close()
		}
	}()

	coord := newCoordinator[K, V](r.stages, r.opts.logger, r.opts.onStageFinal)

	vecLen := len(r.stages)
	for k, v := range initial {
		n := Notification[K, V]{Key: k, State: State[V]{Value: v, Gens: zeroVec(vecLen)}, Origin: driverOrigin}
		for _, st := range r.stages {
			if err := st.offer(ctx, n); err != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf(`%w: injecting initial key %v: %w`, ErrCancelled, k, err)
				}
				return nil, fmt.Errorf(`feedforward: injecting initial key %v: %w`, k, err)
			}
		}
	}
	r.stages[0].markInputFinal()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.run(gctx)
	})
	runErr := g.Wait()

	result := r.stages[len(r.stages)-1].snapshotView()

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			logRunFinish(r.opts.logger, len(result), runErr)
			return result, fmt.Errorf(`%w: %v`, ErrCancelled, runErr)
		}
		logRunFinish(r.opts.logger, len(result), runErr)
		return result, runErr
	}

	logRunFinish(r.opts.logger, len(result), nil)
	return result, nil
}
