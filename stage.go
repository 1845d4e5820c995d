package feedforward

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/advice-animal/feedforward/intake"
)

// stagePhase models a stage's lifecycle: OPEN -> INPUT_FINAL -> DRAINING ->
// OUTPUT_FINAL. A stage only ever moves forward through these phases.
type stagePhase int32

const (
	phaseOpen stagePhase = iota
	phaseInputFinal
	phaseDraining
	phaseOutputFinal
)

type survivorEntry[K comparable, V any] struct {
	notif        Notification[K, V]
	prevInput    State[V]
	hadPrevInput bool
	matched      bool
}

type emitRecord[K comparable, V any] struct {
	key           K
	hadPrevOutput bool
	prevOutput    State[V]
}

// Stage is one ordered transform step in a Run. Stages are never
// constructed directly; use Run.AddMapStep/Run.AddProcessStep. Its
// incoming queue is an intake.Accumulator, which handles
// batching-by-size-or-interval; runBatch implements the stage's batch
// execution algorithm.
type Stage[K comparable, V any] struct {
	index     int
	cfg       StageConfig[K, V]
	mapFunc   MapFunc[K, V]
	processFn ProcessFunc[K, V]
	logger    *Logger

	sem  *semaphore.Weighted // per-stage concurrency cap; nil if unbounded
	pool *workerPool         // run-wide concurrency cap, shared across stages

	incoming *intake.Accumulator[Notification[K, V]]

	onDirty     func()
	reportFatal func(error)

	mu              sync.Mutex
	inputMap        map[K]State[V]
	outputMap       map[K]State[V]
	localGen        uint64
	phase           stagePhase
	outgoing        []Notification[K, V]
	pendingIncoming int
	activeWorkers   int

	// inputFinalCh is closed exactly once, the moment markInputFinal moves
	// this stage past OPEN. A Deliberate stage's runBatch waits on it before
	// touching a batch at all.
	inputFinalCh chan struct{}

	stats stageStats
}

func defaultEqual[V any](a, b V) bool {
	return reflect.DeepEqual(a, b)
}

// newStage builds a Stage. Exactly one of mapFunc/processFn must be set.
func newStage[K comparable, V any](index int, mapFunc MapFunc[K, V], processFn ProcessFunc[K, V], cfg *StageConfig[K, V], logger *Logger) (*Stage[K, V], error) {
	if (mapFunc == nil) == (processFn == nil) {
		return nil, newConfigError(`stage %d: exactly one of MapFunc or ProcessFunc must be set`, index)
	}

	resolved := resolveStageConfig(cfg)
	if resolved.Equal == nil {
		resolved.Equal = defaultEqual[V]
	}

	s := &Stage[K, V]{
		index:        index,
		cfg:          resolved,
		mapFunc:      mapFunc,
		processFn:    processFn,
		logger:       logger,
		inputMap:     make(map[K]State[V]),
		outputMap:    make(map[K]State[V]),
		inputFinalCh: make(chan struct{}),
	}
	if resolved.MaxConcurrency > 0 {
		s.sem = semaphore.NewWeighted(int64(resolved.MaxConcurrency))
	}
	s.incoming = intake.NewAccumulator[Notification[K, V]](&intake.Config{
		MaxSize:        resolved.BatchCap,
		MaxConcurrency: resolved.MaxConcurrency,
	}, s.runBatch)
	return s, nil
}

// offer hands one notification to this stage's incoming queue.
func (s *Stage[K, V]) offer(ctx context.Context, n Notification[K, V]) error {
	s.mu.Lock()
	if s.phase == phaseOutputFinal {
		s.mu.Unlock()
		err := newProtocolViolation(`stage %d: notification for key %v offered after OUTPUT_FINAL`, s.index, n.Key)
		s.reportFatal(err)
		return err
	}
	s.pendingIncoming++
	s.mu.Unlock()

	_, err := s.incoming.Offer(ctx, n)
	if err != nil {
		s.mu.Lock()
		s.pendingIncoming--
		s.mu.Unlock()
		return err
	}
	if s.onDirty != nil {
		s.onDirty()
	}
	return nil
}

// markInputFinal transitions OPEN -> INPUT_FINAL. A no-op once past OPEN.
func (s *Stage[K, V]) markInputFinal() {
	s.mu.Lock()
	if s.phase == phaseOpen {
		s.phase = phaseInputFinal
		close(s.inputFinalCh)
	}
	s.mu.Unlock()
	if s.onDirty != nil {
		s.onDirty()
	}
}

// drainOutgoing removes and returns every notification this stage has
// published since the last drain.
func (s *Stage[K, V]) drainOutgoing() []Notification[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outgoing) == 0 {
		return nil
	}
	out := s.outgoing
	s.outgoing = nil
	return out
}

// tryFinalizeOutput attempts DRAINING -> OUTPUT_FINAL, returning true if the
// stage is (now, or already was) OUTPUT_FINAL. Call drainOutgoing first in
// the same coordinator tick so a just-published notification isn't missed.
func (s *Stage[K, V]) tryFinalizeOutput() bool {
	s.mu.Lock()
	switch s.phase {
	case phaseOutputFinal:
		s.mu.Unlock()
		return true
	case phaseOpen:
		s.mu.Unlock()
		return false
	}
	s.phase = phaseDraining
	ready := s.pendingIncoming == 0 && s.activeWorkers == 0 && len(s.outgoing) == 0
	s.mu.Unlock()
	if !ready {
		return false
	}

	// Nothing more can legitimately reach this stage now: every upstream
	// stage (and the run driver) it could ever hear from is already
	// exhausted by the time the coordinator's cascade gets here. Drain
	// settles any accumulator-internal bookkeeping without cancelling it.
	_ = s.incoming.Drain(context.Background())

	s.mu.Lock()
	s.phase = phaseOutputFinal
	s.mu.Unlock()
	return true
}

// snapshotView returns this stage's current settled view: for every key
// known to either the input or output map, whichever state carries the
// dominant (greater) generation vector, with tombstones removed. This is
// how a "pass-through" key that this stage never transformed still shows
// up correctly: it lives only in inputMap, reached there via the
// coordinator's broadcast fan-out of whichever upstream stage (or the run
// driver) actually produced it.
func (s *Stage[K, V]) snapshotView() map[K]State[V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[K]State[V], len(s.inputMap))
	for k, v := range s.inputMap {
		out[k] = v
	}
	for k, v := range s.outputMap {
		if cur, ok := out[k]; !ok || dominates(v.Gens, cur.Gens) {
			out[k] = v
		}
	}
	for k, v := range out {
		if v.Deleted {
			delete(out, k)
		}
	}
	return out
}

// Stats returns a point-in-time copy of this stage's counters.
func (s *Stage[K, V]) Stats() Stats {
	return s.stats.snapshot()
}

func (s *Stage[K, V]) close() error {
	return s.incoming.Close()
}

// runBatch is this stage's batch-execution algorithm. It is wired in as the
// ProcessFunc for this stage's intake.Accumulator, so it is invoked
// automatically once a batch reaches BatchCap or the accumulator's flush
// interval elapses.
func (s *Stage[K, V]) runBatch(ctx context.Context, batch []Notification[K, V]) error {
	if len(batch) == 0 {
		return nil
	}

	if s.cfg.Deliberate {
		// A non-eager stage refuses to act on anything until its own
		// predecessors are exhausted, so there is no speculation left to
		// invalidate. Wait outside the worker pool/semaphore acquisition so
		// a blocked deliberate stage doesn't tie up run-wide capacity.
		select {
		case <-s.inputFinalCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.stats.batchesRun.Add(1)

	if s.pool != nil {
		if err := s.pool.acquire(ctx); err != nil {
			return err
		}
		defer s.pool.release()
	}

	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer s.sem.Release(1)
	}

	s.mu.Lock()
	if s.phase == phaseOutputFinal {
		s.mu.Unlock()
		err := newProtocolViolation(`stage %d: batch executed after OUTPUT_FINAL`, s.index)
		s.reportFatal(err)
		return err
	}
	s.activeWorkers++

	survivors := make([]survivorEntry[K, V], 0, len(batch))
	for _, n := range batch {
		cur, ok := s.inputMap[n.Key]
		if ok {
			switch compare(n.State.Gens, cur.Gens) {
			case OrderIncomparable:
				err := newProtocolViolation(`stage %d: generation vector length mismatch for key %v`, s.index, n.Key)
				s.reportFatal(err)
				s.stats.discardedStale.Add(1)
				continue
			case OrderGreater:
				// accepted below
			default:
				s.stats.discardedStale.Add(1)
				continue
			}
		}
		prev, hadPrev := cur, ok
		s.inputMap[n.Key] = n.State
		s.stats.accepted.Add(1)
		matched := s.cfg.Match == nil || s.cfg.Match(n.Key)
		if !matched {
			s.stats.discardedNoMatch.Add(1)
		}
		survivors = append(survivors, survivorEntry[K, V]{notif: n, prevInput: prev, hadPrevInput: hadPrev, matched: matched})
	}
	s.localGen++
	gen := s.localGen
	s.pendingIncoming -= len(batch)
	s.mu.Unlock()

	emittedCount := 0
	defer func() {
		s.mu.Lock()
		s.activeWorkers--
		s.mu.Unlock()
		logStageBatch(s.logger, s.index, len(batch), len(survivors), emittedCount)
		if s.onDirty != nil {
			s.onDirty()
		}
	}()

	if len(survivors) == 0 {
		return nil
	}

	transformable := make([]survivorEntry[K, V], 0, len(survivors))
	for _, sv := range survivors {
		// A key rejected by match, or already a tombstone, passes through
		// untouched: downstream already learns its value via broadcast
		// fan-out from whichever stage actually produced it.
		if sv.matched && !sv.notif.State.Deleted {
			transformable = append(transformable, sv)
		} else {
			s.stats.unchanged.Add(1)
		}
	}
	if len(transformable) == 0 {
		return nil
	}

	batchCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	inputVecs := make([]Vec, len(transformable))
	for i, sv := range transformable {
		inputVecs[i] = sv.notif.State.Gens
	}

	emitted, err := s.invokeTransform(batchCtx, gen, transformable, inputVecs)
	emittedCount = len(emitted)

	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		// Run-wide (or caller) cancellation: cooperative shutdown, partial
		// results stand as-is, no rollback or unwind.
		return err
	}

	s.rollbackInput(transformable)

	if errors.Is(err, context.DeadlineExceeded) {
		s.unwind(emitted)
		s.stats.timeouts.Add(1)
		logBatchTimeout(s.logger, s.index, err)
		return &BatchTimeoutError{StageIndex: s.index, Cause: err}
	}

	s.unwind(emitted)
	s.stats.transformFailures.Add(1)
	logTransformFailure(s.logger, s.index, err)
	return &TransformFailureError{StageIndex: s.index, Cause: err}
}

// invokeTransform runs mapFunc (once per transformable key) or processFn
// (once for the whole batch) on a separate goroutine, racing it against
// ctx so a per-batch timeout is enforced even if the user function ignores
// ctx. The goroutine itself is allowed to leak past the deadline, since
// arbitrary user code cannot be forcibly preempted; once this function has
// stopped waiting for it, its further emissions are dropped and its eventual
// result is discarded.
//
// mapFunc is a strictly 1:1 transform: each emitted key's outgoing vector is
// derived only from that same key's own input vector, never from the rest
// of the batch. processFn is the fan-in extension point, so its emit
// callback merges across every input vector in the batch, matching the
// batch-wide merge_max a many-to-one or one-to-many derivation requires.
func (s *Stage[K, V]) invokeTransform(ctx context.Context, gen uint64, batch []survivorEntry[K, V], inputVecs []Vec) ([]emitRecord[K, V], error) {
	// emitted/emitMu are shared with the goroutine below rather than local
	// to it: on a timeout the goroutine is abandoned mid-flight (see the
	// doc comment above), but whatever it already published via s.publish
	// before the deadline still needs to reach runBatch's unwind call.
	var emitMu sync.Mutex
	var emitted []emitRecord[K, V]
	abandoned := false
	record := func(key K, value V, deleted bool, vecs []Vec) {
		emitMu.Lock()
		defer emitMu.Unlock()
		if abandoned {
			return
		}
		rec, ok := s.publish(key, value, deleted, vecs, gen)
		if ok {
			emitted = append(emitted, rec)
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf(`stage %d: transform panicked: %v`, s.index, r)
			}
		}()

		if s.mapFunc != nil {
			for _, sv := range batch {
				result, deleted, err := s.mapFunc(sv.notif.Key, sv.notif.State.Value)
				if err != nil {
					done <- err
					return
				}
				if !deleted && s.cfg.Equal(result, sv.notif.State.Value) {
					s.stats.unchanged.Add(1)
					continue
				}
				record(sv.notif.Key, result, deleted, []Vec{sv.notif.State.Gens})
			}
			done <- nil
			return
		}

		notifs := make([]Notification[K, V], len(batch))
		for i, sv := range batch {
			notifs[i] = sv.notif
		}
		emit := EmitFunc[K, V](func(key K, value V, deleted bool) {
			record(key, value, deleted, inputVecs)
		})
		done <- s.processFn(ctx, gen, notifs, emit)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	emitMu.Lock()
	defer emitMu.Unlock()
	abandoned = true
	return emitted, err
}

// publish computes the outgoing vector for a transform result, accepts it
// only if it strictly dominates whatever this stage last published for
// key, and enqueue it. Returns the emitted record (for potential unwind)
// and whether anything was actually published.
func (s *Stage[K, V]) publish(key K, value V, deleted bool, inputVecs []Vec, gen uint64) (emitRecord[K, V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gensOut := bump(mergeMax(inputVecs...), s.index, gen)
	cur, existed := s.outputMap[key]
	if existed && !dominates(gensOut, cur.Gens) {
		return emitRecord[K, V]{}, false
	}

	rec := emitRecord[K, V]{key: key, hadPrevOutput: existed, prevOutput: cur}
	newState := State[V]{Value: value, Gens: gensOut, Deleted: deleted}
	s.outputMap[key] = newState
	s.outgoing = append(s.outgoing, Notification[K, V]{Key: key, State: newState, Origin: s.index})
	s.stats.emitted.Add(1)
	return rec, true
}

func (s *Stage[K, V]) rollbackInput(transformable []survivorEntry[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sv := range transformable {
		if sv.hadPrevInput {
			s.inputMap[sv.notif.Key] = sv.prevInput
		} else {
			delete(s.inputMap, sv.notif.Key)
		}
	}
}

// unwind corrects the output map and outgoing queue for every notification
// this batch managed to publish before failing: each is reasserted (or
// withdrawn, if it was a brand-new key) at a fresh, dominating generation,
// so that any downstream stage that already accepted the speculative value
// discards it in favor of the corrective one.
func (s *Stage[K, V]) unwind(emitted []emitRecord[K, V]) {
	if len(emitted) == 0 {
		return
	}
	s.mu.Lock()
	s.localGen++
	correctiveGen := s.localGen
	s.mu.Unlock()

	for _, rec := range emitted {
		s.mu.Lock()
		base := s.outputMap[rec.key].Gens
		gensOut := bump(base, s.index, correctiveGen)
		var newState State[V]
		if rec.hadPrevOutput {
			newState = State[V]{Value: rec.prevOutput.Value, Gens: gensOut, Deleted: rec.prevOutput.Deleted}
		} else {
			newState = State[V]{Gens: gensOut, Deleted: true}
		}
		s.outputMap[rec.key] = newState
		s.outgoing = append(s.outgoing, Notification[K, V]{Key: rec.key, State: newState, Origin: s.index})
		s.stats.correctiveEmitted.Add(1)
		s.mu.Unlock()
	}
}
