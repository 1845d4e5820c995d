package feedforward

import "context"

// coordinator is the single-threaded fan-out loop driving a Run. Each tick
// drains every stage's outgoing queue, broadcasts each notification to
// every stage strictly to its right, then checks every not-yet-final stage
// for OUTPUT_FINAL readiness, cascading input_final to the immediate right
// neighbour when one is reached.
//
// Leftmost-first dispatch (a performance heuristic for which pending batch
// a scarce worker pool picks up next) is not implemented as an explicit
// priority queue here: batch dispatch itself is delegated to each stage's
// own intake.Accumulator, which runs batches as soon as they are ready
// rather than waiting on a coordinator-assigned turn. This keeps the
// coordinator itself a pure fan-out/finalization loop, at the cost of the
// leftmost-priority heuristic (see DESIGN.md).
type coordinator[K comparable, V any] struct {
	stages       []*Stage[K, V]
	logger       *Logger
	onStageFinal func(int, map[K]State[V])

	signal  chan struct{}
	fatalCh chan error
}

func newCoordinator[K comparable, V any](stages []*Stage[K, V], logger *Logger, onStageFinal func(int, map[K]State[V])) *coordinator[K, V] {
	c := &coordinator[K, V]{
		stages:       stages,
		logger:       logger,
		onStageFinal: onStageFinal,
		signal:       make(chan struct{}, 1),
		fatalCh:      make(chan error, 1),
	}
	for _, st := range stages {
		st.onDirty = c.wake
		st.reportFatal = c.reportFatal
	}
	return c
}

func (c *coordinator[K, V]) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *coordinator[K, V]) reportFatal(err error) {
	select {
	case c.fatalCh <- err:
	default:
	}
	c.wake()
}

// run drives the coordinator loop to completion: either every stage
// reaches OUTPUT_FINAL (nil return), ctx is cancelled (ctx.Err(), which
// RunToCompletion then wraps in ErrCancelled), or a stage reports a fatal
// protocol violation.
func (c *coordinator[K, V]) run(ctx context.Context) error {
	finalized := make([]bool, len(c.stages))

	for {
		select {
		case err := <-c.fatalCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		routed, err := c.routeOutgoing(ctx)
		if err != nil {
			return err
		}

		finalizedThisTick := c.finalizeReady(finalized)

		if routed > 0 || finalizedThisTick > 0 {
			logCoordinatorTick(c.logger, routed, finalizedThisTick)
		}

		if len(c.stages) > 0 && finalized[len(c.stages)-1] {
			return nil
		}

		select {
		case err := <-c.fatalCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-c.signal:
		}
	}
}

// routeOutgoing drains every stage's outgoing queue and broadcasts each
// notification to every stage strictly downstream of its origin.
func (c *coordinator[K, V]) routeOutgoing(ctx context.Context) (int, error) {
	routed := 0
	for i, st := range c.stages {
		notifs := st.drainOutgoing()
		for _, n := range notifs {
			for j := i + 1; j < len(c.stages); j++ {
				if err := c.stages[j].offer(ctx, n); err != nil {
					return routed, err
				}
			}
			routed++
		}
	}
	return routed, nil
}

// finalizeReady attempts DRAINING -> OUTPUT_FINAL on every not-yet-final
// stage, cascading input_final to the right neighbour on success, and
// invoking the onStageFinal hook if one was registered.
func (c *coordinator[K, V]) finalizeReady(finalized []bool) int {
	count := 0
	for i, st := range c.stages {
		if finalized[i] {
			continue
		}
		if !st.tryFinalizeOutput() {
			continue
		}
		finalized[i] = true
		count++
		if i+1 < len(c.stages) {
			c.stages[i+1].markInputFinal()
		}
		if c.onStageFinal != nil {
			c.onStageFinal(i, st.snapshotView())
		}
	}
	return count
}
