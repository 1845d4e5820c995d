package feedforward

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// workerPool is the generic bounded-concurrency boundary this scheduler
// dispatches batch executions through. It does no scheduling of its own
// beyond a global weighted semaphore. Which stage's batch runs, and when, is
// decided by each stage's own incoming-queue accumulator (intake.Accumulator)
// reacting to the coordinator's fan-out; this pool only bounds how many of
// those batches may execute at once, run-wide.
type workerPool struct {
	sem *semaphore.Weighted
}

func newWorkerPool(size int) *workerPool {
	return &workerPool{sem: semaphore.NewWeighted(int64(size))}
}

// acquire blocks until a slot is free or ctx is done.
func (p *workerPool) acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *workerPool) release() {
	p.sem.Release(1)
}
