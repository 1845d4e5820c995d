package feedforward

import "sync/atomic"

// Stats holds a point-in-time snapshot of a Stage's bookkeeping counters.
// Purely diagnostic: nothing in the scheduler reads Stats to make a
// decision.
type Stats struct {
	BatchesRun         uint64
	Accepted           uint64
	DiscardedStale     uint64
	DiscardedNoMatch   uint64
	TransformFailures  uint64
	Timeouts           uint64
	CorrectiveEmitted  uint64
	Unchanged          uint64
	Emitted            uint64
}

// stageStats are the live, atomically-updated counters a Stage maintains;
// Stats is a snapshot copy taken from these.
type stageStats struct {
	batchesRun        atomic.Uint64
	accepted          atomic.Uint64
	discardedStale    atomic.Uint64
	discardedNoMatch  atomic.Uint64
	transformFailures atomic.Uint64
	timeouts          atomic.Uint64
	correctiveEmitted atomic.Uint64
	unchanged         atomic.Uint64
	emitted           atomic.Uint64
}

func (s *stageStats) snapshot() Stats {
	return Stats{
		BatchesRun:        s.batchesRun.Load(),
		Accepted:          s.accepted.Load(),
		DiscardedStale:    s.discardedStale.Load(),
		DiscardedNoMatch:  s.discardedNoMatch.Load(),
		TransformFailures: s.transformFailures.Load(),
		Timeouts:          s.timeouts.Load(),
		CorrectiveEmitted: s.correctiveEmitted.Load(),
		Unchanged:         s.unchanged.Load(),
		Emitted:           s.emitted.Load(),
	}
}
