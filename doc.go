// Package feedforward implements an ordered pipeline of key-indexed
// transform stages over an in-memory map, run with optimistic (speculative)
// parallelism: later stages may start working on a key's current-best value
// before earlier stages have finished with it, and a per-key generation
// vector protocol detects and discards any resulting stale speculative
// output.
//
// Build a pipeline with NewRun and AddMapStep/AddProcessStep, then drive it
// to completion with Run.RunToCompletion:
//
//	run, err := feedforward.NewRun[string, int]()
//	if err != nil {
//		// handle err
//	}
//	_ = run.AddMapStep(func(k string, v int) (int, bool, error) {
//		return v * 2, false, nil
//	}, nil)
//	result, err := run.RunToCompletion(context.Background(), map[string]int{"a": 1})
//
// A Run owns the bounded worker pool that batches execute on (sized with
// WithWorkerCount). The transform functions themselves, and a driver entry
// point for wiring up a CLI or service around a Run, are boundary concerns
// left to the caller; see example_test.go for one way to assemble them.
package feedforward
