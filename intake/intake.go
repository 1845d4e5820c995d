// Package intake accumulates items arriving one at a time into small
// batches, handing each batch to a processor as soon as it reaches a
// configured size or a flush interval elapses, whichever comes first.
//
// A Stage uses one Accumulator per incoming queue: notifications offered by
// upstream stages (or the run driver) are accumulated here before the
// stage's batch-execution algorithm runs against them under its own lock.
//
// Accumulator is a thin, vocabulary-only wrapper around
// github.com/joeycumines/go-microbatch's Batcher: this package renames the
// job/batch terms to the notification/batch vocabulary the rest of this
// module uses, and exposes Drain as an explicit alias for Batcher.Shutdown,
// but delegates all batching, concurrency, and flush-timing behavior to it.
package intake

import (
	"context"
	"time"

	"github.com/joeycumines/go-microbatch"
)

type (
	// Config models optional configuration, for NewAccumulator.
	Config struct {
		// MaxSize restricts the maximum number of items per batch, if positive.
		// Defaults to 64, if 0, or Config is nil. Corresponds to a stage's
		// batch_cap.
		MaxSize int

		// FlushInterval specifies the maximum duration before an incomplete
		// batch is handed to the ProcessFunc, if positive. Defaults to 2ms,
		// if 0, or Config is nil. If MaxSize is specified, time-based
		// flushing can be disabled by setting this <= 0.
		FlushInterval time.Duration

		// MaxConcurrency specifies the maximum number of concurrent
		// ProcessFunc calls the Accumulator may have in flight, if positive.
		// Defaults to 1, if 0, or Config is nil. A stage normally overrides
		// this via its own concurrency cap (see stage.go); this field exists
		// so Accumulator remains usable standalone.
		MaxConcurrency int
	}

	// ProcessFunc runs one batch. Any returned error is surfaced via
	// Handle.Wait for every item in that batch.
	ProcessFunc[Item any] func(ctx context.Context, items []Item) error

	// Accumulator collects items offered via Offer, batching them into small
	// groups for ProcessFunc. Instances must be initialized via NewAccumulator.
	Accumulator[Item any] struct {
		batcher *microbatch.Batcher[Item]
	}

	// Handle refers to an item that has been accepted by Offer, providing a
	// Wait method that must be called before relying on any side effects the
	// ProcessFunc had on the item (e.g. writing a result through a pointer).
	Handle[Item any] struct {
		// Item is the accepted item, returned for convenience.
		Item Item

		result *microbatch.JobResult[Item]
	}
)

// NewAccumulator initializes a new Accumulator. Panics if processor is nil,
// or config is invalid.
//
// Close must be called once the Accumulator is no longer needed.
func NewAccumulator[Item any](config *Config, processor ProcessFunc[Item]) *Accumulator[Item] {
	if processor == nil {
		panic(`intake: nil processor`)
	}

	bc := &microbatch.BatcherConfig{MaxConcurrency: 1}
	if config != nil {
		bc.MaxSize = config.MaxSize
		bc.FlushInterval = config.FlushInterval
		bc.MaxConcurrency = config.MaxConcurrency
	}
	// microbatch.NewBatcher's own zero-value defaults (16 items, 50ms) are
	// tuned for round-trip-heavy batch processors; a speculative pipeline
	// stage should flush whatever has arrived since its last drain sooner
	// than that, so intake substitutes its own defaults before delegating.
	if bc.MaxSize == 0 {
		bc.MaxSize = 64
	}
	if bc.FlushInterval == 0 {
		bc.FlushInterval = 2 * time.Millisecond
	}

	return &Accumulator[Item]{
		batcher: microbatch.NewBatcher[Item](bc, microbatch.BatchProcessor[Item](processor)),
	}
}

// Close cancels any in-flight batches and prevents further offers, blocking
// until the Accumulator has finished closing.
func (x *Accumulator[Item]) Close() error {
	return x.batcher.Close()
}

// Drain stops accepting new items, then waits for every already-accumulated
// or in-flight batch to finish, without cancelling them.
func (x *Accumulator[Item]) Drain(ctx context.Context) error {
	return x.batcher.Shutdown(ctx)
}

// Offer hands one item to the Accumulator, returning an error if ctx is
// canceled or the Accumulator has stopped accepting items.
//
// Handle.Wait must be used to wait for the batch containing this item to
// finish, at which point it is safe to inspect any side effect the
// ProcessFunc had on Item.
func (x *Accumulator[Item]) Offer(ctx context.Context, item Item) (*Handle[Item], error) {
	result, err := x.batcher.Submit(ctx, item)
	if err != nil {
		return nil, err
	}
	return &Handle[Item]{Item: item, result: result}, nil
}

// Wait blocks until the batch containing this item has finished.
func (x *Handle[Item]) Wait(ctx context.Context) error {
	return x.result.Wait(ctx)
}
