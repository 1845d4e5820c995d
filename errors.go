package feedforward

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra context beyond their
// identity. Use errors.Is to test for these.
var (
	// ErrProtocolViolation indicates an internal invariant was broken (a
	// vector comparison between vectors of differing length, a stage
	// receiving a notification after it reached OUTPUT_FINAL, and similar).
	// It is always fatal to the run.
	ErrProtocolViolation = errors.New(`feedforward: protocol violation`)

	// ErrConfigError indicates a Run or Stage was misconfigured (e.g. zero
	// stages, a stage with neither MapFunc nor ProcessFunc set). Returned
	// synchronously from the API call that detects it: NewRun and the
	// AddMapStep/AddProcessStep calls for option and stage errors,
	// RunToCompletion for a run with no stages.
	ErrConfigError = errors.New(`feedforward: invalid configuration`)

	// ErrCancelled indicates the run's context was cancelled before it
	// reached completion. RunToCompletion still returns whatever partial
	// result the rightmost stage had accumulated.
	ErrCancelled = errors.New(`feedforward: run cancelled`)

	// ErrRunAlreadyStarted indicates RunToCompletion was called more than
	// once against the same Run, or AddMapStep/AddProcessStep was called
	// after it.
	ErrRunAlreadyStarted = errors.New(`feedforward: run already started`)
)

// TransformFailureError wraps an error returned by a user-supplied MapFunc
// or ProcessFunc. The batch that triggered it is rolled back: its input map
// entries are restored, and any output it already published before failing
// is unwound with a corrective, higher-generation emission (see stage.go's
// batch execution and unwind).
type TransformFailureError struct {
	StageIndex int
	Cause      error
}

func (e *TransformFailureError) Error() string {
	return fmt.Sprintf(`feedforward: stage %d: transform failed: %v`, e.StageIndex, e.Cause)
}

func (e *TransformFailureError) Unwrap() error { return e.Cause }

// BatchTimeoutError indicates a stage's per-batch timeout elapsed before its
// transform returned. Handled exactly like TransformFailureError: the input
// map is rolled back and any output the batch already published is unwound
// with a corrective, higher-generation emission.
type BatchTimeoutError struct {
	StageIndex int
	Cause      error
}

func (e *BatchTimeoutError) Error() string {
	return fmt.Sprintf(`feedforward: stage %d: batch timed out: %v`, e.StageIndex, e.Cause)
}

func (e *BatchTimeoutError) Unwrap() error { return e.Cause }

// ProtocolViolationError carries the offending detail for ErrProtocolViolation.
type ProtocolViolationError struct {
	Detail string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf(`feedforward: protocol violation: %s`, e.Detail)
}

func (e *ProtocolViolationError) Unwrap() error { return ErrProtocolViolation }

// ConfigError carries the offending detail for ErrConfigError.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf(`feedforward: invalid configuration: %s`, e.Detail)
}

func (e *ConfigError) Unwrap() error { return ErrConfigError }

func newProtocolViolation(format string, a ...any) error {
	return &ProtocolViolationError{Detail: fmt.Sprintf(format, a...)}
}

func newConfigError(format string, a ...any) error {
	return &ConfigError{Detail: fmt.Sprintf(format, a...)}
}
