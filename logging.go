package feedforward

import (
	"github.com/joeycumines/logiface"
)

// Logger is the logging facade type accepted throughout this package. It is
// an alias for logiface's generic Event form, matching the way logiface's
// own consumers (e.g. logiface-zerolog's tests) pass loggers around once
// they've been reduced via Logger.Logger(). A nil *Logger is a safe no-op,
// per logiface's own contract, so WithLogger(nil) and simply never calling
// WithLogger behave identically.
type Logger = logiface.Logger[logiface.Event]

// logStageBatch emits a Debug-level event describing one completed batch
// execution. No-op if l is nil or Debug is disabled.
func logStageBatch(l *Logger, stageIndex, batchSize, survivors, emitted int) {
	l.Debug().
		Int(`stage`, stageIndex).
		Int(`batch_size`, batchSize).
		Int(`survivors`, survivors).
		Int(`emitted`, emitted).
		Log(`feedforward: batch complete`)
}

// logTransformFailure emits an Error-level event for a failed batch.
func logTransformFailure(l *Logger, stageIndex int, err error) {
	l.Err().
		Int(`stage`, stageIndex).
		Err(err).
		Log(`feedforward: transform failed`)
}

// logBatchTimeout emits a Warning-level event for a timed-out batch.
func logBatchTimeout(l *Logger, stageIndex int, err error) {
	l.Warning().
		Int(`stage`, stageIndex).
		Err(err).
		Log(`feedforward: batch timed out`)
}

// logCoordinatorTick emits a Trace-level event once per coordinator loop
// iteration that actually routed notifications or finalized a stage.
func logCoordinatorTick(l *Logger, routed, finalized int) {
	l.Trace().
		Int(`routed`, routed).
		Int(`finalized`, finalized).
		Log(`feedforward: coordinator tick`)
}

// logRunStart emits a Debug-level event when RunToCompletion begins.
func logRunStart(l *Logger, stages, keysIn int) {
	l.Debug().
		Int(`stages`, stages).
		Int(`keys_in`, keysIn).
		Log(`feedforward: run starting`)
}

// logRunFinish emits a Debug-level event when RunToCompletion returns.
func logRunFinish(l *Logger, keysOut int, err error) {
	b := l.Debug().Int(`keys_out`, keysOut)
	if err != nil {
		b = b.Err(err)
	}
	b.Log(`feedforward: run finished`)
}
