package feedforward_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/advice-animal/feedforward"
)

func TestRun_passThrough(t *testing.T) {
	run, err := feedforward.NewRun[string, int]()
	require.NoError(t, err)
	require.NoError(t, run.AddMapStep(identity, nil))
	require.NoError(t, run.AddMapStep(identity, nil))
	require.NoError(t, run.AddMapStep(identity, nil))

	result, err := run.RunToCompletion(context.Background(), map[string]int{`a`: 1, `b`: 2})
	require.NoError(t, err)
	require.Equal(t, map[string]int{`a`: 1, `b`: 2}, values(result))
}

func TestRun_sequentialNonConflictingEdits(t *testing.T) {
	run, err := feedforward.NewRun[string, int]()
	require.NoError(t, err)
	require.NoError(t, run.AddMapStep(func(k string, v int) (int, bool, error) { return v + 1, false, nil }, nil))
	require.NoError(t, run.AddMapStep(func(k string, v int) (int, bool, error) { return v * 2, false, nil }, nil))

	result, err := run.RunToCompletion(context.Background(), map[string]int{`x`: 10})
	require.NoError(t, err)
	require.Equal(t, 22, result[`x`].Value)
}

func TestRun_secondStageNoOpPreservesFirstStageOutput(t *testing.T) {
	run, err := feedforward.NewRun[string, int]()
	require.NoError(t, err)
	require.NoError(t, run.AddMapStep(func(k string, v int) (int, bool, error) { return v + 100, false, nil }, nil))
	require.NoError(t, run.AddMapStep(identity, &feedforward.StageConfig[string, int]{
		Match: func(k string) bool { return false }, // never transforms: pure no-op stage
	}))

	result, err := run.RunToCompletion(context.Background(), map[string]int{`x`: 1})
	require.NoError(t, err)
	require.Equal(t, 101, result[`x`].Value)
}

func TestRun_transformFailureSkipsStageButRunCompletes(t *testing.T) {
	// A single-key run: a mapFunc error aborts the batch it belongs to (see
	// ProcessFunc's doc comment), but must not prevent the pipeline as a
	// whole from reaching completion.
	boom := errors.New(`boom`)
	run, err := feedforward.NewRun[string, int]()
	require.NoError(t, err)
	require.NoError(t, run.AddMapStep(func(k string, v int) (int, bool, error) {
		return 0, false, boom
	}, nil))
	require.NoError(t, run.AddMapStep(identity, nil))

	result, err := run.RunToCompletion(context.Background(), map[string]int{`bad`: 1})
	require.NoError(t, err, `a failed batch must not fail the whole run`)
	// Stage 0's batch for `bad` is dropped, so stage 1 works from the
	// driver's original value and the result holds it unchanged.
	require.Equal(t, 1, result[`bad`].Value)
}

func TestRun_deletionTombstonesKeyByFinalStage(t *testing.T) {
	run, err := feedforward.NewRun[string, int]()
	require.NoError(t, err)
	require.NoError(t, run.AddMapStep(func(k string, v int) (int, bool, error) { return 0, true, nil }, nil))

	result, err := run.RunToCompletion(context.Background(), map[string]int{`gone`: 1})
	require.NoError(t, err)
	require.NotContains(t, result, `gone`)
}

func TestRun_errorsOnSecondInvocation(t *testing.T) {
	run, err := feedforward.NewRun[string, int]()
	require.NoError(t, err)
	require.NoError(t, run.AddMapStep(identity, nil))

	_, err = run.RunToCompletion(context.Background(), map[string]int{`a`: 1})
	require.NoError(t, err)

	_, err = run.RunToCompletion(context.Background(), map[string]int{`a`: 1})
	require.ErrorIs(t, err, feedforward.ErrRunAlreadyStarted)

	require.ErrorIs(t, run.AddMapStep(identity, nil), feedforward.ErrRunAlreadyStarted)
}

func TestRun_rejectsZeroStages(t *testing.T) {
	run, err := feedforward.NewRun[string, int]()
	require.NoError(t, err)

	_, err = run.RunToCompletion(context.Background(), map[string]int{})
	require.ErrorIs(t, err, feedforward.ErrConfigError)
}

func TestRun_rejectsNilStepFunc(t *testing.T) {
	run, err := feedforward.NewRun[string, int]()
	require.NoError(t, err)
	require.ErrorIs(t, run.AddMapStep(nil, nil), feedforward.ErrConfigError)
	require.ErrorIs(t, run.AddProcessStep(nil, nil), feedforward.ErrConfigError)
}

func TestRun_onStageFinalFiresPerStage(t *testing.T) {
	run, err := feedforward.NewRun[string, int](feedforward.WithOnStageFinal(func(stageIndex int, snap map[string]feedforward.State[int]) {
		finalOrder = append(finalOrder, stageIndex)
	}))
	require.NoError(t, err)
	finalOrder = nil
	require.NoError(t, run.AddMapStep(identity, nil))
	require.NoError(t, run.AddMapStep(identity, nil))

	_, err = run.RunToCompletion(context.Background(), map[string]int{`a`: 1})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, finalOrder)
}

func TestRun_withDeliberateModeForcesEveryStageNonEager(t *testing.T) {
	run, err := feedforward.NewRun[string, int](feedforward.WithDeliberateMode[string, int](true))
	require.NoError(t, err)
	require.NoError(t, run.AddMapStep(identity, nil))
	require.NoError(t, run.AddMapStep(identity, nil))

	result, err := run.RunToCompletion(context.Background(), map[string]int{`a`: 1})
	require.NoError(t, err)
	require.Equal(t, 1, result[`a`].Value, `deliberate stages must still eventually settle once upstream finalizes`)
}

func TestRun_preCancelledContextFailsFast(t *testing.T) {
	run, err := feedforward.NewRun[string, int]()
	require.NoError(t, err)
	require.NoError(t, run.AddMapStep(identity, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = run.RunToCompletion(ctx, map[string]int{`a`: 1})
	require.Error(t, err, `injecting into a dead context must surface an error rather than hang`)
}

func identity(k string, v int) (int, bool, error) { return v, false, nil }

func values[K comparable, V any](m map[K]feedforward.State[V]) map[K]V {
	out := make(map[K]V, len(m))
	for k, st := range m {
		out[k] = st.Value
	}
	return out
}

// finalOrder is only touched from the single coordinator goroutine driving
// RunToCompletion, within one test at a time.
var finalOrder []int
