package feedforward_test

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"

	"github.com/advice-animal/feedforward"
)

// newExampleLogger wires logiface to zerolog via izerolog, the same pattern
// izerolog's own template_test.go uses to build a *logiface.Logger[logiface.Event].
func newExampleLogger() *feedforward.Logger {
	zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
	return izerolog.L.New(izerolog.L.WithZerolog(zl), izerolog.L.WithLevel(logiface.LevelInformational)).Logger()
}

func ExampleRun_pipeline() {
	run, err := feedforward.NewRun[string, string](
		feedforward.WithWorkerCount[string, string](2),
		feedforward.WithLogger[string, string](newExampleLogger()),
	)
	if err != nil {
		panic(err)
	}

	if err := run.AddMapStep(func(key string, value string) (string, bool, error) {
		return strings.ToUpper(value), false, nil
	}, nil); err != nil {
		panic(err)
	}

	if err := run.AddMapStep(func(key string, value string) (string, bool, error) {
		return strings.ReplaceAll(value, "BACON", "CRISPY BACON"), false, nil
	}, &feedforward.StageConfig[string, string]{
		Match: func(key string) bool { return key == "f" },
	}); err != nil {
		panic(err)
	}

	result, err := run.RunToCompletion(context.Background(), map[string]string{
		"f": "bacon",
	})
	if err != nil {
		panic(err)
	}

	fmt.Println(result["f"].Value)
	// Output: CRISPY BACON
}
