//go:build property

package sandbox

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// TestCELDeterminism checks that repeated evaluation of the same script on
// the same input yields identical verdicts.
func TestCELDeterminism(t *testing.T) {
	backend, err := NewCELBackend(DefaultConfig())
	require.NoError(t, err)
	sb := New(map[contracts.ScriptLanguage]Backend{contracts.LanguageCEL: backend})
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same script and input give the same verdict", prop.ForAll(
		func(temp float64, line string) bool {
			input := map[string]any{"temp": temp, "line": line}
			first, errA := sb.Evaluate(ctx, script(temperatureScript), input)
			second, errB := sb.Evaluate(ctx, script(temperatureScript), input)
			if errA != nil || errB != nil {
				return false
			}
			return first.Outcome == second.Outcome &&
				first.Confidence == second.Confidence &&
				len(first.Rationale) == len(second.Rationale)
		},
		gen.Float64Range(-50, 200),
		gen.AlphaString(),
	))

	properties.Property("threshold is respected", prop.ForAll(
		func(temp float64) bool {
			v, err := sb.Evaluate(ctx, script(temperatureScript), map[string]any{"temp": temp})
			if err != nil {
				return false
			}
			if temp > 80 {
				return v.Outcome == contracts.OutcomeCritical
			}
			return v.Outcome == contracts.OutcomeNormal
		},
		gen.Float64Range(-50, 200),
	))

	properties.TestingRun(t)
}
