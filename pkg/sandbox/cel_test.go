package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

const temperatureScript = `input.temp > 80 ?
  {"outcome": "critical", "confidence": 0.9, "rationale": ["temperature above 80"], "recommended_actions": ["stop_line"]} :
  {"outcome": "normal", "confidence": 0.95, "rationale": ["temperature within range"]}`

func newCEL(t *testing.T, cfg SandboxConfig) *Sandbox {
	t.Helper()
	backend, err := NewCELBackend(cfg)
	require.NoError(t, err)
	return New(map[contracts.ScriptLanguage]Backend{contracts.LanguageCEL: backend})
}

func script(src string) contracts.DecisionScript {
	return contracts.DecisionScript{ScriptID: "line-temp", Version: "1.0.0", Language: contracts.LanguageCEL, SourceText: src}
}

func requireKind(t *testing.T, err error, kind contracts.ErrorKind, code string) {
	t.Helper()
	require.Error(t, err)
	var se *contracts.Error
	require.True(t, errors.As(err, &se), "expected *contracts.Error, got %T", err)
	assert.Equal(t, kind, se.Kind)
	if code != "" {
		assert.Equal(t, code, se.Code)
	}
}

func TestCEL_MapResult(t *testing.T) {
	sb := newCEL(t, DefaultConfig())
	ctx := context.Background()

	v, err := sb.Evaluate(ctx, script(temperatureScript), map[string]any{"temp": 85})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeCritical, v.Outcome)
	assert.Equal(t, 0.9, v.Confidence)
	assert.Equal(t, []string{"temperature above 80"}, v.Rationale)
	assert.Equal(t, []string{"stop_line"}, v.RecommendedActions)
	assert.Equal(t, contracts.SourceRule, v.Source)
	assert.Equal(t, "line-temp", v.ScriptID)
	assert.Equal(t, "1.0.0", v.ScriptVersion)

	v, err = sb.Evaluate(ctx, script(temperatureScript), map[string]any{"temp": 70.5})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeNormal, v.Outcome)
	assert.Empty(t, v.RecommendedActions)
}

func TestCEL_ResultShapes(t *testing.T) {
	sb := newCEL(t, DefaultConfig())
	ctx := context.Background()

	t.Run("null is no match", func(t *testing.T) {
		v, err := sb.Evaluate(ctx, script(`input.temp > 100 ? "critical" : null`), map[string]any{"temp": 20})
		require.NoError(t, err)
		assert.Equal(t, contracts.OutcomeInconclusive, v.Outcome)
		assert.False(t, v.Conclusive())
	})

	t.Run("string label is normalized", func(t *testing.T) {
		v, err := sb.Evaluate(ctx, script(`"STOP_LINE"`), nil)
		require.NoError(t, err)
		assert.Equal(t, contracts.OutcomeCritical, v.Outcome)
		assert.Equal(t, defaultRuleConfidence, v.Confidence)
	})

	t.Run("confidence derived from checks", func(t *testing.T) {
		v, err := sb.Evaluate(ctx, script(`{"status": "WARNING", "checks": [true, false, true, true]}`), nil)
		require.NoError(t, err)
		assert.Equal(t, contracts.OutcomeWarning, v.Outcome)
		assert.InDelta(t, 0.95, v.Confidence, 1e-9)
	})

	t.Run("missing outcome is inconclusive", func(t *testing.T) {
		v, err := sb.Evaluate(ctx, script(`{"confidence": 0.9}`), nil)
		require.NoError(t, err)
		assert.Equal(t, contracts.OutcomeInconclusive, v.Outcome)
	})

	t.Run("confidence out of range", func(t *testing.T) {
		_, err := sb.Evaluate(ctx, script(`{"outcome": "normal", "confidence": 1.5}`), nil)
		requireKind(t, err, contracts.KindSandboxViolation, "invalid_output")
	})

	t.Run("unsupported result type", func(t *testing.T) {
		_, err := sb.Evaluate(ctx, script(`true`), nil)
		requireKind(t, err, contracts.KindSandboxViolation, "invalid_output")
	})
}

func TestCEL_BelowThresholdIsInconclusive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 0.9
	sb := newCEL(t, cfg)

	v, err := sb.Evaluate(context.Background(), script(`{"outcome": "warning", "confidence": 0.7}`), nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeInconclusive, v.Outcome)
	assert.Equal(t, 0.7, v.Confidence)
	require.NotEmpty(t, v.Rationale)
	assert.Contains(t, v.Rationale[len(v.Rationale)-1], "below threshold")
}

func TestCEL_Violations(t *testing.T) {
	sb := newCEL(t, DefaultConfig())
	ctx := context.Background()

	t.Run("clock access is banned", func(t *testing.T) {
		_, err := sb.Evaluate(ctx, script(`timestamp("2024-01-01T00:00:00Z") > timestamp("2023-01-01T00:00:00Z") ? "warning" : "normal"`), nil)
		requireKind(t, err, contracts.KindSandboxViolation, "banned_function")
		assert.ErrorIs(t, err, contracts.ErrSandboxViolation)
	})

	t.Run("compile error", func(t *testing.T) {
		_, err := sb.Evaluate(ctx, script(`input.temp >`), nil)
		requireKind(t, err, contracts.KindSandboxViolation, "compile_error")
	})

	t.Run("runtime error", func(t *testing.T) {
		_, err := sb.Evaluate(ctx, script(`input.missing.field == 1 ? "warning" : "normal"`), map[string]any{})
		requireKind(t, err, contracts.KindSandboxViolation, "eval_error")
	})

	t.Run("unknown language", func(t *testing.T) {
		s := script(`"normal"`)
		s.Language = "lua"
		_, err := sb.Evaluate(ctx, s, nil)
		requireKind(t, err, contracts.KindSandboxViolation, "unsupported_language")
	})
}

func TestCEL_CostLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CostLimit = 50
	sb := newCEL(t, cfg)

	items := make([]any, 1000)
	for i := range items {
		items[i] = i
	}
	_, err := sb.Evaluate(context.Background(), script(`input.items.all(x, x >= 0) ? "normal" : "warning"`),
		map[string]any{"items": items})
	requireKind(t, err, contracts.KindSandboxViolation, "cost_exhausted")
}

func TestCEL_Timeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CostLimit = 0
	cfg.Timeout = 5 * time.Millisecond
	sb := newCEL(t, cfg)

	items := make([]any, 2000)
	for i := range items {
		items[i] = i
	}
	_, err := sb.Evaluate(context.Background(),
		script(`input.items.all(x, !input.items.exists(y, y < 0)) ? "normal" : "warning"`),
		map[string]any{"items": items})
	requireKind(t, err, contracts.KindSandboxTimeout, "time_exhausted")
	assert.ErrorIs(t, err, contracts.ErrSandboxTimeout)
}

func TestCEL_Deterministic(t *testing.T) {
	sb := newCEL(t, DefaultConfig())
	ctx := context.Background()
	input := map[string]any{"temp": 91, "line": "L2"}

	first, err := sb.Evaluate(ctx, script(temperatureScript), input)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := sb.Evaluate(ctx, script(temperatureScript), input)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDeterministicValidator(t *testing.T) {
	v := NewDeterministicValidator()

	assert.Empty(t, v.ValidateExpression(`input.timestamp > 10 ? "warning" : "normal"`))

	issues := v.ValidateExpression(`now() > 1 && input.m.keys().size() > 0`)
	require.Len(t, issues, 2)
	assert.Equal(t, "keys", issues[0].Name)
	assert.Equal(t, "now", issues[1].Name)
}

func TestCEL_InputMapIterationIsStable(t *testing.T) {
	sb := newCEL(t, DefaultConfig())
	ctx := context.Background()
	input := map[string]any{"nested": map[string]any{"z": 1, "y": 2, "x": 3}}
	for i, k := range []string{"j", "c", "h", "a", "e", "b", "i", "d", "g", "f"} {
		input[k] = i
	}
	src := script(`{
	  "outcome": input.map(k, k)[0],
	  "rationale": input.filter(k, k != "nested" && input[k] > 6) + input.nested.map(k, k)
	}`)

	for i := 0; i < 200; i++ {
		v, err := sb.Evaluate(ctx, src, input)
		require.NoError(t, err)
		require.Equal(t, contracts.Outcome("a"), v.Outcome, "evaluation %d", i)
		require.Equal(t, []string{"d", "f", "g", "x", "y", "z"}, v.Rationale, "evaluation %d", i)
	}
}

func TestCEL_RejectsMapLiteralIteration(t *testing.T) {
	sb := newCEL(t, DefaultConfig())
	ctx := context.Background()

	for _, src := range []string{
		`{"b": 1, "a": 2}.map(k, k)[0]`,
		`[{"b": 1, "a": 2}].exists(m, m.map(k, k)[0] == "a") ? "warning" : "normal"`,
	} {
		_, err := sb.Evaluate(ctx, script(src), nil)
		requireKind(t, err, contracts.KindSandboxViolation, "nondeterministic")
	}

	v, err := sb.Evaluate(ctx, script(`[1, 2].map(x, {"v": x}).size() == 2 ? "warning" : "normal"`), nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeWarning, v.Outcome)
}
