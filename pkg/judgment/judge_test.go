package judgment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/cache"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/fallback"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/sandbox"
)

type staticVersions map[string]contracts.DecisionScript

func (s staticVersions) SelectVersion(_ context.Context, scriptID, _ string) (contracts.DecisionScript, error) {
	script, ok := s[scriptID]
	if !ok {
		return contracts.DecisionScript{}, contracts.NewError(contracts.KindNotFound, "unknown_script", scriptID)
	}
	return script, nil
}

type countingSandbox struct {
	inner sandbox.Evaluator
	calls atomic.Int32
}

func (c *countingSandbox) Evaluate(ctx context.Context, s contracts.DecisionScript, in map[string]any) (contracts.Verdict, error) {
	c.calls.Add(1)
	return c.inner.Evaluate(ctx, s, in)
}

type recorder struct {
	mu   sync.Mutex
	seen []contracts.Observation
}

func (r *recorder) RecordOutcome(_ context.Context, obs contracts.Observation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, obs)
	return nil
}

const (
	confidentScript = `{"outcome": input.temp > 80 ? "critical" : "normal", "confidence": 0.95, "recommended_actions": input.temp > 80 ? ["stop_line"] : []}`
	weakScript      = `{"outcome": "warning", "confidence": 0.6}`
	noMatchScript   = `null`
	brokenScript    = `input.missing.field > 1`
)

type fixture struct {
	svc      *Service
	sb       *countingSandbox
	fbCalls  *atomic.Int32
	cache    *cache.JudgmentCache
	recorder *recorder
}

func newFixture(t *testing.T, src string, infer fallback.InferFunc) fixture {
	t.Helper()
	backend, err := sandbox.NewCELBackend(sandbox.DefaultConfig())
	require.NoError(t, err)
	sb := &countingSandbox{inner: sandbox.New(map[contracts.ScriptLanguage]sandbox.Backend{contracts.LanguageCEL: backend})}

	versions := staticVersions{"line-temp": {
		ScriptID: "line-temp", Version: "1.2.0", Language: contracts.LanguageCEL, SourceText: src,
	}}

	calls := &atomic.Int32{}
	var fb fallback.Client
	if infer != nil {
		fb = fallback.InferFunc(func(ctx context.Context, req fallback.Request) (fallback.Inference, error) {
			calls.Add(1)
			return infer(ctx, req)
		})
	}

	jc := cache.New(cache.NewMemoryStore(), time.Minute)
	rec := &recorder{}
	svc := NewService(versions, sb, fb, jc)
	svc.SetOutcomeRecorder(rec)
	return fixture{svc: svc, sb: sb, fbCalls: calls, cache: jc, recorder: rec}
}

func answer(outcome contracts.Outcome, conf float64) fallback.InferFunc {
	return func(context.Context, fallback.Request) (fallback.Inference, error) {
		return fallback.Inference{Outcome: outcome, Confidence: conf, Rationale: []string{"model says " + string(outcome)}}, nil
	}
}

func failing() fallback.InferFunc {
	return func(context.Context, fallback.Request) (fallback.Inference, error) {
		return fallback.Inference{}, contracts.NewError(contracts.KindFallbackUnavailable, "call_failed", "upstream down")
	}
}

func judge(t *testing.T, f fixture, input map[string]any) (contracts.Verdict, error) {
	t.Helper()
	return f.svc.Judge(context.Background(), Request{ScriptID: "line-temp", Input: input})
}

func TestJudge_ConfidentRuleSkipsFallback(t *testing.T) {
	f := newFixture(t, confidentScript, answer(contracts.OutcomeNormal, 0.9))

	got, err := judge(t, f, map[string]any{"temp": 90})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeCritical, got.Outcome)
	assert.Equal(t, contracts.SourceRule, got.Source)
	assert.Equal(t, []string{"stop_line"}, got.RecommendedActions)
	assert.Equal(t, "1.2.0", got.ScriptVersion)
	assert.NotEmpty(t, got.Fingerprint)
	assert.Contains(t, got.Rationale[0], "fallback not consulted")
	assert.Zero(t, f.fbCalls.Load())
}

func TestJudge_CacheHit(t *testing.T) {
	f := newFixture(t, confidentScript, nil)
	input := map[string]any{"temp": 50, "line": "A"}

	first, err := judge(t, f, input)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := judge(t, f, map[string]any{"line": "A", "temp": 50})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, int32(1), f.sb.calls.Load())
	assert.Len(t, f.recorder.seen, 1)
}

func TestJudge_WeakRuleEscalates(t *testing.T) {
	f := newFixture(t, weakScript, answer(contracts.OutcomeCritical, 0.9))

	got, err := judge(t, f, map[string]any{"temp": 70})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeCritical, got.Outcome)
	assert.Equal(t, contracts.SourceHybrid, got.Source)
	assert.Contains(t, got.Rationale, "rule: warning @ 0.6")
	assert.Contains(t, got.Rationale, "fallback_model: critical @ 0.9")
	assert.Equal(t, int32(1), f.fbCalls.Load())

	require.Len(t, f.recorder.seen, 1)
	assert.True(t, f.recorder.seen[0].Overridden)
	assert.False(t, f.recorder.seen[0].Failed)
}

func TestJudge_InconclusiveRuleEscalates(t *testing.T) {
	f := newFixture(t, noMatchScript, answer(contracts.OutcomeWarning, 0.7))

	got, err := judge(t, f, map[string]any{"temp": 70})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeWarning, got.Outcome)
	assert.Equal(t, 0.7, got.Confidence)
}

func TestJudge_SandboxFailureUsesFallback(t *testing.T) {
	f := newFixture(t, brokenScript, answer(contracts.OutcomeWarning, 0.7))

	got, err := judge(t, f, map[string]any{"temp": 70})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeWarning, got.Outcome)
	assert.Equal(t, contracts.SourceFallbackModel, got.Source)
	assert.Contains(t, got.Rationale[0], "SandboxViolation")

	require.Len(t, f.recorder.seen, 1)
	assert.True(t, f.recorder.seen[0].Failed)
}

func TestJudge_FallbackFailureDegrades(t *testing.T) {
	f := newFixture(t, weakScript, failing())

	got, err := judge(t, f, map[string]any{"temp": 70})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeWarning, got.Outcome)
	assert.True(t, got.Degraded)
	assert.LessOrEqual(t, got.Confidence, 0.6)
	assert.Contains(t, got.Rationale[0], "degraded")

	_, err = judge(t, f, map[string]any{"temp": 70})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.sb.calls.Load(), "degraded verdicts are not cached")
	assert.Zero(t, f.cache.Stats().Writes)
}

func TestJudge_NoFallbackConfiguredDegrades(t *testing.T) {
	f := newFixture(t, weakScript, nil)
	got, err := judge(t, f, map[string]any{"temp": 70})
	require.NoError(t, err)
	assert.True(t, got.Degraded)
}

func TestJudge_BothFailIsUnavailable(t *testing.T) {
	f := newFixture(t, brokenScript, failing())

	_, err := judge(t, f, map[string]any{"temp": 70})
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrJudgmentUnavailable)
	assert.ErrorIs(t, err, contracts.ErrSandboxViolation)
	assert.ErrorIs(t, err, contracts.ErrFallbackUnavailable)
}

func TestJudge_RuleOnlyAndFallbackOnly(t *testing.T) {
	f := newFixture(t, noMatchScript, answer(contracts.OutcomeCritical, 0.9))
	ctx := context.Background()

	got, err := f.svc.Judge(ctx, Request{ScriptID: "line-temp", Policy: &PolicyConfig{Aggregation: RuleOnly}})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeInconclusive, got.Outcome)
	assert.Zero(t, f.fbCalls.Load())

	got, err = f.svc.Judge(ctx, Request{ScriptID: "line-temp", Policy: &PolicyConfig{Aggregation: FallbackOnly}})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeCritical, got.Outcome)
	assert.Equal(t, contracts.SourceFallbackModel, got.Source)
	assert.Equal(t, int32(1), f.sb.calls.Load())
}

func TestJudge_UnanimousAlwaysConsultsFallback(t *testing.T) {
	f := newFixture(t, confidentScript, answer(contracts.OutcomeCritical, 0.95))
	require.NoError(t, f.svc.RegisterPolicy(PolicyConfig{ID: "strict", Aggregation: UnanimousRequired}))

	got, err := f.svc.Judge(context.Background(), Request{ScriptID: "line-temp", PolicyID: "strict", Input: map[string]any{"temp": 20}})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeNeedsReview, got.Outcome)
	assert.Equal(t, int32(1), f.fbCalls.Load())
}

func TestJudge_PolicyChangesFingerprint(t *testing.T) {
	f := newFixture(t, confidentScript, nil)
	ctx := context.Background()
	in := map[string]any{"temp": 20}

	a, err := f.svc.Judge(ctx, Request{ScriptID: "line-temp", Input: in})
	require.NoError(t, err)
	b, err := f.svc.Judge(ctx, Request{ScriptID: "line-temp", Input: in, Policy: &PolicyConfig{Aggregation: RuleFirst}})
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
}

func TestJudge_Errors(t *testing.T) {
	f := newFixture(t, confidentScript, nil)
	ctx := context.Background()

	_, err := f.svc.Judge(ctx, Request{})
	assert.ErrorIs(t, err, contracts.ErrInvalid)

	_, err = f.svc.Judge(ctx, Request{ScriptID: "unknown"})
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	_, err = f.svc.Judge(ctx, Request{ScriptID: "line-temp", PolicyID: "missing"})
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestJudge_CancelledFallbackIsNotDegraded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, weakScript, func(ctx context.Context, _ fallback.Request) (fallback.Inference, error) {
		cancel()
		<-ctx.Done()
		return fallback.Inference{}, ctx.Err()
	})

	_, err := f.svc.Judge(ctx, Request{ScriptID: "line-temp", Input: map[string]any{"temp": 1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrCancelled))
}
