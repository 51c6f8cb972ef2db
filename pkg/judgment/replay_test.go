package judgment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// versionedScripts resolves line-temp versions; "" picks active.
type versionedScripts struct {
	active   string
	versions map[string]string
}

func (v versionedScripts) Script(_ context.Context, scriptID, version string) (contracts.DecisionScript, error) {
	if version == "" {
		version = v.active
	}
	src, ok := v.versions[version]
	if scriptID != "line-temp" || !ok {
		return contracts.DecisionScript{}, contracts.NewError(contracts.KindNotFound, "script_not_found", scriptID+"@"+version)
	}
	return contracts.DecisionScript{ScriptID: scriptID, Version: version, Language: contracts.LanguageCEL, SourceText: src}, nil
}

func newReplayFixture(t *testing.T) (fixture, *MemoryLog) {
	t.Helper()
	f := newFixture(t, confidentScript, nil)
	require.NoError(t, f.svc.SetDefaultPolicy(PolicyConfig{ID: "rules", Aggregation: RuleOnly}))
	log := NewMemoryLog()
	f.svc.SetJudgmentLog(log)
	f.svc.SetScriptResolver(versionedScripts{
		active:   "1.3.0",
		versions: map[string]string{"1.2.0": confidentScript, "1.3.0": weakScript},
	})
	return f, log
}

func TestJudge_RecordsJudgment(t *testing.T) {
	f, log := newReplayFixture(t)

	v, err := judge(t, f, map[string]any{"temp": 90})
	require.NoError(t, err)
	require.NotEmpty(t, v.JudgmentID)

	rec, err := log.GetJudgment(context.Background(), v.JudgmentID)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", rec.ScriptVersion)
	assert.Equal(t, "rules", rec.Policy.ID)
	assert.Equal(t, map[string]any{"temp": 90}, rec.Input)
	assert.Equal(t, contracts.OutcomeCritical, rec.Verdict.Outcome)

	again, err := judge(t, f, map[string]any{"temp": 90})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.NotEqual(t, v.JudgmentID, again.JudgmentID, "cache hits are recorded as their own judgments")
}

func TestReplay_SameVersionBypassesCacheAndMetrics(t *testing.T) {
	f, _ := newReplayFixture(t)
	ctx := context.Background()

	v, err := judge(t, f, map[string]any{"temp": 90})
	require.NoError(t, err)
	writes := f.cache.Stats().Writes

	res, err := f.svc.Replay(ctx, v.JudgmentID, ReplayOptions{Version: "1.2.0"})
	require.NoError(t, err)
	assert.Equal(t, v.Outcome, res.Replay.Outcome)
	assert.False(t, res.Comparison.Changed())
	assert.Empty(t, res.Comparison.Reasons)
	assert.Nil(t, res.Comparison.OutcomeChange)

	assert.EqualValues(t, 2, f.sb.calls.Load(), "replay must not be served from the cache")
	assert.Equal(t, writes, f.cache.Stats().Writes)
	assert.Len(t, f.recorder.seen, 1, "replays do not feed rollout metrics")
}

func TestReplay_ActiveVersionDiff(t *testing.T) {
	f, _ := newReplayFixture(t)

	v, err := judge(t, f, map[string]any{"temp": 90})
	require.NoError(t, err)

	res, err := f.svc.Replay(context.Background(), v.JudgmentID, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", res.Replay.ScriptVersion)
	assert.Equal(t, contracts.OutcomeWarning, res.Replay.Outcome)

	c := res.Comparison
	assert.True(t, c.OutcomeChanged)
	require.NotNil(t, c.OutcomeChange)
	assert.Equal(t, OutcomeChange{From: contracts.OutcomeCritical, To: contracts.OutcomeWarning}, *c.OutcomeChange)
	assert.InDelta(t, -0.35, c.ConfidenceDiff, 1e-9)
	assert.True(t, c.ConfidenceChanged)
	assert.True(t, c.VersionChanged)
	assert.False(t, c.SourceChanged)
	assert.Equal(t, []string{ReasonVersionChanged, ReasonOutcomeChanged, ReasonConfidenceShifted}, c.Reasons)
}

func TestReplay_Errors(t *testing.T) {
	f, _ := newReplayFixture(t)
	ctx := context.Background()

	_, err := f.svc.Replay(ctx, "nope", ReplayOptions{})
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	v, err := judge(t, f, map[string]any{"temp": 90})
	require.NoError(t, err)
	_, err = f.svc.Replay(ctx, v.JudgmentID, ReplayOptions{Version: "9.9.9"})
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	_, err = f.svc.Replay(ctx, v.JudgmentID, ReplayOptions{PolicyID: "missing"})
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	bare := newFixture(t, confidentScript, nil)
	_, err = bare.svc.Replay(ctx, "any", ReplayOptions{})
	assert.Equal(t, contracts.KindInternal, contracts.KindOf(err))
}

func TestReplayBatch(t *testing.T) {
	f, _ := newReplayFixture(t)
	ctx := context.Background()

	hot, err := judge(t, f, map[string]any{"temp": 90})
	require.NoError(t, err)
	cool, err := judge(t, f, map[string]any{"temp": 50})
	require.NoError(t, err)

	out, err := f.svc.ReplayBatch(ctx, []string{hot.JudgmentID, "missing", cool.JudgmentID}, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 2, out.Changed)
	assert.Equal(t, 0, out.Unchanged)
	assert.Equal(t, 1, out.Failed)
	assert.InDelta(t, 66.67, out.ChangeRate, 1e-9)
	require.Len(t, out.Results, 3)
	assert.NotEmpty(t, out.Results[1].Error)
	assert.Nil(t, out.Results[1].Result)
	assert.Equal(t, map[string]int{"critical -> warning": 1, "normal -> warning": 1}, out.Summary.OutcomeChanges)
	assert.InDelta(t, -0.35, out.Summary.AvgConfidenceChange, 1e-9)
	assert.Equal(t, 2, out.Summary.ConfidenceDecreased)
	assert.Zero(t, out.Summary.ConfidenceIncreased)

	_, err = f.svc.ReplayBatch(ctx, nil, ReplayOptions{})
	assert.ErrorIs(t, err, contracts.ErrInvalid)
	_, err = f.svc.ReplayBatch(ctx, make([]string, MaxReplayBatch+1), ReplayOptions{})
	assert.ErrorIs(t, err, contracts.ErrInvalid)
}

func TestReplayBatch_Cancelled(t *testing.T) {
	f, _ := newReplayFixture(t)
	v, err := judge(t, f, map[string]any{"temp": 90})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.svc.ReplayBatch(ctx, []string{v.JudgmentID}, ReplayOptions{})
	assert.ErrorIs(t, err, contracts.ErrCancelled)
}

func TestWhatIf_UsesRecordedVersion(t *testing.T) {
	f, _ := newReplayFixture(t)
	ctx := context.Background()

	v, err := judge(t, f, map[string]any{"temp": 75, "line": "A"})
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeNormal, v.Outcome)

	res, err := f.svc.WhatIf(ctx, v.JudgmentID, map[string]any{"temp": 95}, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temp": 95, "line": "A"}, res.ModifiedInput)
	assert.Equal(t, map[string]any{"temp": 75, "line": "A"}, res.OriginalInput)
	assert.Equal(t, "1.2.0", res.WhatIf.ScriptVersion)
	assert.Equal(t, contracts.OutcomeCritical, res.WhatIf.Outcome)
	assert.True(t, res.Impact.OutcomeChanged)
	assert.Zero(t, res.Impact.ConfidenceChange)
	assert.Equal(t, []string{"stop_line"}, res.WhatIf.RecommendedActions)

	_, err = f.svc.WhatIf(ctx, v.JudgmentID, nil, ReplayOptions{})
	assert.ErrorIs(t, err, contracts.ErrInvalid)
}
