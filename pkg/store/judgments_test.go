package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/judgment"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/rollout"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/sandbox"
)

func TestSQLStore_GetJudgmentNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT record FROM judgments WHERE judgment_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"record"}))

	_, err := s.GetJudgment(context.Background(), "missing")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_JudgmentRecords(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	rec := judgment.Record{
		ID: "j-1", ScriptID: "line-temp", ScriptVersion: "1.0.0",
		Policy:  judgment.PolicyConfig{ID: "rules", Aggregation: judgment.RuleOnly, CacheTTL: time.Minute},
		Input:   map[string]any{"temp": 75.5, "line": "A"},
		Verdict: contracts.Verdict{Outcome: contracts.OutcomeNormal, Confidence: 0.9, Source: contracts.SourceRule, Rationale: []string{"ok"}},
		RecordedAt: at,
	}
	require.NoError(t, s.AppendJudgment(ctx, rec))
	assert.Error(t, s.AppendJudgment(ctx, rec))

	got, err := s.GetJudgment(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Input, got.Input)
	assert.Equal(t, rec.Verdict, got.Verdict)
	assert.Equal(t, judgment.RuleOnly, got.Policy.Aggregation)
	assert.Equal(t, time.Minute, got.Policy.CacheTTL)
	assert.True(t, at.Equal(got.RecordedAt))
}

func TestSQLite_ReplayAgainstNewerVersion(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)

	ctrl := rollout.NewController(s, nil)
	for _, v := range []struct{ version, threshold string }{{"1.0.0", "80"}, {"1.1.0", "70"}} {
		_, err := ctrl.RegisterScript(ctx, contracts.DecisionScript{
			ScriptID: "line-temp", Version: v.version, Language: contracts.LanguageCEL,
			SourceText: `{"outcome": input.temp > ` + v.threshold + ` ? "critical" : "normal", "confidence": 0.9}`,
		})
		require.NoError(t, err)
	}
	st, err := ctrl.State(ctx, "line-temp")
	require.NoError(t, err)
	require.Equal(t, "1.0.0", st.ActiveVersion)

	backend, err := sandbox.NewCELBackend(sandbox.DefaultConfig())
	require.NoError(t, err)
	svc := judgment.NewService(ctrl, sandbox.New(map[contracts.ScriptLanguage]sandbox.Backend{contracts.LanguageCEL: backend}), nil, nil)
	svc.SetJudgmentLog(s)
	require.NoError(t, svc.SetDefaultPolicy(judgment.PolicyConfig{ID: "rules", Aggregation: judgment.RuleOnly}))

	v, err := svc.Judge(ctx, judgment.Request{ScriptID: "line-temp", Input: map[string]any{"temp": 75}})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeNormal, v.Outcome)
	require.NotEmpty(t, v.JudgmentID)

	res, err := svc.Replay(ctx, v.JudgmentID, judgment.ReplayOptions{Version: "1.1.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.Original.ScriptVersion)
	assert.Equal(t, "1.1.0", res.Replay.ScriptVersion)
	assert.Equal(t, contracts.OutcomeCritical, res.Replay.Outcome)
	assert.Equal(t, []string{judgment.ReasonVersionChanged, judgment.ReasonOutcomeChanged}, res.Comparison.Reasons)
}
