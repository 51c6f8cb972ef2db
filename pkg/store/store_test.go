package store

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/rollout"
)

func expectMigrate(mock sqlmock.Sqlmock) {
	for range migrations {
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS")).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	expectMigrate(mock)
	s, err := New(context.Background(), db, Postgres)
	require.NoError(t, err)
	return s, mock
}

func newSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), SQLite, filepath.Join(t.TempDir(), "triflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: Postgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := &SQLStore{dialect: SQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestSQLStore_PutScriptPostgres(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	script := contracts.DecisionScript{
		ScriptID: "defect", Version: "1.0.0", Language: contracts.LanguageCEL,
		SourceText: `"normal"`, CreatedAt: time.Now(),
	}

	insert := regexp.QuoteMeta("INSERT INTO scripts (script_id, version, language, source_text, created_at)\n\t\tVALUES ($1, $2, $3, $4, $5)")
	mock.ExpectExec(insert).
		WithArgs("defect", "1.0.0", "cel", `"normal"`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.PutScript(ctx, script))

	mock.ExpectExec(insert).
		WithArgs("defect", "1.0.0", "cel", `"normal"`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.PutScript(ctx, script)
	assert.ErrorIs(t, err, contracts.ErrRolloutConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetScriptNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM scripts WHERE script_id = $1 AND version = $2")).
		WithArgs("defect", "2.0.0").
		WillReturnRows(sqlmock.NewRows([]string{"script_id", "version", "language", "source_text", "created_at"}))

	_, err := s.GetScript(context.Background(), "defect", "2.0.0")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SaveStateUpserts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rollout_state (script_id, state, updated_at) VALUES ($1, $2, $3)")).
		WithArgs("defect", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveState(context.Background(), contracts.RolloutState{ScriptID: "defect", ActiveVersion: "1.0.0", Stage: contracts.StageActive})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_FinishUnknownRun(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflow_runs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateRun(context.Background(), contracts.ExecutionTrace{RunID: "missing", Status: contracts.RunCompleted})
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestSQLite_Scripts(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	for _, v := range []string{"1.10.0", "1.2.0", "1.9.1"} {
		require.NoError(t, s.PutScript(ctx, contracts.DecisionScript{
			ScriptID: "defect", Version: v, Language: contracts.LanguageCEL, SourceText: `"ok"`, CreatedAt: time.Now(),
		}))
	}
	err := s.PutScript(ctx, contracts.DecisionScript{ScriptID: "defect", Version: "1.2.0", SourceText: `"dup"`, CreatedAt: time.Now()})
	assert.ErrorIs(t, err, contracts.ErrRolloutConflict)

	got, err := s.GetScript(ctx, "defect", "1.9.1")
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, got.SourceText)
	assert.Equal(t, contracts.LanguageCEL, got.Language)

	list, err := s.ListScripts(ctx, "defect")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"1.2.0", "1.9.1", "1.10.0"}, []string{list[0].Version, list[1].Version, list[2].Version})
}

func TestSQLite_RolloutStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	path := filepath.Join(dir, "triflow.db")

	s, err := Open(ctx, SQLite, path)
	require.NoError(t, err)
	ctrl := rollout.NewController(s, nil)
	for _, v := range []string{"1.0.0", "1.1.0"} {
		_, err := ctrl.RegisterScript(ctx, contracts.DecisionScript{ScriptID: "defect", Version: v, SourceText: `"ok"`})
		require.NoError(t, err)
	}
	_, err = ctrl.StartCanary(ctx, "defect", "1.1.0", contracts.CanaryPlan{InitialFraction: 0.2, RampSchedule: []float64{0.6}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, SQLite, path)
	require.NoError(t, err)
	defer s.Close()

	restarted := rollout.NewController(s, nil)
	require.NoError(t, restarted.Load(ctx))
	st, err := restarted.State(ctx, "defect")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageCanary, st.Stage)
	assert.Equal(t, "1.1.0", st.CanaryVersion)
	assert.Equal(t, 0.2, st.CanaryTrafficFraction)
	require.NotNil(t, st.Plan)
	assert.Equal(t, []float64{0.6}, st.Plan.RampSchedule)

	states, err := s.ListStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestSQLite_Traces(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	start := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateRun(ctx, contracts.ExecutionTrace{
		RunID: "run-1", WorkflowID: "wf", Mode: contracts.ModeSimulate, Status: contracts.RunRunning, StartedAt: start,
	}))
	require.NoError(t, s.AppendEvent(ctx, contracts.TraceEvent{
		Seq: 1, RunID: "run-1", NodeID: "deploy", Kind: "deploy", EnteredAt: start,
		Outcome: contracts.NodeSucceeded, Duration: 3 * time.Millisecond, Simulated: true,
		Detail: map[string]any{"version": "1.1.0"},
	}))
	require.NoError(t, s.AppendEvent(ctx, contracts.TraceEvent{
		Seq: 2, RunID: "run-1", NodeID: "notify", Kind: "action", EnteredAt: start.Add(time.Second),
		Outcome: contracts.NodeFailed, Error: "boom", ErrorKind: contracts.KindActionExhausted,
	}))
	done := start.Add(2 * time.Second)
	require.NoError(t, s.UpdateRun(ctx, contracts.ExecutionTrace{
		RunID: "run-1", Status: contracts.RunFailed, CompletedAt: &done,
		FailedNode: "notify", FailureKind: contracts.KindActionExhausted, Error: "boom",
	}))

	tr, err := s.GetTrace(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunFailed, tr.Status)
	assert.Equal(t, contracts.ModeSimulate, tr.Mode)
	assert.Equal(t, "notify", tr.FailedNode)
	require.NotNil(t, tr.CompletedAt)
	assert.True(t, done.Equal(*tr.CompletedAt))
	require.Len(t, tr.Events, 2)
	assert.Equal(t, "deploy", tr.Events[0].NodeID)
	assert.True(t, tr.Events[0].Simulated)
	assert.Equal(t, "1.1.0", tr.Events[0].Detail["version"])
	assert.Equal(t, 3*time.Millisecond, tr.Events[0].Duration)
	assert.Equal(t, contracts.KindActionExhausted, tr.Events[1].ErrorKind)

	_, err = s.GetTrace(ctx, "nope")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
