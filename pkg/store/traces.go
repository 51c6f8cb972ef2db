package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/workflow"
)

var _ workflow.TraceStore = (*SQLStore)(nil)

func (s *SQLStore) CreateRun(ctx context.Context, trace contracts.ExecutionTrace) error {
	query := s.rebind(`INSERT INTO workflow_runs (run_id, workflow_id, mode, status, started_at)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		trace.RunID, trace.WorkflowID, string(trace.Mode), string(trace.Status),
		trace.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", trace.RunID, err)
	}
	return nil
}

func (s *SQLStore) AppendEvent(ctx context.Context, ev contracts.TraceEvent) error {
	var detail sql.NullString
	if len(ev.Detail) > 0 {
		raw, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("trace event %s/%d: %w", ev.RunID, ev.Seq, err)
		}
		detail = sql.NullString{String: string(raw), Valid: true}
	}
	query := s.rebind(`INSERT INTO execution_trace
		(run_id, seq, node_id, kind, parent_id, entered_at, outcome, duration_ns, error, error_kind, detail, simulated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		ev.RunID, ev.Seq, ev.NodeID, ev.Kind, ev.ParentID,
		ev.EnteredAt.UTC().Format(time.RFC3339Nano), string(ev.Outcome), int64(ev.Duration),
		ev.Error, string(ev.ErrorKind), detail, ev.Simulated,
	)
	if err != nil {
		return fmt.Errorf("failed to append trace event %s/%d: %w", ev.RunID, ev.Seq, err)
	}
	return nil
}

func (s *SQLStore) UpdateRun(ctx context.Context, trace contracts.ExecutionTrace) error {
	var completed sql.NullString
	if trace.CompletedAt != nil {
		completed = sql.NullString{String: trace.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	query := s.rebind(`UPDATE workflow_runs
		SET status = ?, completed_at = ?, failed_node = ?, failure_kind = ?, error = ?
		WHERE run_id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(trace.Status), completed, trace.FailedNode, string(trace.FailureKind), trace.Error, trace.RunID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", trace.RunID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return runNotFound(trace.RunID)
	}
	return nil
}

func (s *SQLStore) GetTrace(ctx context.Context, runID string) (contracts.ExecutionTrace, error) {
	var (
		tr                   contracts.ExecutionTrace
		mode, status         string
		startedAt            string
		completedAt          sql.NullString
		failureKind, message string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT run_id, workflow_id, mode, status, started_at, completed_at, failed_node, failure_kind, error
		FROM workflow_runs WHERE run_id = ?`), runID).
		Scan(&tr.RunID, &tr.WorkflowID, &mode, &status, &startedAt, &completedAt, &tr.FailedNode, &failureKind, &message)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ExecutionTrace{}, runNotFound(runID)
	}
	if err != nil {
		return contracts.ExecutionTrace{}, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	tr.Mode = contracts.RunMode(mode)
	tr.Status = contracts.RunStatus(status)
	tr.FailureKind = contracts.ErrorKind(failureKind)
	tr.Error = message
	if tr.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return contracts.ExecutionTrace{}, fmt.Errorf("run %s: bad started_at: %w", runID, err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return contracts.ExecutionTrace{}, fmt.Errorf("run %s: bad completed_at: %w", runID, err)
		}
		tr.CompletedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT seq, node_id, kind, parent_id, entered_at, outcome, duration_ns, error, error_kind, detail, simulated
		FROM execution_trace WHERE run_id = ? ORDER BY seq`), runID)
	if err != nil {
		return contracts.ExecutionTrace{}, fmt.Errorf("failed to read trace %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	tr.Events = []contracts.TraceEvent{}
	for rows.Next() {
		var (
			ev                       contracts.TraceEvent
			enteredAt, outcome, kind string
			durationNS               int64
			detail                   sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ev.NodeID, &ev.Kind, &ev.ParentID, &enteredAt, &outcome, &durationNS,
			&ev.Error, &kind, &detail, &ev.Simulated); err != nil {
			return contracts.ExecutionTrace{}, err
		}
		ev.RunID = runID
		ev.Outcome = contracts.NodeStatus(outcome)
		ev.ErrorKind = contracts.ErrorKind(kind)
		ev.Duration = time.Duration(durationNS)
		if ev.EnteredAt, err = time.Parse(time.RFC3339Nano, enteredAt); err != nil {
			return contracts.ExecutionTrace{}, fmt.Errorf("trace %s/%d: bad entered_at: %w", runID, ev.Seq, err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &ev.Detail); err != nil {
				return contracts.ExecutionTrace{}, fmt.Errorf("trace %s/%d: bad detail: %w", runID, ev.Seq, err)
			}
		}
		tr.Events = append(tr.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return contracts.ExecutionTrace{}, err
	}
	return tr, nil
}

func runNotFound(runID string) error {
	return contracts.NewError(contracts.KindNotFound, "run_not_found", "run "+runID+" does not exist")
}
