package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/rollout"
)

func (s *SQLStore) PutScript(ctx context.Context, script contracts.DecisionScript) error {
	query := s.rebind(`INSERT INTO scripts (script_id, version, language, source_text, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (script_id, version) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		script.ScriptID, script.Version, string(script.Language), script.SourceText,
		script.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert script %s: %w", script.Ref(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert script %s: %w", script.Ref(), err)
	}
	if n == 0 {
		return rollout.ErrVersionExists(script)
	}
	return nil
}

func (s *SQLStore) GetScript(ctx context.Context, scriptID, version string) (contracts.DecisionScript, error) {
	query := s.rebind(`SELECT script_id, version, language, source_text, created_at
		FROM scripts WHERE script_id = ? AND version = ?`)
	script, err := scanScript(s.db.QueryRowContext(ctx, query, scriptID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.DecisionScript{}, rollout.ErrScriptNotFound(scriptID, version)
	}
	return script, err
}

func (s *SQLStore) ListScripts(ctx context.Context, scriptID string) ([]contracts.DecisionScript, error) {
	query := s.rebind(`SELECT script_id, version, language, source_text, created_at
		FROM scripts WHERE script_id = ?`)
	rows, err := s.db.QueryContext(ctx, query, scriptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.DecisionScript
	for rows.Next() {
		script, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, script)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rollout.SortScripts(out)
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScript(row scanner) (contracts.DecisionScript, error) {
	var (
		script    contracts.DecisionScript
		language  string
		createdAt string
	)
	if err := row.Scan(&script.ScriptID, &script.Version, &language, &script.SourceText, &createdAt); err != nil {
		return contracts.DecisionScript{}, err
	}
	script.Language = contracts.ScriptLanguage(language)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return contracts.DecisionScript{}, fmt.Errorf("script %s: bad created_at %q: %w", script.Ref(), createdAt, err)
	}
	script.CreatedAt = t
	return script, nil
}

func (s *SQLStore) GetState(ctx context.Context, scriptID string) (contracts.RolloutState, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT state FROM rollout_state WHERE script_id = ?`), scriptID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.RolloutState{}, false, nil
	}
	if err != nil {
		return contracts.RolloutState{}, false, fmt.Errorf("failed to read rollout state: %w", err)
	}
	var st contracts.RolloutState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return contracts.RolloutState{}, false, fmt.Errorf("rollout state %s is corrupt: %w", scriptID, err)
	}
	return st, true, nil
}

func (s *SQLStore) SaveState(ctx context.Context, state contracts.RolloutState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	query := s.rebind(`INSERT INTO rollout_state (script_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (script_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, state.ScriptID, string(raw), state.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to save rollout state: %w", err)
	}
	return nil
}

func (s *SQLStore) ListStates(ctx context.Context) ([]contracts.RolloutState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM rollout_state ORDER BY script_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollout states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.RolloutState
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var st contracts.RolloutState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("rollout state is corrupt: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

var _ rollout.Repository = (*SQLStore)(nil)
