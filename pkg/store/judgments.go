package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/judgment"
)

var _ judgment.Log = (*SQLStore)(nil)

// AppendJudgment stores rec as one JSON document keyed by its id.
func (s *SQLStore) AppendJudgment(ctx context.Context, rec judgment.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("judgment %s: %w", rec.ID, err)
	}
	query := s.rebind(`INSERT INTO judgments (judgment_id, script_id, script_version, record, recorded_at)
		VALUES (?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.ScriptID, rec.ScriptVersion, string(raw), rec.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert judgment %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) GetJudgment(ctx context.Context, id string) (judgment.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT record FROM judgments WHERE judgment_id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return judgment.Record{}, judgment.JudgmentNotFound(id)
	}
	if err != nil {
		return judgment.Record{}, fmt.Errorf("failed to read judgment %s: %w", id, err)
	}
	var rec judgment.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return judgment.Record{}, fmt.Errorf("judgment %s: bad record: %w", id, err)
	}
	return rec, nil
}
