package judgment

import (
	"context"
	"sync"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// Record is one judge call as it was answered, kept so it can be replayed.
type Record struct {
	ID            string            `json:"judgment_id"`
	ScriptID      string            `json:"script_id"`
	ScriptVersion string            `json:"script_version"`
	Policy        PolicyConfig      `json:"policy"`
	Input         map[string]any    `json:"input"`
	Context       map[string]any    `json:"context,omitempty"`
	Verdict       contracts.Verdict `json:"verdict"`
	RecordedAt    time.Time         `json:"recorded_at"`
}

// Log persists judgment records.
type Log interface {
	AppendJudgment(ctx context.Context, rec Record) error
	GetJudgment(ctx context.Context, id string) (Record, error)
}

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{records: make(map[string]Record)}
}

func (l *MemoryLog) AppendJudgment(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.ID]; ok {
		return contracts.NewError(contracts.KindInternal, "judgment_exists", "judgment "+rec.ID+" is already recorded")
	}
	rec.Verdict = rec.Verdict.Clone()
	l.records[rec.ID] = rec
	return nil
}

func (l *MemoryLog) GetJudgment(_ context.Context, id string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return Record{}, JudgmentNotFound(id)
	}
	rec.Verdict = rec.Verdict.Clone()
	return rec, nil
}

// JudgmentNotFound is the error a Log returns for an unknown id.
func JudgmentNotFound(id string) error {
	return contracts.NewError(contracts.KindNotFound, "judgment_not_found", "judgment "+id+" does not exist")
}
