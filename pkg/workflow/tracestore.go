package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// TraceStore persists execution traces. Events are append-only; UpdateRun
// rewrites only the run header (status, completion, failure origin).
type TraceStore interface {
	CreateRun(ctx context.Context, trace contracts.ExecutionTrace) error
	AppendEvent(ctx context.Context, ev contracts.TraceEvent) error
	UpdateRun(ctx context.Context, trace contracts.ExecutionTrace) error
	GetTrace(ctx context.Context, runID string) (contracts.ExecutionTrace, error)
}

// MemoryTraceStore keeps traces in process memory.
type MemoryTraceStore struct {
	mu   sync.RWMutex
	runs map[string]*contracts.ExecutionTrace
}

// NewMemoryTraceStore creates an empty store.
func NewMemoryTraceStore() *MemoryTraceStore {
	return &MemoryTraceStore{runs: make(map[string]*contracts.ExecutionTrace)}
}

func (m *MemoryTraceStore) CreateRun(_ context.Context, trace contracts.ExecutionTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[trace.RunID]; ok {
		return fmt.Errorf("run %s already exists", trace.RunID)
	}
	trace.Events = nil
	m.runs[trace.RunID] = &trace
	return nil
}

func (m *MemoryTraceStore) AppendEvent(_ context.Context, ev contracts.TraceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.runs[ev.RunID]
	if !ok {
		return runNotFound(ev.RunID)
	}
	tr.Events = append(tr.Events, ev)
	return nil
}

func (m *MemoryTraceStore) UpdateRun(_ context.Context, trace contracts.ExecutionTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.runs[trace.RunID]
	if !ok {
		return runNotFound(trace.RunID)
	}
	tr.Status = trace.Status
	tr.CompletedAt = trace.CompletedAt
	tr.FailedNode = trace.FailedNode
	tr.FailureKind = trace.FailureKind
	tr.Error = trace.Error
	return nil
}

func (m *MemoryTraceStore) GetTrace(_ context.Context, runID string) (contracts.ExecutionTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr, ok := m.runs[runID]
	if !ok {
		return contracts.ExecutionTrace{}, runNotFound(runID)
	}
	out := *tr
	out.Events = append([]contracts.TraceEvent{}, tr.Events...)
	return out, nil
}

func runNotFound(runID string) error {
	return contracts.NewError(contracts.KindNotFound, "run_not_found", fmt.Sprintf("run %s not found", runID))
}
