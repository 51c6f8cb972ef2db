package rollout

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// Repository persists decision script versions and rollout state. State is
// written on every transition and read back at startup.
type Repository interface {
	// PutScript stores a new version. Re-registering an existing version
	// fails with RolloutConflict.
	PutScript(ctx context.Context, script contracts.DecisionScript) error
	GetScript(ctx context.Context, scriptID, version string) (contracts.DecisionScript, error)
	// ListScripts returns every version of scriptID in ascending semver order.
	ListScripts(ctx context.Context, scriptID string) ([]contracts.DecisionScript, error)

	GetState(ctx context.Context, scriptID string) (contracts.RolloutState, bool, error)
	SaveState(ctx context.Context, state contracts.RolloutState) error
	ListStates(ctx context.Context) ([]contracts.RolloutState, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	scripts map[string]map[string]contracts.DecisionScript
	states  map[string]contracts.RolloutState
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		scripts: make(map[string]map[string]contracts.DecisionScript),
		states:  make(map[string]contracts.RolloutState),
	}
}

func (r *MemoryRepository) PutScript(_ context.Context, script contracts.DecisionScript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.scripts[script.ScriptID]
	if !ok {
		versions = make(map[string]contracts.DecisionScript)
		r.scripts[script.ScriptID] = versions
	}
	if _, exists := versions[script.Version]; exists {
		return ErrVersionExists(script)
	}
	versions[script.Version] = script
	return nil
}

func (r *MemoryRepository) GetScript(_ context.Context, scriptID, version string) (contracts.DecisionScript, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[scriptID][version]
	if !ok {
		return contracts.DecisionScript{}, ErrScriptNotFound(scriptID, version)
	}
	return s, nil
}

func (r *MemoryRepository) ListScripts(_ context.Context, scriptID string) ([]contracts.DecisionScript, error) {
	r.mu.RLock()
	out := make([]contracts.DecisionScript, 0, len(r.scripts[scriptID]))
	for _, s := range r.scripts[scriptID] {
		out = append(out, s)
	}
	r.mu.RUnlock()
	SortScripts(out)
	return out, nil
}

func (r *MemoryRepository) GetState(_ context.Context, scriptID string) (contracts.RolloutState, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[scriptID]
	return s.Clone(), ok, nil
}

func (r *MemoryRepository) SaveState(_ context.Context, state contracts.RolloutState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.ScriptID] = state.Clone()
	return nil
}

func (r *MemoryRepository) ListStates(_ context.Context) ([]contracts.RolloutState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.RolloutState, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScriptID < out[j].ScriptID })
	return out, nil
}

// ErrVersionExists reports a duplicate registration.
func ErrVersionExists(script contracts.DecisionScript) error {
	return contracts.NewError(contracts.KindRolloutConflict, "version_exists",
		fmt.Sprintf("script %s is already registered", script.Ref()))
}

// ErrScriptNotFound reports an unknown script version.
func ErrScriptNotFound(scriptID, version string) error {
	return contracts.NewError(contracts.KindNotFound, "script_not_found",
		fmt.Sprintf("script %s is not registered", contracts.VersionTag(scriptID, version)))
}

// SortScripts orders versions by semver, falling back to string order for
// versions that do not parse.
func SortScripts(scripts []contracts.DecisionScript) {
	sort.SliceStable(scripts, func(i, j int) bool {
		return compareVersions(scripts[i].Version, scripts[j].Version) < 0
	})
}

func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	}
	return va.Compare(vb)
}
