// Package sandbox executes one version of a decision script against one
// structured input. Evaluation is pure: no clock, no randomness, no network,
// no filesystem, and bounded in wall-clock time and compute.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// Evaluator runs a decision script. Failures are *contracts.Error values of
// kind SandboxTimeout or SandboxViolation.
type Evaluator interface {
	Evaluate(ctx context.Context, script contracts.DecisionScript, input map[string]any) (contracts.Verdict, error)
}

// Backend evaluates scripts written in one language.
type Backend interface {
	Evaluator
	// Check validates a script without evaluating it.
	Check(ctx context.Context, script contracts.DecisionScript) error
	Close(ctx context.Context) error
}

// SandboxConfig configures restrictions.
type SandboxConfig struct {
	// Timeout bounds the wall-clock time of a single evaluation.
	Timeout time.Duration
	// CostLimit bounds CEL evaluation cost. Zero disables the limit.
	CostLimit uint64
	// MemoryLimitBytes bounds WASI linear memory.
	MemoryLimitBytes int64
	// MinConfidence turns verdicts below this confidence into inconclusive ones.
	MinConfidence float64
}

// DefaultConfig returns production limits.
func DefaultConfig() SandboxConfig {
	return SandboxConfig{
		Timeout:          100 * time.Millisecond,
		CostLimit:        100_000,
		MemoryLimitBytes: 16 << 20,
	}
}

// Sandbox dispatches scripts to the backend registered for their language.
type Sandbox struct {
	backends map[contracts.ScriptLanguage]Backend
	logger   *slog.Logger
}

// New creates a sandbox over the given backends. The first backend
// registered for a language wins.
func New(backends map[contracts.ScriptLanguage]Backend) *Sandbox {
	return &Sandbox{
		backends: backends,
		logger:   slog.Default().With("component", "sandbox"),
	}
}

// Evaluate implements Evaluator.
func (s *Sandbox) Evaluate(ctx context.Context, script contracts.DecisionScript, input map[string]any) (contracts.Verdict, error) {
	b, err := s.backend(script)
	if err != nil {
		return contracts.Verdict{}, err
	}
	v, err := b.Evaluate(ctx, script, input)
	if err != nil {
		s.logger.Warn("script evaluation failed",
			"script", script.Ref(),
			"kind", contracts.KindOf(err),
			"error", err)
		return contracts.Verdict{}, err
	}
	v.ScriptID = script.ScriptID
	v.ScriptVersion = script.Version
	return v, nil
}

// Check validates a script with its backend.
func (s *Sandbox) Check(ctx context.Context, script contracts.DecisionScript) error {
	b, err := s.backend(script)
	if err != nil {
		return err
	}
	return b.Check(ctx, script)
}

// Close releases all backends.
func (s *Sandbox) Close(ctx context.Context) error {
	var first error
	for _, b := range s.backends {
		if err := b.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Sandbox) backend(script contracts.DecisionScript) (Backend, error) {
	lang := script.Language
	if lang == "" {
		lang = contracts.LanguageCEL
	}
	b, ok := s.backends[lang]
	if !ok {
		return nil, violation("unsupported_language", fmt.Sprintf("no sandbox backend for language %q", lang))
	}
	return b, nil
}

func violation(code, msg string) *contracts.Error {
	return contracts.NewError(contracts.KindSandboxViolation, code, msg)
}

func timeout(limit time.Duration) *contracts.Error {
	return contracts.NewError(contracts.KindSandboxTimeout, "time_exhausted",
		fmt.Sprintf("evaluation exceeded time limit (%s)", limit))
}
