// Package fallback calls the generative-model judgment collaborator used when
// decision scripts are inconclusive. The call crosses a network boundary, so it
// is isolated behind its own timeout and a circuit breaker, and every failure
// surfaces as FallbackUnavailable.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// Request is what the collaborator is asked to judge.
type Request struct {
	ScriptID string         `json:"script_id"`
	Input    map[string]any `json:"input"`
	// Context carries the rule verdict or sandbox failure that triggered the call.
	Context map[string]any `json:"context,omitempty"`
}

// Inference is the collaborator's answer.
type Inference struct {
	Outcome    contracts.Outcome `json:"outcome"`
	Confidence float64           `json:"confidence"`
	Rationale  []string          `json:"rationale"`
	Model      string            `json:"model,omitempty"`
}

// Verdict converts an inference into a fallback-sourced verdict.
func (i Inference) Verdict() contracts.Verdict {
	rationale := append([]string(nil), i.Rationale...)
	if rationale == nil {
		rationale = []string{}
	}
	return contracts.Verdict{
		Outcome:            i.Outcome,
		Confidence:         i.Confidence,
		Rationale:          rationale,
		RecommendedActions: []string{},
		Source:             contracts.SourceFallbackModel,
	}
}

// Client is the fallback judgment collaborator.
type Client interface {
	Infer(ctx context.Context, req Request) (Inference, error)
}

// Options configures Guard.
type Options struct {
	Timeout          time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultOptions returns production settings.
func DefaultOptions() Options {
	return Options{Timeout: 10 * time.Second, FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// Guarded wraps a Client with a per-call timeout and a circuit breaker.
type Guarded struct {
	client  Client
	timeout time.Duration
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// Guard wraps client.
func Guard(client Client, opts Options) *Guarded {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = def.ResetTimeout
	}
	return &Guarded{
		client:  client,
		timeout: opts.Timeout,
		breaker: NewCircuitBreaker("fallback", opts.FailureThreshold, opts.ResetTimeout),
		logger:  slog.Default().With("component", "fallback"),
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (g *Guarded) Breaker() *CircuitBreaker { return g.breaker }

// Infer implements Client. The caller's cancellation is honored; a caller
// cancellation is not counted against the breaker.
func (g *Guarded) Infer(ctx context.Context, req Request) (Inference, error) {
	if !g.breaker.Allow() {
		return Inference{}, contracts.NewError(contracts.KindFallbackUnavailable, "circuit_open",
			fmt.Sprintf("circuit breaker open for %s", g.breaker.Name()))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	inf, err := g.client.Infer(callCtx, req)
	if err == nil {
		err = validate(inf)
	}
	if err != nil {
		if ctx.Err() != nil {
			g.breaker.Abandon()
			return Inference{}, contracts.WrapError(contracts.KindCancelled, "fallback call cancelled", ctx.Err())
		}
		g.breaker.Failure()
		code := "call_failed"
		if callCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			code = "timeout"
		}
		g.logger.Warn("fallback inference failed", "script", req.ScriptID, "code", code, "error", err)
		e := contracts.WrapError(contracts.KindFallbackUnavailable, "fallback inference failed", err)
		e.Code = code
		return Inference{}, e
	}
	g.breaker.Success()
	return inf, nil
}

func validate(inf Inference) error {
	if inf.Confidence < 0 || inf.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", inf.Confidence)
	}
	return nil
}

// InferFunc adapts a function to Client.
type InferFunc func(ctx context.Context, req Request) (Inference, error)

func (f InferFunc) Infer(ctx context.Context, req Request) (Inference, error) { return f(ctx, req) }
