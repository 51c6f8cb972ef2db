package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// CELBackend evaluates CEL decision scripts over the `input` map.
//
// A script evaluates to one of:
//   - null: no match (inconclusive)
//   - a string: the outcome label
//   - a map with outcome|status, confidence, rationale, recommended_actions, checks
type CELBackend struct {
	env       *cel.Env
	adapter   orderedAdapter
	validator *DeterministicValidator
	config    SandboxConfig

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELBackend creates a CEL backend with a deterministic environment.
func NewCELBackend(cfg SandboxConfig) (*CELBackend, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &CELBackend{
		env:       env,
		adapter:   orderedAdapter{Adapter: env.CELTypeAdapter()},
		validator: NewDeterministicValidator(),
		config:    cfg,
		prgCache:  make(map[string]cel.Program),
	}, nil
}

// Check compiles the script and applies the determinism rules.
func (b *CELBackend) Check(_ context.Context, script contracts.DecisionScript) error {
	_, err := b.program(script.SourceText)
	return err
}

// Evaluate implements Evaluator.
func (b *CELBackend) Evaluate(ctx context.Context, script contracts.DecisionScript, input map[string]any) (contracts.Verdict, error) {
	prg, err := b.program(script.SourceText)
	if err != nil {
		return contracts.Verdict{}, err
	}

	normalized, err := normalizeInput(input)
	if err != nil {
		return contracts.Verdict{}, violation("invalid_input", err.Error())
	}

	execCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	out, _, err := prg.ContextEval(execCtx, map[string]any{"input": b.adapter.NativeToValue(normalized)})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return contracts.Verdict{}, contracts.WrapError(contracts.KindCancelled, "evaluation cancelled", ctx.Err())
		case execCtx.Err() != nil:
			return contracts.Verdict{}, timeout(b.config.Timeout)
		case strings.Contains(err.Error(), "cost limit"):
			return contracts.Verdict{}, violation("cost_exhausted",
				fmt.Sprintf("evaluation exceeded cost limit (%d)", b.config.CostLimit))
		default:
			return contracts.Verdict{}, violation("eval_error", err.Error())
		}
	}

	raw, err := toNative(out)
	if err != nil {
		return contracts.Verdict{}, violation("invalid_output", err.Error())
	}
	return decodeOutput(raw, b.config.MinConfidence)
}

// Close implements Backend.
func (b *CELBackend) Close(context.Context) error { return nil }

func (b *CELBackend) program(src string) (cel.Program, error) {
	b.mu.RLock()
	prg, hit := b.prgCache[src]
	b.mu.RUnlock()
	if hit {
		return prg, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if prg, hit = b.prgCache[src]; hit {
		return prg, nil
	}

	if issues := b.validator.ValidateExpression(src); len(issues) > 0 {
		msgs := make([]string, 0, len(issues))
		for _, iss := range issues {
			msgs = append(msgs, iss.Message)
		}
		return nil, violation("banned_function", strings.Join(msgs, "; "))
	}

	ast, issues := b.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, violation("compile_error", issues.Err().Error())
	}
	if found := b.validator.ValidateAST(ast); len(found) > 0 {
		return nil, violation("nondeterministic", found[0].Message)
	}

	opts := []cel.ProgramOption{cel.InterruptCheckFrequency(100)}
	if b.config.CostLimit > 0 {
		opts = append(opts, cel.CostLimit(b.config.CostLimit))
	}
	p, err := b.env.Program(ast, opts...)
	if err != nil {
		return nil, violation("program_error", err.Error())
	}
	b.prgCache[src] = p
	return p, nil
}

// normalizeInput gives scripts a JSON-shaped view of the input so that
// numbers are always doubles regardless of how the caller built the map.
func normalizeInput(input map[string]any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("input is not JSON-serializable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toNative(v ref.Val) (any, error) {
	switch t := v.(type) {
	case types.Null:
		return nil, nil
	case types.Bool:
		return bool(t), nil
	case types.String:
		return string(t), nil
	case types.Int:
		return float64(t), nil
	case types.Uint:
		return float64(t), nil
	case types.Double:
		return float64(t), nil
	case traits.Mapper:
		out := map[string]any{}
		it := t.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			ks, ok := k.(types.String)
			if !ok {
				return nil, fmt.Errorf("map key %v is not a string", k)
			}
			elem, err := toNative(t.Get(k))
			if err != nil {
				return nil, err
			}
			out[string(ks)] = elem
		}
		return out, nil
	case traits.Lister:
		out := []any{}
		it := t.Iterator()
		for it.HasNext() == types.True {
			elem, err := toNative(it.Next())
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported script result type %s", v.Type().TypeName())
	}
}
