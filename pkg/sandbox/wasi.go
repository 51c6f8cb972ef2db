package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/artifacts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/canonicalize"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// OutputMaxBytes caps what a module may write to stdout.
const OutputMaxBytes = 64 * 1024

// WASIBackend runs compiled decision scripts under wazero.
//
// The script's SourceText is an artifact reference to a WASI command module.
// The module reads the canonical JSON input on stdin and writes its result
// on stdout, in the same shape CEL scripts return. No filesystem, network,
// environment or wall clock is exposed; rand is wazero's deterministic source.
type WASIBackend struct {
	runtime wazero.Runtime
	store   artifacts.Store
	config  SandboxConfig

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// NewWASIBackend creates a WASI backend loading modules from store.
func NewWASIBackend(ctx context.Context, store artifacts.Store, cfg SandboxConfig) (*WASIBackend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	return &WASIBackend{
		runtime:  r,
		store:    store,
		config:   cfg,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

// Check loads and compiles the referenced module.
func (b *WASIBackend) Check(ctx context.Context, script contracts.DecisionScript) error {
	_, err := b.module(ctx, script.SourceText)
	return err
}

// Evaluate implements Evaluator.
func (b *WASIBackend) Evaluate(ctx context.Context, script contracts.DecisionScript, input map[string]any) (contracts.Verdict, error) {
	compiled, err := b.module(ctx, script.SourceText)
	if err != nil {
		return contracts.Verdict{}, err
	}

	if input == nil {
		input = map[string]any{}
	}
	stdin, err := canonicalize.JCS(input)
	if err != nil {
		return contracts.Verdict{}, violation("invalid_input", err.Error())
	}

	execCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := b.runtime.InstantiateModule(execCtx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		if ctx.Err() != nil {
			return contracts.Verdict{}, contracts.WrapError(contracts.KindCancelled, "evaluation cancelled", ctx.Err())
		}
		if execCtx.Err() != nil {
			return contracts.Verdict{}, timeout(b.config.Timeout)
		}
		var exitErr *sys.ExitError
		switch {
		case errors.As(err, &exitErr):
			if exitErr.ExitCode() != 0 {
				return contracts.Verdict{}, violation("nonzero_exit",
					fmt.Sprintf("module exited with code %d: %s", exitErr.ExitCode(), truncate(stderr.String(), 256)))
			}
		case isMemoryError(err):
			return contracts.Verdict{}, violation("memory_exhausted",
				fmt.Sprintf("module exceeded memory limit (%d bytes)", b.config.MemoryLimitBytes))
		default:
			return contracts.Verdict{}, violation("trap", err.Error())
		}
	}

	if stdout.Len() > OutputMaxBytes {
		return contracts.Verdict{}, violation("output_exhausted",
			fmt.Sprintf("output size %d exceeds limit %d", stdout.Len(), OutputMaxBytes))
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return contracts.Verdict{}, violation("invalid_output", "module produced no output")
	}
	var raw any
	if err := json.Unmarshal(out, &raw); err != nil {
		return contracts.Verdict{}, violation("invalid_output", fmt.Sprintf("module output is not JSON: %v", err))
	}
	return decodeOutput(raw, b.config.MinConfidence)
}

// Close implements Backend.
func (b *WASIBackend) Close(ctx context.Context) error {
	return b.runtime.Close(ctx)
}

func (b *WASIBackend) module(ctx context.Context, ref string) (wazero.CompiledModule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.compiled[ref]; ok {
		return m, nil
	}

	wasmBytes, err := b.store.Get(ctx, ref)
	if err != nil {
		return nil, violation("module_unavailable", fmt.Sprintf("failed to load module %s: %v", ref, err))
	}
	if artifacts.Ref(wasmBytes) != ref {
		return nil, violation("module_digest_mismatch", fmt.Sprintf("module content does not match %s", ref))
	}
	m, err := b.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, violation("compile_error", err.Error())
	}
	b.compiled[ref] = m
	return m, nil
}

func isMemoryError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "out of bounds"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
