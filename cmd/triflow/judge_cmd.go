package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/cache"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/config"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/judgment"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/rollout"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/sandbox"
)

// localScriptVersion labels a script evaluated straight from a file.
const localScriptVersion = "0.0.0-local"

func runJudgeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("judge", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		scriptID   string
		file       string
		inputJSON  string
		inputFile  string
		policyID   string
		routingKey string
	)
	cmd.StringVar(&scriptID, "script", "", "Registered script id (REQUIRED unless --file)")
	cmd.StringVar(&file, "file", "", "Evaluate a CEL script from a file instead of the store")
	cmd.StringVar(&inputJSON, "input", "", "Input object as JSON")
	cmd.StringVar(&inputFile, "input-file", "", "Read the input object from a JSON file")
	cmd.StringVar(&policyID, "policy", "", "Named judgment policy")
	cmd.StringVar(&routingKey, "routing-key", "", "Sticky canary routing key")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if scriptID == "" && file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --script or --file is required")
		cmd.Usage()
		return 2
	}

	input, err := readInput(inputJSON, inputFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg := config.Load()
	setupLogging(stderr, cfg)
	ctx := context.Background()

	var judge *judgment.Service
	if file != "" {
		if scriptID == "" {
			scriptID = "local"
		}
		judge, err = localJudge(ctx, cfg, scriptID, file)
	} else {
		var svc *Services
		svc, err = buildServices(ctx, cfg)
		if err == nil {
			defer func() { _ = svc.Close(context.Background()) }()
			judge = svc.Judgment
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	v, err := judge.Judge(ctx, judgment.Request{
		ScriptID:   scriptID,
		Input:      input,
		PolicyID:   policyID,
		RoutingKey: routingKey,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Judgment failed: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, v)
}

// localJudge evaluates one CEL file with no persistence and no cache. The
// fallback is not configured, so escalations come back degraded.
func localJudge(ctx context.Context, cfg *config.Config, scriptID, path string) (*judgment.Service, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	sbCfg := sandbox.DefaultConfig()
	sbCfg.Timeout = cfg.SandboxTimeout
	sbCfg.CostLimit = cfg.SandboxCostLimit
	celBackend, err := sandbox.NewCELBackend(sbCfg)
	if err != nil {
		return nil, err
	}
	sb := sandbox.New(map[contracts.ScriptLanguage]sandbox.Backend{contracts.LanguageCEL: celBackend})

	ctrl := rollout.NewController(rollout.NewMemoryRepository(), nil)
	ctrl.SetChecker(sb)
	if _, err := ctrl.RegisterScript(ctx, contracts.DecisionScript{
		ScriptID:   scriptID,
		Version:    localScriptVersion,
		Language:   contracts.LanguageCEL,
		SourceText: string(src),
	}); err != nil {
		return nil, err
	}

	svc := judgment.NewService(ctrl, sb, nil, cache.New(cache.NewMemoryStore(), cfg.CacheTTL))
	if cfg.ProfilePath != "" {
		profile, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		if err := profile.Apply(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func readInput(inline, path string) (map[string]any, error) {
	var data []byte
	switch {
	case inline != "" && path != "":
		return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		data = b
	case inline != "":
		data = []byte(inline)
	default:
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return input, nil
}

func printJSON(stdout, stderr io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
