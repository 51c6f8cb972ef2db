package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/config"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/workflow"
)

func runSimulateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path      string
		inputJSON string
		inputFile string
	)
	cmd.StringVar(&path, "workflow", "", "Workflow document, JSON or YAML (REQUIRED)")
	cmd.StringVar(&inputJSON, "input", "", "Run input as JSON")
	cmd.StringVar(&inputFile, "input-file", "", "Read the run input from a JSON file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --workflow is required")
		cmd.Usage()
		return 2
	}

	data, err := os.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	wf, err := workflow.Decode(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Invalid workflow: %v\n", err)
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
	svc, err := buildServices(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = svc.Close(context.Background()) }()

	trace, err := svc.Engine.Execute(ctx, workflow.RunRequest{
		Workflow: wf,
		Input:    input,
		Mode:     contracts.ModeSimulate,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Simulation failed: %v\n", err)
		return 1
	}
	if code := printJSON(stdout, stderr, trace); code != 0 {
		return code
	}
	if trace.Status != contracts.RunCompleted {
		return 1
	}
	return 0
}
