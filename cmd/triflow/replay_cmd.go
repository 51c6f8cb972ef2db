package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/config"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/judgment"
)

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint(*l) }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		ids      stringList
		opts     judgment.ReplayOptions
		whatIf   string
		whatFile string
	)
	cmd.Var(&ids, "id", "Recorded judgment id (REQUIRED, repeat for a batch)")
	cmd.StringVar(&opts.Version, "version", "", "Script version to replay against (default: active)")
	cmd.StringVar(&opts.PolicyID, "policy", "", "Named judgment policy (default: recorded policy)")
	cmd.StringVar(&whatIf, "what-if", "", "Input modifications as JSON; runs a what-if instead of a replay")
	cmd.StringVar(&whatFile, "what-if-file", "", "Read input modifications from a JSON file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if len(ids) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		cmd.Usage()
		return 2
	}
	var mods map[string]any
	if whatIf != "" || whatFile != "" {
		if len(ids) > 1 {
			_, _ = fmt.Fprintln(stderr, "Error: --what-if takes exactly one --id")
			return 2
		}
		var err error
		if mods, err = readInput(whatIf, whatFile); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
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

	var out any
	switch {
	case mods != nil:
		out, err = svc.Judgment.WhatIf(ctx, ids[0], mods, opts)
	case len(ids) == 1:
		out, err = svc.Judgment.Replay(ctx, ids[0], opts)
	default:
		out, err = svc.Judgment.ReplayBatch(ctx, ids, opts)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Replay failed: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, out)
}
