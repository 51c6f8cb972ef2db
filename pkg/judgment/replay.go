package judgment

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

const (
	// confidenceNoise is the smallest confidence difference reported as a change.
	confidenceNoise = 0.01
	// confidenceShift marks a confidence difference as significant.
	confidenceShift = 0.1
	// MaxReplayBatch bounds one ReplayBatch call.
	MaxReplayBatch = 100
)

// Change reasons reported by Compare.
const (
	ReasonVersionChanged    = "script_version_changed"
	ReasonOutcomeChanged    = "outcome_different"
	ReasonConfidenceShifted = "confidence_significantly_different"
	ReasonSourceChanged     = "source_changed"
)

// ReplayOptions selects what a recorded judgment is re-run against.
type ReplayOptions struct {
	// Version is the script version to run. Empty means the active version
	// for Replay and the recorded version for WhatIf.
	Version string `json:"version,omitempty"`
	// PolicyID names a registered policy. Empty reuses the recorded policy.
	PolicyID string `json:"policy_id,omitempty"`
}

// OutcomeChange is a from/to pair.
type OutcomeChange struct {
	From contracts.Outcome `json:"from"`
	To   contracts.Outcome `json:"to"`
}

// SourceChange is a from/to pair.
type SourceChange struct {
	From contracts.Source `json:"from"`
	To   contracts.Source `json:"to"`
}

// Comparison describes how a replayed verdict differs from the recorded one.
type Comparison struct {
	OutcomeChanged    bool           `json:"outcome_changed"`
	OutcomeChange     *OutcomeChange `json:"outcome_change,omitempty"`
	ConfidenceDiff    float64        `json:"confidence_diff"`
	ConfidenceChanged bool           `json:"confidence_changed"`
	SourceChanged     bool           `json:"source_changed"`
	SourceChange      *SourceChange  `json:"source_change,omitempty"`
	VersionChanged    bool           `json:"version_changed"`
	Reasons           []string       `json:"change_reasons"`
}

// Changed reports whether the outcome or the confidence moved.
func (c Comparison) Changed() bool { return c.OutcomeChanged || c.ConfidenceChanged }

// Compare diffs a replayed verdict against the recorded one.
func Compare(original, replay contracts.Verdict) Comparison {
	diff := replay.Confidence - original.Confidence
	c := Comparison{
		OutcomeChanged:    original.Outcome != replay.Outcome,
		ConfidenceDiff:    round4(diff),
		ConfidenceChanged: math.Abs(diff) > confidenceNoise,
		SourceChanged:     original.Source != replay.Source,
		VersionChanged:    original.ScriptVersion != replay.ScriptVersion,
		Reasons:           []string{},
	}
	if c.VersionChanged {
		c.Reasons = append(c.Reasons, ReasonVersionChanged)
	}
	if c.OutcomeChanged {
		c.OutcomeChange = &OutcomeChange{From: original.Outcome, To: replay.Outcome}
		c.Reasons = append(c.Reasons, ReasonOutcomeChanged)
	}
	if math.Abs(diff) > confidenceShift {
		c.Reasons = append(c.Reasons, ReasonConfidenceShifted)
	}
	if c.SourceChanged {
		c.SourceChange = &SourceChange{From: original.Source, To: replay.Source}
		c.Reasons = append(c.Reasons, ReasonSourceChanged)
	}
	return c
}

// ReplayResult pairs a recorded verdict with its replay.
type ReplayResult struct {
	JudgmentID string            `json:"judgment_id"`
	Original   contracts.Verdict `json:"original"`
	Replay     contracts.Verdict `json:"replay"`
	Comparison Comparison        `json:"comparison"`
}

// Replay re-runs a recorded judgment against opts.Version. The cache is
// neither read nor written and rollout metrics are not fed.
func (s *Service) Replay(ctx context.Context, judgmentID string, opts ReplayOptions) (res ReplayResult, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "judgment.replay", attribute.String("judgment_id", judgmentID))
	defer func() { done(err) }()

	rec, err := s.loadRecord(ctx, judgmentID)
	if err != nil {
		return ReplayResult{}, err
	}
	v, err := s.rerun(ctx, rec, rec.Input, opts)
	if err != nil {
		return ReplayResult{}, err
	}
	return ReplayResult{
		JudgmentID: rec.ID,
		Original:   rec.Verdict,
		Replay:     v,
		Comparison: Compare(rec.Verdict, v),
	}, nil
}

// BatchItem is one entry of a batch replay. Exactly one of Result and Error is set.
type BatchItem struct {
	JudgmentID string        `json:"judgment_id"`
	Result     *ReplayResult `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// BatchSummary aggregates the successful replays of a batch.
type BatchSummary struct {
	OutcomeChanges      map[string]int `json:"outcome_changes"`
	SourceChanges       map[string]int `json:"source_changes"`
	AvgConfidenceChange float64        `json:"avg_confidence_change"`
	ConfidenceIncreased int            `json:"confidence_increased"`
	ConfidenceDecreased int            `json:"confidence_decreased"`
}

// BatchResult is the outcome of ReplayBatch. ChangeRate is a percentage of Total.
type BatchResult struct {
	Total      int          `json:"total"`
	Changed    int          `json:"changed"`
	Unchanged  int          `json:"unchanged"`
	Failed     int          `json:"failed"`
	ChangeRate float64      `json:"change_rate"`
	Results    []BatchItem  `json:"results"`
	Summary    BatchSummary `json:"summary"`
}

// ReplayBatch replays each id in order. A failing id is reported in its
// item and does not stop the batch; cancellation does.
func (s *Service) ReplayBatch(ctx context.Context, ids []string, opts ReplayOptions) (BatchResult, error) {
	if len(ids) == 0 {
		return BatchResult{}, contracts.NewError(contracts.KindInvalid, "empty_batch", "at least one judgment id is required")
	}
	if len(ids) > MaxReplayBatch {
		return BatchResult{}, contracts.NewError(contracts.KindInvalid, "batch_too_large",
			fmt.Sprintf("at most %d judgments can be replayed at once, got %d", MaxReplayBatch, len(ids)))
	}

	out := BatchResult{
		Total:   len(ids),
		Results: make([]BatchItem, 0, len(ids)),
		Summary: BatchSummary{OutcomeChanges: map[string]int{}, SourceChanges: map[string]int{}},
	}
	var diffs []float64
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return BatchResult{}, cancelled(ctx, err)
		}
		res, err := s.Replay(ctx, id, opts)
		if err != nil {
			if ctx.Err() != nil {
				return BatchResult{}, cancelled(ctx, err)
			}
			out.Failed++
			out.Results = append(out.Results, BatchItem{JudgmentID: id, Error: err.Error()})
			continue
		}
		c := res.Comparison
		if c.Changed() {
			out.Changed++
		} else {
			out.Unchanged++
		}
		if c.OutcomeChange != nil {
			out.Summary.OutcomeChanges[fmt.Sprintf("%s -> %s", c.OutcomeChange.From, c.OutcomeChange.To)]++
		}
		if c.SourceChange != nil {
			out.Summary.SourceChanges[fmt.Sprintf("%s -> %s", c.SourceChange.From, c.SourceChange.To)]++
		}
		switch {
		case c.ConfidenceDiff > confidenceShift:
			out.Summary.ConfidenceIncreased++
		case c.ConfidenceDiff < -confidenceShift:
			out.Summary.ConfidenceDecreased++
		}
		diffs = append(diffs, c.ConfidenceDiff)
		out.Results = append(out.Results, BatchItem{JudgmentID: id, Result: &res})
	}

	out.ChangeRate = math.Round(float64(out.Changed)/float64(out.Total)*10000) / 100
	if len(diffs) > 0 {
		var sum float64
		for _, d := range diffs {
			sum += d
		}
		out.Summary.AvgConfidenceChange = round4(sum / float64(len(diffs)))
	}
	s.logger.InfoContext(ctx, "batch replay finished",
		"total", out.Total, "changed", out.Changed, "failed", out.Failed)
	return out, nil
}

// WhatIfImpact summarizes how modifying the input moved the verdict.
type WhatIfImpact struct {
	OutcomeChanged   bool    `json:"outcome_changed"`
	ConfidenceChange float64 `json:"confidence_change"`
}

// WhatIfResult is the outcome of WhatIf.
type WhatIfResult struct {
	JudgmentID    string            `json:"judgment_id"`
	OriginalInput map[string]any    `json:"original_input"`
	ModifiedInput map[string]any    `json:"modified_input"`
	Modifications map[string]any    `json:"modifications"`
	Original      contracts.Verdict `json:"original"`
	WhatIf        contracts.Verdict `json:"what_if"`
	Impact        WhatIfImpact      `json:"impact"`
}

// WhatIf re-runs a recorded judgment with modifications merged over its
// top-level input keys. Like Replay it bypasses the cache.
func (s *Service) WhatIf(ctx context.Context, judgmentID string, modifications map[string]any, opts ReplayOptions) (res WhatIfResult, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "judgment.what_if", attribute.String("judgment_id", judgmentID))
	defer func() { done(err) }()

	if len(modifications) == 0 {
		return WhatIfResult{}, contracts.NewError(contracts.KindInvalid, "no_modifications", "at least one input modification is required")
	}
	rec, err := s.loadRecord(ctx, judgmentID)
	if err != nil {
		return WhatIfResult{}, err
	}
	modified := make(map[string]any, len(rec.Input)+len(modifications))
	for k, v := range rec.Input {
		modified[k] = v
	}
	for k, v := range modifications {
		modified[k] = v
	}
	if opts.Version == "" {
		opts.Version = rec.ScriptVersion
	}
	v, err := s.rerun(ctx, rec, modified, opts)
	if err != nil {
		return WhatIfResult{}, err
	}
	return WhatIfResult{
		JudgmentID:    rec.ID,
		OriginalInput: rec.Input,
		ModifiedInput: modified,
		Modifications: modifications,
		Original:      rec.Verdict,
		WhatIf:        v,
		Impact: WhatIfImpact{
			OutcomeChanged:   rec.Verdict.Outcome != v.Outcome,
			ConfidenceChange: round4(v.Confidence - rec.Verdict.Confidence),
		},
	}, nil
}

func (s *Service) loadRecord(ctx context.Context, id string) (Record, error) {
	if s.log == nil {
		return Record{}, contracts.NewError(contracts.KindInternal, "no_judgment_log", "judgments are not being recorded")
	}
	if id == "" {
		return Record{}, contracts.NewError(contracts.KindInvalid, "missing_judgment_id", "judgment_id is required")
	}
	return s.log.GetJudgment(ctx, id)
}

// rerun evaluates input for rec's script under opts without the cache.
func (s *Service) rerun(ctx context.Context, rec Record, input map[string]any, opts ReplayOptions) (contracts.Verdict, error) {
	if s.scripts == nil {
		return contracts.Verdict{}, contracts.NewError(contracts.KindInternal, "no_script_resolver", "replay has no script source")
	}
	policy := rec.Policy
	if opts.PolicyID != "" {
		p, err := s.Policy(opts.PolicyID)
		if err != nil {
			return contracts.Verdict{}, err
		}
		policy = p
	}
	script, err := s.scripts.Script(ctx, rec.ScriptID, opts.Version)
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("resolve %s for replay: %w", rec.ScriptID, err)
	}
	v, err := s.evaluate(ctx, policy, script, Request{ScriptID: rec.ScriptID, Input: input, Context: rec.Context}, false)
	if err != nil {
		return contracts.Verdict{}, err
	}
	v.ScriptID = script.ScriptID
	v.ScriptVersion = script.Version
	return v, nil
}

func round4(f float64) float64 { return math.Round(f*10000) / 10000 }
