// Package contracts defines the shared data model of the judgment and workflow
// core: decision scripts, verdicts, rollout state, execution traces and the
// typed error taxonomy every component reports through.
package contracts

import "time"

// Outcome is the label a verdict assigns to an input.
// The canonical set is normal/warning/critical; scripts may emit
// domain-specific labels which are kept lower-cased.
type Outcome string

const (
	OutcomeNormal       Outcome = "normal"
	OutcomeWarning      Outcome = "warning"
	OutcomeCritical     Outcome = "critical"
	OutcomeInconclusive Outcome = "inconclusive"
	OutcomeNeedsReview  Outcome = "needs_review"
)

// Source identifies which evaluator produced a verdict.
type Source string

const (
	SourceRule          Source = "rule"
	SourceFallbackModel Source = "fallback_model"
	SourceHybrid        Source = "hybrid"
)

// Verdict is the result of one evaluation. It is never mutated once produced.
type Verdict struct {
	Outcome            Outcome  `json:"outcome"`
	Confidence         float64  `json:"confidence"`
	Rationale          []string `json:"rationale"`
	RecommendedActions []string `json:"recommended_actions"`
	Source             Source   `json:"source"`

	// Degraded is set when the fallback failed and the verdict is rule-only
	// with capped confidence.
	Degraded bool `json:"degraded,omitempty"`

	// ScriptID and ScriptVersion record the decision script version that was
	// actually sandboxed (empty for fallback-only verdicts).
	ScriptID      string `json:"script_id,omitempty"`
	ScriptVersion string `json:"script_version,omitempty"`
	Fingerprint   string `json:"fingerprint,omitempty"`
	Cached        bool   `json:"cached,omitempty"`
	// JudgmentID identifies the recorded judgment this verdict can be replayed from.
	JudgmentID string `json:"judgment_id,omitempty"`
}

// Conclusive reports whether the verdict carries a usable outcome.
func (v Verdict) Conclusive() bool {
	return v.Outcome != "" && v.Outcome != OutcomeInconclusive
}

// Clone returns a deep copy so callers cannot alias cached slices.
func (v Verdict) Clone() Verdict {
	out := v
	if v.Rationale != nil {
		out.Rationale = append([]string(nil), v.Rationale...)
	}
	if v.RecommendedActions != nil {
		out.RecommendedActions = append([]string(nil), v.RecommendedActions...)
	}
	return out
}

// ScriptLanguage selects the sandbox backend for a decision script.
type ScriptLanguage string

const (
	// LanguageCEL scripts are CEL expressions over the `input` map.
	LanguageCEL ScriptLanguage = "cel"
	// LanguageWASM scripts are WASI modules referenced by artifact hash.
	LanguageWASM ScriptLanguage = "wasm"
)

// DecisionScript is one immutable version of sandboxed decision logic.
type DecisionScript struct {
	ScriptID   string         `json:"script_id"`
	Version    string         `json:"version"`
	Language   ScriptLanguage `json:"language"`
	SourceText string         `json:"source_text"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Ref returns the cache tag for this script version.
func (s DecisionScript) Ref() string {
	return VersionTag(s.ScriptID, s.Version)
}

// VersionTag is the tag cache entries carry for the script version they were computed with.
func VersionTag(scriptID, version string) string {
	return scriptID + "@" + version
}
