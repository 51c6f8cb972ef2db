package contracts

import "time"

// RolloutStage is the lifecycle stage of a script's rollout.
type RolloutStage string

const (
	StageNone       RolloutStage = "none"
	StageCanary     RolloutStage = "canary"
	StagePromoting  RolloutStage = "promoting"
	StageActive     RolloutStage = "active"
	StageRolledBack RolloutStage = "rolled_back"
)

// CanaryThresholds bound how far the canary may drift from the baseline
// before it is rolled back.
type CanaryThresholds struct {
	// MinSamples is the canary volume required before any decision is taken.
	MinSamples int `json:"min_samples" yaml:"min_samples"`
	// MaxFailureRate is an absolute ceiling on the canary failure rate.
	MaxFailureRate float64 `json:"max_failure_rate" yaml:"max_failure_rate"`
	// MaxFailureRatio bounds canary failure rate / baseline failure rate.
	MaxFailureRatio float64 `json:"max_failure_ratio" yaml:"max_failure_ratio"`
	// OverrideTolerance bounds canary override rate - baseline override rate.
	OverrideTolerance float64 `json:"override_tolerance" yaml:"override_tolerance"`
	// MaxLatencyRatio bounds canary p95 / baseline p95.
	MaxLatencyRatio float64 `json:"max_latency_ratio" yaml:"max_latency_ratio"`
	// MaxConsecutiveFailures halts the canary after this many failures in a row.
	MaxConsecutiveFailures int `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// DefaultThresholds mirrors the production halt rules.
func DefaultThresholds() CanaryThresholds {
	return CanaryThresholds{
		MinSamples:             100,
		MaxFailureRate:         0.05,
		MaxFailureRatio:        2.0,
		OverrideTolerance:      0.10,
		MaxLatencyRatio:        1.5,
		MaxConsecutiveFailures: 5,
	}
}

// CanaryPlan is handed to the rollout controller when a canary starts.
type CanaryPlan struct {
	InitialFraction float64 `json:"initial_fraction" yaml:"initial_fraction"`
	// RampSchedule lists the traffic fractions to step through after the
	// initial fraction. A passing evaluation at the last step promotes.
	RampSchedule []float64       `json:"ramp_schedule,omitempty" yaml:"ramp_schedule,omitempty"`
	Window       time.Duration   `json:"window" yaml:"window"`
	Thresholds   CanaryThresholds `json:"thresholds" yaml:"thresholds"`
}

// MetricSnapshot summarizes the outcomes of one version over a window.
type MetricSnapshot struct {
	Samples             int     `json:"samples"`
	Failures            int     `json:"failures"`
	Overrides           int     `json:"overrides"`
	FailureRate         float64 `json:"failure_rate"`
	OverrideRate        float64 `json:"override_rate"`
	LatencyP95Ms        float64 `json:"latency_p95_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// MetricWindow pairs the baseline recorded at canary start with the
// canary's running metrics.
type MetricWindow struct {
	Start    time.Time      `json:"start"`
	Duration time.Duration  `json:"duration"`
	Baseline MetricSnapshot `json:"baseline"`
	Canary   MetricSnapshot `json:"canary"`
}

// RolloutState is the per-script rollout record.
type RolloutState struct {
	ScriptID              string       `json:"script_id"`
	ActiveVersion         string       `json:"active_version"`
	CanaryVersion         string       `json:"canary_version,omitempty"`
	CanaryTrafficFraction float64      `json:"canary_traffic_fraction"`
	Stage                 RolloutStage `json:"stage"`
	RampStep              int          `json:"ramp_step"`
	Plan                  *CanaryPlan  `json:"plan,omitempty"`
	MetricWindow          MetricWindow `json:"metric_window"`
	// KnownGood lists versions that have been active, oldest first.
	KnownGood []string  `json:"known_good,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (s RolloutState) Clone() RolloutState {
	out := s
	if s.Plan != nil {
		p := *s.Plan
		p.RampSchedule = append([]float64(nil), s.Plan.RampSchedule...)
		out.Plan = &p
	}
	out.KnownGood = append([]string(nil), s.KnownGood...)
	return out
}

// RampDecision is the result of one canary evaluation.
type RampDecision string

const (
	DecisionDefer    RampDecision = "defer"
	DecisionRamp     RampDecision = "ramp"
	DecisionPromote  RampDecision = "promote"
	DecisionRollback RampDecision = "rollback"
)

// Observation is one judged evaluation, fed back into the rollout metric
// window for the version that produced it.
type Observation struct {
	ScriptID string `json:"script_id"`
	Version  string `json:"version"`
	// Failed is set when the sandbox failed to produce a verdict.
	Failed bool `json:"failed"`
	// Overridden is set when the emitted outcome differs from the rule's.
	Overridden bool          `json:"overridden"`
	Latency    time.Duration `json:"latency"`
}
