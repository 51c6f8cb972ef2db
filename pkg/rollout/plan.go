package rollout

import (
	"fmt"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// DefaultWindow is the metric window used when a plan does not set one.
const DefaultWindow = time.Hour

// NormalizePlan validates a canary plan and fills defaults.
// A plan without thresholds gets contracts.DefaultThresholds.
func NormalizePlan(p contracts.CanaryPlan) (contracts.CanaryPlan, error) {
	if p.InitialFraction <= 0 || p.InitialFraction > 1 {
		return p, invalid("invalid_plan", fmt.Sprintf("initial_fraction must be within (0,1], got %v", p.InitialFraction))
	}
	prev := p.InitialFraction
	for i, f := range p.RampSchedule {
		if f <= prev || f > 1 {
			return p, invalid("invalid_plan",
				fmt.Sprintf("ramp_schedule[%d]=%v must increase from %v and not exceed 1", i, f, prev))
		}
		prev = f
	}
	if p.Window < 0 {
		return p, invalid("invalid_plan", "window must not be negative")
	}
	if p.Window == 0 {
		p.Window = DefaultWindow
	}
	if p.Thresholds == (contracts.CanaryThresholds{}) {
		p.Thresholds = contracts.DefaultThresholds()
	}
	if p.Thresholds.MinSamples < 0 {
		return p, invalid("invalid_plan", "min_samples must not be negative")
	}
	p.RampSchedule = append([]float64(nil), p.RampSchedule...)
	return p, nil
}

type assessment int

const (
	assessDefer assessment = iota
	assessBreach
	assessPass
)

// assess applies the halt rules in order. A zero limit disables its rule.
// Nothing is decided until the canary has MinSamples samples.
func assess(th contracts.CanaryThresholds, baseline, canary contracts.MetricSnapshot) (assessment, string) {
	if canary.Samples < th.MinSamples || canary.Samples == 0 {
		return assessDefer, fmt.Sprintf("insufficient volume: %d of %d samples", canary.Samples, th.MinSamples)
	}
	if th.MaxFailureRate > 0 && canary.FailureRate > th.MaxFailureRate {
		return assessBreach, fmt.Sprintf("failure rate %.4f exceeds %.4f", canary.FailureRate, th.MaxFailureRate)
	}
	if th.MaxFailureRatio > 0 && baseline.FailureRate > 0 &&
		canary.FailureRate/baseline.FailureRate > th.MaxFailureRatio {
		return assessBreach, fmt.Sprintf("failure rate %.4f is more than %.2fx baseline %.4f",
			canary.FailureRate, th.MaxFailureRatio, baseline.FailureRate)
	}
	if th.OverrideTolerance > 0 && canary.OverrideRate-baseline.OverrideRate > th.OverrideTolerance {
		return assessBreach, fmt.Sprintf("override rate %.4f drifts more than %.4f from baseline %.4f",
			canary.OverrideRate, th.OverrideTolerance, baseline.OverrideRate)
	}
	if th.MaxLatencyRatio > 0 && baseline.LatencyP95Ms > 0 &&
		canary.LatencyP95Ms/baseline.LatencyP95Ms > th.MaxLatencyRatio {
		return assessBreach, fmt.Sprintf("p95 latency %.2fms is more than %.2fx baseline %.2fms",
			canary.LatencyP95Ms, th.MaxLatencyRatio, baseline.LatencyP95Ms)
	}
	if th.MaxConsecutiveFailures > 0 && canary.ConsecutiveFailures >= th.MaxConsecutiveFailures {
		return assessBreach, fmt.Sprintf("%d consecutive failures", canary.ConsecutiveFailures)
	}
	return assessPass, "within thresholds"
}

func invalid(code, msg string) error {
	return contracts.NewError(contracts.KindInvalid, code, msg)
}
