package workflow

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryPolicy bounds the attempts of one action node.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Zero selects the default.
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
	MaxJitter   time.Duration `json:"max_jitter" yaml:"max_jitter"`
}

// DefaultRetryPolicy returns the policy used for unset fields.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxJitter:   100 * time.Millisecond,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	return p
}

// ComputeBackoff returns the delay before retry number attempt (1 for the
// first retry): base * 2^(attempt-1), capped at MaxDelay, plus a jitter that
// is a pure function of the run, node and attempt so replays wait the same.
func ComputeBackoff(runID, nodeID string, attempt int, p RetryPolicy) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		exp = 30
	}
	delay := p.BaseDelay * time.Duration(int64(1)<<exp)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay + deterministicJitter(runID, nodeID, attempt, p.MaxJitter)
}

func deterministicJitter(runID, nodeID string, attempt int, limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", runID, nodeID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(limit)) //nolint:gosec // limit is positive
}
