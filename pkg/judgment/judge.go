// Package judgment implements the hybrid judgment policy: it resolves the
// script version to run, consults the judgment cache, evaluates the decision
// script in the sandbox, escalates to the fallback model when the rule is not
// good enough, and merges both verdicts under a named aggregation policy.
package judgment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/cache"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/canonicalize"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/fallback"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/observability"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/sandbox"
)

// VersionSelector picks the script version an evaluation runs against.
// The rollout controller implements it with its canary split.
type VersionSelector interface {
	SelectVersion(ctx context.Context, scriptID, routingKey string) (contracts.DecisionScript, error)
}

// ScriptResolver loads a specific script version. An empty version means
// the currently active one.
type ScriptResolver interface {
	Script(ctx context.Context, scriptID, version string) (contracts.DecisionScript, error)
}

// OutcomeRecorder receives one observation per computed (non-cached) evaluation.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, obs contracts.Observation) error
}

// Clock provides time for latency measurement.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Request is one judge call.
type Request struct {
	ScriptID string         `json:"script_id"`
	Input    map[string]any `json:"input"`
	// PolicyID names a registered policy. Empty selects the default.
	PolicyID string `json:"policy_id,omitempty"`
	// Policy, when set, is used instead of a registered policy.
	Policy *PolicyConfig `json:"policy,omitempty"`
	// RoutingKey makes canary assignment sticky for one caller.
	RoutingKey string `json:"routing_key,omitempty"`
	// Context is forwarded to the fallback model only; it does not affect the fingerprint.
	Context map[string]any `json:"context,omitempty"`
}

// Service is the hybrid judgment entry point.
type Service struct {
	versions VersionSelector
	sandbox  sandbox.Evaluator
	fallback fallback.Client
	cache    *cache.JudgmentCache
	recorder OutcomeRecorder
	log      Log
	scripts  ScriptResolver
	obs      *observability.Provider
	clock    Clock
	logger   *slog.Logger

	mu            sync.RWMutex
	policies      map[string]PolicyConfig
	defaultPolicy PolicyConfig
}

// NewService wires a judgment service. fb and c may be nil: without a
// fallback every escalation degrades, without a cache every call computes.
// When versions can also resolve specific versions it backs Replay.
func NewService(versions VersionSelector, sb sandbox.Evaluator, fb fallback.Client, c *cache.JudgmentCache) *Service {
	def, _ := DefaultPolicy().Normalize()
	scripts, _ := versions.(ScriptResolver)
	return &Service{
		scripts:       scripts,
		versions:      versions,
		sandbox:       sb,
		fallback:      fb,
		cache:         c,
		clock:         wallClock{},
		logger:        slog.Default().With("component", "judgment"),
		policies:      map[string]PolicyConfig{def.ID: def},
		defaultPolicy: def,
	}
}

// SetOutcomeRecorder feeds computed evaluations into rollout metrics.
func (s *Service) SetOutcomeRecorder(r OutcomeRecorder) { s.recorder = r }

// SetJudgmentLog records every answered judge call in l.
func (s *Service) SetJudgmentLog(l Log) { s.log = l }

// SetScriptResolver sets where Replay loads script versions from.
func (s *Service) SetScriptResolver(r ScriptResolver) { s.scripts = r }

// SetObservability attaches spans and verdict counters.
func (s *Service) SetObservability(p *observability.Provider) { s.obs = p }

// SetClock replaces the wall clock.
func (s *Service) SetClock(c Clock) {
	if c != nil {
		s.clock = c
	}
}

// RegisterPolicy adds or replaces a named policy.
func (s *Service) RegisterPolicy(p PolicyConfig) error {
	n, err := p.Normalize()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.policies[n.ID] = n
	s.mu.Unlock()
	return nil
}

// SetDefaultPolicy registers p and makes it the default.
func (s *Service) SetDefaultPolicy(p PolicyConfig) error {
	n, err := p.Normalize()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.policies[n.ID] = n
	s.defaultPolicy = n
	s.mu.Unlock()
	return nil
}

// Policy returns the registered policy with the given id; "" is the default.
func (s *Service) Policy(id string) (PolicyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == "" {
		return s.defaultPolicy, nil
	}
	p, ok := s.policies[id]
	if !ok {
		return PolicyConfig{}, contracts.NewError(contracts.KindNotFound, "unknown_policy", fmt.Sprintf("policy %q is not registered", id))
	}
	return p, nil
}

// Judge evaluates req and returns exactly one verdict or a typed error.
func (s *Service) Judge(ctx context.Context, req Request) (v contracts.Verdict, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "judgment.judge", attribute.String("script_id", req.ScriptID))
	defer func() {
		done(err)
		if err == nil {
			s.obs.RecordVerdict(ctx, v)
		}
	}()

	if req.ScriptID == "" {
		return contracts.Verdict{}, contracts.NewError(contracts.KindInvalid, "missing_script_id", "script_id is required")
	}
	policy, err := s.resolvePolicy(req)
	if err != nil {
		return contracts.Verdict{}, err
	}

	// 1. Resolve the version through the rollout split. The cache epoch is
	// taken first so a rollback racing this call keeps its result uncached.
	var epoch uint64
	if s.cache != nil {
		epoch = s.cache.Epoch()
	}
	script, err := s.versions.SelectVersion(ctx, req.ScriptID, req.RoutingKey)
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("select version for %s: %w", req.ScriptID, err)
	}

	fp, err := canonicalize.Fingerprint(script.ScriptID, script.Version, req.Input, policyKey(policy))
	if err != nil {
		return contracts.Verdict{}, contracts.WrapError(contracts.KindInvalid, "input is not canonicalizable", err)
	}

	compute := func(ctx context.Context) (contracts.Verdict, []string, bool, error) {
		v, err := s.evaluate(ctx, policy, script, req, true)
		if err != nil {
			return contracts.Verdict{}, nil, false, err
		}
		return v, []string{script.Ref()}, !v.Degraded, nil
	}

	// 2. Cache, or compute on miss.
	if s.cache == nil {
		v, _, _, err = compute(ctx)
	} else {
		v, _, err = s.cache.ResolveFrom(ctx, fp, epoch, policy.CacheTTL, compute)
	}
	if err != nil {
		return contracts.Verdict{}, err
	}

	v.ScriptID = script.ScriptID
	v.ScriptVersion = script.Version
	v.Fingerprint = fp
	v.JudgmentID = s.record(ctx, policy, req, v)
	return v, nil
}

// record appends the answered call to the judgment log and returns its id.
// A log failure is logged, never surfaced: the verdict is already decided.
func (s *Service) record(ctx context.Context, p PolicyConfig, req Request, v contracts.Verdict) string {
	if s.log == nil {
		return ""
	}
	rec := Record{
		ID:            uuid.NewString(),
		ScriptID:      v.ScriptID,
		ScriptVersion: v.ScriptVersion,
		Policy:        p,
		Input:         req.Input,
		Context:       req.Context,
		Verdict:       v,
		RecordedAt:    s.clock.Now().UTC(),
	}
	if err := s.log.AppendJudgment(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "record judgment failed", "script", v.ScriptID+"@"+v.ScriptVersion, "error", err)
		return ""
	}
	return rec.ID
}

func (s *Service) resolvePolicy(req Request) (PolicyConfig, error) {
	if req.Policy != nil {
		return req.Policy.Normalize()
	}
	return s.Policy(req.PolicyID)
}

// evaluate runs steps 3 and 4: sandbox, conditional fallback, aggregation.
// Outcomes feed rollout metrics only when observed is set.
func (s *Service) evaluate(ctx context.Context, p PolicyConfig, script contracts.DecisionScript, req Request, observed bool) (contracts.Verdict, error) {
	var (
		rule    contracts.Verdict
		ruleErr error
		latency time.Duration
	)

	if p.Aggregation != FallbackOnly {
		start := s.clock.Now()
		rule, ruleErr = s.runSandbox(ctx, script, req.Input)
		latency = s.clock.Now().Sub(start)
		if isCancelled(ctx, ruleErr) {
			return contracts.Verdict{}, cancelled(ctx, ruleErr)
		}
		if ruleErr != nil {
			s.logger.InfoContext(ctx, "rule sandbox failed",
				"script", script.Ref(), "kind", contracts.KindOf(ruleErr), "error", ruleErr)
		}
	}

	v, err := s.decide(ctx, p, script, req, rule, ruleErr)
	if err != nil {
		if isCancelled(ctx, err) {
			return contracts.Verdict{}, cancelled(ctx, err)
		}
		if observed {
			s.observe(ctx, script, ruleErr != nil, false, latency, p)
		}
		return contracts.Verdict{}, err
	}
	if observed {
		overridden := ruleErr == nil && p.Aggregation != FallbackOnly && v.Outcome != rule.Outcome
		s.observe(ctx, script, ruleErr != nil, overridden, latency, p)
	}
	return v, nil
}

func (s *Service) decide(ctx context.Context, p PolicyConfig, script contracts.DecisionScript, req Request, rule contracts.Verdict, ruleErr error) (contracts.Verdict, error) {
	switch p.Aggregation {
	case RuleOnly:
		if ruleErr != nil {
			return contracts.Verdict{}, unavailable(script, ruleErr, nil)
		}
		return annotate(rule, p, "rule only"), nil

	case FallbackOnly:
		fb, err := s.consult(ctx, script, req, contracts.Verdict{}, nil)
		if err != nil {
			return contracts.Verdict{}, unavailable(script, nil, err)
		}
		return annotate(fb, p, "fallback only"), nil
	}

	// 3. Escalate when the rule failed, is inconclusive or is not confident enough.
	escalate := p.Aggregation.alwaysConsultsFallback() ||
		ruleErr != nil || !rule.Conclusive() || rule.Confidence < p.FallbackThreshold
	if !escalate {
		return annotate(rule, p, fmt.Sprintf("rule conclusive at %s, fallback not consulted", fmtConf(rule.Confidence))), nil
	}

	fb, fbErr := s.consult(ctx, script, req, rule, ruleErr)
	if isCancelled(ctx, fbErr) {
		return contracts.Verdict{}, cancelled(ctx, fbErr)
	}

	switch {
	case ruleErr != nil && fbErr != nil:
		return contracts.Verdict{}, unavailable(script, ruleErr, fbErr)

	case ruleErr != nil:
		return annotate(fb, p, fmt.Sprintf("rule sandbox failed (%s), fallback used", contracts.KindOf(ruleErr))), nil

	case fbErr != nil:
		s.logger.WarnContext(ctx, "fallback unavailable, degrading to rule verdict",
			"script", script.Ref(), "error", fbErr)
		return degrade(rule, p, fbErr), nil
	}

	// 4. Aggregate.
	return Aggregate(p, rule, fb), nil
}

func (s *Service) runSandbox(ctx context.Context, script contracts.DecisionScript, input map[string]any) (v contracts.Verdict, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "sandbox.evaluate",
		attribute.String("script", script.Ref()), attribute.String("language", string(script.Language)))
	defer func() { done(err) }()
	return s.sandbox.Evaluate(ctx, script, input)
}

func (s *Service) consult(ctx context.Context, script contracts.DecisionScript, req Request, rule contracts.Verdict, ruleErr error) (v contracts.Verdict, err error) {
	if s.fallback == nil {
		return contracts.Verdict{}, contracts.NewError(contracts.KindFallbackUnavailable, "not_configured", "no fallback model configured")
	}
	ctx, done := s.obs.TrackOperation(ctx, "fallback.infer", attribute.String("script_id", script.ScriptID))
	defer func() { done(err) }()

	fctx := make(map[string]any, len(req.Context)+2)
	for k, val := range req.Context {
		fctx[k] = val
	}
	switch {
	case ruleErr != nil:
		fctx["rule_error"] = ruleErr.Error()
	case rule.Outcome != "":
		fctx["rule_outcome"] = string(rule.Outcome)
		fctx["rule_confidence"] = rule.Confidence
	}

	inf, err := s.fallback.Infer(ctx, fallback.Request{ScriptID: script.ScriptID, Input: req.Input, Context: fctx})
	if err != nil {
		return contracts.Verdict{}, err
	}
	return inf.Verdict(), nil
}

func (s *Service) observe(ctx context.Context, script contracts.DecisionScript, failed, overridden bool, latency time.Duration, p PolicyConfig) {
	if s.recorder == nil || p.Aggregation == FallbackOnly {
		return
	}
	err := s.recorder.RecordOutcome(ctx, contracts.Observation{
		ScriptID:   script.ScriptID,
		Version:    script.Version,
		Failed:     failed,
		Overridden: overridden,
		Latency:    latency,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "record outcome failed", "script", script.Ref(), "error", err)
	}
}

// annotate returns a copy of v with the deciding policy prepended to its rationale.
func annotate(v contracts.Verdict, p PolicyConfig, reason string) contracts.Verdict {
	out := v.Clone()
	out.Rationale = append([]string{fmt.Sprintf("policy %s (%s): %s", p.ID, p.Aggregation, reason)}, v.Rationale...)
	if out.RecommendedActions == nil {
		out.RecommendedActions = []string{}
	}
	return out
}

// degrade caps a rule verdict whose fallback escalation failed. Degraded
// verdicts are never cached.
func degrade(rule contracts.Verdict, p PolicyConfig, cause error) contracts.Verdict {
	out := annotate(rule, p, fmt.Sprintf("fallback unavailable (%v), rule verdict degraded", cause))
	if out.Confidence > p.DegradedCap {
		out.Confidence = p.DegradedCap
	}
	out.Degraded = true
	return out
}

func unavailable(script contracts.DecisionScript, ruleErr, fbErr error) error {
	return &contracts.Error{
		Kind:    contracts.KindJudgmentUnavailable,
		Code:    "no_source",
		Message: "no judgment source produced a verdict for " + script.Ref(),
		Err:     errors.Join(ruleErr, fbErr),
	}
}

func isCancelled(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return ctx.Err() != nil || contracts.KindOf(err) == contracts.KindCancelled
}

func cancelled(ctx context.Context, err error) error {
	if contracts.KindOf(err) == contracts.KindCancelled {
		return err
	}
	return contracts.WrapError(contracts.KindCancelled, "judgment cancelled", errors.Join(ctx.Err(), err))
}

// policyKey identifies p in fingerprints. Two configs sharing an id but not
// their parameters get distinct keys.
func policyKey(p PolicyConfig) string {
	h, err := canonicalize.CanonicalHash(p)
	if err != nil {
		return p.ID
	}
	return p.ID + "#" + h[:12]
}
