// Package rollout owns the lifecycle of decision script versions: registration,
// canary traffic splitting, metric-driven ramp/promote/rollback decisions and
// manual rollback. All reads and transitions for one script_id are serialized
// on that script's slot; different scripts never contend.
package rollout

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/observability"
)

// Invalidator drops cached verdicts computed with one script version.
type Invalidator interface {
	InvalidateVersion(ctx context.Context, scriptID, version string) (int, error)
}

// ScriptChecker validates a script before it is registered.
type ScriptChecker interface {
	Check(ctx context.Context, script contracts.DecisionScript) error
}

// Clock provides time for state timestamps and metric windows.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// slot holds everything the controller keeps for one script_id.
type slot struct {
	mu      sync.Mutex
	loaded  bool
	state   *contracts.RolloutState
	scripts map[string]contracts.DecisionScript
	windows map[string]*outcomeWindow
}

// Controller is the rollout state machine.
type Controller struct {
	repo        Repository
	invalidator Invalidator
	checker     ScriptChecker
	obs         *observability.Provider
	clock       Clock
	logger      *slog.Logger

	rngMu sync.Mutex
	rng   func() float64

	mu    sync.Mutex
	slots map[string]*slot
}

// NewController creates a controller over repo. inv may be nil when no
// cache is in use.
func NewController(repo Repository, inv Invalidator) *Controller {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Controller{
		repo:        repo,
		invalidator: inv,
		clock:       wallClock{},
		logger:      slog.Default().With("component", "rollout"),
		rng:         src.Float64,
		slots:       make(map[string]*slot),
	}
}

// SetChecker makes RegisterScript compile-check scripts.
func (c *Controller) SetChecker(ch ScriptChecker) { c.checker = ch }

// SetObservability attaches transition spans.
func (c *Controller) SetObservability(p *observability.Provider) { c.obs = p }

// SetClock replaces the wall clock.
func (c *Controller) SetClock(clk Clock) {
	if clk != nil {
		c.clock = clk
	}
}

// SetRand replaces the source used for non-sticky canary assignment.
// fn must return values in [0,1).
func (c *Controller) SetRand(fn func() float64) {
	c.rngMu.Lock()
	c.rng = fn
	c.rngMu.Unlock()
}

func (c *Controller) slot(scriptID string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[scriptID]
	if !ok {
		s = &slot{
			scripts: make(map[string]contracts.DecisionScript),
			windows: make(map[string]*outcomeWindow),
		}
		c.slots[scriptID] = s
	}
	return s
}

// Load reads every persisted rollout state into memory.
func (c *Controller) Load(ctx context.Context) error {
	states, err := c.repo.ListStates(ctx)
	if err != nil {
		return fmt.Errorf("load rollout states: %w", err)
	}
	for _, st := range states {
		s := c.slot(st.ScriptID)
		s.mu.Lock()
		cp := st.Clone()
		s.state = &cp
		s.loaded = true
		s.mu.Unlock()
	}
	c.logger.InfoContext(ctx, "rollout states loaded", "scripts", len(states))
	return nil
}

// stateLocked returns the slot's state, reading it from the repository on
// first use. Callers hold s.mu.
func (c *Controller) stateLocked(ctx context.Context, scriptID string, s *slot) (*contracts.RolloutState, error) {
	if !s.loaded {
		st, ok, err := c.repo.GetState(ctx, scriptID)
		if err != nil {
			return nil, fmt.Errorf("read rollout state %s: %w", scriptID, err)
		}
		if ok {
			s.state = &st
		}
		s.loaded = true
	}
	if s.state == nil {
		return nil, contracts.NewError(contracts.KindNotFound, "script_not_found",
			fmt.Sprintf("script %s has no registered versions", scriptID))
	}
	return s.state, nil
}

func (c *Controller) scriptLocked(ctx context.Context, s *slot, scriptID, version string) (contracts.DecisionScript, error) {
	if script, ok := s.scripts[version]; ok {
		return script, nil
	}
	script, err := c.repo.GetScript(ctx, scriptID, version)
	if err != nil {
		return contracts.DecisionScript{}, err
	}
	s.scripts[version] = script
	return script, nil
}

// commitLocked persists next and makes it the slot's state.
func (c *Controller) commitLocked(ctx context.Context, s *slot, next contracts.RolloutState) error {
	next.UpdatedAt = c.clock.Now()
	if err := c.repo.SaveState(ctx, next); err != nil {
		return fmt.Errorf("persist rollout state %s: %w", next.ScriptID, err)
	}
	s.state = &next
	return nil
}

// RegisterScript stores a new immutable script version. The first version of
// a script becomes active immediately.
func (c *Controller) RegisterScript(ctx context.Context, script contracts.DecisionScript) (contracts.DecisionScript, error) {
	if script.ScriptID == "" {
		return contracts.DecisionScript{}, invalid("missing_script_id", "script_id is required")
	}
	if _, err := semver.NewVersion(script.Version); err != nil {
		return contracts.DecisionScript{}, contracts.WrapError(contracts.KindInvalid,
			fmt.Sprintf("version %q is not a semantic version", script.Version), err)
	}
	if script.SourceText == "" {
		return contracts.DecisionScript{}, invalid("missing_source", "source_text is required")
	}
	if script.Language == "" {
		script.Language = contracts.LanguageCEL
	}
	if c.checker != nil {
		if err := c.checker.Check(ctx, script); err != nil {
			return contracts.DecisionScript{}, contracts.WrapError(contracts.KindInvalid,
				"script "+script.Ref()+" failed validation", err)
		}
	}
	script.CreatedAt = c.clock.Now().UTC()

	s := c.slot(script.ScriptID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.repo.PutScript(ctx, script); err != nil {
		return contracts.DecisionScript{}, err
	}
	s.scripts[script.Version] = script

	if _, err := c.stateLocked(ctx, script.ScriptID, s); err == nil {
		return script, nil
	} else if contracts.KindOf(err) != contracts.KindNotFound {
		return contracts.DecisionScript{}, err
	}

	initial := contracts.RolloutState{
		ScriptID:      script.ScriptID,
		ActiveVersion: script.Version,
		Stage:         contracts.StageActive,
		KnownGood:     []string{script.Version},
	}
	if err := c.commitLocked(ctx, s, initial); err != nil {
		return contracts.DecisionScript{}, err
	}
	c.logger.InfoContext(ctx, "script registered", "script", script.Ref(), "active", true)
	return script, nil
}

// State returns a copy of the rollout state for scriptID.
func (c *Controller) State(ctx context.Context, scriptID string) (contracts.RolloutState, error) {
	s := c.slot(scriptID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := c.stateLocked(ctx, scriptID, s)
	if err != nil {
		return contracts.RolloutState{}, err
	}
	return st.Clone(), nil
}

// Script returns one registered version of scriptID. An empty version
// resolves to the active one.
func (c *Controller) Script(ctx context.Context, scriptID, version string) (contracts.DecisionScript, error) {
	s := c.slot(scriptID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if version == "" {
		st, err := c.stateLocked(ctx, scriptID, s)
		if err != nil {
			return contracts.DecisionScript{}, err
		}
		version = st.ActiveVersion
	}
	return c.scriptLocked(ctx, s, scriptID, version)
}

// StartCanary begins routing plan.InitialFraction of traffic to version.
// A canary already in flight for scriptID is a RolloutConflict; the existing
// state is left untouched.
func (c *Controller) StartCanary(ctx context.Context, scriptID, version string, plan contracts.CanaryPlan) (_ contracts.RolloutState, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "rollout.start_canary", attribute.String("script_id", scriptID))
	defer func() { done(err) }()

	s := c.slot(scriptID)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := c.stateLocked(ctx, scriptID, s)
	if err != nil {
		return contracts.RolloutState{}, err
	}
	if st.Stage == contracts.StageCanary || st.Stage == contracts.StagePromoting {
		return contracts.RolloutState{}, contracts.NewError(contracts.KindRolloutConflict, "canary_in_flight",
			fmt.Sprintf("script %s already has canary %s in stage %s", scriptID, st.CanaryVersion, st.Stage))
	}
	if _, err := c.scriptLocked(ctx, s, scriptID, version); err != nil {
		return contracts.RolloutState{}, err
	}
	if version == st.ActiveVersion {
		return contracts.RolloutState{}, invalid("already_active",
			fmt.Sprintf("version %s is already active for %s", version, scriptID))
	}
	plan, err = NormalizePlan(plan)
	if err != nil {
		return contracts.RolloutState{}, err
	}

	now := c.clock.Now()
	baseline := c.windowLocked(s, st, st.ActiveVersion).Snapshot(now)
	s.windows[version] = newOutcomeWindow(plan.Window, 0)

	next := st.Clone()
	next.CanaryVersion = version
	next.CanaryTrafficFraction = plan.InitialFraction
	next.Stage = contracts.StageCanary
	next.RampStep = 0
	next.Plan = &plan
	next.MetricWindow = contracts.MetricWindow{Start: now, Duration: plan.Window, Baseline: baseline}
	if err := c.commitLocked(ctx, s, next); err != nil {
		return contracts.RolloutState{}, err
	}

	c.logger.InfoContext(ctx, "canary started",
		"script_id", scriptID, "canary", version, "active", next.ActiveVersion,
		"fraction", plan.InitialFraction, "baseline_samples", baseline.Samples)
	return next.Clone(), nil
}

// Evaluate compares the canary's window against the baseline and acts on the
// result: defer on insufficient volume, roll back on a breach, otherwise ramp
// to the next scheduled fraction or promote after the last one.
func (c *Controller) Evaluate(ctx context.Context, scriptID string) (_ contracts.RampDecision, _ contracts.RolloutState, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "rollout.evaluate", attribute.String("script_id", scriptID))
	defer func() { done(err) }()

	s := c.slot(scriptID)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := c.stateLocked(ctx, scriptID, s)
	if err != nil {
		return "", contracts.RolloutState{}, err
	}
	if st.Stage != contracts.StageCanary || st.Plan == nil {
		return "", contracts.RolloutState{}, invalid("no_canary",
			fmt.Sprintf("script %s has no canary in flight (stage %s)", scriptID, st.Stage))
	}

	next := st.Clone()
	next.MetricWindow.Canary = c.windowLocked(s, st, st.CanaryVersion).Snapshot(c.clock.Now())
	result, reason := assess(next.Plan.Thresholds, next.MetricWindow.Baseline, next.MetricWindow.Canary)

	var decision contracts.RampDecision
	switch result {
	case assessDefer:
		decision = contracts.DecisionDefer
		err = c.commitLocked(ctx, s, next)

	case assessBreach:
		decision = contracts.DecisionRollback
		err = c.rejectCanaryLocked(ctx, s, next, next.ActiveVersion)

	case assessPass:
		if next.RampStep < len(next.Plan.RampSchedule) {
			decision = contracts.DecisionRamp
			next.CanaryTrafficFraction = next.Plan.RampSchedule[next.RampStep]
			next.RampStep++
			err = c.commitLocked(ctx, s, next)
		} else {
			decision = contracts.DecisionPromote
			err = c.promoteLocked(ctx, s, next)
		}
	}
	if err != nil {
		return "", contracts.RolloutState{}, err
	}

	c.logger.InfoContext(ctx, "canary evaluated",
		"script_id", scriptID, "decision", decision, "reason", reason,
		"samples", next.MetricWindow.Canary.Samples, "fraction", s.state.CanaryTrafficFraction)
	return decision, s.state.Clone(), nil
}

// Promote makes the canary the active version regardless of metrics. A
// promotion interrupted after invalidation started resumes from stage promoting.
func (c *Controller) Promote(ctx context.Context, scriptID string) (_ contracts.RolloutState, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "rollout.promote", attribute.String("script_id", scriptID))
	defer func() { done(err) }()

	s := c.slot(scriptID)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := c.stateLocked(ctx, scriptID, s)
	if err != nil {
		return contracts.RolloutState{}, err
	}
	if st.Stage != contracts.StageCanary && st.Stage != contracts.StagePromoting {
		return contracts.RolloutState{}, invalid("no_canary",
			fmt.Sprintf("script %s has no canary to promote (stage %s)", scriptID, st.Stage))
	}
	if err := c.promoteLocked(ctx, s, st.Clone()); err != nil {
		return contracts.RolloutState{}, err
	}
	return s.state.Clone(), nil
}

func (c *Controller) promoteLocked(ctx context.Context, s *slot, next contracts.RolloutState) error {
	demoted := next.ActiveVersion
	if next.Stage != contracts.StagePromoting {
		next.Stage = contracts.StagePromoting
		if err := c.commitLocked(ctx, s, next); err != nil {
			return err
		}
	}
	if demoted != next.CanaryVersion {
		if err := c.invalidate(ctx, next.ScriptID, demoted); err != nil {
			return err
		}
	}

	next.ActiveVersion = next.CanaryVersion
	next.KnownGood = appendKnownGood(next.KnownGood, next.CanaryVersion)
	clearCanary(&next)
	next.Stage = contracts.StageActive
	if err := c.commitLocked(ctx, s, next); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "canary promoted", "script_id", next.ScriptID, "active", next.ActiveVersion, "demoted", demoted)
	return nil
}

// Rollback demotes immediately, bypassing metrics. With a canary in flight it
// rejects the canary and keeps (or, when target names another known-good
// version, switches to) the active version. Without one it demotes the active
// version to target, or to the highest known-good version below it when
// target is empty. An explicit target must be known-good and below the
// version it replaces. Demoted versions lose their known-good status. A
// rollback that would change nothing is an error.
func (c *Controller) Rollback(ctx context.Context, scriptID, target string) (_ contracts.RolloutState, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "rollout.rollback", attribute.String("script_id", scriptID))
	defer func() { done(err) }()

	s := c.slot(scriptID)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := c.stateLocked(ctx, scriptID, s)
	if err != nil {
		return contracts.RolloutState{}, err
	}
	next := st.Clone()

	if next.Stage == contracts.StageCanary {
		if target == "" {
			target = next.ActiveVersion
		}
		if target == next.CanaryVersion {
			return contracts.RolloutState{}, invalid("invalid_target", "cannot roll back to the rejected canary "+target)
		}
		if target != next.ActiveVersion {
			if err := checkRollbackTarget(next, target, next.ActiveVersion); err != nil {
				return contracts.RolloutState{}, err
			}
		}
		if _, err := c.scriptLocked(ctx, s, scriptID, target); err != nil {
			return contracts.RolloutState{}, err
		}
		if err := c.rejectCanaryLocked(ctx, s, next, target); err != nil {
			return contracts.RolloutState{}, err
		}
		return s.state.Clone(), nil
	}
	if next.Stage == contracts.StagePromoting {
		return contracts.RolloutState{}, contracts.NewError(contracts.KindRolloutConflict, "promotion_in_progress",
			"script "+scriptID+" is mid-promotion; promote again to finish before rolling back")
	}

	if target == "" {
		target = lastKnownGoodBelow(next.KnownGood, next.ActiveVersion)
		if target == "" {
			return contracts.RolloutState{}, invalid("no_prior_version",
				fmt.Sprintf("script %s has no known-good version below %s", scriptID, next.ActiveVersion))
		}
	}
	if target == next.ActiveVersion {
		return contracts.RolloutState{}, invalid("invalid_target",
			fmt.Sprintf("version %s is already active for %s", target, scriptID))
	}
	if err := checkRollbackTarget(next, target, next.ActiveVersion); err != nil {
		return contracts.RolloutState{}, err
	}
	if _, err := c.scriptLocked(ctx, s, scriptID, target); err != nil {
		return contracts.RolloutState{}, err
	}

	demoted := next.ActiveVersion
	if err := c.invalidate(ctx, scriptID, demoted); err != nil {
		return contracts.RolloutState{}, err
	}
	next.ActiveVersion = target
	next.Stage = contracts.StageRolledBack
	next.KnownGood = dropKnownGood(next.KnownGood, demoted)
	clearCanary(&next)
	if err := c.commitLocked(ctx, s, next); err != nil {
		return contracts.RolloutState{}, err
	}
	c.logger.WarnContext(ctx, "active version rolled back", "script_id", scriptID, "active", target, "demoted", demoted)
	return s.state.Clone(), nil
}

func (c *Controller) rejectCanaryLocked(ctx context.Context, s *slot, next contracts.RolloutState, target string) error {
	rejected := next.CanaryVersion
	if err := c.invalidate(ctx, next.ScriptID, rejected); err != nil {
		return err
	}
	if target != next.ActiveVersion {
		if err := c.invalidate(ctx, next.ScriptID, next.ActiveVersion); err != nil {
			return err
		}
		next.KnownGood = dropKnownGood(next.KnownGood, next.ActiveVersion)
	}
	next.ActiveVersion = target
	next.Stage = contracts.StageRolledBack
	clearCanary(&next)
	if err := c.commitLocked(ctx, s, next); err != nil {
		return err
	}
	c.logger.WarnContext(ctx, "canary rolled back", "script_id", next.ScriptID, "rejected", rejected, "active", target)
	return nil
}

func (c *Controller) invalidate(ctx context.Context, scriptID, version string) error {
	if c.invalidator == nil {
		return nil
	}
	if _, err := c.invalidator.InvalidateVersion(ctx, scriptID, version); err != nil {
		return contracts.WrapError(contracts.KindInternal,
			"invalidate cached verdicts for "+contracts.VersionTag(scriptID, version), err)
	}
	return nil
}

// SelectVersion picks the script version one evaluation runs against. With a
// routing key the choice is a stable hash of (script_id, key); otherwise it
// is a weighted random draw on the canary fraction.
func (c *Controller) SelectVersion(ctx context.Context, scriptID, routingKey string) (contracts.DecisionScript, error) {
	s := c.slot(scriptID)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := c.stateLocked(ctx, scriptID, s)
	if err != nil {
		return contracts.DecisionScript{}, err
	}
	version := st.ActiveVersion
	if st.Stage == contracts.StageCanary && st.CanaryVersion != "" && st.CanaryTrafficFraction > 0 {
		var draw float64
		if routingKey != "" {
			draw = Bucket(scriptID, routingKey)
		} else {
			draw = c.draw()
		}
		if draw < st.CanaryTrafficFraction {
			version = st.CanaryVersion
		}
	}
	return c.scriptLocked(ctx, s, scriptID, version)
}

func (c *Controller) draw() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng()
}

// Bucket maps (scriptID, routingKey) onto [0,1) in steps of 1/10000.
func Bucket(scriptID, routingKey string) float64 {
	sum := sha256.Sum256([]byte(scriptID + ":" + routingKey))
	return float64(binary.BigEndian.Uint64(sum[:8])%10_000) / 10_000
}

// RecordOutcome feeds one evaluation into its version's metric window.
func (c *Controller) RecordOutcome(ctx context.Context, obs contracts.Observation) error {
	s := c.slot(obs.ScriptID)
	s.mu.Lock()
	st, err := c.stateLocked(ctx, obs.ScriptID, s)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	w := c.windowLocked(s, st, obs.Version)
	s.mu.Unlock()

	w.Record(outcomeSample{
		Failed:     obs.Failed,
		Overridden: obs.Overridden,
		Latency:    obs.Latency,
	}, c.clock.Now)
	return nil
}

func (c *Controller) windowLocked(s *slot, st *contracts.RolloutState, version string) *outcomeWindow {
	w, ok := s.windows[version]
	if !ok {
		size := DefaultWindow
		if st.Plan != nil {
			size = st.Plan.Window
		}
		w = newOutcomeWindow(size, 0)
		s.windows[version] = w
	}
	return w
}

func clearCanary(st *contracts.RolloutState) {
	st.CanaryVersion = ""
	st.CanaryTrafficFraction = 0
	st.RampStep = 0
	st.Plan = nil
}

func appendKnownGood(known []string, version string) []string {
	for _, v := range known {
		if v == version {
			return known
		}
	}
	return append(known, version)
}

func dropKnownGood(known []string, version string) []string {
	out := make([]string, 0, len(known))
	for _, v := range known {
		if v != version {
			out = append(out, v)
		}
	}
	return out
}

// checkRollbackTarget rejects a target that is not known-good or is not
// strictly below current.
func checkRollbackTarget(st contracts.RolloutState, target, current string) error {
	if !slices.Contains(st.KnownGood, target) {
		return invalid("invalid_target",
			fmt.Sprintf("version %s of %s is not known-good", target, st.ScriptID))
	}
	if compareVersions(target, current) >= 0 {
		return invalid("invalid_target",
			fmt.Sprintf("version %s of %s is not below %s", target, st.ScriptID, current))
	}
	return nil
}

// lastKnownGoodBelow returns the highest known-good version strictly below
// current, or "".
func lastKnownGoodBelow(known []string, current string) string {
	best := ""
	for _, v := range known {
		if compareVersions(v, current) >= 0 {
			continue
		}
		if best == "" || compareVersions(v, best) > 0 {
			best = v
		}
	}
	return best
}
