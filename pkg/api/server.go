package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/judgment"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/workflow"
)

// Runs is the workflow engine surface the API drives.
type Runs interface {
	SubmitRun(ctx context.Context, req workflow.RunRequest) (string, error)
	Execute(ctx context.Context, req workflow.RunRequest) (contracts.ExecutionTrace, error)
	GetTrace(ctx context.Context, runID string) (contracts.ExecutionTrace, error)
	CancelRun(ctx context.Context, runID string) error
}

// Judge evaluates judgment requests and replays recorded ones.
type Judge interface {
	Judge(ctx context.Context, req judgment.Request) (contracts.Verdict, error)
	Replay(ctx context.Context, judgmentID string, opts judgment.ReplayOptions) (judgment.ReplayResult, error)
	ReplayBatch(ctx context.Context, ids []string, opts judgment.ReplayOptions) (judgment.BatchResult, error)
	WhatIf(ctx context.Context, judgmentID string, modifications map[string]any, opts judgment.ReplayOptions) (judgment.WhatIfResult, error)
}

// Rollouts is the rollout controller surface the API drives.
type Rollouts interface {
	RegisterScript(ctx context.Context, script contracts.DecisionScript) (contracts.DecisionScript, error)
	State(ctx context.Context, scriptID string) (contracts.RolloutState, error)
	StartCanary(ctx context.Context, scriptID, version string, plan contracts.CanaryPlan) (contracts.RolloutState, error)
	Evaluate(ctx context.Context, scriptID string) (contracts.RampDecision, contracts.RolloutState, error)
	Promote(ctx context.Context, scriptID string) (contracts.RolloutState, error)
	Rollback(ctx context.Context, scriptID, target string) (contracts.RolloutState, error)
}

// Deps wires a Server. RateLimiter and Idempotency are optional.
type Deps struct {
	Runs        Runs
	Judge       Judge
	Rollouts    Rollouts
	Presets     map[string]contracts.CanaryPlan
	RateLimiter *RateLimiter
	Idempotency *IdempotencyStore
}

// HealthCheck reports a dependency's health. A nil error is healthy.
type HealthCheck func(ctx context.Context) error

// Server serves the HTTP API.
type Server struct {
	deps   Deps
	logger *slog.Logger

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewServer creates a server over deps.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: slog.Default().With("component", "api"),
		checks: make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a named check reported by GET /health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.mu.Lock()
	s.checks[name] = check
	s.mu.Unlock()
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	post := func(pattern string, h http.HandlerFunc) {
		var handler http.Handler = h
		if s.deps.Idempotency != nil {
			handler = Idempotent(s.deps.Idempotency, handler)
		}
		mux.Handle("POST "+pattern, handler)
	}

	post("/v1/runs", s.handleSubmitRun)
	mux.HandleFunc("GET /v1/runs/{id}/trace", s.handleGetTrace)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /v1/judge", s.handleJudge)
	mux.HandleFunc("POST /v1/judgments/replay", s.handleReplayBatch)
	mux.HandleFunc("POST /v1/judgments/{id}/replay", s.handleReplay)
	mux.HandleFunc("POST /v1/judgments/{id}/what-if", s.handleWhatIf)
	post("/v1/scripts", s.handleRegisterScript)
	post("/v1/rollouts/{script_id}/canary", s.handleStartCanary)
	mux.HandleFunc("POST /v1/rollouts/{script_id}/promote", s.handlePromote)
	mux.HandleFunc("POST /v1/rollouts/{script_id}/rollback", s.handleRollback)
	mux.HandleFunc("POST /v1/rollouts/{script_id}/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /v1/rollouts/{script_id}", s.handleGetRollout)
	mux.HandleFunc("GET /health", s.handleHealth)

	var h http.Handler = mux
	if s.deps.RateLimiter != nil {
		h = s.deps.RateLimiter.Middleware(h)
	}
	h = AccessLog(s.logger)(h)
	return RequestID(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

type submitRunRequest struct {
	// Workflow is a JSON workflow document, or a string holding JSON or YAML.
	Workflow json.RawMessage   `json:"workflow"`
	Input    map[string]any    `json:"input"`
	Mode     contracts.RunMode `json:"mode"`
}

type submitRunResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Workflow) == 0 {
		WriteBadRequest(w, "Missing required field: workflow")
		return
	}
	wf, err := decodeWorkflow(req.Workflow)
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}

	run := workflow.RunRequest{Workflow: wf, Input: req.Input, Mode: req.Mode}
	if r.URL.Query().Get("wait") == "true" {
		trace, err := s.deps.Runs.Execute(r.Context(), run)
		if err != nil {
			WriteErrorR(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, trace)
		return
	}

	id, err := s.deps.Runs.SubmitRun(r.Context(), run)
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/runs/"+id+"/trace")
	writeJSON(w, http.StatusAccepted, submitRunResponse{RunID: id})
}

func decodeWorkflow(raw json.RawMessage) (*workflow.Workflow, error) {
	if raw[0] == '"' {
		var doc string
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, contracts.WrapError(contracts.KindInvalid, "invalid_workflow", err)
		}
		return workflow.Decode([]byte(doc))
	}
	return workflow.DecodeJSON(raw)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := s.deps.Runs.GetTrace(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Runs.CancelRun(r.Context(), id); err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

func (s *Server) handleJudge(w http.ResponseWriter, r *http.Request) {
	var req judgment.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ScriptID == "" {
		WriteBadRequest(w, "Missing required field: script_id")
		return
	}
	v, err := s.deps.Judge.Judge(r.Context(), req)
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var opts judgment.ReplayOptions
	if !decodeBody(w, r, &opts) {
		return
	}
	res, err := s.deps.Judge.Replay(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type replayBatchRequest struct {
	JudgmentIDs []string `json:"judgment_ids"`
	judgment.ReplayOptions
}

func (s *Server) handleReplayBatch(w http.ResponseWriter, r *http.Request) {
	var req replayBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.JudgmentIDs) == 0 {
		WriteBadRequest(w, "Missing required field: judgment_ids")
		return
	}
	res, err := s.deps.Judge.ReplayBatch(r.Context(), req.JudgmentIDs, req.ReplayOptions)
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type whatIfRequest struct {
	Modifications map[string]any `json:"modifications"`
	judgment.ReplayOptions
}

func (s *Server) handleWhatIf(w http.ResponseWriter, r *http.Request) {
	var req whatIfRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Modifications) == 0 {
		WriteBadRequest(w, "Missing required field: modifications")
		return
	}
	res, err := s.deps.Judge.WhatIf(r.Context(), r.PathValue("id"), req.Modifications, req.ReplayOptions)
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegisterScript(w http.ResponseWriter, r *http.Request) {
	var script contracts.DecisionScript
	if !decodeBody(w, r, &script) {
		return
	}
	if script.ScriptID == "" || script.Version == "" {
		WriteBadRequest(w, "Missing required fields: script_id, version")
		return
	}
	stored, err := s.deps.Rollouts.RegisterScript(r.Context(), script)
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// planBody is a CanaryPlan with a human-readable window.
type planBody struct {
	InitialFraction float64                    `json:"initial_fraction"`
	RampSchedule    []float64                  `json:"ramp_schedule,omitempty"`
	Window          string                     `json:"window,omitempty"`
	Thresholds      contracts.CanaryThresholds `json:"thresholds"`
}

type canaryRequest struct {
	Version string    `json:"version"`
	Plan    *planBody `json:"plan,omitempty"`
	// Preset names a canary plan preset from the policy profile.
	Preset string `json:"preset,omitempty"`
}

func (s *Server) handleStartCanary(w http.ResponseWriter, r *http.Request) {
	var req canaryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Version == "" {
		WriteBadRequest(w, "Missing required field: version")
		return
	}

	var plan contracts.CanaryPlan
	switch {
	case req.Plan != nil && req.Preset != "":
		WriteBadRequest(w, "plan and preset are mutually exclusive")
		return
	case req.Preset != "":
		p, ok := s.deps.Presets[req.Preset]
		if !ok {
			WriteNotFound(w, "Unknown canary preset: "+req.Preset)
			return
		}
		plan = p
	case req.Plan != nil:
		plan = contracts.CanaryPlan{
			InitialFraction: req.Plan.InitialFraction,
			RampSchedule:    req.Plan.RampSchedule,
			Thresholds:      req.Plan.Thresholds,
		}
		if req.Plan.Window != "" {
			d, err := time.ParseDuration(req.Plan.Window)
			if err != nil {
				WriteBadRequest(w, "Invalid plan window: "+err.Error())
				return
			}
			plan.Window = d
		}
	default:
		WriteBadRequest(w, "Missing required field: plan or preset")
		return
	}

	st, err := s.deps.Rollouts.StartCanary(r.Context(), r.PathValue("script_id"), req.Version, plan)
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Rollouts.Promote(r.Context(), r.PathValue("script_id"))
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type rollbackRequest struct {
	TargetVersion string `json:"target_version,omitempty"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := s.deps.Rollouts.Rollback(r.Context(), r.PathValue("script_id"), req.TargetVersion)
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type evaluateResponse struct {
	Decision contracts.RampDecision `json:"decision"`
	State    contracts.RolloutState `json:"state"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	decision, st, err := s.deps.Rollouts.Evaluate(r.Context(), r.PathValue("script_id"))
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{Decision: decision, State: st})
}

func (s *Server) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Rollouts.State(r.Context(), r.PathValue("script_id"))
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		s.mu.RLock()
		check := s.checks[name]
		s.mu.RUnlock()
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}
