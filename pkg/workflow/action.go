package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// DefaultActionTimeout bounds an attempt when neither the node nor the
// registration sets a timeout.
const DefaultActionTimeout = 30 * time.Second

// Action is a named external collaborator.
type Action interface {
	Invoke(ctx context.Context, params map[string]any) (map[string]any, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

func (f ActionFunc) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f(ctx, params)
}

// ActionSpec configures a registered action.
type ActionSpec struct {
	// Schema is an optional JSON Schema (draft 2020-12) for the params.
	Schema string
	// Rate limits calls per second across all runs. Zero means unlimited.
	Rate  float64
	Burst int
	// Timeout bounds each attempt.
	Timeout time.Duration
}

type registeredAction struct {
	name    string
	action  Action
	schema  *jsonschema.Schema
	limiter *rate.Limiter
	timeout time.Duration
}

// Registry holds the action collaborators a workflow may call.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*registeredAction
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*registeredAction)}
}

// Register adds or replaces an action.
func (r *Registry) Register(name string, action Action, spec ActionSpec) error {
	if name == "" {
		return fmt.Errorf("action name is required")
	}
	if action == nil {
		return fmt.Errorf("action %s: implementation is nil", name)
	}
	ra := &registeredAction{name: name, action: action, timeout: spec.Timeout}
	if ra.timeout <= 0 {
		ra.timeout = DefaultActionTimeout
	}

	if spec.Schema != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://triflow.schemas.local/actions/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(spec.Schema)); err != nil {
			return fmt.Errorf("action %s schema load failed: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("action %s schema compile failed: %w", name, err)
		}
		ra.schema = compiled
	}

	if spec.Rate > 0 {
		burst := spec.Burst
		if burst <= 0 {
			burst = 1
		}
		ra.limiter = rate.NewLimiter(rate.Limit(spec.Rate), burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = ra
	return nil
}

// Names lists the registered actions.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(name string) (*registeredAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ra, ok := r.actions[name]
	if !ok {
		return nil, contracts.NewError(contracts.KindInvalid, "unknown_action",
			fmt.Sprintf("action %q is not registered", name))
	}
	return ra, nil
}

func (ra *registeredAction) validate(params map[string]any) error {
	if ra.schema == nil {
		return nil
	}
	// The validator expects JSON-decoded values.
	raw, err := json.Marshal(params)
	if err != nil {
		return contracts.WrapError(contracts.KindInvalid, fmt.Sprintf("action %s params", ra.name), err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return contracts.WrapError(contracts.KindInvalid, fmt.Sprintf("action %s params", ra.name), err)
	}
	if err := ra.schema.Validate(doc); err != nil {
		e := contracts.WrapError(contracts.KindInvalid, fmt.Sprintf("action %s params failed schema validation", ra.name), err)
		e.Code = "invalid_params"
		return e
	}
	return nil
}

func (ra *registeredAction) wait(ctx context.Context) error {
	if ra.limiter == nil {
		return nil
	}
	return ra.limiter.Wait(ctx)
}

// HTTPAction posts the params as JSON to a webhook and returns the decoded
// JSON object reply. Any non-2xx status is a failure.
type HTTPAction struct {
	URL    string
	Client *http.Client
	Header http.Header
}

// NewHTTPAction creates a webhook action.
func NewHTTPAction(url string) *HTTPAction {
	return &HTTPAction{URL: url, Client: &http.Client{}}
}

func (a *HTTPAction) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range a.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	out := map[string]any{"status": resp.StatusCode}
	if len(bytes.TrimSpace(raw)) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			out = decoded
		}
	}
	return out, nil
}
