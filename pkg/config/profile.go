package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/judgment"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/rollout"
)

// Profile is a YAML policy profile: named judgment policies and canary plan
// presets.
type Profile struct {
	Name string `yaml:"name" json:"name"`
	// DefaultPolicy names the policy used when a request names none.
	DefaultPolicy string                          `yaml:"default_policy" json:"default_policy"`
	Policies      []judgment.PolicyConfig         `yaml:"policies" json:"policies"`
	CanaryPresets map[string]contracts.CanaryPlan `yaml:"canary_presets" json:"canary_presets"`
	Actions       []ActionConfig                  `yaml:"actions" json:"actions"`
	Schedules     []ScheduleConfig                `yaml:"schedules" json:"schedules"`
}

// ActionConfig declares an HTTP action workflows can call by name.
type ActionConfig struct {
	Name    string        `yaml:"name" json:"name"`
	URL     string        `yaml:"url" json:"url"`
	Rate    float64       `yaml:"rate,omitempty" json:"rate,omitempty"`
	Burst   int           `yaml:"burst,omitempty" json:"burst,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Schema is an inline JSON Schema for the action params.
	Schema string `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// ScheduleConfig runs a workflow document on a fixed interval.
type ScheduleConfig struct {
	ID       string            `yaml:"id" json:"id"`
	Workflow string            `yaml:"workflow" json:"workflow"`
	Interval time.Duration     `yaml:"interval" json:"interval"`
	Mode     contracts.RunMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	Input    map[string]any    `yaml:"input,omitempty" json:"input,omitempty"`
}

// LoadProfile reads and validates the profile at path. Policies are returned
// normalized and presets with their defaults filled in.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	return ParseProfile(data)
}

// ParseProfile parses and validates a profile document.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	seen := make(map[string]bool, len(p.Policies))
	for i, pc := range p.Policies {
		n, err := pc.Normalize()
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		if seen[n.ID] {
			return nil, contracts.NewError(contracts.KindInvalid, "duplicate_policy",
				fmt.Sprintf("policy %q declared twice", n.ID))
		}
		seen[n.ID] = true
		p.Policies[i] = n
	}
	if p.DefaultPolicy != "" && !seen[p.DefaultPolicy] {
		return nil, contracts.NewError(contracts.KindInvalid, "unknown_policy",
			fmt.Sprintf("default_policy %q is not declared", p.DefaultPolicy))
	}

	for name, plan := range p.CanaryPresets {
		n, err := rollout.NormalizePlan(plan)
		if err != nil {
			return nil, fmt.Errorf("canary preset %q: %w", name, err)
		}
		p.CanaryPresets[name] = n
	}

	actions := make(map[string]bool, len(p.Actions))
	for _, a := range p.Actions {
		if a.Name == "" || actions[a.Name] {
			return nil, contracts.NewError(contracts.KindInvalid, "invalid_action",
				fmt.Sprintf("action name %q is empty or declared twice", a.Name))
		}
		actions[a.Name] = true
		if u, err := url.Parse(a.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, contracts.NewError(contracts.KindInvalid, "invalid_action",
				fmt.Sprintf("action %q needs an absolute url", a.Name))
		}
	}
	for _, sc := range p.Schedules {
		if sc.ID == "" || sc.Workflow == "" || sc.Interval <= 0 {
			return nil, contracts.NewError(contracts.KindInvalid, "invalid_schedule",
				fmt.Sprintf("schedule %q needs an id, a workflow and a positive interval", sc.ID))
		}
	}
	return &p, nil
}

// Policy returns the named policy.
func (p *Profile) Policy(id string) (judgment.PolicyConfig, bool) {
	for _, pc := range p.Policies {
		if pc.ID == id {
			return pc, true
		}
	}
	return judgment.PolicyConfig{}, false
}

// Preset returns the named canary plan preset.
func (p *Profile) Preset(name string) (contracts.CanaryPlan, bool) {
	plan, ok := p.CanaryPresets[name]
	return plan, ok
}

// PresetNames lists the presets in sorted order.
func (p *Profile) PresetNames() []string {
	names := make([]string, 0, len(p.CanaryPresets))
	for name := range p.CanaryPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply registers the profile's policies with svc and installs the default.
func (p *Profile) Apply(svc *judgment.Service) error {
	for _, pc := range p.Policies {
		var err error
		if pc.ID == p.DefaultPolicy {
			err = svc.SetDefaultPolicy(pc)
		} else {
			err = svc.RegisterPolicy(pc)
		}
		if err != nil {
			return fmt.Errorf("failed to register policy %q: %w", pc.ID, err)
		}
	}
	return nil
}
