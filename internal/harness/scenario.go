package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/evolv/internal/page"
	"github.com/roach88/evolv/internal/runner"
)

// Scenario is one scripted page view.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario shows.
	Description string `yaml:"description"`

	// Version selects the store fetch strategy. Defaults to 2.
	Version int `yaml:"version,omitempty"`

	// UID and SID default to "uid-1" and "sid-1".
	UID string `yaml:"uid,omitempty"`
	SID string `yaml:"sid,omitempty"`

	// Prefix is the active key prefix handed to the asset manager.
	// Defaults to "web".
	Prefix string `yaml:"prefix,omitempty"`

	// LegacyPollingInterval and TimeoutThreshold override runner defaults.
	LegacyPollingInterval string `yaml:"legacy_polling_interval,omitempty"`
	TimeoutThreshold      string `yaml:"timeout_threshold,omitempty"`

	Assets   Assets   `yaml:"assets"`
	Registry Registry `yaml:"registry"`
	Context  Layers   `yaml:"context,omitempty"`

	// Configuration and Allocations are the payloads the fetcher serves.
	Configuration map[string]any `yaml:"configuration"`
	Allocations   []any          `yaml:"allocations"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Assets describes which environment assets the page loaded.
type Assets struct {
	Stylesheet bool `yaml:"stylesheet"`
	Script     bool `yaml:"script"`
}

// Registry describes the variant registry.
type Registry struct {
	// Deferred keeps the registry unpublished until a publish step.
	Deferred bool          `yaml:"deferred,omitempty"`
	Variants []VariantSpec `yaml:"variants"`
}

// VariantSpec is one registered variant function.
type VariantSpec struct {
	Key      string `yaml:"key"`
	Timing   string `yaml:"timing,omitempty"`
	Behavior string `yaml:"behavior,omitempty"`
}

// Layers seeds the participant context.
type Layers struct {
	Remote map[string]any `yaml:"remote,omitempty"`
	Local  map[string]any `yaml:"local,omitempty"`
}

// Step is one scripted action. Exactly one field is set.
type Step struct {
	Set        map[string]any `yaml:"set,omitempty"`
	Local      bool           `yaml:"local,omitempty"`
	Remove     string         `yaml:"remove,omitempty"`
	ReadyState string         `yaml:"ready_state,omitempty"`
	Advance    string         `yaml:"advance,omitempty"`
	Resolve    string         `yaml:"resolve,omitempty"`
	Reject     string         `yaml:"reject,omitempty"`
	Publish    bool           `yaml:"publish,omitempty"`
}

// Assertion checks the final result.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Keys is the expected active key list (active_keys).
	Keys []string `yaml:"keys,omitempty"`

	// Classes is the expected root class list (classes).
	Classes []string `yaml:"classes,omitempty"`

	// Key names a genome key (value), function (function_status,
	// trace_contains, trace_count).
	Key string `yaml:"key,omitempty"`

	// Value is the expected effective genome value (value).
	Value any `yaml:"value,omitempty"`

	// Event is a trace event type (trace_contains, trace_count, trace_order).
	Event string `yaml:"event,omitempty"`

	// Events is the expected relative order of event types (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Status is the expected function status (function_status).
	Status string `yaml:"status,omitempty"`

	// Level is the expected run level (run_level).
	Level string `yaml:"level,omitempty"`

	// Count is the expected number (confirmations, contaminations, trace_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertActiveKeys     = "active_keys"
	AssertClasses        = "classes"
	AssertValue          = "value"
	AssertConfirmations  = "confirmations"
	AssertContaminations = "contaminations"
	AssertFunctionStatus = "function_status"
	AssertRunLevel       = "run_level"
	AssertTraceContains  = "trace_contains"
	AssertTraceCount     = "trace_count"
	AssertTraceOrder     = "trace_order"
)

// Variant behaviours.
const (
	BehaviorResolve = "resolve"
	BehaviorReject  = "reject"
	BehaviorThrow   = "throw"
	BehaviorPending = "pending"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Version != 0 && s.Version != 1 && s.Version != 2 {
		return fmt.Errorf("version must be 1 or 2")
	}
	for _, d := range []string{s.LegacyPollingInterval, s.TimeoutThreshold} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid duration %q", d)
		}
	}

	seen := make(map[string]bool)
	for i, v := range s.Registry.Variants {
		if v.Key == "" {
			return fmt.Errorf("registry.variants[%d]: key is required", i)
		}
		if seen[v.Key] {
			return fmt.Errorf("registry.variants[%d]: duplicate key %q", i, v.Key)
		}
		seen[v.Key] = true
		switch v.Behavior {
		case "", BehaviorResolve, BehaviorReject, BehaviorThrow, BehaviorPending:
		default:
			return fmt.Errorf("registry.variants[%d]: unknown behavior %q", i, v.Behavior)
		}
		if v.Timing != "" && !slices.Contains(runner.Timings(), runner.Timing(v.Timing)) {
			return fmt.Errorf("registry.variants[%d]: unknown timing %q", i, v.Timing)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	if len(step.Set) > 0 {
		set++
	}
	if step.Local && len(step.Set) == 0 {
		return fmt.Errorf("local applies to set steps only")
	}
	for _, s := range []string{step.Remove, step.ReadyState, step.Advance, step.Resolve, step.Reject} {
		if s != "" {
			set++
		}
	}
	if step.Publish {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}
	if step.Advance != "" {
		if _, err := time.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("invalid advance %q", step.Advance)
		}
	}
	switch page.ReadyState(step.ReadyState) {
	case "", page.Loading, page.Interactive, page.Complete:
	default:
		return fmt.Errorf("unknown ready_state %q", step.ReadyState)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertActiveKeys, AssertClasses, AssertConfirmations, AssertContaminations:
	case AssertValue:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for value", index)
		}
	case AssertFunctionStatus:
		if a.Key == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: key and status are required for function_status", index)
		}
	case AssertRunLevel:
		if a.Level == "" {
			return fmt.Errorf("assertions[%d]: level is required for run_level", index)
		}
	case AssertTraceContains, AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for %s", index, a.Type)
		}
	case AssertTraceOrder:
		if len(a.Events) < 2 {
			return fmt.Errorf("assertions[%d]: trace_order needs at least two events", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}
