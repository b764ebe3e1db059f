package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario defines a simulation test scenario.
// A scenario builds the world of a model, drives it through a list of steps
// and asserts on the recorded trace and the final component state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Model is the directory of .cue model files to load.
	// Relative paths are resolved against the scenario file's directory.
	Model string `yaml:"model"`

	// Settings override the model's world settings.
	Settings *Settings `yaml:"settings,omitempty"`

	// Record selects optional trace events.
	Record Record `yaml:"record,omitempty"`

	// Steps drive the world in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`

	// RunID is an optional fixed run ID for deterministic tests.
	// If empty, defaults to "test-run-default" for deterministic golden file comparison.
	RunID string `yaml:"run_id,omitempty"`
}

// Settings override world settings from the model file.
type Settings struct {
	TimeStep    *float64 `yaml:"time_step,omitempty"`
	ZenoLimit   *int     `yaml:"zeno_limit,omitempty"`
	ClockFinish *float64 `yaml:"clock_finish,omitempty"`
}

// Record enables trace events that are off by default.
type Record struct {
	Guards bool `yaml:"guards,omitempty"`
	Steps  bool `yaml:"steps,omitempty"`
}

// Step is one action on the world. Exactly one of Steps, Evolve, Set,
// Push and Snapshot is given.
type Step struct {
	// Steps advances the world by this many time steps.
	Steps int `yaml:"steps,omitempty"`

	// Evolve advances the world by this much simulated time.
	Evolve float64 `yaml:"evolve,omitempty"`

	// Set writes variables from outside the simulation, keyed "component.var".
	Set map[string]float64 `yaml:"set,omitempty"`

	// Push appends a message to a component's queue.
	Push *PushStep `yaml:"push,omitempty"`

	// Snapshot saves the world to the scenario's store and continues from
	// the restored copy.
	Snapshot bool `yaml:"snapshot,omitempty"`

	// ExpectError makes the step pass only if it fails. The value is a
	// runtime error code such as ZENO or a substring of the error message.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// PushStep names a queue and the message to push onto it.
type PushStep struct {
	Component string `yaml:"component"`
	Queue     string `yaml:"queue"`
	Value     any    `yaml:"value"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "value": Check a variable of a live component
	// - "state": Check the discrete state of a live component
	// - "exited": Check a component left the world
	// - "queue_length": Check the number of entries in a queue
	// - "clock": Check the final simulated time
	// - "trace_contains": Check a transition fired
	// - "trace_order": Check transitions fired in order
	// - "trace_count": Check how often a transition fired
	Type string `yaml:"type"`

	// Component names the component (value, state, exited, queue_length; optional
	// for trace assertions).
	Component string `yaml:"component,omitempty"`

	// Var names the variable (value).
	Var string `yaml:"var,omitempty"`

	// Equals is the expected value (value, clock).
	Equals *float64 `yaml:"equals,omitempty"`

	// Tolerance bounds |actual - equals|. Defaults to 1e-9.
	Tolerance float64 `yaml:"tolerance,omitempty"`

	// Min and Max bound the value inclusively (value, clock).
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`

	// State is the expected state name (state).
	State string `yaml:"state,omitempty"`

	// Transition names a transition (trace_contains, trace_count).
	Transition string `yaml:"transition,omitempty"`

	// Transitions is the expected firing order, each "transition" or
	// "component.transition" (trace_order).
	Transitions []string `yaml:"transitions,omitempty"`

	// Queue names the queue (queue_length).
	Queue string `yaml:"queue,omitempty"`

	// Count is the exact expected number (trace_count, queue_length).
	Count *int `yaml:"count,omitempty"`

	// AtLeast is a lower bound used instead of Count (trace_count).
	AtLeast *int `yaml:"at_least,omitempty"`
}

// Assertion type constants.
const (
	AssertValue         = "value"
	AssertState         = "state"
	AssertExited        = "exited"
	AssertQueueLength   = "queue_length"
	AssertClock         = "clock"
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// The model path is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving a relative model path against basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Model != "" && !filepath.IsAbs(scenario.Model) && basePath != "" {
		scenario.Model = filepath.Join(basePath, scenario.Model)
	}

	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if _, err := os.Stat(scenario.Model); err != nil {
		return nil, fmt.Errorf("invalid scenario: model directory not found: %s", scenario.Model)
	}
	return scenario, nil
}

// ParseScenario decodes scenario YAML with strict field checking. It does
// not validate the result or resolve the model path.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
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
	if s.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if st := s.Settings; st != nil {
		if st.TimeStep != nil && *st.TimeStep <= 0 {
			return fmt.Errorf("settings.time_step must be positive")
		}
		if st.ClockFinish != nil && *st.ClockFinish <= 0 {
			return fmt.Errorf("settings.clock_finish must be positive")
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	actions := 0
	if st.Steps != 0 {
		actions++
		if st.Steps < 0 {
			return fmt.Errorf("steps[%d]: steps must be positive", index)
		}
	}
	if st.Evolve != 0 {
		actions++
		if st.Evolve < 0 {
			return fmt.Errorf("steps[%d]: evolve must be positive", index)
		}
	}
	if st.Set != nil {
		actions++
		for key := range st.Set {
			if comp, name, ok := strings.Cut(key, "."); !ok || comp == "" || name == "" {
				return fmt.Errorf("steps[%d]: set key %q must be component.var", index, key)
			}
		}
	}
	if st.Push != nil {
		actions++
		if st.Push.Component == "" || st.Push.Queue == "" {
			return fmt.Errorf("steps[%d]: push requires component and queue", index)
		}
	}
	if st.Snapshot {
		actions++
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one of steps, evolve, set, push, snapshot is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertValue:
		if a.Component == "" || a.Var == "" {
			return fmt.Errorf("assertions[%d]: component and var are required for value", index)
		}
		if a.Equals == nil && a.Min == nil && a.Max == nil {
			return fmt.Errorf("assertions[%d]: one of equals, min, max is required for value", index)
		}
	case AssertClock:
		if a.Equals == nil && a.Min == nil && a.Max == nil {
			return fmt.Errorf("assertions[%d]: one of equals, min, max is required for clock", index)
		}
	case AssertState:
		if a.Component == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: component and state are required for state", index)
		}
	case AssertExited:
		if a.Component == "" {
			return fmt.Errorf("assertions[%d]: component is required for exited", index)
		}
	case AssertQueueLength:
		if a.Component == "" || a.Queue == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: component, queue and count are required for queue_length", index)
		}
	case AssertTraceContains:
		if a.Transition == "" {
			return fmt.Errorf("assertions[%d]: transition is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Transitions) == 0 {
			return fmt.Errorf("assertions[%d]: transitions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Transition == "" {
			return fmt.Errorf("assertions[%d]: transition is required for trace_count", index)
		}
		if (a.Count == nil) == (a.AtLeast == nil) {
			return fmt.Errorf("assertions[%d]: exactly one of count, at_least is required for trace_count", index)
		}
		if (a.Count != nil && *a.Count < 0) || (a.AtLeast != nil && *a.AtLeast < 0) {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
