package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hybridsim/internal/testutil"
)

func TestLoadScenario_ResolvesModelPath(t *testing.T) {
	scenario, err := LoadScenario(scenarioFile("pingpong"))
	require.NoError(t, err)

	assert.Equal(t, "pingpong_rally", scenario.Name)
	assert.Equal(t, "test-run-pingpong", scenario.RunID)
	assert.Equal(t, filepath.Clean(testutil.ModelDir("pingpong")), filepath.Clean(scenario.Model))
	require.Len(t, scenario.Steps, 1)
	assert.Equal(t, 4.5, scenario.Steps[0].Evolve)
	assert.Equal(t, []string{"a.serve", "b.receive", "b.serve", "a.receive"}, scenario.Assertions[0].Transitions)
}

func TestLoadScenario_AllStepKinds(t *testing.T) {
	data := `
name: everything
description: "one of each step"
model: ` + testutil.ModelDir("pingpong") + `
settings: { time_step: 0.5, zeno_limit: 20, clock_finish: 50 }
record: { guards: true }
steps:
  - steps: 2
  - evolve: 1.5
  - set: { a.t: 0.5 }
  - push: { component: b, queue: inbox, value: { kind: ball, n: 9 } }
  - snapshot: true
assertions:
  - type: clock
    min: 0
`
	path := filepath.Join(t.TempDir(), "everything.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	require.NotNil(t, scenario.Settings)
	assert.Equal(t, 0.5, *scenario.Settings.TimeStep)
	assert.Equal(t, 20, *scenario.Settings.ZenoLimit)
	assert.Equal(t, 50.0, *scenario.Settings.ClockFinish)
	assert.True(t, scenario.Record.Guards)
	assert.False(t, scenario.Record.Steps)

	require.Len(t, scenario.Steps, 5)
	assert.Equal(t, 2, scenario.Steps[0].Steps)
	assert.Equal(t, 1.5, scenario.Steps[1].Evolve)
	assert.Equal(t, map[string]float64{"a.t": 0.5}, scenario.Steps[2].Set)
	assert.Equal(t, "b", scenario.Steps[3].Push.Component)
	assert.Equal(t, map[string]any{"kind": "ball", "n": 9}, scenario.Steps[3].Push.Value)
	assert.True(t, scenario.Steps[4].Snapshot)
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte("name: x\nmodle: typo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modle")
}

func TestLoadScenario_MissingModelDir(t *testing.T) {
	data := `
name: lost
description: "model does not exist"
model: ./nowhere
steps: [{ steps: 1 }]
assertions: [{ type: clock, min: 0 }]
`
	path := filepath.Join(t.TempDir(), "lost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model directory not found")
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "none.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestValidateScenario(t *testing.T) {
	valid := func() *Scenario {
		return &Scenario{
			Name:        "ok",
			Description: "valid",
			Model:       "m",
			Steps:       []Step{{Steps: 1}},
			Assertions:  []Assertion{{Type: AssertClock, Min: ptr(0.0)}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(s *Scenario)
		wantErr string
	}{
		{"valid", func(s *Scenario) {}, ""},
		{"no name", func(s *Scenario) { s.Name = "" }, "name is required"},
		{"no description", func(s *Scenario) { s.Description = "" }, "description is required"},
		{"no model", func(s *Scenario) { s.Model = "" }, "model is required"},
		{"no steps", func(s *Scenario) { s.Steps = nil }, "steps list is required"},
		{"no assertions", func(s *Scenario) { s.Assertions = nil }, "assertions list is required"},
		{"bad time step", func(s *Scenario) { s.Settings = &Settings{TimeStep: ptr(0.0)} }, "time_step must be positive"},
		{"bad clock finish", func(s *Scenario) { s.Settings = &Settings{ClockFinish: ptr(-1.0)} }, "clock_finish must be positive"},
		{"empty step", func(s *Scenario) { s.Steps = []Step{{}} }, "exactly one of steps"},
		{"two actions", func(s *Scenario) { s.Steps = []Step{{Steps: 1, Snapshot: true}} }, "exactly one of steps"},
		{"negative steps", func(s *Scenario) { s.Steps = []Step{{Steps: -1}} }, "steps must be positive"},
		{"negative evolve", func(s *Scenario) { s.Steps = []Step{{Evolve: -1}} }, "evolve must be positive"},
		{"bad set key", func(s *Scenario) { s.Steps = []Step{{Set: map[string]float64{"y": 1}}} }, "must be component.var"},
		{"push without queue", func(s *Scenario) { s.Steps = []Step{{Push: &PushStep{Component: "a"}}} }, "push requires component and queue"},
		{"no assertion type", func(s *Scenario) { s.Assertions = []Assertion{{}} }, "type is required"},
		{"unknown assertion", func(s *Scenario) { s.Assertions = []Assertion{{Type: "magic"}} }, "unknown assertion type"},
		{"value without var", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertValue, Component: "a", Equals: ptr(1.0)}}
		}, "component and var are required"},
		{"value without bound", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertValue, Component: "a", Var: "x"}}
		}, "one of equals, min, max"},
		{"clock without bound", func(s *Scenario) { s.Assertions = []Assertion{{Type: AssertClock}} }, "one of equals, min, max"},
		{"state without state", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertState, Component: "a"}}
		}, "component and state are required"},
		{"exited without component", func(s *Scenario) { s.Assertions = []Assertion{{Type: AssertExited}} }, "component is required"},
		{"queue length without count", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertQueueLength, Component: "a", Queue: "inbox"}}
		}, "component, queue and count are required"},
		{"trace contains without transition", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertTraceContains}}
		}, "transition is required"},
		{"trace order without list", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertTraceOrder}}
		}, "transitions list is required"},
		{"trace count both bounds", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertTraceCount, Transition: "x", Count: ptr(1), AtLeast: ptr(1)}}
		}, "exactly one of count, at_least"},
		{"trace count negative", func(s *Scenario) {
			s.Assertions = []Assertion{{Type: AssertTraceCount, Transition: "x", Count: ptr(-1)}}
		}, "must be non-negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := validateScenario(s)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
