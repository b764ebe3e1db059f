package harness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/ir"
)

// TraceSnapshot is what a golden file records for a scenario: the trace
// and the final state, serialized as canonical JSON.
type TraceSnapshot struct {
	ScenarioName string                    `json:"scenario_name"`
	RunID        string                    `json:"run_id,omitempty"`
	Trace        []engine.TraceEvent       `json:"trace"`
	Clock        float64                   `json:"clock"`
	Final        map[string]ComponentState `json:"final"`
}

// GoldenBytes returns the canonical encoding of a scenario result.
func GoldenBytes(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		RunID:        result.RunID,
		Trace:        result.Trace,
		Clock:        result.Clock,
		Final:        result.Final,
	}
	data, err := ir.MarshalCanonical(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal golden trace: %w", err)
	}
	return data, nil
}

func newGoldie(t *testing.T, opts []goldie.Option) *goldie.Goldie {
	base := []goldie.Option{
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	}
	return goldie.New(t, append(base, opts...)...)
}

// RunWithGolden executes a scenario and compares its trace and final state
// against a golden file, by default testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the output doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...goldie.Option) error {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, result, opts...)
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result, opts ...goldie.Option) error {
	t.Helper()

	data, err := GoldenBytes(scenarioName, result)
	if err != nil {
		return err
	}
	newGoldie(t, opts).Assert(t, scenarioName, data)
	return nil
}

// GoldenPath returns the golden file of a scenario file: golden/{name}.golden
// next to the scenario.
func GoldenPath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

// UpdateGolden writes result as the golden file at path.
func UpdateGolden(path, scenarioName string, result *Result) error {
	data, err := GoldenBytes(scenarioName, result)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

// CompareGolden reports whether result matches the golden file at path.
// A missing golden file is not an error; exists is false.
func CompareGolden(path, scenarioName string, result *Result) (match, exists bool, err error) {
	golden, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read golden file: %w", err)
	}
	current, err := GoldenBytes(scenarioName, result)
	if err != nil {
		return false, true, err
	}
	return bytes.Equal(golden, current), true, nil
}
