package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/testutil"
)

// createTestStore opens a store in a temporary directory. Snapshot IDs are
// snap-0001, snap-0002, ...
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithIDGenerator(testutil.NewSequenceGenerator("snap")))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// sampleSnapshot exercises every part of a component snapshot.
func sampleSnapshot(runID string) *engine.WorldSnapshot {
	return &engine.WorldSnapshot{
		RunID:        runID,
		TimeStep:     0.25,
		ClockStart:   1,
		ZenoLimit:    engine.DefaultZenoLimit,
		StepCount:    8,
		DiscreteStep: 2,
		Components: []engine.ComponentSnapshot{
			{
				Name:      "a",
				Type:      "Player",
				State:     "Serve",
				Values:    map[string]float64{"t": 0.5, "hits": 3},
				Constants: map[string]float64{"speed": 1.5},
				Links:     map[string]string{"partner": "b"},
				Queues: map[string][]engine.QueueEntry{
					"inbox": {
						{Messages: []any{engine.Message{"kind": "ball", "n": 4.0}}},
						{Messages: []any{2.5, engine.Message{"kind": "ball", "n": 5.0}}, Simultaneous: true},
					},
				},
			},
			{
				Name:   "b",
				Type:   "Player",
				State:  "Wait",
				Values: map[string]float64{"t": 0, "hits": 2},
				Links:  map[string]string{"partner": "a"},
				Inputs: map[string]engine.PortSnapshot{"heat": {Component: "a", Variable: "t"}},
			},
		},
	}
}
