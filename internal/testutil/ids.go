package testutil

import (
	"fmt"
	"sync/atomic"
)

// FixedIDGenerator generates the same ID every time.
//
// Worlds built with it carry a known run ID, so traces and snapshots of
// the same scenario are byte-identical across runs.
//
// Thread-safety: FixedIDGenerator is stateless and safe for concurrent use.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a fixed ID generator. The ID is typically set
// in a scenario file:
//
//	run_id: "test-run-00000000-0000-0000-0000-000000000001"
//
// If id is empty, Generate() returns "test-run-default".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "test-run-default"
	}
	return &FixedIDGenerator{id: id}
}

// Generate returns the fixed ID. Implements engine.IDGenerator.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}

// SequenceGenerator generates prefix-0001, prefix-0002, ... It never runs
// out, unlike engine.FixedGenerator, which makes it the usual choice for
// snapshot IDs in tests.
//
// Safe for concurrent use.
type SequenceGenerator struct {
	prefix string
	seq    atomic.Int64
}

// NewSequenceGenerator creates a sequence generator for prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next ID. Implements engine.IDGenerator.
func (g *SequenceGenerator) Generate() string {
	return fmt.Sprintf("%s-%04d", g.prefix, g.seq.Add(1))
}

// Reset restarts the sequence at 1.
func (g *SequenceGenerator) Reset() {
	g.seq.Store(0)
}
