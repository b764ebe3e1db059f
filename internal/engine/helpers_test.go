package engine

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

// get reads a named value of the evaluating component.
func get(name string) Formula {
	return func(c *Component) (float64, error) { return c.Get(name) }
}

// linkGet reads a named value of the component on link.
func linkGet(link, name string) Formula {
	return func(c *Component) (float64, error) {
		other, err := c.Link(link)
		if err != nil {
			return 0, err
		}
		return other.Get(name)
	}
}

func always(*Component) (bool, error) { return true, nil }

func never(*Component) (bool, error) { return false, nil }

func newTestWorld(t *testing.T, opts ...WorldOption) *World {
	t.Helper()
	base := []WorldOption{
		WithRunID("test-run"),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	return NewWorld(append(base, opts...)...)
}

func mustCreate(t *testing.T, w *World, typ *Type, name string) *Component {
	t.Helper()
	c, err := w.CreateNamed(typ, name)
	require.NoError(t, err)
	return c
}

func step(t *testing.T, w *World, n int) {
	t.Helper()
	require.NoError(t, w.Step(context.Background(), n))
}

func transitionsOf(r *Recorder, component string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Events() {
		if ev.Kind == TraceTransition && ev.Component == component {
			out = append(out, ev)
		}
	}
	return out
}
