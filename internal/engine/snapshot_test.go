package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oscillatorTypes() map[string]*Type {
	osc := NewType("Osc").
		Continuous("x", Piecewise, 1).
		Continuous("v", Piecewise, 0).
		Constant("k", Piecewise, 4).
		Link("peer", "Osc", false).
		Input("drive", false).
		Queue("inbox")
	run := osc.State("Run")
	osc.Flow([]*State{run},
		RK4("x", get("v")),
		RK4("v", func(c *Component) (float64, error) {
			x, err := c.Get("x")
			if err != nil {
				return 0, err
			}
			k, err := c.Get("k")
			return -k * x, err
		}),
	)
	osc.Transition(&Transition{Name: "start", Dest: run})
	return map[string]*Type{"Osc": osc}
}

func TestSnapshot_RestoreContinuesIdentically(t *testing.T) {
	types := oscillatorTypes()
	w := newTestWorld(t, WithTimeStep(0.05))
	a := mustCreate(t, w, types["Osc"], "a")
	b := mustCreate(t, w, types["Osc"], "b")
	require.NoError(t, a.SetLink("peer", b))
	require.NoError(t, b.Set("k", 9))

	drive, err := a.Port("drive")
	require.NoError(t, err)
	src, err := b.Port("x")
	require.NoError(t, err)
	require.NoError(t, drive.Connect(src))

	step(t, w, 10)
	b.Queue("inbox").Push("p")
	b.Queue("inbox").Push("q")

	snap, err := w.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "test-run", snap.RunID)
	assert.Equal(t, int64(10), snap.StepCount)
	assert.InDelta(t, 0.5, snap.Clock(), 1e-12)
	require.Len(t, snap.Components, 2)
	assert.Equal(t, "Run", snap.Components[0].State)
	assert.Equal(t, "b", snap.Components[0].Links["peer"])
	assert.Equal(t, PortSnapshot{Component: "b", Variable: "x"}, snap.Components[0].Inputs["drive"])

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded WorldSnapshot
	require.NoError(t, json.Unmarshal(data, &decoded))

	r, err := RestoreWorld(&decoded, types, WithLogger(w.Logger()))
	require.NoError(t, err)
	assert.Equal(t, w.Clock(), r.Clock())
	assert.Equal(t, w.TimeStep(), r.TimeStep())
	assert.Equal(t, w.RunID(), r.RunID())

	ra := r.Component("a")
	rb := r.Component("b")
	require.NotNil(t, ra)
	require.NotNil(t, rb)
	peer, err := ra.Link("peer")
	require.NoError(t, err)
	assert.Same(t, rb, peer)
	assert.Equal(t, rb.MustGet("x"), ra.MustGet("drive"))
	assert.Equal(t, []any{SimultaneousEntries{"p", "q"}}, rb.Queue("inbox").Entries())

	step(t, w, 10)
	step(t, r, 10)
	for _, name := range []string{"a", "b"} {
		assert.Equal(t, w.Component(name).Values(), r.Component(name).Values(), name)
	}
	assert.Equal(t, w.Clock(), r.Clock())
}

func TestSnapshot_RestoreErrors(t *testing.T) {
	types := oscillatorTypes()

	_, err := RestoreWorld(&WorldSnapshot{
		TimeStep:   0.1,
		Components: []ComponentSnapshot{{Name: "a", Type: "Nope", State: "Enter"}},
	}, types)
	assert.ErrorContains(t, err, `unknown type "Nope"`)

	_, err = RestoreWorld(&WorldSnapshot{
		TimeStep:   0.1,
		Components: []ComponentSnapshot{{Name: "a", Type: "Osc", State: "Flying"}},
	}, types)
	assert.ErrorContains(t, err, `no state "Flying"`)

	_, err = RestoreWorld(&WorldSnapshot{
		TimeStep: 0.1,
		Components: []ComponentSnapshot{{
			Name: "a", Type: "Osc", State: "Run",
			Links: map[string]string{"peer": "ghost"},
		}},
	}, types)
	assert.ErrorContains(t, err, `unknown component "ghost"`)
}
