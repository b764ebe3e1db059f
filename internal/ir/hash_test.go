package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func sampleModel() *Model {
	return &Model{
		Types: []TypeSpec{{
			Name:       "Ball",
			Continuous: []VarSpec{{Name: "y", Value: 10}, {Name: "v"}},
			Constants:  []VarSpec{{Name: "bounce", Value: 0.8}},
			States:     []string{"Falling"},
			Flows: []FlowSpec{
				{States: []string{"Falling"}, Var: "y", Kind: FlowRK4, Formula: "v"},
				{States: []string{"Falling"}, Var: "v", Kind: FlowRK4, Formula: "-9.8"},
			},
			Transitions: []TransitionSpec{{
				Name:  "bounce",
				From:  []string{"Falling"},
				Guard: []string{"y < 0", "v < 0"},
				Reset: []Assign{{Name: "v", Formula: "-v * bounce"}},
			}},
		}},
		World: WorldSpec{
			TimeStep:   0.01,
			ZenoLimit:  intPtr(100),
			Components: []ComponentSpec{{Name: "b1", Type: "Ball", Values: map[string]float64{"y": 5}}},
		},
	}
}

func TestModelHashDeterminism(t *testing.T) {
	h1, err := ModelHash(sampleModel())
	require.NoError(t, err)
	h2, err := ModelHash(sampleModel())
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "ModelHash must be deterministic")
	assert.Len(t, h1, 64, "SHA-256 hex is 64 characters")
}

func TestModelHashChangesWithContent(t *testing.T) {
	base := MustModelHash(sampleModel())

	formula := sampleModel()
	formula.Types[0].Transitions[0].Reset[0].Formula = "-v * bounce * 0.5"

	initial := sampleModel()
	initial.World.Components[0].Values["y"] = 6

	settings := sampleModel()
	settings.World.ZenoLimit = intPtr(10)

	for name, m := range map[string]*Model{"formula": formula, "initial value": initial, "settings": settings} {
		assert.NotEqual(t, base, MustModelHash(m), name)
	}
}

func TestDomainSeparationPreventsCrossTypeCollision(t *testing.T) {
	v := IRObject{"a": IRInt(1)}
	model, err := Hash(DomainModel, v)
	require.NoError(t, err)
	trace, err := Hash(DomainTrace, v)
	require.NoError(t, err)
	snap, err := Hash(DomainSnapshot, v)
	require.NoError(t, err)

	assert.NotEqual(t, model, trace)
	assert.NotEqual(t, trace, snap)
	assert.NotEqual(t, model, snap)
}

func TestHashWithDomainNullSeparator(t *testing.T) {
	// "ab" + 0x00 + "c" must differ from "a" + 0x00 + "bc".
	assert.NotEqual(t, hashWithDomain("ab", []byte("c")), hashWithDomain("a", []byte("bc")))
}

func TestTraceHashOrderSensitive(t *testing.T) {
	type event struct {
		Seq  int64  `json:"seq"`
		Kind string `json:"kind"`
	}
	a := []event{{1, "transition"}, {2, "reset"}}
	b := []event{{2, "reset"}, {1, "transition"}}

	ha, err := TraceHash(a)
	require.NoError(t, err)
	hb, err := TraceHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestMustModelHashPanics(t *testing.T) {
	m := sampleModel()
	m.World.Components[0].Queues = map[string][]any{"inbox": {make(chan int)}}
	assert.Panics(t, func() { MustModelHash(m) })
}
