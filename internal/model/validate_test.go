package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hybridsim/internal/ir"
)

func TestValidateModels(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		code    string
		message string
	}{
		{
			name:    "flow for undeclared variable",
			src:     `types: A: flows: [{var: "z", kind: "rk4", formula: "1"}]`,
			code:    ErrCodeUnknownRef,
			message: `"z" is not a continuous variable`,
		},
		{
			name:    "invalid flow kind",
			src:     `types: A: {continuous: z: 0, flows: [{var: "z", kind: "spline", formula: "1"}]}`,
			code:    ErrCodeInvalidKind,
			message: `invalid flow kind "spline"`,
		},
		{
			name:    "invalid variable kind",
			src:     `types: A: continuous: z: {kind: "loose"}`,
			code:    ErrCodeInvalidKind,
			message: `invalid kind "loose"`,
		},
		{
			name:    "delay flow without delay",
			src:     `types: A: {continuous: z: 0, flows: [{var: "z", kind: "delay", formula: "1"}]}`,
			code:    ErrCodeMissingField,
			message: "delay flow needs a delay",
		},
		{
			name:    "unknown destination state",
			src:     `types: A: transitions: [{to: "Nowhere"}]`,
			code:    ErrCodeUnknownRef,
			message: `unknown state "Nowhere"`,
		},
		{
			name:    "unknown parent",
			src:     `types: A: extends: "B"`,
			code:    ErrCodeUnknownRef,
			message: `unknown type "B"`,
		},
		{
			name:    "unknown link type",
			src:     `types: A: links: peer: "B"`,
			code:    ErrCodeUnknownRef,
			message: `unknown type "B"`,
		},
		{
			name:    "wait on unknown queue",
			src:     `types: A: transitions: [{wait: "inbox"}]`,
			code:    ErrCodeUnknownRef,
			message: `unknown queue "inbox"`,
		},
		{
			name:    "sync on event the partner never exports",
			src:     `types: A: {links: peer: "A", transitions: [{sync: peer: "hit"}]}`,
			code:    ErrCodeUnknownRef,
			message: `type A exports no event "hit"`,
		},
		{
			name:    "on without link",
			src:     `types: A: transitions: [{on: "hit"}]`,
			code:    ErrCodeUnknownRef,
			message: `"hit" is not link.event`,
		},
		{
			name:    "reset of a constant",
			src:     `types: A: {constants: k: 1, transitions: [{reset: k: 2}]}`,
			code:    ErrCodeUnknownRef,
			message: `"k" is not a continuous variable`,
		},
		{
			name:    "push needs a value",
			src:     `types: A: {queues: ["q"], transitions: [{push: [{queue: "q"}]}]}`,
			code:    ErrCodeMissingField,
			message: "push needs a value, fields or values",
		},
		{
			name:    "push to queue the partner lacks",
			src:     `types: A: {links: peer: "A", transitions: [{push: [{link: "peer", queue: "q", value: 1}]}]}`,
			code:    ErrCodeUnknownRef,
			message: `unknown queue "q"`,
		},
		{
			name:    "negative time step",
			src:     "types: A: {}\nworld: time_step: -1",
			code:    ErrCodeInvalidWorld,
			message: "time step must be positive",
		},
		{
			name:    "finish before start",
			src:     "types: A: {}\nworld: {clock_start: 5, clock_finish: 1}",
			code:    ErrCodeInvalidWorld,
			message: "before clock start",
		},
		{
			name:    "component of unknown type",
			src:     "types: A: {}\nworld: components: a: type: \"B\"",
			code:    ErrCodeUnknownRef,
			message: `unknown type "B"`,
		},
		{
			name:    "component in unknown state",
			src:     "types: A: {}\nworld: components: a: {type: \"A\", state: \"Run\"}",
			code:    ErrCodeUnknownRef,
			message: `unknown state "Run"`,
		},
		{
			name:    "link to missing component",
			src:     "types: A: links: peer: \"A\"\nworld: components: a: {type: \"A\", links: peer: \"b\"}",
			code:    ErrCodeUnknownRef,
			message: `unknown component "b"`,
		},
		{
			name:    "link to component of wrong type",
			src:     "types: A: links: peer: \"A\"\ntypes: B: {}\nworld: components: {a: {type: \"A\", links: peer: \"b\"}, b: type: \"B\"}",
			code:    ErrCodeUnknownRef,
			message: "component b is a B, not a A",
		},
		{
			name:    "connect to unknown variable",
			src:     "types: A: {inputs: in: {}, continuous: x: 0}\nworld: components: a: {type: \"A\", connect: in: \"a.y\"}",
			code:    ErrCodeUnknownRef,
			message: `type A has no variable, constant or input "y"`,
		},
		{
			name:    "connect without variable",
			src:     "types: A: inputs: in: {}\nworld: components: a: {type: \"A\", connect: in: \"a\"}",
			code:    ErrCodeUnknownRef,
			message: `"a" is not component.variable`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := LoadString("model.cue", tt.src, LoadModeCollectAll)
			require.NotEmpty(t, errs)
			le := loadErrors(t, errs)[0]
			assert.Equal(t, tt.code, le.Code, le.Error())
			assert.Contains(t, le.Message, tt.message)
		})
	}
}

func TestValidateExtendsCycle(t *testing.T) {
	src := `
types: A: extends: "B"
types: B: extends: "A"
`
	_, errs := LoadString("model.cue", src, LoadModeCollectAll)
	les := loadErrors(t, errs)
	require.Len(t, les, 2)
	for _, le := range les {
		assert.Equal(t, ErrCodeExtendsCycle, le.Code)
	}
	assert.Contains(t, les[0].Message, "type A inherits from itself")
}

func TestValidateInheritedNames(t *testing.T) {
	src := `
types: Base: {
	continuous: x: 0
	queues: ["inbox"]
	states: ["Run"]
}
types: Child: {
	extends: "Base"
	flows: [{states: ["Run"], var: "x", kind: "euler", formula: 1}]
	transitions: [{from: "Run", wait: "inbox", reset: x: 0}]
}
types: Watcher: links: target: "Base"
world: components: {
	c: type: "Child"
	w: {type: "Watcher", links: target: "c"}
}
`
	_, errs := LoadString("model.cue", src, LoadModeCollectAll)
	assert.Empty(t, errs, "children see inherited names and count as their parent type")
}

func TestValidateProgrammaticModel(t *testing.T) {
	m := &ir.Model{Types: []ir.TypeSpec{{Name: "A"}, {Name: "A"}}}
	errs := Validate(m, nil)
	les := loadErrors(t, errs)
	require.Len(t, les, 1)
	assert.Equal(t, ErrCodeDuplicateName, les[0].Code)
	assert.False(t, les[0].Pos.IsValid())
}
