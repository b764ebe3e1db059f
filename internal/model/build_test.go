package model

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/ir"
)

func compileString(t *testing.T, src string) *Program {
	t.Helper()
	res, errs := LoadString("model.cue", src, LoadModeCollectAll)
	require.Empty(t, errs)
	p, errs := Compile(res.Model, res.Positions)
	require.Empty(t, errs)
	return p
}

func compileDir(t *testing.T, name string) *Program {
	t.Helper()
	res, errs := Load(modelDir(name), LoadModeCollectAll)
	require.Empty(t, errs)
	p, errs := Compile(res.Model, res.Positions)
	require.Empty(t, errs)
	return p
}

func compileErrors(t *testing.T, src string) []*CompileError {
	t.Helper()
	res, errs := LoadString("model.cue", src, LoadModeCollectAll)
	require.Empty(t, errs)
	p, errs := Compile(res.Model, res.Positions)
	require.Nil(t, p)
	out := make([]*CompileError, 0, len(errs))
	for _, err := range errs {
		var ce *CompileError
		require.ErrorAs(t, err, &ce)
		out = append(out, ce)
	}
	return out
}

func newWorld(t *testing.T, p *Program, opts ...engine.WorldOption) *engine.World {
	t.Helper()
	base := []engine.WorldOption{
		engine.WithRunID("test-run"),
		engine.WithLogger(slog.New(slog.DiscardHandler)),
	}
	w, err := p.NewWorld(append(base, opts...)...)
	require.NoError(t, err)
	return w
}

func TestBouncingBall(t *testing.T) {
	p := compileDir(t, "bouncing")
	rec := engine.NewRecorder()
	w := newWorld(t, p, engine.WithHooks(rec))
	assert.Equal(t, 0.01, w.TimeStep())

	ball := w.Component("ball")
	require.NotNil(t, ball)
	for range 300 {
		require.NoError(t, w.Step(context.Background(), 1))
		assert.Greater(t, ball.MustGet("y"), -0.2)
	}
	assert.Equal(t, "Falling", ball.State().Name())

	var bounces int
	for _, ev := range rec.Events() {
		if ev.Kind == engine.TraceTransition && ev.Transition == "bounce" {
			bounces++
		}
	}
	assert.GreaterOrEqual(t, bounces, 1)
}

func TestPingPongQueues(t *testing.T) {
	p := compileDir(t, "pingpong")
	w := newWorld(t, p)
	require.NoError(t, w.Evolve(context.Background(), 10))

	a, b := w.Component("a"), w.Component("b")
	assert.Equal(t, 5.0, a.MustGet("hits"))
	assert.Equal(t, 5.0, b.MustGet("hits"))
	assert.Equal(t, "Serve", a.State().Name())
	assert.Equal(t, "Wait", b.State().Name())
	assert.Zero(t, a.Queue("inbox").Len(), "a caught b's last serve in the same instant")
	assert.Zero(t, b.Queue("inbox").Len())
	assert.Zero(t, a.MustGet("t"))
}

func TestPushBuildsMessages(t *testing.T) {
	src := `
types: Sender: {
	continuous: x: 4
	links: to: "Sink"
	states: ["Done"]
	transitions: [{
		name: "send"
		to:   "Done"
		push: [
			{link: "to", queue: "inbox", fields: {kind: "ball"}, values: {n: "x + 1"}},
			{link: "to", queue: "inbox", value: "x * 2"},
		]
	}]
}
types: Sink: queues: ["inbox"]
world: components: {
	s: {type: "Sender", links: to: "k"}
	k: type: "Sink"
}
`
	p := compileString(t, src)
	w := newWorld(t, p)
	require.NoError(t, w.Step(context.Background(), 0))

	q := w.Component("k").Queue("inbox")
	require.Equal(t, 1, q.Len(), "pushes of one microstep merge")
	head, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, engine.SimultaneousEntries{engine.Message{"kind": "ball", "n": 5.0}, 8.0}, head)
}

func TestPushThroughNilLinkFails(t *testing.T) {
	src := `
types: Sender: {
	links: to: "Sink"
	transitions: [{push: [{link: "to", queue: "inbox", value: 1}]}]
}
types: Sink: queues: ["inbox"]
world: components: s: type: "Sender"
`
	p := compileString(t, src)
	w := newWorld(t, p)
	err := w.Step(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, engine.IsNilLinkError(err))
}

func TestPopEmptyQueueFails(t *testing.T) {
	src := `
types: Box: {
	queues: ["inbox"]
	transitions: [{pop: "inbox"}]
}
world: components: box: type: "Box"
`
	p := compileString(t, src)
	w := newWorld(t, p)
	err := w.Step(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, engine.IsQueueEmptyError(err))
}

func TestThermostatStaysInBand(t *testing.T) {
	p := compileDir(t, "thermostat")
	rec := engine.NewRecorder()
	w := newWorld(t, p, engine.WithHooks(rec))
	assert.Equal(t, 50, w.ZenoLimit())
	assert.Equal(t, 100.0, w.ClockFinish())

	room := w.Component("room")
	for range 500 {
		require.NoError(t, w.Step(context.Background(), 1))
		temp := room.MustGet("temp")
		assert.InDelta(t, 20, temp, 1.5)
	}

	var switches int
	for _, ev := range rec.Events() {
		if ev.Kind == engine.TraceTransition && ev.Component == "heater" && (ev.Transition == "on" || ev.Transition == "off") {
			switches++
		}
	}
	assert.GreaterOrEqual(t, switches, 4)
}

func TestInheritanceRefinesFlows(t *testing.T) {
	src := `
types: Base: {
	continuous: x: 0
	states: ["Run"]
	flows: [{states: ["Run"], var: "x", kind: "euler", formula: 1}]
	transitions: [{name: "go", to: "Run"}]
}
types: Fast: {
	extends: "Base"
	constants: rate: 3
	flows: [{states: ["Run"], var: "x", kind: "euler", formula: "rate"}]
}
world: {
	time_step: 0.5
	components: {
		slow: type: "Base"
		fast: type: "Fast"
	}
}
`
	p := compileString(t, src)
	assert.Equal(t, []string{"Base", "Fast"}, p.Order)
	w := newWorld(t, p)
	require.NoError(t, w.Step(context.Background(), 2))
	assert.Equal(t, 1.0, w.Component("slow").MustGet("x"))
	assert.Equal(t, 3.0, w.Component("fast").MustGet("x"))
}

func TestInheritanceReplacesNamedTransition(t *testing.T) {
	src := `
types: Child: {
	extends: "Base"
	transitions: [{name: "go", to: "B"}]
}
types: Base: {
	states: ["A", "B"]
	transitions: [{name: "go", to: "A"}, {name: "stay", from: ["A"], to: "A", guard: "False"}]
}
world: components: {
	base: type: "Base"
	child: type: "Child"
}
`
	p := compileString(t, src)
	assert.Equal(t, []string{"Base", "Child"}, p.Order, "parents come first whatever the file order")
	w := newWorld(t, p)
	require.NoError(t, w.Step(context.Background(), 1))
	assert.Equal(t, "A", w.Component("base").State().Name())
	assert.Equal(t, "B", w.Component("child").State().Name())
}

func TestCompileFormulaError(t *testing.T) {
	src := `types: Ball: {
	continuous: y: 0
	flows: [{var: "y", kind: "rk4", formula: "y +"}]
}
`
	errs := compileErrors(t, src)
	require.Len(t, errs, 1)
	ce := errs[0]
	assert.Equal(t, ErrCodeFormula, ce.Code)
	assert.Equal(t, "Ball", ce.Type)
	assert.Equal(t, "flows[0].formula", ce.Field)
	require.True(t, ce.Pos.IsValid())
	assert.Equal(t, 3, ce.Pos.Line())
	assert.Contains(t, ce.Error(), "E201: Ball.flows[0].formula")
}

func TestCompileUnknownName(t *testing.T) {
	src := `types: Ball: {
	continuous: y: 0
	transitions: [{guard: ["y > 0", "z > 0"]}]
}
`
	errs := compileErrors(t, src)
	require.Len(t, errs, 1)
	assert.Equal(t, "transitions[0].guard[1]", errs[0].Field)
	assert.Contains(t, errs[0].Message, `"z"`)
}

func TestCompileStrictAlgebraicFlow(t *testing.T) {
	src := `types: Cell: {
	continuous: {
		a: {kind: "strict"}
		b: 0
		c: {kind: "strict"}
	}
	flows: [
		{var: "a", kind: "algebraic", formula: "b * 2"},
		{var: "c", kind: "algebraic", formula: "clock + 1"},
	]
}
`
	errs := compileErrors(t, src)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrCodeStrictness, errs[0].Code)
	assert.Equal(t, "flows[0]", errs[0].Field)
	assert.Contains(t, errs[0].Message, "strict variable a depends on non-strict b")
}

func TestCompileStrictResetRejectedBySeal(t *testing.T) {
	src := `types: Cell: {
	continuous: a: {kind: "strict"}
	transitions: [{reset: a: 1}]
}
`
	errs := compileErrors(t, src)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrCodeStrictness, errs[0].Code)
	assert.Equal(t, "Cell", errs[0].Type)
	assert.Contains(t, errs[0].Message, "reset of strict continuous variable")
}

func TestCompileAlgebraicCycleWarnings(t *testing.T) {
	src := `types: Loop: {
	continuous: {a: 0, b: 0, c: 0, d: 0}
	states: ["Calm"]
	flows: [
		{var: "a", kind: "algebraic", formula: "b + 1"},
		{var: "b", kind: "algebraic", formula: "a * 2"},
		{var: "c", kind: "algebraic", formula: "c if c > 0 else 1"},
		{var: "d", kind: "algebraic", formula: "a"},
		{states: ["Calm"], var: "a", kind: "algebraic", formula: "1"},
		{states: ["Calm"], var: "b", kind: "algebraic", formula: "a"},
	]
}
`
	p := compileString(t, src)
	require.Len(t, p.Warnings, 2)
	assert.Equal(t, CycleWarning{
		Type:    "Loop",
		State:   "Enter",
		Path:    []string{"a", "b", "a"},
		Message: "algebraic cycle in Loop.Enter: a -> b -> a",
	}, p.Warnings[0])
	assert.Equal(t, []string{"c", "c"}, p.Warnings[1].Path)
}

func TestInitialSnapshot(t *testing.T) {
	p := compileDir(t, "thermostat")
	snap := p.InitialSnapshot()
	assert.Equal(t, 0.1, snap.TimeStep)
	assert.Equal(t, 50, snap.ZenoLimit)
	assert.Equal(t, 100.0, snap.ClockFinish)
	require.Len(t, snap.Components, 2)
	room := snap.Components[1]
	assert.Equal(t, "room", room.Name)
	assert.Equal(t, "Enter", room.State)
	assert.Equal(t, map[string]engine.PortSnapshot{"heat": {Component: "heater", Variable: "power"}}, room.Inputs)
}

func TestInitialSnapshotDefaults(t *testing.T) {
	src := `
types: Box: queues: ["inbox"]
world: components: box: {
	type: "Box"
	queues: inbox: [{kind: "ping"}, 2]
}
`
	p := compileString(t, src)
	snap := p.InitialSnapshot()
	assert.Equal(t, engine.DefaultTimeStep, snap.TimeStep)
	assert.Equal(t, engine.DefaultZenoLimit, snap.ZenoLimit)
	assert.Zero(t, snap.ClockFinish)

	w := newWorld(t, p)
	q := w.Component("box").Queue("inbox")
	require.Equal(t, 2, q.Len())
	assert.True(t, q.HeadMatches(engine.FieldEquals("kind", "ping")))
}

func TestNewWorldOptionsOverrideModel(t *testing.T) {
	p := compileDir(t, "thermostat")
	w := newWorld(t, p, engine.WithTimeStep(0.5), engine.WithZenoLimit(7))
	assert.Equal(t, 0.5, w.TimeStep())
	assert.Equal(t, 7, w.ZenoLimit())
}

func TestRestoreFromSnapshot(t *testing.T) {
	p := compileDir(t, "pingpong")
	w := newWorld(t, p)
	require.NoError(t, w.Evolve(context.Background(), 3))
	snap, err := w.Snapshot()
	require.NoError(t, err)

	restored, err := p.Restore(snap, engine.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	require.NoError(t, w.Evolve(context.Background(), 5))
	require.NoError(t, restored.Evolve(context.Background(), 5))
	for _, name := range []string{"a", "b"} {
		assert.Equal(t, w.Component(name).Values(), restored.Component(name).Values(), name)
	}
}

func TestProgramHash(t *testing.T) {
	p := compileDir(t, "bouncing")
	assert.Equal(t, ir.MustModelHash(p.Model), p.Hash)
	assert.Equal(t, p.Hash, compileDir(t, "bouncing").Hash)
	assert.NotEqual(t, p.Hash, compileDir(t, "pingpong").Hash)
}
