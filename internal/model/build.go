package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/expr"
	"github.com/roach88/hybridsim/internal/ir"
)

// Program is a compiled model: sealed engine types and the initial world
// population they are instantiated into.
type Program struct {
	Model *ir.Model
	// Hash identifies the model content.
	Hash string
	// Types maps type names to sealed engine types.
	Types map[string]*engine.Type
	// Order lists type names with parents before children.
	Order    []string
	Warnings []CycleWarning
}

// compiledFlow is a flow declaration with its compiled formula, kept for
// static analysis.
type compiledFlow struct {
	spec ir.FlowSpec
	expr *expr.Expr
}

type compiler struct {
	m     *ir.Model
	pos   Positions
	specs map[string]*ir.TypeSpec
	types map[string]*engine.Type
	flows map[string][]compiledFlow
	errs  []error
}

// Compile validates m and builds its engine types. All formula and
// strictness errors are returned; on any error the Program is nil.
func Compile(m *ir.Model, pos Positions) (*Program, []error) {
	if errs := Validate(m, pos); len(errs) > 0 {
		return nil, errs
	}
	hash, err := ir.ModelHash(m)
	if err != nil {
		return nil, []error{err}
	}

	c := &compiler{
		m:     m,
		pos:   pos,
		specs: make(map[string]*ir.TypeSpec, len(m.Types)),
		types: make(map[string]*engine.Type, len(m.Types)),
		flows: make(map[string][]compiledFlow),
	}
	for i := range m.Types {
		c.specs[m.Types[i].Name] = &m.Types[i]
	}
	order := c.order()

	// Names first, so formulas can resolve links to any type.
	for _, name := range order {
		c.declare(c.specs[name])
	}
	for _, name := range order {
		c.define(c.specs[name])
	}
	if len(c.errs) > 0 {
		return nil, c.errs
	}
	for _, name := range order {
		if err := c.types[name].Seal(); err != nil {
			c.errs = append(c.errs, c.sealError(name, err))
		}
	}
	if len(c.errs) > 0 {
		return nil, c.errs
	}

	p := &Program{Model: m, Hash: hash, Types: c.types, Order: order}
	for _, name := range order {
		p.Warnings = append(p.Warnings, analyzeCycles(name, c.types[name], c.flows[name])...)
	}
	return p, nil
}

// order returns type names with every parent before its children, keeping
// declaration order otherwise.
func (c *compiler) order() []string {
	var out []string
	done := make(map[string]bool, len(c.specs))
	var visit func(ts *ir.TypeSpec)
	visit = func(ts *ir.TypeSpec) {
		if done[ts.Name] {
			return
		}
		done[ts.Name] = true
		if ts.Extends != "" {
			visit(c.specs[ts.Extends])
		}
		out = append(out, ts.Name)
	}
	for i := range c.m.Types {
		visit(&c.m.Types[i])
	}
	return out
}

// chain returns the specs a type is built from, root first.
func (c *compiler) chain(ts *ir.TypeSpec) []*ir.TypeSpec {
	var chain []*ir.TypeSpec
	for cur := ts; cur != nil; cur = c.specs[cur.Extends] {
		chain = append([]*ir.TypeSpec{cur}, chain...)
		if cur.Extends == "" {
			break
		}
	}
	return chain
}

func varKind(kind string) engine.VarKind {
	switch kind {
	case ir.KindStrict:
		return engine.Strict
	case ir.KindPermissive:
		return engine.Permissive
	default:
		return engine.Piecewise
	}
}

// declare creates the engine type and its names. Flows and transitions are
// added by define once every type exists.
func (c *compiler) declare(ts *ir.TypeSpec) {
	t := engine.NewType(ts.Name)
	if ts.Extends != "" {
		t.Extend(c.types[ts.Extends])
	}
	for _, v := range ts.Continuous {
		t.Continuous(v.Name, varKind(v.Kind), v.Value)
	}
	for _, v := range ts.Constants {
		t.Constant(v.Name, varKind(v.Kind), v.Value)
	}
	for _, l := range ts.Links {
		t.Link(l.Name, l.Type, l.Strict)
	}
	for _, in := range ts.Inputs {
		t.Input(in.Name, in.Strict)
	}
	for _, q := range ts.Queues {
		t.Queue(q)
	}
	for _, e := range ts.Events {
		t.Event(e)
	}
	t.States(ts.States...)
	c.types[ts.Name] = t
}

// define adds the flows and transitions of ts and its ancestors, compiled
// against ts. Later declarations refine earlier ones.
func (c *compiler) define(ts *ir.TypeSpec) {
	t := c.types[ts.Name]
	scope := expr.Scope{Type: t, Types: c.types}
	for _, spec := range c.chain(ts) {
		// Inherited formulas already reported their errors on the parent.
		own := spec == ts
		base := typePath(spec.Name)
		for i, fs := range spec.Flows {
			path := indexPath(base+".flows", i)
			fl, e, err := c.flow(scope, fs)
			if err != nil {
				if own {
					c.errs = append(c.errs, c.compileError(ts.Name, path, err))
				}
				continue
			}
			if own {
				if err := checkStrictFlow(scope, fs, e); err != nil {
					c.errs = append(c.errs, c.compileError(ts.Name, path, err))
				}
			}
			t.Flow(t.States(fs.States...), fl)
			c.flows[ts.Name] = append(c.flows[ts.Name], compiledFlow{spec: fs, expr: e})
		}
		for i, trs := range spec.Transitions {
			path := indexPath(base+".transitions", i)
			tr, err := c.transition(scope, trs)
			if err != nil {
				if own {
					c.errs = append(c.errs, c.compileError(ts.Name, path, err))
				}
				continue
			}
			t.Transition(tr, t.States(trs.From...)...)
		}
	}
}

func (c *compiler) flow(scope expr.Scope, fs ir.FlowSpec) (*engine.Flow, *expr.Expr, error) {
	e, err := expr.Compile(fs.Formula, scope)
	if err != nil {
		return nil, nil, fieldError{"formula", err}
	}
	f := e.Formula()
	var fl *engine.Flow
	switch fs.Kind {
	case ir.FlowAlgebraic:
		fl = engine.Algebraic(fs.Var, f)
	case ir.FlowEuler:
		fl = engine.Euler(fs.Var, f)
	case ir.FlowRK4:
		fl = engine.RK4(fs.Var, f)
	case ir.FlowDerivative:
		fl = engine.Derivative(fs.Var, f, fs.Feedback)
	case ir.FlowDelay:
		by, err := expr.Compile(fs.Delay, scope)
		if err != nil {
			return nil, nil, fieldError{"delay", err}
		}
		fl = engine.Delay(fs.Var, f, by.Formula())
	default:
		return nil, nil, fieldError{"kind", fmt.Errorf("invalid flow kind %q", fs.Kind)}
	}
	return fl.WithText(fs.Formula), e, nil
}

func (c *compiler) transition(scope expr.Scope, spec ir.TransitionSpec) (*engine.Transition, error) {
	t := scope.Type
	tr := &engine.Transition{Name: spec.Name}
	if spec.To != "" {
		tr.Dest = t.State(spec.To)
	}

	for i, src := range spec.Guard {
		e, err := expr.Compile(src, scope)
		if err != nil {
			return nil, fieldError{indexPath("guard", i), err}
		}
		g := engine.When(e.Predicate())
		if e.Strict(scope) {
			g = engine.WhenStrict(e.Predicate())
		}
		g.Text = src
		tr.Guards = append(tr.Guards, g)
	}
	for _, q := range spec.Wait {
		tr.Guards = append(tr.Guards, engine.Wait(q))
	}
	for _, m := range spec.Match {
		var conds []func(any) bool
		for _, name := range sortedNames(m.Fields) {
			conds = append(conds, engine.FieldEquals(name, m.Fields[name]))
		}
		tr.Guards = append(tr.Guards, engine.Match(m.Queue, conds...))
	}
	for _, on := range spec.On {
		link, event, _ := strings.Cut(on, ".")
		tr.Guards = append(tr.Guards, engine.OnEvent(link, event))
	}
	for _, s := range spec.Sync {
		tr.Syncs = append(tr.Syncs, engine.Sync{Link: s.Link, Event: s.Event})
	}

	for _, a := range spec.Events {
		ev := engine.Event{Name: a.Name}
		if a.Formula != "" {
			e, err := expr.Compile(a.Formula, scope)
			if err != nil {
				return nil, fieldError{"events." + a.Name, err}
			}
			ev.Value = e.EventValue()
		}
		tr.Events = append(tr.Events, ev)
	}
	for _, a := range spec.Reset {
		e, err := expr.Compile(a.Formula, scope)
		if err != nil {
			return nil, fieldError{"reset." + a.Name, err}
		}
		tr.Resets = append(tr.Resets, engine.Reset{Var: a.Name, Value: e.Formula(), Text: a.Formula})
	}
	for _, a := range spec.Constants {
		e, err := expr.Compile(a.Formula, scope)
		if err != nil {
			return nil, fieldError{"constants." + a.Name, err}
		}
		tr.ConstResets = append(tr.ConstResets, engine.Reset{Var: a.Name, Value: e.Formula(), Text: a.Formula})
	}
	for _, a := range spec.Links {
		f, err := expr.CompileLink(a.Formula, scope)
		if err != nil {
			return nil, fieldError{"links." + a.Name, err}
		}
		tr.LinkResets = append(tr.LinkResets, engine.LinkReset{Link: a.Name, Target: f})
	}
	for _, a := range spec.Connect {
		f, err := expr.CompilePort(a.Formula, scope)
		if err != nil {
			return nil, fieldError{"connect." + a.Name, err}
		}
		tr.Connects = append(tr.Connects, engine.Connect{Input: a.Name, Source: f})
	}

	for i, p := range spec.Push {
		act, err := pushAction(p, scope)
		if err != nil {
			return nil, fieldError{indexPath("push", i), err}
		}
		tr.Actions = append(tr.Actions, act)
	}
	for _, q := range spec.Pop {
		tr.Actions = append(tr.Actions, popAction(q))
	}
	return tr, nil
}

// fieldError locates an error below a flow or transition declaration.
type fieldError struct {
	field string
	err   error
}

func (e fieldError) Error() string { return e.field + ": " + e.err.Error() }
func (e fieldError) Unwrap() error { return e.err }

func (c *compiler) compileError(typeName, path string, err error) *CompileError {
	ce := &CompileError{
		Code:    ErrCodeFormula,
		Type:    typeName,
		Field:   path[len(typePath(typeName))+1:],
		Message: err.Error(),
	}
	var fe fieldError
	if errors.As(err, &fe) {
		path += "." + fe.field
		ce.Field += "." + fe.field
		ce.Message = fe.err.Error()
	}
	var se *strictnessError
	if errors.As(err, &se) {
		ce.Code = ErrCodeStrictness
	}
	ce.Pos = c.pos.Lookup(path)
	return ce
}

func (c *compiler) sealError(typeName string, err error) *CompileError {
	code := ErrCodeTypeError
	if engine.IsStrictnessError(err) || engine.IsConstnessError(err) {
		code = ErrCodeStrictness
	}
	return &CompileError{
		Code:    code,
		Type:    typeName,
		Message: err.Error(),
		Pos:     c.pos.Lookup(typePath(typeName)),
	}
}

// InitialSnapshot describes the model's world population as a snapshot at
// step zero. Settings the model leaves unset take engine defaults.
func (p *Program) InitialSnapshot() *engine.WorldSnapshot {
	ws := p.Model.World
	snap := &engine.WorldSnapshot{
		TimeStep:    ws.TimeStep,
		ClockStart:  ws.ClockStart,
		ClockFinish: ws.ClockFinish,
		ZenoLimit:   engine.DefaultZenoLimit,
		Components:  make([]engine.ComponentSnapshot, 0, len(ws.Components)),
	}
	if snap.TimeStep == 0 {
		snap.TimeStep = engine.DefaultTimeStep
	}
	if ws.ZenoLimit != nil {
		snap.ZenoLimit = *ws.ZenoLimit
	}
	for _, cs := range ws.Components {
		comp := engine.ComponentSnapshot{
			Name:      cs.Name,
			Type:      cs.Type,
			State:     cs.State,
			Values:    cs.Values,
			Constants: cs.Constants,
			Links:     cs.Links,
		}
		if comp.State == "" {
			comp.State = engine.Enter.Name()
		}
		for _, name := range sortedNames(cs.Connect) {
			src, variable, _ := strings.Cut(cs.Connect[name], ".")
			if comp.Inputs == nil {
				comp.Inputs = make(map[string]engine.PortSnapshot)
			}
			comp.Inputs[name] = engine.PortSnapshot{Component: src, Variable: variable}
		}
		for _, name := range sortedNames(cs.Queues) {
			if comp.Queues == nil {
				comp.Queues = make(map[string][]engine.QueueEntry)
			}
			for _, msg := range cs.Queues[name] {
				comp.Queues[name] = append(comp.Queues[name], engine.QueueEntry{Messages: []any{msg}})
			}
		}
		snap.Components = append(snap.Components, comp)
	}
	return snap
}

// NewWorld creates a world populated from the model. opts override the
// model's world settings.
func (p *Program) NewWorld(opts ...engine.WorldOption) (*engine.World, error) {
	w, err := engine.RestoreWorld(p.InitialSnapshot(), p.Types, opts...)
	if err != nil {
		return nil, fmt.Errorf("populate world: %w", err)
	}
	return w, nil
}

// Restore rebuilds a world of this model from a snapshot.
func (p *Program) Restore(snap *engine.WorldSnapshot, opts ...engine.WorldOption) (*engine.World, error) {
	return engine.RestoreWorld(snap, p.Types, opts...)
}
