package model

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/ir"
)

// validVarKinds defines allowed variable kinds. Empty means piecewise.
var validVarKinds = map[string]bool{
	"":                true,
	ir.KindPiecewise:  true,
	ir.KindStrict:     true,
	ir.KindPermissive: true,
}

// decls is the flattened namespace of a type and its ancestors.
type decls struct {
	vars    map[string]bool
	consts  map[string]bool
	inputs  map[string]bool
	links   map[string]string // link name -> partner type ("" for any)
	queues  map[string]bool
	events  map[string]bool
	states  map[string]bool
	lineage map[string]bool // the type and its ancestors
}

func newDecls() *decls {
	return &decls{
		vars:    map[string]bool{},
		consts:  map[string]bool{},
		inputs:  map[string]bool{},
		links:   map[string]string{},
		queues:  map[string]bool{},
		events:  map[string]bool{},
		states:  map[string]bool{engine.Enter.Name(): true},
		lineage: map[string]bool{},
	}
}

func (d *decls) add(ts *ir.TypeSpec) {
	d.lineage[ts.Name] = true
	for _, v := range ts.Continuous {
		d.vars[v.Name] = true
	}
	for _, v := range ts.Constants {
		d.consts[v.Name] = true
	}
	for _, in := range ts.Inputs {
		d.inputs[in.Name] = true
	}
	for _, l := range ts.Links {
		d.links[l.Name] = l.Type
	}
	for _, q := range ts.Queues {
		d.queues[q] = true
	}
	for _, e := range ts.Events {
		d.events[e] = true
	}
	for _, s := range ts.States {
		d.states[s] = true
	}
	for _, tr := range ts.Transitions {
		for _, e := range tr.Events {
			d.events[e.Name] = true
		}
	}
}

// readable reports whether name is a value an input can be connected to.
func (d *decls) readable(name string) bool {
	return d.vars[name] || d.consts[name] || d.inputs[name]
}

type validator struct {
	m     *ir.Model
	pos   Positions
	errs  []error
	types map[string]*ir.TypeSpec
	decls map[string]*decls
}

// Validate checks cross references of a decoded model: inherited types,
// state, variable, link, queue and event names, and the world population.
// Formulas are checked when the model is compiled.
func Validate(m *ir.Model, pos Positions) []error {
	v := &validator{
		m:     m,
		pos:   pos,
		types: make(map[string]*ir.TypeSpec),
		decls: make(map[string]*decls),
	}
	for i := range m.Types {
		ts := &m.Types[i]
		if _, dup := v.types[ts.Name]; dup {
			v.errorf(ErrCodeDuplicateName, typePath(ts.Name), "type %q declared twice", ts.Name)
			continue
		}
		v.types[ts.Name] = ts
	}
	for i := range m.Types {
		ts := &m.Types[i]
		chain, ok := v.chain(ts)
		if !ok {
			continue
		}
		d := newDecls()
		for _, anc := range chain {
			d.add(anc)
		}
		v.decls[ts.Name] = d
	}
	for i := range m.Types {
		ts := &m.Types[i]
		if d, ok := v.decls[ts.Name]; ok {
			v.checkType(ts, d)
		}
	}
	v.checkWorld(&m.World)
	return v.errs
}

func typePath(name string) string { return "types." + name }

func (v *validator) errorf(code, path, format string, args ...any) {
	v.errs = append(v.errs, &LoadError{
		Code:    code,
		Message: path + ": " + fmt.Sprintf(format, args...),
		Pos:     v.pos.Lookup(path),
	})
}

// chain returns ts and its ancestors, root first.
func (v *validator) chain(ts *ir.TypeSpec) ([]*ir.TypeSpec, bool) {
	chain := []*ir.TypeSpec{ts}
	seen := map[string]bool{ts.Name: true}
	for cur := ts; cur.Extends != ""; {
		parent, ok := v.types[cur.Extends]
		if !ok {
			v.errorf(ErrCodeUnknownRef, typePath(cur.Name)+".extends", "unknown type %q", cur.Extends)
			return nil, false
		}
		if seen[parent.Name] {
			if parent.Name == ts.Name {
				v.errorf(ErrCodeExtendsCycle, typePath(ts.Name)+".extends", "type %s inherits from itself", ts.Name)
			}
			return nil, false
		}
		seen[parent.Name] = true
		chain = append(chain, parent)
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, true
}

// partner returns the flattened declarations of a link's partner type, or
// nil when the link accepts any component.
func (v *validator) partner(d *decls, link string) *decls {
	name, ok := d.links[link]
	if !ok || name == "" {
		return nil
	}
	return v.decls[name]
}

func (v *validator) checkType(ts *ir.TypeSpec, d *decls) {
	base := typePath(ts.Name)
	for _, vs := range ts.Continuous {
		if !validVarKinds[vs.Kind] {
			v.errorf(ErrCodeInvalidKind, base+".continuous."+vs.Name, "invalid kind %q", vs.Kind)
		}
	}
	for _, vs := range ts.Constants {
		if !validVarKinds[vs.Kind] {
			v.errorf(ErrCodeInvalidKind, base+".constants."+vs.Name, "invalid kind %q", vs.Kind)
		}
	}
	for _, l := range ts.Links {
		if l.Type != "" && v.types[l.Type] == nil {
			v.errorf(ErrCodeUnknownRef, base+".links."+l.Name, "unknown type %q", l.Type)
		}
	}
	for i, fl := range ts.Flows {
		path := indexPath(base+".flows", i)
		if !ir.ValidFlowKinds[fl.Kind] {
			v.errorf(ErrCodeInvalidKind, path+".kind", "invalid flow kind %q", fl.Kind)
		}
		if !d.vars[fl.Var] {
			v.errorf(ErrCodeUnknownRef, path+".var", "%q is not a continuous variable", fl.Var)
		}
		if fl.Kind == ir.FlowDelay && fl.Delay == "" {
			v.errorf(ErrCodeMissingField, path, "delay flow needs a delay")
		}
		v.checkStates(d, path+".states", fl.States, false)
	}
	for i := range ts.Transitions {
		v.checkTransition(d, indexPath(base+".transitions", i), &ts.Transitions[i])
	}
}

func (v *validator) checkStates(d *decls, path string, states []string, exit bool) {
	for _, s := range states {
		if d.states[s] || (exit && s == engine.Exit.Name()) {
			continue
		}
		v.errorf(ErrCodeUnknownRef, path, "unknown state %q", s)
	}
}

func (v *validator) checkTransition(d *decls, path string, tr *ir.TransitionSpec) {
	v.checkStates(d, path+".from", tr.From, false)
	if tr.To != "" {
		v.checkStates(d, path+".to", []string{tr.To}, true)
	}
	for _, q := range tr.Wait {
		if !d.queues[q] {
			v.errorf(ErrCodeUnknownRef, path+".wait", "unknown queue %q", q)
		}
	}
	for _, q := range tr.Pop {
		if !d.queues[q] {
			v.errorf(ErrCodeUnknownRef, path+".pop", "unknown queue %q", q)
		}
	}
	for i, m := range tr.Match {
		if !d.queues[m.Queue] {
			v.errorf(ErrCodeUnknownRef, indexPath(path+".match", i), "unknown queue %q", m.Queue)
		}
	}
	for _, on := range tr.On {
		link, event, ok := strings.Cut(on, ".")
		if !ok {
			v.errorf(ErrCodeUnknownRef, path+".on", "%q is not link.event", on)
			continue
		}
		v.checkEvent(d, path+".on", link, event)
	}
	for _, s := range tr.Sync {
		v.checkEvent(d, path+".sync."+s.Link, s.Link, s.Event)
	}
	for _, a := range tr.Reset {
		if !d.vars[a.Name] {
			v.errorf(ErrCodeUnknownRef, path+".reset."+a.Name, "%q is not a continuous variable", a.Name)
		}
	}
	for _, a := range tr.Constants {
		if !d.consts[a.Name] {
			v.errorf(ErrCodeUnknownRef, path+".constants."+a.Name, "%q is not a constant", a.Name)
		}
	}
	for _, a := range tr.Links {
		if _, ok := d.links[a.Name]; !ok {
			v.errorf(ErrCodeUnknownRef, path+".links."+a.Name, "%q is not a link", a.Name)
		}
	}
	for _, a := range tr.Connect {
		if !d.inputs[a.Name] {
			v.errorf(ErrCodeUnknownRef, path+".connect."+a.Name, "%q is not an input", a.Name)
		}
	}
	for i, p := range tr.Push {
		pp := indexPath(path+".push", i)
		target := d
		if p.Link != "" {
			if _, ok := d.links[p.Link]; !ok {
				v.errorf(ErrCodeUnknownRef, pp+".link", "%q is not a link", p.Link)
				continue
			}
			target = v.partner(d, p.Link)
		}
		if target != nil && !target.queues[p.Queue] {
			v.errorf(ErrCodeUnknownRef, pp+".queue", "unknown queue %q", p.Queue)
		}
		if p.Value == "" && len(p.Fields) == 0 && len(p.Values) == 0 {
			v.errorf(ErrCodeMissingField, pp, "push needs a value, fields or values")
		}
	}
}

func (v *validator) checkEvent(d *decls, path, link, event string) {
	if _, ok := d.links[link]; !ok {
		v.errorf(ErrCodeUnknownRef, path, "%q is not a link", link)
		return
	}
	if p := v.partner(d, link); p != nil && !p.events[event] {
		v.errorf(ErrCodeUnknownRef, path, "type %s exports no event %q", d.links[link], event)
	}
}

func (v *validator) checkWorld(ws *ir.WorldSpec) {
	if ws.TimeStep < 0 || math.IsNaN(ws.TimeStep) || math.IsInf(ws.TimeStep, 0) {
		v.errorf(ErrCodeInvalidWorld, "world.time_step", "time step must be positive, got %g", ws.TimeStep)
	}
	if ws.ClockFinish != 0 && ws.ClockFinish < ws.ClockStart {
		v.errorf(ErrCodeInvalidWorld, "world.clock_finish", "clock finish %g is before clock start %g", ws.ClockFinish, ws.ClockStart)
	}

	comps := make(map[string]*ir.ComponentSpec, len(ws.Components))
	for i := range ws.Components {
		cs := &ws.Components[i]
		if _, dup := comps[cs.Name]; dup {
			v.errorf(ErrCodeDuplicateName, "world.components."+cs.Name, "component %q declared twice", cs.Name)
			continue
		}
		comps[cs.Name] = cs
	}
	for i := range ws.Components {
		cs := &ws.Components[i]
		path := "world.components." + cs.Name
		d, ok := v.decls[cs.Type]
		if !ok {
			if v.types[cs.Type] == nil {
				v.errorf(ErrCodeUnknownRef, path+".type", "unknown type %q", cs.Type)
			}
			continue
		}
		if cs.State != "" && !d.states[cs.State] {
			v.errorf(ErrCodeUnknownRef, path+".state", "unknown state %q", cs.State)
		}
		for _, name := range sortedNames(cs.Values) {
			if !d.vars[name] {
				v.errorf(ErrCodeUnknownRef, path+".values."+name, "%q is not a continuous variable", name)
			}
		}
		for _, name := range sortedNames(cs.Constants) {
			if !d.consts[name] {
				v.errorf(ErrCodeUnknownRef, path+".constants."+name, "%q is not a constant", name)
			}
		}
		for _, name := range sortedNames(cs.Queues) {
			if !d.queues[name] {
				v.errorf(ErrCodeUnknownRef, path+".queues."+name, "unknown queue %q", name)
			}
		}
		for _, name := range sortedNames(cs.Links) {
			lp := path + ".links." + name
			want, ok := d.links[name]
			if !ok {
				v.errorf(ErrCodeUnknownRef, lp, "%q is not a link", name)
				continue
			}
			target, ok := comps[cs.Links[name]]
			if !ok {
				v.errorf(ErrCodeUnknownRef, lp, "unknown component %q", cs.Links[name])
				continue
			}
			if td := v.decls[target.Type]; want != "" && td != nil && !td.lineage[want] {
				v.errorf(ErrCodeUnknownRef, lp, "component %s is a %s, not a %s", target.Name, target.Type, want)
			}
		}
		for _, name := range sortedNames(cs.Connect) {
			cp := path + ".connect." + name
			if !d.inputs[name] {
				v.errorf(ErrCodeUnknownRef, cp, "%q is not an input", name)
				continue
			}
			comp, variable, ok := strings.Cut(cs.Connect[name], ".")
			if !ok {
				v.errorf(ErrCodeUnknownRef, cp, "%q is not component.variable", cs.Connect[name])
				continue
			}
			target, ok := comps[comp]
			if !ok {
				v.errorf(ErrCodeUnknownRef, cp, "unknown component %q", comp)
				continue
			}
			if td := v.decls[target.Type]; td != nil && !td.readable(variable) {
				v.errorf(ErrCodeUnknownRef, cp, "type %s has no variable, constant or input %q", target.Type, variable)
			}
		}
	}
}

func sortedNames[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
