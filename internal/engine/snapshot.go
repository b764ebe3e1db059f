package engine

import (
	"fmt"
	"math"
	"sort"
)

// WorldSnapshot is the serializable state of a world between steps.
//
// Only step-start values are captured. Delay buffers and derivative history
// restart from the restored values.
type WorldSnapshot struct {
	RunID        string              `json:"run_id"`
	TimeStep     float64             `json:"time_step"`
	ClockStart   float64             `json:"clock_start"`
	ClockFinish  float64             `json:"clock_finish"`
	ZenoLimit    int                 `json:"zeno_limit"`
	StepCount    int64               `json:"step_count"`
	DiscreteStep int64               `json:"discrete_step"`
	Components   []ComponentSnapshot `json:"components"`
}

// Clock returns the simulated time the snapshot was taken at.
func (s *WorldSnapshot) Clock() float64 {
	return float64(s.StepCount)*s.TimeStep + s.ClockStart
}

// ComponentSnapshot is the serializable state of one component.
type ComponentSnapshot struct {
	Name      string                  `json:"name"`
	Type      string                  `json:"type"`
	State     string                  `json:"state"`
	Values    map[string]float64      `json:"values,omitempty"`
	Constants map[string]float64      `json:"constants,omitempty"`
	Links     map[string]string       `json:"links,omitempty"`
	Inputs    map[string]PortSnapshot `json:"inputs,omitempty"`
	Queues    map[string][]QueueEntry `json:"queues,omitempty"`
}

// PortSnapshot names the source an input is connected to.
type PortSnapshot struct {
	Component string `json:"component"`
	Variable  string `json:"variable"`
}

// QueueEntry is one queue entry. Simultaneous entries keep every message
// pushed at one instant.
type QueueEntry struct {
	Messages     []any `json:"messages"`
	Simultaneous bool  `json:"simultaneous,omitempty"`
}

// Snapshot captures the world. It fails while the world is stepping.
//
// Algebraic variables are evaluated so the snapshot carries their current
// values.
func (w *World) Snapshot() (*WorldSnapshot, error) {
	if w.stepping {
		return nil, fmt.Errorf("cannot snapshot world %s while stepping", w.runID)
	}
	finish := w.clock.finish
	if math.IsInf(finish, 1) {
		// JSON has no infinity; zero means unbounded when restoring.
		finish = 0
	}
	snap := &WorldSnapshot{
		RunID:        w.runID,
		TimeStep:     w.clock.dt,
		ClockStart:   w.clock.start,
		ClockFinish:  finish,
		ZenoLimit:    w.zeno.Limit(),
		StepCount:    w.clock.steps,
		DiscreteStep: w.discreteStep,
		Components:   make([]ComponentSnapshot, 0, len(w.live)),
	}
	for _, c := range w.live {
		snap.Components = append(snap.Components, c.snapshot())
	}
	return snap, nil
}

func (c *Component) snapshot() ComponentSnapshot {
	cs := ComponentSnapshot{
		Name:  c.name,
		Type:  c.typ.name,
		State: c.state.Name(),
	}
	if len(c.vars) > 0 {
		cs.Values = make(map[string]float64, len(c.vars))
		for i, d := range c.typ.vars {
			// An algebraic variable that cannot be evaluated right now keeps
			// its last value; it is recomputed after restore anyway.
			x, err := c.readVar(i)
			if err != nil {
				x = c.vars[i].value[0]
			}
			cs.Values[d.name] = x
		}
	}
	if len(c.consts) > 0 {
		cs.Constants = c.Constants()
	}
	for i, d := range c.typ.links {
		other := c.linked(i)
		if other == nil {
			continue
		}
		if cs.Links == nil {
			cs.Links = make(map[string]string)
		}
		cs.Links[d.name] = other.name
	}
	for i, d := range c.typ.inputs {
		p := &Port{comp: c, kind: PortInput, idx: i, name: d.name}
		src := p.Source()
		if src == nil {
			continue
		}
		if cs.Inputs == nil {
			cs.Inputs = make(map[string]PortSnapshot)
		}
		cs.Inputs[d.name] = PortSnapshot{Component: src.comp.name, Variable: src.name}
	}
	for _, q := range c.queues {
		if q.Len() == 0 {
			continue
		}
		if cs.Queues == nil {
			cs.Queues = make(map[string][]QueueEntry)
		}
		entries := make([]QueueEntry, 0, q.Len())
		for _, e := range q.entries {
			if se, ok := e.(SimultaneousEntries); ok {
				entries = append(entries, QueueEntry{Messages: append([]any(nil), se...), Simultaneous: true})
				continue
			}
			entries = append(entries, QueueEntry{Messages: []any{e}})
		}
		cs.Queues[q.name] = entries
	}
	return cs
}

// RestoreWorld rebuilds a world from a snapshot. types maps type names to
// the types the snapshot's components were created from. Setup functions
// are not run again.
func RestoreWorld(snap *WorldSnapshot, types map[string]*Type, opts ...WorldOption) (*World, error) {
	if snap.TimeStep <= 0 || math.IsNaN(snap.TimeStep) {
		return nil, fmt.Errorf("restore: invalid time step %g", snap.TimeStep)
	}
	base := []WorldOption{
		WithRunID(snap.RunID),
		WithTimeStep(snap.TimeStep),
		WithClockStart(snap.ClockStart),
		WithZenoLimit(snap.ZenoLimit),
	}
	if snap.ClockFinish != 0 {
		base = append(base, WithClockFinish(snap.ClockFinish))
	}
	w := NewWorld(append(base, opts...)...)
	w.clock.steps = snap.StepCount
	w.discreteStep = snap.DiscreteStep
	w.started = true

	comps := make([]*Component, len(snap.Components))
	for i, cs := range snap.Components {
		t, ok := types[cs.Type]
		if !ok {
			return nil, fmt.Errorf("restore %s: unknown type %q", cs.Name, cs.Type)
		}
		c, err := w.add(t, cs.Name)
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", cs.Name, err)
		}
		s, ok := t.LookupState(cs.State)
		if !ok || s == Exit {
			return nil, fmt.Errorf("restore %s: type %s has no state %q", cs.Name, t.name, cs.State)
		}
		c.state = s
		for name, x := range cs.Values {
			i := t.VarIndex(name)
			if i < 0 {
				return nil, fmt.Errorf("restore %s: type %s has no variable %q", cs.Name, t.name, name)
			}
			c.vars[i].value = [4]float64{x, x, x, x}
		}
		for name, x := range cs.Constants {
			i := t.ConstIndex(name)
			if i < 0 {
				return nil, fmt.Errorf("restore %s: type %s has no constant %q", cs.Name, t.name, name)
			}
			c.consts[i] = x
		}
		for _, name := range sortedKeys(cs.Queues) {
			q := c.Queue(name)
			if q == nil {
				return nil, fmt.Errorf("restore %s: type %s has no queue %q", cs.Name, t.name, name)
			}
			for _, e := range cs.Queues[name] {
				if e.Simultaneous {
					q.entries = append(q.entries, SimultaneousEntries(append([]any(nil), e.Messages...)))
					continue
				}
				q.entries = append(q.entries, e.Messages...)
			}
		}
		comps[i] = c
	}

	// Links and connections may point forward, so they are bound once every
	// component exists.
	for i, cs := range snap.Components {
		c := comps[i]
		for _, name := range sortedKeys(cs.Links) {
			li := c.typ.LinkIndex(name)
			if li < 0 {
				return nil, fmt.Errorf("restore %s: type %s has no link %q", cs.Name, c.typ.name, name)
			}
			other := w.Component(cs.Links[name])
			if other == nil {
				return nil, fmt.Errorf("restore %s: link %s targets unknown component %q", cs.Name, name, cs.Links[name])
			}
			h, err := c.linkHandle(li, c.typ.links[li].typeName, other)
			if err != nil {
				return nil, err
			}
			c.links[li] = h
		}
		for _, name := range sortedKeys(cs.Inputs) {
			ps := cs.Inputs[name]
			in, err := c.Port(name)
			if err != nil {
				return nil, err
			}
			other := w.Component(ps.Component)
			if other == nil {
				return nil, fmt.Errorf("restore %s: input %s connected to unknown component %q", cs.Name, name, ps.Component)
			}
			src, err := other.Port(ps.Variable)
			if err != nil {
				return nil, err
			}
			if err := in.Connect(src); err != nil {
				return nil, err
			}
		}
	}

	w.Restore()
	return w, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
