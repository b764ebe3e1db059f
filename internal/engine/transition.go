package engine

// Transition is a discrete edge of a component type's state machine.
//
// When its guards hold (and every sync partner is taking a transition that
// exports the required event in the same microstep) the transition fires:
// events are exported, resets are computed against pre-microstep values and
// applied in parallel with every other firing component's, actions and
// posts run, and the component switches to Dest, or to the state an action
// or post picked with SetDest.
type Transition struct {
	Name string

	// Dest is the destination state. A nil Dest keeps the source state.
	Dest *State

	Guards      []Guard
	Syncs       []Sync
	Events      []Event
	Resets      []Reset
	ConstResets []Reset
	LinkResets  []LinkReset
	Connects    []Connect

	// Actions run after resets are computed and before they are applied.
	Actions []Action

	// Posts run after resets are applied.
	Posts []Action
}

// Sync requires the component linked through Link to take, in the same
// microstep, a transition that exports Event.
type Sync struct {
	Link  string
	Event string
}

// EventFunc computes the value of an exported event.
type EventFunc func(c *Component) (any, error)

// Event is exported by a transition when it fires. A nil Value exports true.
type Event struct {
	Name  string
	Value EventFunc
}

// Reset assigns a new value to a continuous variable or constant.
type Reset struct {
	Var   string
	Value Formula
	Text  string
}

// LinkFunc computes a new link target; returning nil clears the link.
type LinkFunc func(c *Component) (*Component, error)

// LinkReset reassigns a link.
type LinkReset struct {
	Link   string
	Target LinkFunc
}

// PortRef names a value of a component that an input can be connected to:
// a continuous variable, a constant or another input.
type PortRef struct {
	Component *Component
	Name      string
}

// PortFunc computes a new port source; a zero PortRef disconnects.
type PortFunc func(c *Component) (PortRef, error)

// Connect reconnects an input.
type Connect struct {
	Input  string
	Source PortFunc
}

// Action is a side-effecting callable run while a transition fires.
type Action func(c *Component) error

// edge is the per-type compiled form of a transition, with every name
// resolved to an index.
type edge struct {
	tr   *Transition
	dest *State

	guards      []guardRef
	syncs       []syncReq
	events      []eventOut
	resets      []varReset
	constResets []varReset
	linkResets  []linkReset
	connects    []portReset

	exports map[string]struct{}
	strict  bool
}

type syncReq struct {
	link  int
	name  string
	event string
}

type eventOut struct {
	idx   int
	value EventFunc
}

type varReset struct {
	idx  int
	f    Formula
	text string
}

type linkReset struct {
	idx      int
	typeName string
	f        LinkFunc
}

type portReset struct {
	idx int
	f   PortFunc
}

// exportsEvent reports whether the edge exports the named event.
func (e *edge) exportsEvent(name string) bool {
	_, ok := e.exports[name]
	return ok
}

// name returns a diagnostic name for the edge.
func (e *edge) name() string {
	if e.tr.Name != "" {
		return e.tr.Name
	}
	return "->" + e.dest.Name()
}

func (t *Type) compileEdge(tr *Transition) (*edge, error) {
	e := &edge{
		tr:      tr,
		dest:    tr.Dest,
		exports: make(map[string]struct{}, len(tr.Events)),
		strict:  len(tr.Syncs) == 0,
	}

	for _, g := range tr.Guards {
		ref, err := t.compileGuard(g)
		if err != nil {
			return nil, err
		}
		e.guards = append(e.guards, ref)
		e.strict = e.strict && g.Kind == GuardPredicate && g.Strict
	}

	for _, s := range tr.Syncs {
		li := t.LinkIndex(s.Link)
		if li < 0 {
			return nil, newTypeError(t.name, s.Link, "sync on undeclared link")
		}
		e.syncs = append(e.syncs, syncReq{link: li, name: s.Link, event: s.Event})
	}

	for _, ev := range tr.Events {
		e.events = append(e.events, eventOut{idx: t.eventIndex[ev.Name], value: ev.Value})
		e.exports[ev.Name] = struct{}{}
	}

	for _, r := range tr.Resets {
		i := t.VarIndex(r.Var)
		if i < 0 {
			return nil, newTypeError(t.name, r.Var, "reset of undeclared continuous variable")
		}
		if t.vars[i].kind == Strict {
			return nil, &RuntimeError{
				Code:     ErrCodeStrictness,
				Message:  "reset of strict continuous variable",
				Variable: r.Var,
				Details:  map[string]string{"type": t.name, "transition": tr.Name},
			}
		}
		e.resets = append(e.resets, varReset{idx: i, f: r.Value, text: r.Text})
	}

	for _, r := range tr.ConstResets {
		i := t.ConstIndex(r.Var)
		if i < 0 {
			return nil, newTypeError(t.name, r.Var, "reset of undeclared constant")
		}
		if t.consts[i].kind == Strict {
			return nil, &RuntimeError{
				Code:     ErrCodeStrictness,
				Message:  "reset of strict constant",
				Variable: r.Var,
				Details:  map[string]string{"type": t.name, "transition": tr.Name},
			}
		}
		e.constResets = append(e.constResets, varReset{idx: i, f: r.Value, text: r.Text})
	}

	for _, r := range tr.LinkResets {
		i := t.LinkIndex(r.Link)
		if i < 0 {
			return nil, newTypeError(t.name, r.Link, "reset of undeclared link")
		}
		if t.links[i].strict {
			return nil, &RuntimeError{
				Code:     ErrCodeStrictness,
				Message:  "reset of strict link",
				Variable: r.Link,
				Details:  map[string]string{"type": t.name, "transition": tr.Name},
			}
		}
		e.linkResets = append(e.linkResets, linkReset{idx: i, typeName: t.links[i].typeName, f: r.Target})
	}

	for _, cn := range tr.Connects {
		i := t.InputIndex(cn.Input)
		if i < 0 {
			return nil, &RuntimeError{
				Code:     ErrCodeTypeMismatch,
				Message:  "connect target is not an input",
				Variable: cn.Input,
				Details:  map[string]string{"type": t.name},
			}
		}
		if t.inputs[i].strict {
			return nil, &RuntimeError{
				Code:     ErrCodeStrictness,
				Message:  "reconnect of strict input",
				Variable: cn.Input,
				Details:  map[string]string{"type": t.name, "transition": tr.Name},
			}
		}
		e.connects = append(e.connects, portReset{idx: i, f: cn.Source})
	}

	return e, nil
}
