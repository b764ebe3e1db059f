package engine

import "fmt"

// Handle is an index-based reference to a component slot in a world's
// arena. A handle outlives the component it names: once the component exits,
// resolving the handle reports that it is no longer present.
type Handle struct {
	slot uint32 // 1-based; 0 is the nil handle
	gen  uint32
}

// IsZero reports whether h is the nil handle.
func (h Handle) IsZero() bool { return h.slot == 0 }

type eventSlot struct {
	set   bool
	value any
}

type sleepKind uint8

const (
	awake sleepKind = iota
	strictSleep
	queueSleep
)

// Component is one automaton instance living in a World.
type Component struct {
	world *World // nil once the component has exited
	arena *World // world whose arena resolves this component's handles
	typ   *Type

	handle Handle
	seq    int64
	name   string
	state  *State

	vars   []ContVar
	consts []float64
	links  []Handle
	ports  []binding
	queues []*Queue

	events     []eventSlot
	nextEvents []eventSlot
	exportedAt int64

	flows *flowTable
	out   *outgoing

	// Selection state for the current microstep.
	sel      *edge
	dest     *State
	scanFrom int
	active   bool

	sleep  sleepKind
	inDiff bool
	aux    []*flowAux
}

func newComponent(w *World, t *Type, name string) *Component {
	c := &Component{
		world:      w,
		arena:      w,
		typ:        t,
		name:       name,
		state:      Enter,
		vars:       make([]ContVar, len(t.vars)),
		consts:     make([]float64, len(t.consts)),
		links:      make([]Handle, len(t.links)),
		ports:      make([]binding, len(t.inputs)),
		queues:     make([]*Queue, len(t.queues)),
		events:     make([]eventSlot, len(t.events)),
		nextEvents: make([]eventSlot, len(t.events)),
	}
	for i, d := range t.vars {
		v := &c.vars[i]
		v.strict = d.kind == Strict
		v.value = [4]float64{d.init, d.init, d.init, d.init}
	}
	for i, d := range t.consts {
		c.consts[i] = d.init
	}
	for i, q := range t.queues {
		c.queues[i] = newQueue(c, q)
	}
	return c
}

// Name returns the component's name, unique within its world.
func (c *Component) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// String implements fmt.Stringer.
func (c *Component) String() string {
	return fmt.Sprintf("<%s %s: %s>", c.typ.name, c.name, c.state.Name())
}

// Type returns the component's type.
func (c *Component) Type() *Type { return c.typ }

// State returns the current state.
func (c *Component) State() *State { return c.state }

// World returns the world the component evolves in, or nil after it exited.
func (c *Component) World() *World { return c.world }

// Alive reports whether the component still evolves.
func (c *Component) Alive() bool { return c.world != nil }

// Handle returns the component's arena handle.
func (c *Component) Handle() Handle { return c.handle }

// Var returns continuous variable i at the current evaluation stage.
func (c *Component) Var(i int) (float64, error) {
	if i < 0 || i >= len(c.vars) {
		return 0, c.newError(ErrCodeTypeMismatch, fmt.Sprint(i), "no such continuous variable")
	}
	return c.readVar(i)
}

// Const returns constant i.
func (c *Component) Const(i int) float64 { return c.consts[i] }

// Input returns input i, following its connections.
func (c *Component) Input(i int) (float64, error) { return c.readInput(i) }

// Get returns the named continuous variable, constant or input.
func (c *Component) Get(name string) (float64, error) {
	ref, ok := c.typ.names[name]
	if !ok {
		return 0, c.newError(ErrCodeTypeMismatch, name, "no such variable")
	}
	switch ref.kind {
	case nameVar:
		return c.readVar(ref.idx)
	case nameConst:
		return c.consts[ref.idx], nil
	case nameInput:
		return c.readInput(ref.idx)
	}
	return 0, c.newError(ErrCodeTypeMismatch, name, "link is not a value")
}

// MustGet is like Get but panics on error. It is meant for tests and
// interactive inspection.
func (c *Component) MustGet(name string) float64 {
	v, err := c.Get(name)
	if err != nil {
		panic(err)
	}
	return v
}

// ContVar returns the runtime cell of the named continuous variable.
func (c *Component) ContVar(name string) (*ContVar, bool) {
	i := c.typ.VarIndex(name)
	if i < 0 {
		return nil, false
	}
	return &c.vars[i], true
}

// Set assigns a continuous variable or constant from host code or an action.
//
// Assigning a variable with an algebraic flow fails with an algebraic
// assignment error. Strict values may not be assigned while transitions are
// being applied.
func (c *Component) Set(name string, value float64) error {
	ref, ok := c.typ.names[name]
	if !ok {
		return c.newError(ErrCodeTypeMismatch, name, "no such variable")
	}
	switch ref.kind {
	case nameVar:
		v := &c.vars[ref.idx]
		if v.algebraic {
			return c.newError(ErrCodeAlgebraicAssignment, name, "variable has algebraic flow")
		}
		if v.strict && c.inDiscreteUpdate() {
			return newStrictnessError(c, name, "assignment to strict variable during discrete update")
		}
		v.value = [4]float64{value, value, value, value}
	case nameConst:
		if c.typ.consts[ref.idx].kind == Strict && c.inDiscreteUpdate() {
			return newStrictnessError(c, name, "assignment to strict constant during discrete update")
		}
		c.consts[ref.idx] = value
	default:
		return c.newError(ErrCodeTypeMismatch, name, "not a continuous variable or constant")
	}
	c.touch()
	return nil
}

// Link returns the component the named link refers to. A nil or stale link
// fails with a nil link error.
func (c *Component) Link(name string) (*Component, error) {
	i := c.typ.LinkIndex(name)
	if i < 0 {
		return nil, c.newError(ErrCodeTypeMismatch, name, "no such link")
	}
	return c.LinkAt(i)
}

// LinkAt is Link by index.
func (c *Component) LinkAt(i int) (*Component, error) {
	other := c.linked(i)
	if other == nil {
		return nil, newNilLinkError(c, c.typ.links[i].name)
	}
	return other, nil
}

// linked resolves link i, returning nil for nil or stale links.
func (c *Component) linked(i int) *Component {
	h := c.links[i]
	if h.IsZero() {
		return nil
	}
	return c.arena.resolve(h)
}

// SetLink points the named link at other; nil clears it.
func (c *Component) SetLink(name string, other *Component) error {
	i := c.typ.LinkIndex(name)
	if i < 0 {
		return c.newError(ErrCodeTypeMismatch, name, "no such link")
	}
	if c.typ.links[i].strict && c.inDiscreteUpdate() {
		return newStrictnessError(c, name, "assignment to strict link during discrete update")
	}
	h, err := c.linkHandle(i, c.typ.links[i].typeName, other)
	if err != nil {
		return err
	}
	c.links[i] = h
	c.touch()
	return nil
}

func (c *Component) linkHandle(i int, typeName string, other *Component) (Handle, error) {
	if other == nil {
		return Handle{}, nil
	}
	name := c.typ.links[i].name
	if other.arena != c.arena {
		return Handle{}, c.newError(ErrCodeTypeMismatch, name, "linked component is in another world")
	}
	if typeName != "" && !other.typ.isA(typeName) {
		e := c.newError(ErrCodeTypeMismatch, name, "linked component has the wrong type")
		e.Details = map[string]string{"want": typeName, "got": other.typ.name}
		return Handle{}, e
	}
	return other.handle, nil
}

// LinkGet reads a continuous variable, constant or input of the component
// on link i.
func (c *Component) LinkGet(i int, name string) (float64, error) {
	other, err := c.LinkAt(i)
	if err != nil {
		return 0, err
	}
	return other.Get(name)
}

// Queue returns the named queue, or nil.
func (c *Component) Queue(name string) *Queue {
	i := c.typ.QueueIndex(name)
	if i < 0 {
		return nil
	}
	return c.queues[i]
}

// Event returns the value of an event the component currently exports.
func (c *Component) Event(name string) (any, bool) {
	i := c.typ.EventIndex(name)
	if i < 0 || !c.events[i].set {
		return nil, false
	}
	return c.events[i].value, true
}

// Snapshot-friendly accessors.

// Values returns the step-start value of every continuous variable by name.
func (c *Component) Values() map[string]float64 {
	out := make(map[string]float64, len(c.vars))
	for i, d := range c.typ.vars {
		out[d.name] = c.vars[i].value[0]
	}
	return out
}

// Constants returns every constant by name.
func (c *Component) Constants() map[string]float64 {
	out := make(map[string]float64, len(c.consts))
	for i, d := range c.typ.consts {
		out[d.name] = c.consts[i]
	}
	return out
}

func (c *Component) inDiscreteUpdate() bool {
	return c.world != nil && c.world.phase.transitional()
}

// touch invalidates memoized algebraic values after a discrete change.
func (c *Component) touch() {
	if c.world != nil {
		c.world.dTick++
	}
}

// queueReady wakes the component if it was parked waiting on its queues.
func (c *Component) queueReady() {
	if c.world != nil && c.sleep == queueSleep {
		c.sleep = awake
	}
}

// bindState points the component's flow table and outgoing transitions at
// state s and rebinds each variable's flow.
func (c *Component) bindState(s *State) {
	c.state = s
	c.flows = c.typ.flowTableFor(s)
	c.out = c.typ.outgoingFor(s)
	for i := range c.vars {
		v := &c.vars[i]
		fl := c.flows.flows[i]
		if fl != v.flow {
			v.flow = fl
			v.algebraic = fl != nil && fl.Kind == FlowAlgebraic
			v.invalidate()
			if c.aux != nil {
				c.aux[i] = nil
			}
		}
	}
	if c.world != nil {
		c.world.updateDiffList(c)
	}
}

func (t *Type) isA(name string) bool {
	return t.name == name || t.ancestors[name]
}
