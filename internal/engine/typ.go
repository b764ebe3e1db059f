package engine

import (
	"fmt"
	"sync"
)

// VarKind is the discrete-change policy of a variable.
type VarKind uint8

const (
	// Piecewise variables may be changed by resets and host code. This is the
	// default kind.
	Piecewise VarKind = iota
	// Strict variables change only by continuous evolution.
	Strict
	// Permissive declarations accept whatever kind the variable already has,
	// and behave as Piecewise when they are the first declaration.
	Permissive
)

// String returns the kind name used in model files.
func (k VarKind) String() string {
	switch k {
	case Strict:
		return "strict"
	case Permissive:
		return "permissive"
	default:
		return "piecewise"
	}
}

type varDecl struct {
	name string
	kind VarKind
	init float64
}

type linkDecl struct {
	name     string
	typeName string
	strict   bool
}

type inputDecl struct {
	name   string
	strict bool
}

type flowDecl struct {
	states []*State
	flow   *Flow
}

type transitionDecl struct {
	from []*State
	tr   *Transition
}

type nameKind uint8

const (
	nameVar nameKind = iota + 1
	nameConst
	nameLink
	nameInput
)

func (k nameKind) String() string {
	switch k {
	case nameVar:
		return "continuous variable"
	case nameConst:
		return "constant"
	case nameLink:
		return "link"
	case nameInput:
		return "input"
	}
	return "name"
}

type nameRef struct {
	kind nameKind
	idx  int
}

// Type describes a class of components: its variables, states, flows and
// transitions.
//
// A Type is built with its declaration methods and sealed on first use by
// World.Create (or explicitly with Seal). Declaration errors are collected and
// reported by Seal. After sealing, the type is immutable and may be shared by
// any number of worlds; per-state flow tables and transition lists are
// computed once per type and shared by all of its components.
type Type struct {
	name string

	vars   []varDecl
	consts []varDecl
	links  []linkDecl
	inputs []inputDecl
	queues []string
	events []string

	names      map[string]nameRef
	ancestors  map[string]bool
	queueIndex map[string]int
	eventIndex map[string]int

	states     []*State
	stateIndex map[string]*State

	flows       []flowDecl
	transitions []transitionDecl
	setups      []func(*Component) error

	err error

	mu         sync.Mutex
	sealed     bool
	edges      map[*Transition]*edge
	flowTables map[*State]*flowTable
	outgoing   map[*State]*outgoing
}

// NewType creates an empty component type.
func NewType(name string) *Type {
	return &Type{
		name:       name,
		names:      make(map[string]nameRef),
		ancestors:  make(map[string]bool),
		queueIndex: make(map[string]int),
		eventIndex: make(map[string]int),
		stateIndex: make(map[string]*State),
	}
}

// Extend copies every declaration of parent into t. Declarations made on t
// afterwards refine the parent's: a flow for the same variable and state
// replaces the inherited one, and a transition with the same name replaces
// the inherited one in its priority slot.
func (t *Type) Extend(parent *Type) *Type {
	if t.checkOpen() {
		return t
	}
	if parent.err != nil {
		t.fail(parent.err)
		return t
	}
	t.ancestors[parent.name] = true
	for a := range parent.ancestors {
		t.ancestors[a] = true
	}
	for _, v := range parent.vars {
		t.Continuous(v.name, v.kind, v.init)
	}
	for _, v := range parent.consts {
		t.Constant(v.name, v.kind, v.init)
	}
	for _, l := range parent.links {
		t.Link(l.name, l.typeName, l.strict)
	}
	for _, in := range parent.inputs {
		t.Input(in.name, in.strict)
	}
	for _, q := range parent.queues {
		t.Queue(q)
	}
	for _, e := range parent.events {
		t.Event(e)
	}
	for _, s := range parent.states {
		if _, ok := t.stateIndex[s.name]; !ok {
			t.states = append(t.states, s)
			t.stateIndex[s.name] = s
		}
	}
	t.flows = append(t.flows, parent.flows...)
	t.transitions = append(t.transitions, parent.transitions...)
	t.setups = append(t.setups, parent.setups...)
	return t
}

// Name returns the type name.
func (t *Type) Name() string { return t.name }

// Err returns the first declaration error, if any.
func (t *Type) Err() error { return t.err }

func (t *Type) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

// checkOpen records an error and reports true if t is already sealed.
func (t *Type) checkOpen() bool {
	t.mu.Lock()
	sealed := t.sealed
	t.mu.Unlock()
	if sealed {
		t.fail(newTypeError(t.name, "", "type is sealed"))
	}
	return sealed
}

// declare registers name in the shared variable namespace and returns its
// index. Redeclaring a name with the same kind refines it; any other clash is
// an error and returns -1.
func (t *Type) declare(name string, kind nameKind, n int) int {
	if name == "" {
		t.fail(newTypeError(t.name, name, "empty name"))
		return -1
	}
	if ref, ok := t.names[name]; ok {
		if ref.kind == kind {
			return ref.idx
		}
		if (ref.kind == nameVar && kind == nameConst) || (ref.kind == nameConst && kind == nameVar) {
			t.fail(&RuntimeError{
				Code:     ErrCodeConstness,
				Message:  "variable declared both constant and continuous",
				Variable: name,
				Details:  map[string]string{"type": t.name},
			})
			return -1
		}
		t.fail(newTypeError(t.name, name, fmt.Sprintf("%s already declared as %s", kind, ref.kind)))
		return -1
	}
	t.names[name] = nameRef{kind: kind, idx: n}
	return n
}

// Continuous declares a continuous variable.
func (t *Type) Continuous(name string, kind VarKind, init float64) *Type {
	if t.checkOpen() {
		return t
	}
	switch idx := t.declare(name, nameVar, len(t.vars)); {
	case idx < 0:
	case idx == len(t.vars):
		t.vars = append(t.vars, varDecl{name: name, kind: kind, init: init})
	default:
		if k, ok := t.redeclaredKind(t.vars[idx], kind); ok {
			t.vars[idx] = varDecl{name: name, kind: k, init: init}
		}
	}
	return t
}

// Constant declares a constant: a value that never changes continuously.
func (t *Type) Constant(name string, kind VarKind, init float64) *Type {
	if t.checkOpen() {
		return t
	}
	switch idx := t.declare(name, nameConst, len(t.consts)); {
	case idx < 0:
	case idx == len(t.consts):
		t.consts = append(t.consts, varDecl{name: name, kind: kind, init: init})
	default:
		if k, ok := t.redeclaredKind(t.consts[idx], kind); ok {
			t.consts[idx] = varDecl{name: name, kind: k, init: init}
		}
	}
	return t
}

// redeclaredKind resolves the kind of a redeclared variable. Changing the
// strictness of an existing variable is an error.
func (t *Type) redeclaredKind(old varDecl, kind VarKind) (VarKind, bool) {
	switch {
	case kind == Permissive:
		return old.kind, true
	case old.kind == Permissive || old.kind == kind:
		return kind, true
	}
	t.fail(&RuntimeError{
		Code:     ErrCodeStrictness,
		Message:  "variable redefined with different strictness",
		Variable: old.name,
		Details:  map[string]string{"type": t.name, "was": old.kind.String(), "now": kind.String()},
	})
	return 0, false
}

// Link declares a reference to another component. typeName restricts the
// linked component's type when non-empty.
func (t *Type) Link(name, typeName string, strict bool) *Type {
	if t.checkOpen() {
		return t
	}
	switch idx := t.declare(name, nameLink, len(t.links)); {
	case idx < 0:
	case idx == len(t.links):
		t.links = append(t.links, linkDecl{name: name, typeName: typeName, strict: strict})
	default:
		t.links[idx] = linkDecl{name: name, typeName: typeName, strict: strict}
	}
	return t
}

// Input declares an input variable, read through a port connection.
func (t *Type) Input(name string, strict bool) *Type {
	if t.checkOpen() {
		return t
	}
	switch idx := t.declare(name, nameInput, len(t.inputs)); {
	case idx < 0:
	case idx == len(t.inputs):
		t.inputs = append(t.inputs, inputDecl{name: name, strict: strict})
	default:
		t.inputs[idx] = inputDecl{name: name, strict: strict}
	}
	return t
}

// Queue declares a message queue.
func (t *Type) Queue(name string) *Type {
	if t.checkOpen() {
		return t
	}
	if _, ok := t.queueIndex[name]; !ok {
		t.queueIndex[name] = len(t.queues)
		t.queues = append(t.queues, name)
	}
	return t
}

// Event declares an exported event. Events named by transitions are
// declared implicitly.
func (t *Type) Event(name string) *Type {
	if _, ok := t.eventIndex[name]; !ok {
		t.eventIndex[name] = len(t.events)
		t.events = append(t.events, name)
	}
	return t
}

// State returns the state with the given name, declaring it if needed.
// "Enter" and "Exit" return the shared sentinels.
func (t *Type) State(name string) *State {
	switch name {
	case Enter.name:
		return Enter
	case Exit.name:
		return Exit
	}
	if s, ok := t.stateIndex[name]; ok {
		return s
	}
	if t.checkOpen() {
		return nil
	}
	s := &State{name: name, owner: t}
	t.states = append(t.states, s)
	t.stateIndex[name] = s
	return s
}

// States declares several states at once and returns them in order.
func (t *Type) States(names ...string) []*State {
	out := make([]*State, len(names))
	for i, n := range names {
		out[i] = t.State(n)
	}
	return out
}

// LookupState returns a declared state without declaring it.
func (t *Type) LookupState(name string) (*State, bool) {
	switch name {
	case Enter.name:
		return Enter, true
	case Exit.name:
		return Exit, true
	}
	s, ok := t.stateIndex[name]
	return s, ok
}

// Flow binds flows to variables in the given states.
func (t *Type) Flow(states []*State, flows ...*Flow) *Type {
	if t.checkOpen() {
		return t
	}
	if len(states) == 0 {
		states = []*State{Enter}
	}
	for _, fl := range flows {
		if fl == nil || fl.Formula == nil {
			t.fail(newTypeError(t.name, "", "flow without formula"))
			continue
		}
		t.flows = append(t.flows, flowDecl{states: states, flow: fl})
	}
	return t
}

// Transition declares tr from each of the given source states. With no
// source states it defaults to Enter. Declaration order is priority order.
// A named transition replaces an earlier one of the same name in place.
func (t *Type) Transition(tr *Transition, from ...*State) *Type {
	if t.checkOpen() {
		return t
	}
	if tr == nil {
		return t
	}
	if len(from) == 0 {
		from = []*State{Enter}
	}
	for _, e := range tr.Events {
		t.Event(e.Name)
	}
	decl := transitionDecl{from: from, tr: tr}
	if tr.Name != "" {
		for i, d := range t.transitions {
			if d.tr.Name == tr.Name {
				t.transitions[i] = decl
				return t
			}
		}
	}
	t.transitions = append(t.transitions, decl)
	return t
}

// Setup registers a function run on every new component of this type after
// default values are assigned.
func (t *Type) Setup(fn func(*Component) error) *Type {
	if t.checkOpen() {
		return t
	}
	t.setups = append(t.setups, fn)
	return t
}

// VarIndex returns the index of a continuous variable, or -1.
func (t *Type) VarIndex(name string) int { return t.indexOf(name, nameVar) }

// ConstIndex returns the index of a constant, or -1.
func (t *Type) ConstIndex(name string) int { return t.indexOf(name, nameConst) }

// LinkIndex returns the index of a link, or -1.
func (t *Type) LinkIndex(name string) int { return t.indexOf(name, nameLink) }

// InputIndex returns the index of an input, or -1.
func (t *Type) InputIndex(name string) int { return t.indexOf(name, nameInput) }

// QueueIndex returns the index of a queue, or -1.
func (t *Type) QueueIndex(name string) int {
	if i, ok := t.queueIndex[name]; ok {
		return i
	}
	return -1
}

// EventIndex returns the index of an event, or -1.
func (t *Type) EventIndex(name string) int {
	if i, ok := t.eventIndex[name]; ok {
		return i
	}
	return -1
}

func (t *Type) indexOf(name string, kind nameKind) int {
	if ref, ok := t.names[name]; ok && ref.kind == kind {
		return ref.idx
	}
	return -1
}

// VarNames returns continuous variable names in declaration order.
func (t *Type) VarNames() []string { return declNames(t.vars) }

// ConstNames returns constant names in declaration order.
func (t *Type) ConstNames() []string { return declNames(t.consts) }

// LinkNames returns link names in declaration order.
func (t *Type) LinkNames() []string {
	out := make([]string, len(t.links))
	for i, l := range t.links {
		out[i] = l.name
	}
	return out
}

// LinkType returns the declared type name of a link ("" if unrestricted).
func (t *Type) LinkType(name string) string {
	if i := t.LinkIndex(name); i >= 0 {
		return t.links[i].typeName
	}
	return ""
}

// InputNames returns input names in declaration order.
func (t *Type) InputNames() []string {
	out := make([]string, len(t.inputs))
	for i, in := range t.inputs {
		out[i] = in.name
	}
	return out
}

// QueueNames returns queue names in declaration order.
func (t *Type) QueueNames() []string { return append([]string(nil), t.queues...) }

// EventNames returns event names in declaration order.
func (t *Type) EventNames() []string { return append([]string(nil), t.events...) }

// StateNames returns declared state names in declaration order, without the
// Enter and Exit sentinels.
func (t *Type) StateNames() []string {
	out := make([]string, len(t.states))
	for i, s := range t.states {
		out[i] = s.name
	}
	return out
}

// VarKindOf returns the declared kind of a continuous variable or constant.
func (t *Type) VarKindOf(name string) (VarKind, bool) {
	ref, ok := t.names[name]
	if !ok {
		return 0, false
	}
	switch ref.kind {
	case nameVar:
		return t.vars[ref.idx].kind, true
	case nameConst:
		return t.consts[ref.idx].kind, true
	case nameInput:
		if t.inputs[ref.idx].strict {
			return Strict, true
		}
		return Piecewise, true
	case nameLink:
		if t.links[ref.idx].strict {
			return Strict, true
		}
		return Piecewise, true
	}
	return 0, false
}

func declNames(decls []varDecl) []string {
	out := make([]string, len(decls))
	for i, d := range decls {
		out[i] = d.name
	}
	return out
}

// Seal validates the type and freezes its declarations.
// It is called implicitly by World.Create.
func (t *Type) Seal() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return t.err
	}
	if t.err != nil {
		return t.err
	}

	for _, fd := range t.flows {
		if t.indexOf(fd.flow.Var, nameVar) < 0 {
			t.err = newTypeError(t.name, fd.flow.Var, "flow for undeclared continuous variable")
			return t.err
		}
	}

	t.edges = make(map[*Transition]*edge, len(t.transitions))
	for _, d := range t.transitions {
		e, err := t.compileEdge(d.tr)
		if err != nil {
			t.err = err
			return err
		}
		t.edges[d.tr] = e
	}
	t.flowTables = make(map[*State]*flowTable)
	t.outgoing = make(map[*State]*outgoing)
	t.sealed = true
	return nil
}

// Sealed reports whether the type has been sealed.
func (t *Type) Sealed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sealed
}

// flowTable is the shared per-(type, state) binding of flows to variables.
type flowTable struct {
	flows   []*Flow // indexed by variable
	hasDiff bool
}

// outgoing is the shared per-(type, state) list of transitions in priority
// order.
type outgoing struct {
	edges  []*edge
	strict bool
}

// flowTableFor returns the memoized flow table for state s.
func (t *Type) flowTableFor(s *State) *flowTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ft, ok := t.flowTables[s]; ok {
		return ft
	}
	ft := &flowTable{flows: make([]*Flow, len(t.vars))}
	for _, fd := range t.flows {
		if !containsState(fd.states, s) {
			continue
		}
		ft.flows[t.names[fd.flow.Var].idx] = fd.flow
	}
	for _, fl := range ft.flows {
		if fl != nil && fl.Kind.Differential() {
			ft.hasDiff = true
		}
	}
	t.flowTables[s] = ft
	return ft
}

// outgoingFor returns the memoized outgoing transitions for state s.
func (t *Type) outgoingFor(s *State) *outgoing {
	t.mu.Lock()
	defer t.mu.Unlock()
	if og, ok := t.outgoing[s]; ok {
		return og
	}
	og := &outgoing{strict: true}
	if s != Exit {
		for _, d := range t.transitions {
			if containsState(d.from, s) {
				e := t.edges[d.tr]
				og.edges = append(og.edges, e)
				og.strict = og.strict && e.strict
			}
		}
	}
	t.outgoing[s] = og
	return og
}

func containsState(states []*State, s *State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
