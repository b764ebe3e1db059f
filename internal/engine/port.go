package engine

// maxPortChain bounds the number of input-to-input hops followed when an
// input is read. Longer chains are treated as circular.
const maxPortChain = 100

// PortKind is the kind of value a port refers to.
type PortKind uint8

const (
	PortNone PortKind = iota
	PortVar
	PortConst
	PortInput
)

// String returns a short kind name.
func (k PortKind) String() string {
	switch k {
	case PortVar:
		return "continuous"
	case PortConst:
		return "constant"
	case PortInput:
		return "input"
	default:
		return "none"
	}
}

// binding is the source an input is connected to.
type binding struct {
	kind PortKind
	src  Handle
	idx  int
}

// Port is a handle on one named value of a component. Ports of inputs can be
// connected to ports of continuous variables, constants or other inputs.
type Port struct {
	comp *Component
	kind PortKind
	idx  int
	name string
}

// Port returns the port for a continuous variable, constant or input.
func (c *Component) Port(name string) (*Port, error) {
	ref, ok := c.typ.names[name]
	if !ok {
		return nil, c.newError(ErrCodeTypeMismatch, name, "no such variable")
	}
	p := &Port{comp: c, idx: ref.idx, name: name}
	switch ref.kind {
	case nameVar:
		p.kind = PortVar
	case nameConst:
		p.kind = PortConst
	case nameInput:
		p.kind = PortInput
	default:
		return nil, c.newError(ErrCodeTypeMismatch, name, "links have no port")
	}
	return p, nil
}

// Component returns the port's component.
func (p *Port) Component() *Component { return p.comp }

// Variable returns the port's variable name.
func (p *Port) Variable() string { return p.name }

// Kind returns the kind of value the port refers to.
func (p *Port) Kind() PortKind { return p.kind }

// Strict reports whether the port's value is declared strict.
func (p *Port) Strict() bool {
	switch p.kind {
	case PortVar:
		return p.comp.typ.vars[p.idx].kind == Strict
	case PortConst:
		return p.comp.typ.consts[p.idx].kind == Strict
	case PortInput:
		return p.comp.typ.inputs[p.idx].strict
	}
	return false
}

// Value reads the port's value, following connections for inputs.
func (p *Port) Value() (float64, error) {
	switch p.kind {
	case PortVar:
		return p.comp.readVar(p.idx)
	case PortConst:
		return p.comp.consts[p.idx], nil
	default:
		return p.comp.readInput(p.idx)
	}
}

// Connect connects this input port to src. A nil src disconnects.
// Strict inputs may only be connected to strict sources.
func (p *Port) Connect(src *Port) error {
	if p.kind != PortInput {
		return p.comp.newError(ErrCodeTypeMismatch, p.name, "cannot connect to a non-input")
	}
	if src == nil {
		p.Disconnect()
		return nil
	}
	b, err := p.bindingTo(src)
	if err != nil {
		return err
	}
	p.comp.ports[p.idx] = b
	p.comp.touch()
	return nil
}

func (p *Port) bindingTo(src *Port) (binding, error) {
	c := p.comp
	if src.comp.arena != c.arena || src.comp.world == nil {
		return binding{}, c.newError(ErrCodeTypeMismatch, p.name, "source is not in this world")
	}
	if c.typ.inputs[p.idx].strict && !src.Strict() {
		return binding{}, newStrictnessError(c, p.name, "strict input connected to non-strict source")
	}
	return binding{kind: src.kind, src: src.comp.handle, idx: src.idx}, nil
}

// Disconnect removes the input's connection.
func (p *Port) Disconnect() {
	if p.kind != PortInput {
		return
	}
	p.comp.ports[p.idx] = binding{}
	p.comp.touch()
}

// Source returns the port this input is directly connected to, or nil.
func (p *Port) Source() *Port {
	if p.kind != PortInput {
		return nil
	}
	b := p.comp.ports[p.idx]
	if b.kind == PortNone {
		return nil
	}
	src := p.comp.arena.resolve(b.src)
	if src == nil {
		return nil
	}
	return &Port{comp: src, kind: b.kind, idx: b.idx, name: src.varName(b.kind, b.idx)}
}

// SourceComponent returns the component this input is directly connected
// to, or nil.
func (p *Port) SourceComponent() *Component {
	if s := p.Source(); s != nil {
		return s.comp
	}
	return nil
}

// SourceVariable returns the variable name this input is directly connected
// to, or "".
func (p *Port) SourceVariable() string {
	if s := p.Source(); s != nil {
		return s.name
	}
	return ""
}

// readInput resolves input i through its chain of connections.
func (c *Component) readInput(i int) (float64, error) {
	cur, idx := c, i
	hops := 0
	for {
		b := cur.ports[idx]
		if b.kind == PortNone {
			return 0, newUnconnectedInputError(cur, cur.typ.inputs[idx].name)
		}
		src := cur.arena.resolve(b.src)
		if src == nil {
			return 0, newNilLinkError(cur, cur.typ.inputs[idx].name)
		}
		switch b.kind {
		case PortVar:
			return src.readVar(b.idx)
		case PortConst:
			return src.consts[b.idx], nil
		}
		hops++
		if hops > maxPortChain {
			e := c.newError(ErrCodeCircularDefinition, c.typ.inputs[i].name, "input connection chain is circular or too long")
			e.Details = map[string]string{"max_chain": "100"}
			return 0, e
		}
		cur, idx = src, b.idx
	}
}

func (c *Component) varName(kind PortKind, idx int) string {
	switch kind {
	case PortVar:
		return c.typ.vars[idx].name
	case PortConst:
		return c.typ.consts[idx].name
	case PortInput:
		return c.typ.inputs[idx].name
	}
	return ""
}
