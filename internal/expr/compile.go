package expr

import (
	"fmt"
	"math/big"

	"go.starlark.net/syntax"
)

type compiler struct {
	scope Scope
	src   string
	refs  []Ref
	seen  map[Ref]bool
}

func (cp *compiler) errorf(n syntax.Node, format string, args ...any) error {
	start, _ := n.Span()
	return &Error{Source: cp.src, Col: int(start.Col), Msg: fmt.Sprintf(format, args...)}
}

func (cp *compiler) read(r Ref) {
	if !cp.seen[r] {
		cp.seen[r] = true
		cp.refs = append(cp.refs, r)
	}
}

func (cp *compiler) compileExpr(expr syntax.Expr) (*node, error) {
	switch e := expr.(type) {
	case *syntax.Literal:
		return cp.compileLiteral(e)
	case *syntax.Ident:
		return cp.compileIdent(e)
	case *syntax.ParenExpr:
		return cp.compileExpr(e.X)
	case *syntax.UnaryExpr:
		return cp.compileUnary(e)
	case *syntax.BinaryExpr:
		return cp.compileBinary(e)
	case *syntax.CondExpr:
		return cp.compileCond(e)
	case *syntax.DotExpr:
		return cp.compileDot(e)
	case *syntax.CallExpr:
		return cp.compileCall(e)
	default:
		return nil, cp.errorf(expr, "unsupported expression %T", expr)
	}
}

func (cp *compiler) compileLiteral(e *syntax.Literal) (*node, error) {
	switch v := e.Value.(type) {
	case int64:
		return &node{op: opNum, num: float64(v)}, nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(v).Float64()
		return &node{op: opNum, num: f}, nil
	case float64:
		return &node{op: opNum, num: v}, nil
	default:
		return nil, cp.errorf(e, "%s is not a number", e.Token)
	}
}

func (cp *compiler) compileIdent(e *syntax.Ident) (*node, error) {
	t := cp.scope.Type
	name := e.Name
	if i := t.VarIndex(name); i >= 0 {
		cp.read(Ref{Name: name, Kind: RefVar})
		return &node{op: opVar, idx: i}, nil
	}
	if i := t.ConstIndex(name); i >= 0 {
		cp.read(Ref{Name: name, Kind: RefConst})
		return &node{op: opConst, idx: i}, nil
	}
	if i := t.InputIndex(name); i >= 0 {
		cp.read(Ref{Name: name, Kind: RefInput})
		return &node{op: opInput, idx: i}, nil
	}
	if t.EventIndex(name) >= 0 {
		cp.read(Ref{Name: name, Kind: RefEvent})
		return &node{op: opEvent, name: name}, nil
	}
	if t.LinkIndex(name) >= 0 {
		return nil, cp.errorf(e, "link %q is not a value", name)
	}
	switch name {
	case "True":
		return &node{op: opNum, num: 1}, nil
	case "False":
		return &node{op: opNum, num: 0}, nil
	case ClockName:
		cp.read(Ref{Name: name, Kind: RefClock})
		return &node{op: opClock}, nil
	}
	return nil, cp.errorf(e, "type %s has no variable, constant, input or event %q", t.Name(), name)
}

func (cp *compiler) compileDot(e *syntax.DotExpr) (*node, error) {
	id, ok := e.X.(*syntax.Ident)
	if !ok {
		return nil, cp.errorf(e, "only one link may be crossed in a formula")
	}
	link := id.Name
	i := cp.scope.Type.LinkIndex(link)
	if i < 0 {
		return nil, cp.errorf(id, "type %s has no link %q", cp.scope.Type.Name(), link)
	}
	name := e.Name.Name
	partner := cp.scope.partner(link)
	if partner == nil {
		cp.read(Ref{Link: link, Name: name, Kind: RefUnresolved})
		return &node{op: opLinkAny, idx: i, name: name}, nil
	}
	kind := RefKind(0)
	switch {
	case partner.VarIndex(name) >= 0:
		kind = RefVar
	case partner.ConstIndex(name) >= 0:
		kind = RefConst
	case partner.InputIndex(name) >= 0:
		kind = RefInput
	case partner.EventIndex(name) >= 0:
		cp.read(Ref{Link: link, Name: name, Kind: RefEvent})
		return &node{op: opLinkEvent, idx: i, name: name}, nil
	default:
		return nil, cp.errorf(e.Name, "type %s has no variable, constant, input or event %q", partner.Name(), name)
	}
	cp.read(Ref{Link: link, Name: name, Kind: kind})
	return &node{op: opLinkValue, idx: i, name: name}, nil
}

func (cp *compiler) compileUnary(e *syntax.UnaryExpr) (*node, error) {
	x, err := cp.compileExpr(e.X)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case syntax.PLUS:
		return x, nil
	case syntax.MINUS:
		return fold(&node{op: opNeg, args: []*node{x}}), nil
	case syntax.NOT:
		return fold(&node{op: opNot, args: []*node{x}}), nil
	}
	return nil, cp.errorf(e, "unsupported unary op: %v", e.Op)
}

var binaryOps = map[syntax.Token]op{
	syntax.PLUS:       opAdd,
	syntax.MINUS:      opSub,
	syntax.STAR:       opMul,
	syntax.SLASH:      opDiv,
	syntax.SLASHSLASH: opFloorDiv,
	syntax.PERCENT:    opMod,
	syntax.EQL:        opEq,
	syntax.NEQ:        opNe,
	syntax.LT:         opLt,
	syntax.LE:         opLe,
	syntax.GT:         opGt,
	syntax.GE:         opGe,
	syntax.AND:        opAnd,
	syntax.OR:         opOr,
}

func (cp *compiler) compileBinary(e *syntax.BinaryExpr) (*node, error) {
	o, ok := binaryOps[e.Op]
	if !ok {
		return nil, cp.errorf(e, "unsupported binary op: %v", e.Op)
	}
	x, err := cp.compileExpr(e.X)
	if err != nil {
		return nil, err
	}
	y, err := cp.compileExpr(e.Y)
	if err != nil {
		return nil, err
	}
	return fold(&node{op: o, args: []*node{x, y}}), nil
}

func (cp *compiler) compileCond(e *syntax.CondExpr) (*node, error) {
	args := make([]*node, 3)
	for i, sub := range []syntax.Expr{e.Cond, e.True, e.False} {
		n, err := cp.compileExpr(sub)
		if err != nil {
			return nil, err
		}
		args[i] = n
	}
	return fold(&node{op: opCond, args: args}), nil
}

func (cp *compiler) compileCall(e *syntax.CallExpr) (*node, error) {
	id, ok := e.Fn.(*syntax.Ident)
	if !ok {
		return nil, cp.errorf(e.Fn, "only builtin functions may be called")
	}
	fn, ok := builtins[id.Name]
	if !ok {
		return nil, cp.errorf(id, "unknown function %q", id.Name)
	}
	if len(e.Args) < fn.minArgs || (fn.maxArgs >= 0 && len(e.Args) > fn.maxArgs) {
		return nil, cp.errorf(e, "%s: got %d arguments", fn.name, len(e.Args))
	}
	args := make([]*node, len(e.Args))
	for i, a := range e.Args {
		if b, ok := a.(*syntax.BinaryExpr); ok && b.Op == syntax.EQ {
			return nil, cp.errorf(a, "%s: keyword arguments are not supported", fn.name)
		}
		n, err := cp.compileExpr(a)
		if err != nil {
			return nil, err
		}
		args[i] = n
	}
	return fold(&node{op: opCall, fn: fn, args: args}), nil
}
