package expr

import (
	"fmt"
	"math"

	"github.com/roach88/hybridsim/internal/engine"
)

type op uint8

const (
	opNum op = iota
	opVar
	opConst
	opInput
	opEvent
	opClock
	opLinkValue
	opLinkEvent
	opLinkAny

	opNeg
	opNot
	opAnd
	opOr
	opCond
	opCall

	opAdd
	opSub
	opMul
	opDiv
	opFloorDiv
	opMod
	opPow
	opEq
	opNe
	opLt
	opLe
	opGt
	opGe
)

// node is one vertex of a compiled formula. Which fields are meaningful
// depends on op: idx is a variable, constant, input or link index, name is
// an event name or a name read through a link.
type node struct {
	op   op
	num  float64
	idx  int
	name string
	fn   *builtin
	args []*node
}

func (n *node) eval(c *engine.Component) (float64, error) {
	switch n.op {
	case opNum:
		return n.num, nil
	case opVar:
		return c.Var(n.idx)
	case opConst:
		return c.Const(n.idx), nil
	case opInput:
		return c.Input(n.idx)
	case opEvent:
		v, ok := c.Event(n.name)
		if !ok {
			return 0, nil
		}
		return number(v)
	case opClock:
		if w := c.World(); w != nil {
			return w.Clock(), nil
		}
		return 0, nil
	case opLinkValue:
		return c.LinkGet(n.idx, n.name)
	case opLinkEvent, opLinkAny:
		other, err := c.LinkAt(n.idx)
		if err != nil {
			return 0, err
		}
		if n.op == opLinkAny && other.Type().EventIndex(n.name) < 0 {
			return other.Get(n.name)
		}
		v, ok := other.Event(n.name)
		if !ok {
			return 0, nil
		}
		return number(v)

	case opNeg:
		x, err := n.args[0].eval(c)
		return -x, err
	case opNot:
		x, err := n.args[0].eval(c)
		if err != nil {
			return 0, err
		}
		return boolean(!truth(x)), nil
	case opAnd, opOr:
		x, err := n.args[0].eval(c)
		if err != nil {
			return 0, err
		}
		if truth(x) == (n.op == opOr) {
			return x, nil
		}
		return n.args[1].eval(c)
	case opCond:
		cond, err := n.args[0].eval(c)
		if err != nil {
			return 0, err
		}
		if truth(cond) {
			return n.args[1].eval(c)
		}
		return n.args[2].eval(c)
	case opCall:
		args := make([]float64, len(n.args))
		for i, a := range n.args {
			v, err := a.eval(c)
			if err != nil {
				return 0, err
			}
			args[i] = v
		}
		return n.fn.call(args), nil
	}

	x, err := n.args[0].eval(c)
	if err != nil {
		return 0, err
	}
	y, err := n.args[1].eval(c)
	if err != nil {
		return 0, err
	}
	return binary(n.op, x, y), nil
}

func binary(o op, x, y float64) float64 {
	switch o {
	case opAdd:
		return x + y
	case opSub:
		return x - y
	case opMul:
		return x * y
	case opDiv:
		return x / y
	case opFloorDiv:
		return math.Floor(x / y)
	case opMod:
		r := math.Mod(x, y)
		if r != 0 && (r < 0) != (y < 0) {
			r += y
		}
		return r
	case opPow:
		return math.Pow(x, y)
	case opEq:
		return boolean(x == y)
	case opNe:
		return boolean(x != y)
	case opLt:
		return boolean(x < y)
	case opLe:
		return boolean(x <= y)
	case opGt:
		return boolean(x > y)
	case opGe:
		return boolean(x >= y)
	}
	panic(fmt.Sprintf("expr: op %d is not binary", o))
}

// pure reports whether the node reads nothing from a component.
func (n *node) pure() bool {
	switch n.op {
	case opNum:
		return true
	case opVar, opConst, opInput, opEvent, opClock, opLinkValue, opLinkEvent, opLinkAny:
		return false
	}
	for _, a := range n.args {
		if !a.pure() {
			return false
		}
	}
	return true
}

// fold replaces a pure node by its value.
func fold(n *node) *node {
	if n.op == opNum || !n.pure() {
		return n
	}
	v, err := n.eval(nil)
	if err != nil {
		return n
	}
	return &node{op: opNum, num: v}
}

func truth(v float64) bool { return v != 0 }

func boolean(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// number converts an exported event value to a float. An event exported
// without a value reads as true.
func number(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case bool:
		return boolean(x), nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("event value %v (%T) is not a number", v, v)
}
