// Package expr compiles formula text into closures the engine evaluates.
//
// Formulas use a Python-like expression syntax parsed by go.starlark.net:
// arithmetic (+ - * / // % **), comparisons, and/or/not, conditional
// expressions (a if c else b), numeric literals, True and False, and calls
// to a fixed set of math functions. Names resolve, in order, to a continuous
// variable, constant, input or event of the evaluating component, then to the
// world clock. A dotted name link.x reads x on the linked component.
//
// Compilation resolves every name to an index once; evaluation walks a small
// tagged node tree and never looks up names on the evaluating component.
package expr

import (
	"errors"
	"fmt"
	"sort"

	"go.starlark.net/syntax"

	"github.com/roach88/hybridsim/internal/engine"
)

// ClockName is the name that reads the world clock when no variable of the
// component shadows it.
const ClockName = "clock"

// Scope resolves the names a formula may read.
type Scope struct {
	Type *engine.Type

	// Types resolves the declared partner type of a link. Names read through
	// a link whose partner type is unknown are resolved at evaluation time.
	Types map[string]*engine.Type
}

func (s Scope) partner(link string) *engine.Type {
	if s.Types == nil {
		return nil
	}
	name := s.Type.LinkType(link)
	if name == "" {
		return nil
	}
	return s.Types[name]
}

// RefKind classifies a value a formula reads.
type RefKind uint8

const (
	RefVar RefKind = iota + 1
	RefConst
	RefInput
	RefEvent
	RefClock
	// RefUnresolved is a name read through a link whose partner type was
	// not known at compile time.
	RefUnresolved
)

func (k RefKind) String() string {
	switch k {
	case RefVar:
		return "var"
	case RefConst:
		return "const"
	case RefInput:
		return "input"
	case RefEvent:
		return "event"
	case RefClock:
		return "clock"
	case RefUnresolved:
		return "unresolved"
	default:
		return fmt.Sprintf("RefKind(%d)", uint8(k))
	}
}

// Ref is one value read by a formula.
type Ref struct {
	// Link is empty for values of the evaluating component.
	Link string
	Name string
	Kind RefKind
}

func (r Ref) String() string {
	if r.Link == "" {
		return r.Name
	}
	return r.Link + "." + r.Name
}

// Error is a formula that failed to parse or resolve.
type Error struct {
	Source string
	Col    int
	Msg    string
}

func (e *Error) Error() string {
	if e.Col > 0 {
		return fmt.Sprintf("formula %q: col %d: %s", e.Source, e.Col, e.Msg)
	}
	return fmt.Sprintf("formula %q: %s", e.Source, e.Msg)
}

// Expr is a compiled formula. It holds no per-component state and may be
// shared by every component of a type.
type Expr struct {
	src  string
	root *node
	refs []Ref
}

// Compile parses src and resolves its names against scope.
func Compile(src string, scope Scope) (*Expr, error) {
	if scope.Type == nil {
		return nil, &Error{Source: src, Msg: "no type to resolve names against"}
	}
	parsed, err := parse(src)
	if err != nil {
		return nil, err
	}
	cp := &compiler{scope: scope, src: src, seen: make(map[Ref]bool)}
	root, err := cp.compileExpr(parsed)
	if err != nil {
		return nil, err
	}
	sort.Slice(cp.refs, func(i, j int) bool {
		a, b := cp.refs[i], cp.refs[j]
		if a.Link != b.Link {
			return a.Link < b.Link
		}
		return a.Name < b.Name
	})
	return &Expr{src: src, root: root, refs: cp.refs}, nil
}

// MustCompile is like Compile but panics on error. It is meant for tests.
func MustCompile(src string, scope Scope) *Expr {
	e, err := Compile(src, scope)
	if err != nil {
		panic(err)
	}
	return e
}

func parse(src string) (syntax.Expr, error) {
	text, ok := rewritePower(src)
	if !ok {
		return nil, &Error{Source: src, Msg: "** needs an operand on each side"}
	}
	e, err := (&syntax.FileOptions{}).ParseExpr("formula", text, 0)
	if err != nil {
		var serr syntax.Error
		if errors.As(err, &serr) {
			return nil, &Error{Source: src, Col: int(serr.Pos.Col), Msg: serr.Msg}
		}
		return nil, &Error{Source: src, Msg: err.Error()}
	}
	return e, nil
}

// String returns the formula source.
func (e *Expr) String() string { return e.src }

// Refs returns the values the formula reads, sorted by link then name.
func (e *Expr) Refs() []Ref { return append([]Ref(nil), e.refs...) }

// Constant reports the formula's value when it reads nothing.
func (e *Expr) Constant() (float64, bool) {
	if e.root.op != opNum {
		return 0, false
	}
	return e.root.num, true
}

// CrossesLinks reports whether the formula reads through any link.
func (e *Expr) CrossesLinks() bool {
	for _, r := range e.refs {
		if r.Link != "" {
			return true
		}
	}
	return false
}

// Eval evaluates the formula on c.
func (e *Expr) Eval(c *engine.Component) (float64, error) {
	return e.root.eval(c)
}

// Formula adapts the expression to an engine formula.
func (e *Expr) Formula() engine.Formula {
	return e.root.eval
}

// Predicate adapts the expression to an engine guard predicate. Non-zero
// values are true.
func (e *Expr) Predicate() engine.Predicate {
	return func(c *engine.Component) (bool, error) {
		v, err := e.root.eval(c)
		if err != nil {
			return false, err
		}
		return truth(v), nil
	}
}

// EventValue adapts the expression to an engine event value.
func (e *Expr) EventValue() engine.EventFunc {
	return func(c *engine.Component) (any, error) {
		return e.root.eval(c)
	}
}

// NonStrict returns the first value the formula reads that may change in a
// discrete update of a component of scope.Type: a non-strict variable,
// constant or input, an event, or anything read through a link that is not
// strict or whose partner value is not strict.
func (e *Expr) NonStrict(scope Scope) (Ref, bool) {
	for _, r := range e.refs {
		if !strictRef(scope, r) {
			return r, true
		}
	}
	return Ref{}, false
}

// Strict reports whether the formula's value cannot change during a
// discrete update, so a guard on it may be parked.
func (e *Expr) Strict(scope Scope) bool {
	if e.CrossesLinks() {
		return false
	}
	_, bad := e.NonStrict(scope)
	return !bad
}

func strictRef(scope Scope, r Ref) bool {
	switch r.Kind {
	case RefClock:
		return true
	case RefEvent, RefUnresolved:
		return false
	}
	t := scope.Type
	if r.Link != "" {
		if k, ok := scope.Type.VarKindOf(r.Link); !ok || k != engine.Strict {
			return false
		}
		if t = scope.partner(r.Link); t == nil {
			return false
		}
	}
	k, ok := t.VarKindOf(r.Name)
	return ok && k == engine.Strict
}
