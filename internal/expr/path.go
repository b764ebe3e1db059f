package expr

import (
	"fmt"

	"go.starlark.net/syntax"

	"github.com/roach88/hybridsim/internal/engine"
)

// Self names the evaluating component in link and port paths.
const Self = "self"

// None clears a link or disconnects an input.
const None = "None"

// path is a dotted name such as peer.peer.v.
func parsePath(src string) ([]string, error) {
	e, err := parse(src)
	if err != nil {
		return nil, err
	}
	var out []string
	for {
		switch x := e.(type) {
		case *syntax.Ident:
			out = append(out, x.Name)
			for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
				out[i], out[j] = out[j], out[i]
			}
			return out, nil
		case *syntax.DotExpr:
			out = append(out, x.Name.Name)
			e = x.X
		case *syntax.ParenExpr:
			e = x.X
		default:
			start, _ := e.Span()
			return nil, &Error{Source: src, Col: int(start.Col), Msg: "expected a dotted name"}
		}
	}
}

// walk follows links from c. The first element may be Self.
func walk(c *engine.Component, links []string) (*engine.Component, error) {
	for i, name := range links {
		if i == 0 && name == Self {
			continue
		}
		next, err := c.Link(name)
		if err != nil {
			return nil, err
		}
		c = next
	}
	return c, nil
}

// checkLinks verifies the statically known prefix of a link path and
// returns the type the path ends at, or nil when it is not known.
func checkLinks(src string, scope Scope, links []string) (*engine.Type, error) {
	t := scope.Type
	for i, name := range links {
		if i == 0 && name == Self {
			continue
		}
		if t == nil {
			return nil, nil
		}
		if t.LinkIndex(name) < 0 {
			return nil, &Error{Source: src, Msg: fmt.Sprintf("type %s has no link %q", t.Name(), name)}
		}
		typeName := t.LinkType(name)
		if typeName == "" || scope.Types == nil {
			t = nil
			continue
		}
		t = scope.Types[typeName]
	}
	return t, nil
}

// CompileLink compiles a link reset target: None, self, a link of the
// component, or a chain of links such as peer.peer.
func CompileLink(src string, scope Scope) (engine.LinkFunc, error) {
	path, err := parsePath(src)
	if err != nil {
		return nil, err
	}
	if len(path) == 1 && path[0] == None {
		return func(*engine.Component) (*engine.Component, error) { return nil, nil }, nil
	}
	if _, err := checkLinks(src, scope, path); err != nil {
		return nil, err
	}
	return func(c *engine.Component) (*engine.Component, error) {
		return walk(c, path)
	}, nil
}

// CompilePort compiles an input connection source: None, a value of the
// component, or a value reached through a chain of links such as peer.v.
func CompilePort(src string, scope Scope) (engine.PortFunc, error) {
	path, err := parsePath(src)
	if err != nil {
		return nil, err
	}
	if len(path) == 1 && path[0] == None {
		return func(*engine.Component) (engine.PortRef, error) { return engine.PortRef{}, nil }, nil
	}
	links, name := path[:len(path)-1], path[len(path)-1]
	end, err := checkLinks(src, scope, links)
	if err != nil {
		return nil, err
	}
	if end != nil && end.VarIndex(name) < 0 && end.ConstIndex(name) < 0 && end.InputIndex(name) < 0 {
		return nil, &Error{Source: src, Msg: fmt.Sprintf("type %s has no variable, constant or input %q", end.Name(), name)}
	}
	return func(c *engine.Component) (engine.PortRef, error) {
		src, err := walk(c, links)
		if err != nil {
			return engine.PortRef{}, err
		}
		return engine.PortRef{Component: src, Name: name}, nil
	}, nil
}
