package model

import (
	"fmt"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/expr"
	"github.com/roach88/hybridsim/internal/ir"
)

// pushAction compiles a push. Formulas are evaluated on the pushing
// component before resets are applied. The message is the value's number,
// or an engine.Message of the literal fields plus the evaluated values
// (and the value itself under "value") when fields or values are given.
func pushAction(p ir.PushSpec, scope expr.Scope) (engine.Action, error) {
	var value *expr.Expr
	if p.Value != "" {
		e, err := expr.Compile(p.Value, scope)
		if err != nil {
			return nil, err
		}
		value = e
	}
	names := sortedNames(p.Values)
	values := make([]*expr.Expr, len(names))
	for i, name := range names {
		e, err := expr.Compile(p.Values[name], scope)
		if err != nil {
			return nil, fmt.Errorf("values.%s: %w", name, err)
		}
		values[i] = e
	}
	record := len(p.Fields) > 0 || len(values) > 0

	return func(c *engine.Component) error {
		target := c
		if p.Link != "" {
			other, err := c.Link(p.Link)
			if err != nil {
				return err
			}
			target = other
		}
		q := target.Queue(p.Queue)
		if q == nil {
			return fmt.Errorf("push: component %s has no queue %q", target.Name(), p.Queue)
		}

		if !record {
			x, err := value.Eval(c)
			if err != nil {
				return err
			}
			q.Push(x)
			return nil
		}
		msg := make(engine.Message, len(p.Fields)+len(values)+1)
		for k, v := range p.Fields {
			msg[k] = v
		}
		for i, e := range values {
			x, err := e.Eval(c)
			if err != nil {
				return err
			}
			msg[names[i]] = x
		}
		if value != nil {
			x, err := value.Eval(c)
			if err != nil {
				return err
			}
			msg["value"] = x
		}
		q.Push(msg)
		return nil
	}, nil
}

// popAction drops the head entry of a queue.
func popAction(queue string) engine.Action {
	return func(c *engine.Component) error {
		q := c.Queue(queue)
		if q == nil {
			return fmt.Errorf("pop: component %s has no queue %q", c.Name(), queue)
		}
		_, err := q.Pop()
		return err
	}
}
