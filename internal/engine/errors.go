package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RuntimeError represents a violation detected while a world is being built
// or stepped.
//
// Runtime errors are never retried by the engine. They propagate out of
// Step/Evolve to the caller; effects already applied earlier in the same
// microstep stay applied.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Component is the name of the offending component, if any.
	Component string

	// State is the component's state when the error was raised.
	State string

	// Variable is the offending variable, input, link or queue name.
	Variable string

	// Formula is the source text of the formula being evaluated, when known.
	Formula string

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeCircularDefinition indicates algebraic reentrancy or a port chain
	// that does not terminate.
	ErrCodeCircularDefinition RuntimeErrorCode = "CIRCULAR_DEFINITION"

	// ErrCodeStrictness indicates a strict variable, constant or link changed
	// discretely.
	ErrCodeStrictness RuntimeErrorCode = "STRICTNESS"

	// ErrCodeUnconnectedInput indicates an input was read with no source.
	ErrCodeUnconnectedInput RuntimeErrorCode = "UNCONNECTED_INPUT"

	// ErrCodeNilLink indicates a link was dereferenced while nil or stale.
	ErrCodeNilLink RuntimeErrorCode = "NIL_LINK"

	// ErrCodeZeno indicates too many microsteps at one instant.
	ErrCodeZeno RuntimeErrorCode = "ZENO"

	// ErrCodeConstness indicates a name declared both constant and continuous.
	ErrCodeConstness RuntimeErrorCode = "CONSTNESS"

	// ErrCodeAlgebraicAssignment indicates a reset or host write to a variable
	// that has an algebraic flow in the current state.
	ErrCodeAlgebraicAssignment RuntimeErrorCode = "ALGEBRAIC_ASSIGNMENT"

	// ErrCodeQueueEmpty indicates a pop on an empty queue.
	ErrCodeQueueEmpty RuntimeErrorCode = "QUEUE_EMPTY"

	// ErrCodeTransition indicates a malformed transition or type declaration.
	ErrCodeTransition RuntimeErrorCode = "TRANSITION"

	// ErrCodeTypeMismatch indicates a link or port was pointed at something of
	// the wrong kind.
	ErrCodeTypeMismatch RuntimeErrorCode = "TYPE_MISMATCH"

	// ErrCodeNotInWorld indicates an operation on a component that has exited.
	ErrCodeNotInWorld RuntimeErrorCode = "NOT_IN_WORLD"

	// ErrCodeInvalidDelay indicates a delay flow whose length is negative,
	// non-finite or too long for the time step.
	ErrCodeInvalidDelay RuntimeErrorCode = "INVALID_DELAY"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)

	var ctx []string
	if e.Component != "" {
		ctx = append(ctx, "component="+e.Component)
	}
	if e.State != "" {
		ctx = append(ctx, "state="+e.State)
	}
	if e.Variable != "" {
		ctx = append(ctx, "var="+e.Variable)
	}
	if e.Formula != "" {
		ctx = append(ctx, fmt.Sprintf("formula=%q", e.Formula))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ctx = append(ctx, k+"="+e.Details[k])
		}
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	return b.String()
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsCircularDefinitionError reports whether err is a circular definition error.
// Uses errors.As to handle wrapped errors.
func IsCircularDefinitionError(err error) bool { return hasCode(err, ErrCodeCircularDefinition) }

// IsStrictnessError reports whether err is a strictness violation.
func IsStrictnessError(err error) bool { return hasCode(err, ErrCodeStrictness) }

// IsUnconnectedInputError reports whether err is an unconnected input read.
func IsUnconnectedInputError(err error) bool { return hasCode(err, ErrCodeUnconnectedInput) }

// IsNilLinkError reports whether err is a nil link dereference.
func IsNilLinkError(err error) bool { return hasCode(err, ErrCodeNilLink) }

// IsConstnessError reports whether err is a constness conflict.
func IsConstnessError(err error) bool { return hasCode(err, ErrCodeConstness) }

// IsAlgebraicAssignmentError reports whether err is an assignment to an
// algebraic variable.
func IsAlgebraicAssignmentError(err error) bool { return hasCode(err, ErrCodeAlgebraicAssignment) }

// IsQueueEmptyError reports whether err is a pop from an empty queue.
func IsQueueEmptyError(err error) bool { return hasCode(err, ErrCodeQueueEmpty) }

// IsTypeMismatchError reports whether err is a link or port kind mismatch.
func IsTypeMismatchError(err error) bool { return hasCode(err, ErrCodeTypeMismatch) }

// IsZenoError reports whether err is a zeno error.
// Matches both RuntimeError with ErrCodeZeno and ZenoError.
func IsZenoError(err error) bool {
	if hasCode(err, ErrCodeZeno) {
		return true
	}
	var ze *ZenoError
	return errors.As(err, &ze)
}

func (c *Component) newError(code RuntimeErrorCode, variable, msg string) *RuntimeError {
	e := &RuntimeError{Code: code, Message: msg, Variable: variable}
	if c != nil {
		e.Component = c.Name()
		if c.state != nil {
			e.State = c.state.Name()
		}
	}
	return e
}

func newCircularError(c *Component, variable, formula string) *RuntimeError {
	e := c.newError(ErrCodeCircularDefinition, variable, "circularity in algebraic formula")
	e.Formula = formula
	return e
}

func newStrictnessError(c *Component, variable, msg string) *RuntimeError {
	return c.newError(ErrCodeStrictness, variable, msg)
}

func newNilLinkError(c *Component, link string) *RuntimeError {
	return c.newError(ErrCodeNilLink, link, "link is nil")
}

func newUnconnectedInputError(c *Component, input string) *RuntimeError {
	return c.newError(ErrCodeUnconnectedInput, input, "input is not connected")
}

func newTypeError(typ, name, msg string) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeTransition,
		Message:  msg,
		Variable: name,
		Details:  map[string]string{"type": typ},
	}
}
