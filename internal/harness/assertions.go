package harness

import (
	"fmt"
	"math"
	"strings"

	"github.com/roach88/hybridsim/internal/engine"
)

// defaultTolerance is used by value and clock assertions with equals and
// no explicit tolerance.
const defaultTolerance = 1e-9

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string              // Assertion type for categorization
	Expected string              // Human-readable expected outcome
	Actual   string              // Human-readable actual outcome
	Trace    []engine.TraceEvent // Trace for debugging context, if relevant
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nTransitions:\n")
		for _, event := range e.Trace {
			if event.Kind == engine.TraceTransition {
				fmt.Fprintf(&buf, "  [%d] t=%g %s.%s %s -> %s\n",
					event.Seq, event.Clock, event.Component, event.Transition, event.From, event.To)
			}
		}
	}

	return buf.String()
}

// assertValue checks a variable of a live component against equals or
// bounds.
func assertValue(result *Result, a Assertion) error {
	cs, ok := result.Final[a.Component]
	if !ok {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("component %s in the world", a.Component),
			Actual:   "component not found",
		}
	}
	x, ok := cs.Values[a.Var]
	if !ok {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("variable %s.%s", a.Component, a.Var),
			Actual:   fmt.Sprintf("%s has no variable %q", a.Component, a.Var),
		}
	}
	return checkNumber(AssertValue, a.Component+"."+a.Var, x, a)
}

// assertClock checks the final simulated time.
func assertClock(result *Result, a Assertion) error {
	return checkNumber(AssertClock, "clock", result.Clock, a)
}

func checkNumber(kind, what string, x float64, a Assertion) error {
	if a.Equals != nil {
		tol := a.Tolerance
		if tol == 0 {
			tol = defaultTolerance
		}
		if math.IsNaN(x) || math.Abs(x-*a.Equals) > tol {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s = %g ± %g", what, *a.Equals, tol),
				Actual:   fmt.Sprintf("%s = %g", what, x),
			}
		}
	}
	if a.Min != nil && !(x >= *a.Min) {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%s >= %g", what, *a.Min),
			Actual:   fmt.Sprintf("%s = %g", what, x),
		}
	}
	if a.Max != nil && !(x <= *a.Max) {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%s <= %g", what, *a.Max),
			Actual:   fmt.Sprintf("%s = %g", what, x),
		}
	}
	return nil
}

// assertState checks the discrete state of a live component.
func assertState(result *Result, a Assertion) error {
	cs, ok := result.Final[a.Component]
	if !ok {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("component %s in state %s", a.Component, a.State),
			Actual:   "component not found",
			Trace:    result.Trace,
		}
	}
	if cs.State != a.State {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("component %s in state %s", a.Component, a.State),
			Actual:   fmt.Sprintf("state %s", cs.State),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertExited checks that a component is no longer in the world.
func assertExited(result *Result, a Assertion) error {
	if cs, ok := result.Final[a.Component]; ok {
		return &AssertionError{
			Type:     AssertExited,
			Expected: fmt.Sprintf("component %s to have exited", a.Component),
			Actual:   fmt.Sprintf("still alive in state %s", cs.State),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertQueueLength checks the number of entries in a queue. Simultaneous
// entries count once.
func assertQueueLength(result *Result, a Assertion) error {
	cs, ok := result.Final[a.Component]
	if !ok {
		return &AssertionError{
			Type:     AssertQueueLength,
			Expected: fmt.Sprintf("component %s in the world", a.Component),
			Actual:   "component not found",
		}
	}
	n, ok := cs.Queues[a.Queue]
	if !ok {
		return &AssertionError{
			Type:     AssertQueueLength,
			Expected: fmt.Sprintf("queue %s.%s", a.Component, a.Queue),
			Actual:   fmt.Sprintf("%s has no queue %q", a.Component, a.Queue),
		}
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     AssertQueueLength,
			Expected: fmt.Sprintf("%d entries in %s.%s", *a.Count, a.Component, a.Queue),
			Actual:   fmt.Sprintf("%d entries", n),
		}
	}
	return nil
}

// firing reports whether ev is a transition matching ref, which is either
// "transition" or "component.transition". component, if set, further
// restricts the match.
func firing(ev engine.TraceEvent, ref, component string) bool {
	if ev.Kind != engine.TraceTransition {
		return false
	}
	if comp, name, ok := strings.Cut(ref, "."); ok {
		if ev.Component != comp {
			return false
		}
		ref = name
	}
	if component != "" && ev.Component != component {
		return false
	}
	return ev.Transition == ref
}

func describe(ref, component string) string {
	if component != "" {
		return component + "." + ref
	}
	return ref
}

// assertTraceContains checks that the transition fired at least once.
func assertTraceContains(trace []engine.TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if firing(ev, a.Transition, a.Component) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("transition %s", describe(a.Transition, a.Component)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if transitions first fired in the specified order.
// They don't need to be consecutive (intervening transitions are allowed).
func assertTraceOrder(trace []engine.TraceEvent, a Assertion) error {
	// Step 1: Find first position of each expected transition
	positions := make(map[string]int)
	for i, ev := range trace {
		for _, ref := range a.Transitions {
			if positions[ref] == 0 && firing(ev, ref, a.Component) {
				positions[ref] = i + 1 // 1-indexed for readability
			}
		}
	}

	// Step 2: Verify all transitions found
	for _, ref := range a.Transitions {
		if positions[ref] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all transitions present: %v", a.Transitions),
				Actual:   fmt.Sprintf("missing transition: %s", ref),
				Trace:    trace,
			}
		}
	}

	// Step 3: Verify order
	for i := 1; i < len(a.Transitions); i++ {
		prev, curr := a.Transitions[i-1], a.Transitions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("transitions in order: %v", a.Transitions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks how often the transition fired.
func assertTraceCount(trace []engine.TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if firing(ev, a.Transition, a.Component) {
			count++
		}
	}

	what := describe(a.Transition, a.Component)
	if a.Count != nil && count != *a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d firings of %s", *a.Count, what),
			Actual:   fmt.Sprintf("%d firings", count),
			Trace:    trace,
		}
	}
	if a.AtLeast != nil && count < *a.AtLeast {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("at least %d firings of %s", *a.AtLeast, what),
			Actual:   fmt.Sprintf("%d firings", count),
			Trace:    trace,
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertValue:
			err = assertValue(result, assertion)
		case AssertClock:
			err = assertClock(result, assertion)
		case AssertState:
			err = assertState(result, assertion)
		case AssertExited:
			err = assertExited(result, assertion)
		case AssertQueueLength:
			err = assertQueueLength(result, assertion)
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
