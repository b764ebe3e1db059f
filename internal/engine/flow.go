package engine

import (
	"fmt"
	"math"
)

// Formula is a compiled expression over a component's variables.
//
// Formulas read other values only through the Component accessors, which
// resolve links, inputs and lazily evaluated algebraic variables at the
// world's current evaluation stage.
type Formula func(c *Component) (float64, error)

// Literal returns a formula that always yields v.
func Literal(v float64) Formula {
	return func(*Component) (float64, error) { return v, nil }
}

// FlowKind selects the evaluation strategy of a flow.
type FlowKind uint8

const (
	// FlowAlgebraic defines a variable as a memoized function of others.
	FlowAlgebraic FlowKind = iota + 1
	// FlowEuler integrates the formula as a time derivative with one explicit step.
	FlowEuler
	// FlowRK4 integrates the formula as a time derivative with classic Runge-Kutta.
	FlowRK4
	// FlowDerivative numerically differentiates the formula.
	FlowDerivative
	// FlowDelay outputs the formula's value from a fixed time in the past.
	FlowDelay
)

// String returns the kind name used in model files and traces.
func (k FlowKind) String() string {
	switch k {
	case FlowAlgebraic:
		return "algebraic"
	case FlowEuler:
		return "euler"
	case FlowRK4:
		return "rk4"
	case FlowDerivative:
		return "derivative"
	case FlowDelay:
		return "delay"
	default:
		return fmt.Sprintf("FlowKind(%d)", uint8(k))
	}
}

// Differential reports whether the kind is integrated by step_continuous
// rather than evaluated on demand.
func (k FlowKind) Differential() bool {
	return k != FlowAlgebraic
}

// Flow binds one continuous variable to an evaluation strategy in some set of
// states. A Flow is immutable once declared and shared by every component of
// the declaring type.
type Flow struct {
	Kind    FlowKind
	Var     string
	Formula Formula

	// Text is the formula source, used in diagnostics.
	Text string

	// Feedback selects derivative mode for values that are fed back into a
	// differential flow: every stage differences against the step-start sample.
	Feedback bool

	// DelayBy is the delay length for FlowDelay, evaluated at the start of
	// each step.
	DelayBy Formula
}

// Algebraic declares var = f.
func Algebraic(v string, f Formula) *Flow {
	return &Flow{Kind: FlowAlgebraic, Var: v, Formula: f}
}

// RK4 declares var' = f integrated with classic 4-stage Runge-Kutta.
func RK4(v string, f Formula) *Flow {
	return &Flow{Kind: FlowRK4, Var: v, Formula: f}
}

// Euler declares var' = f integrated with one explicit Euler step.
func Euler(v string, f Formula) *Flow {
	return &Flow{Kind: FlowEuler, Var: v, Formula: f}
}

// Derivative declares var = d/dt f.
func Derivative(v string, f Formula, feedback bool) *Flow {
	return &Flow{Kind: FlowDerivative, Var: v, Formula: f, Feedback: feedback}
}

// Delay declares var = f(t - by).
func Delay(v string, f Formula, by Formula) *Flow {
	return &Flow{Kind: FlowDelay, Var: v, Formula: f, DelayBy: by}
}

// WithText attaches formula source text for diagnostics and returns fl.
func (fl *Flow) WithText(text string) *Flow {
	fl.Text = text
	return fl
}

// flowAux holds per-component scratch state of derivative and delay flows.
type flowAux struct {
	scratch float64

	buf     []float64
	offset  int
	delay   float64
	dt      float64
	samples [4]float64
}

// evalStage evaluates fl's formula for c at RK stage k. The world's stage is
// lowered to k while the formula runs so that every variable read sees its
// stage-k value.
func (c *Component) evalStage(fl *Flow, k int) (float64, error) {
	w := c.world
	saved := w.rkLevel
	w.rkLevel = k
	x, err := fl.Formula(c)
	w.rkLevel = saved
	return x, err
}

// runFlow advances variable i to the world's current rk level.
func (c *Component) runFlow(i int) error {
	v := &c.vars[i]
	fl := v.flow
	level := c.world.rkLevel
	stage := level - 1
	dt := c.world.clock.dt

	var err error
	switch fl.Kind {
	case FlowRK4:
		err = c.stepRK4(v, fl, stage, dt)
	case FlowEuler:
		err = c.stepEuler(v, fl, stage, dt)
	case FlowDerivative:
		err = c.stepDerivative(i, v, fl, stage, dt)
	case FlowDelay:
		err = c.stepDelay(i, v, fl, stage, dt)
	default:
		return fmt.Errorf("flow %s for %s is not differential", fl.Kind, fl.Var)
	}
	if err != nil {
		return c.wrapFlowError(err, fl)
	}
	return nil
}

func (c *Component) stepRK4(v *ContVar, fl *Flow, stage int, dt float64) error {
	ddt, err := c.evalStage(fl, stage)
	if err != nil {
		return err
	}
	switch stage {
	case 0:
		v.value[1] = v.value[0] + ddt*dt/2
	case 1:
		v.value[2] = v.value[0] + ddt*dt/2
	case 2:
		v.value[3] = v.value[0] + ddt*dt
	case 3:
		v4 := v.value[0] + ddt*dt
		v.value[0] = (-3*v.value[0] + 2*v.value[1] + 4*v.value[2] + 2*v.value[3] + v4) / 6
	}
	v.rkLevel = stage + 1
	return nil
}

// stepEuler computes the whole step at stage 0 and publishes it at stage 3.
func (c *Component) stepEuler(v *ContVar, fl *Flow, stage int, dt float64) error {
	switch stage {
	case 0:
		ddt, err := c.evalStage(fl, 0)
		if err != nil {
			return err
		}
		v.value[1] = v.value[0] + ddt*dt/2
		v.value[2] = v.value[1]
		v.value[3] = v.value[0] + ddt*dt
		v.rkLevel = 3
	case 3:
		v.value[0] = v.value[3]
		v.rkLevel = 4
	}
	return nil
}

func (c *Component) stepDerivative(i int, v *ContVar, fl *Flow, stage int, dt float64) error {
	aux := c.auxFor(i)
	a, err := c.evalStage(fl, stage)
	if err != nil {
		return err
	}
	half := dt / 2
	switch stage {
	case 0:
		v.value[1] = v.value[0]
		aux.scratch = a
	case 1:
		v.value[2] = (a - aux.scratch) / half
		if !fl.Feedback {
			aux.scratch = a
		}
	case 2:
		v.value[3] = (a - aux.scratch) / half
	case 3:
		if fl.Feedback {
			v.value[0] = (a - aux.scratch) / dt
		} else {
			v.value[0] = (a - aux.scratch) / half
		}
	}
	v.rkLevel = stage + 1
	return nil
}

// stepDelay reads the delayed stage values out of a ring buffer at stage 0
// and writes the current formula samples into the same slot at stage 3.
func (c *Component) stepDelay(i int, v *ContVar, fl *Flow, stage int, dt float64) error {
	aux := c.auxFor(i)
	sample, err := c.evalStage(fl, stage)
	if err != nil {
		return err
	}
	aux.samples[stage] = sample

	switch stage {
	case 0:
		if err := c.sizeDelayBuffer(aux, fl, sample, dt); err != nil {
			return err
		}
		aux.offset = (aux.offset + 4) % len(aux.buf)
		copy(v.value[:], aux.buf[aux.offset:aux.offset+4])
	case 3:
		copy(aux.buf[aux.offset:aux.offset+4], aux.samples[:])
		v.value[0] = aux.buf[(aux.offset+4)%len(aux.buf)]
	}
	v.rkLevel = stage + 1
	return nil
}

// maxDelaySteps bounds the ring buffer of a delay flow.
const maxDelaySteps = 1 << 20

// sizeDelayBuffer allocates the ring buffer on first use and resizes and
// refills it when the delay length or the time step changes.
func (c *Component) sizeDelayBuffer(aux *flowAux, fl *Flow, fill, dt float64) error {
	delay := 0.0
	if fl.DelayBy != nil {
		d, err := c.evalStage(&Flow{Formula: fl.DelayBy}, 0)
		if err != nil {
			return err
		}
		delay = d
	}
	if aux.buf != nil && delay == aux.delay && dt == aux.dt {
		return nil
	}
	if math.IsNaN(delay) || math.IsInf(delay, 0) || delay < 0 {
		return c.newError(ErrCodeInvalidDelay, fl.Var, fmt.Sprintf("delay %g is not a finite non-negative length", delay))
	}
	n := math.Ceil(delay / dt)
	if n > maxDelaySteps {
		return c.newError(ErrCodeInvalidDelay, fl.Var,
			fmt.Sprintf("delay %g spans %.0f time steps of %g, limit %d", delay, n, dt, maxDelaySteps))
	}
	steps := int(n)
	if steps < 1 {
		steps = 1
	}
	size := steps * 4
	if cap(aux.buf) >= size {
		aux.buf = aux.buf[:size]
	} else {
		aux.buf = make([]float64, size)
	}
	for j := range aux.buf {
		aux.buf[j] = fill
	}
	aux.offset = 0
	aux.delay = delay
	aux.dt = dt
	return nil
}

func (c *Component) auxFor(i int) *flowAux {
	if c.aux == nil {
		c.aux = make([]*flowAux, len(c.vars))
	}
	if c.aux[i] == nil {
		c.aux[i] = &flowAux{}
	}
	return c.aux[i]
}

func (c *Component) wrapFlowError(err error, fl *Flow) error {
	if re, ok := err.(*RuntimeError); ok {
		if re.Formula == "" {
			re.Formula = fl.Text
		}
		return re
	}
	return fmt.Errorf("flow %s %s in %s: %w", fl.Kind, fl.Var, c.Name(), err)
}
