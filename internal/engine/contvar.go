package engine

// ContVar is the runtime cell of one continuous variable of one component.
//
// value[0] is the value at the start of the current step; value[1..3] hold
// the RK stage values during step_continuous and mirror value[0] otherwise.
type ContVar struct {
	value     [4]float64
	flow      *Flow
	algebraic bool
	strict    bool
	reset     bool
	dTick     int64
	rkLevel   int
	nested    bool
	ckStrict  bool
}

// Value returns the step-start value without evaluating anything.
func (v *ContVar) Value() float64 { return v.value[0] }

// Flow returns the flow bound in the component's current state, if any.
func (v *ContVar) Flow() *Flow { return v.flow }

// Algebraic reports whether the bound flow is algebraic.
func (v *ContVar) Algebraic() bool { return v.algebraic }

// Strict reports whether the variable was declared strict.
func (v *ContVar) Strict() bool { return v.strict }

// current reports whether an algebraic value computed in discrete context is
// still valid at discrete tick dTick. Strict values stay valid for the rest
// of the discrete update.
func (v *ContVar) current(dTick int64) bool {
	if v.strict {
		return v.dTick > 0
	}
	return v.dTick == dTick
}

// invalidate forgets any memoized algebraic value.
func (v *ContVar) invalidate() {
	v.dTick = 0
	v.rkLevel = 0
}

// readVar returns variable i at the world's current stage, evaluating its
// algebraic flow if the memoized value is stale.
func (c *Component) readVar(i int) (float64, error) {
	v := &c.vars[i]
	w := c.world
	if w == nil {
		return v.value[0], nil
	}
	level := w.rkLevel
	if v.algebraic {
		if v.rkLevel < level || (level == 0 && !v.current(w.dTick)) {
			if err := c.evalAlgebraic(i); err != nil {
				return 0, err
			}
		}
		if level == 0 && v.strict && w.phase == PhaseGuard && !v.ckStrict {
			v.ckStrict = true
			w.strictReads = append(w.strictReads, strictRead{comp: c, idx: i, flow: v.flow, value: v.value[0]})
		}
	}
	return v.value[level], nil
}

// evalAlgebraic computes the algebraic flow of variable i at the current
// stage. Reentering the same variable while it is being computed is a
// circular definition.
func (c *Component) evalAlgebraic(i int) error {
	v := &c.vars[i]
	fl := v.flow
	if v.nested {
		return newCircularError(c, c.typ.vars[i].name, fl.Text)
	}
	v.nested = true
	x, err := fl.Formula(c)
	v.nested = false
	if err != nil {
		return err
	}

	w := c.world
	level := w.rkLevel
	v.value[level] = x
	if level == 0 {
		v.dTick = w.dTick
	} else {
		v.rkLevel = level
	}
	return nil
}
