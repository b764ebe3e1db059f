package engine

// stepContinuous integrates every live component over one time step.
//
// Level 0 resets the per-step caches of every variable. Levels 1 to 3 visit
// only components on the diff list and advance each differential variable
// whose cached rk level is behind. Level 4 completes every flow and marks
// algebraic values stale for the following discrete update.
func (w *World) stepContinuous() error {
	w.phase = PhaseContinuous
	defer func() {
		w.rkLevel = 0
		w.phase = PhaseNone
	}()

	for level := 0; level <= 4; level++ {
		w.rkLevel = level
		comps := w.diffList
		if level == 0 || level == 4 {
			comps = w.live
		}
		for _, c := range comps {
			if err := c.advance(level); err != nil {
				return err
			}
		}
	}
	w.dTick = 1
	w.discreteStep = 0
	return nil
}

func (c *Component) advance(level int) error {
	for i := range c.vars {
		v := &c.vars[i]
		if level == 0 {
			v.rkLevel = 0
			if v.flow == nil {
				v.value[1], v.value[2], v.value[3] = v.value[0], v.value[0], v.value[0]
			}
			continue
		}
		if v.flow != nil && !v.algebraic && v.rkLevel < level {
			if err := c.runFlow(i); err != nil {
				return err
			}
		}
		if level == 4 {
			v.dTick = 0
		}
	}
	return nil
}
