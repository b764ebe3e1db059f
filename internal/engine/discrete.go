package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

type assignKind uint8

const (
	assignVar assignKind = iota + 1
	assignConst
	assignLink
	assignPort
)

// assignment is one cached effect of a firing transition, applied in
// parallel with every other once all of them have been computed.
type assignment struct {
	kind  assignKind
	comp  *Component
	idx   int
	value float64
	link  Handle
	port  binding
}

// stepDiscrete runs microsteps until two consecutive guard passes fire
// nothing.
func (w *World) stepDiscrete() error {
	w.zeno.Reset()
	w.discreteStep = 0
	if w.hooked {
		w.hooks.BeginStep(w)
	}

	quietBefore := false
	for {
		fired, err := w.selectTransitions()
		if err != nil {
			return err
		}
		if len(fired) == 0 {
			if quietBefore {
				break
			}
			quietBefore = true
			continue
		}
		quietBefore = false
		if err := w.microstep(fired); err != nil {
			return err
		}
	}

	for _, c := range w.live {
		if c.sleep == strictSleep {
			c.sleep = awake
		}
	}
	w.clearEvents()
	w.resetStrictReads()
	w.phase = PhaseNone
	if w.hooked {
		w.hooks.EndStep(w)
	}
	return nil
}

func (w *World) enterPhase(p Phase) {
	w.phase = p
	if w.hooked {
		w.hooks.EnterPhase(w, p)
	}
}

func (w *World) leavePhase(p Phase) {
	if w.hooked {
		w.hooks.LeavePhase(w, p)
	}
}

// selectTransitions runs the guard and sync phases to a fixed point and
// returns the components whose selected transition fires this microstep, in
// creation order.
//
// A component whose candidate fails to sync is rescanned starting after that
// candidate, so a lower priority transition gets its chance. Only the locally
// highest priority candidate of each component is tried per round; the
// protocol never searches alternative pairings.
func (w *World) selectTransitions() ([]*Component, error) {
	w.resetStrictReads()

	var unsettled []*Component
	for _, c := range w.live {
		if c.sleep != awake {
			continue
		}
		c.scanFrom = 0
		c.sel = nil
		c.dest = nil
		c.active = false
		unsettled = append(unsettled, c)
	}

	var fired, pending []*Component
	for len(unsettled) > 0 {
		w.enterPhase(PhaseGuard)
		for _, c := range unsettled {
			e, idx, err := c.scanGuards()
			if err != nil {
				return nil, err
			}
			if e == nil {
				c.park()
				continue
			}
			c.sel = e
			c.scanFrom = idx
			c.active = true
			if len(e.syncs) == 0 {
				fired = append(fired, c)
			} else {
				pending = append(pending, c)
			}
		}
		w.leavePhase(PhaseGuard)
		unsettled = unsettled[:0]

		if len(pending) == 0 {
			break
		}
		w.enterPhase(PhaseSync)
		kept := pending[:0]
		for _, c := range pending {
			if c.canSync() {
				kept = append(kept, c)
				continue
			}
			c.sel = nil
			c.active = false
			c.scanFrom++
			unsettled = append(unsettled, c)
		}
		pending = kept
		w.leavePhase(PhaseSync)
	}

	fired = append(fired, pending...)
	slices.SortFunc(fired, func(a, b *Component) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return fired, nil
}

// scanGuards returns the first transition at or after scanFrom whose guards
// all hold.
func (c *Component) scanGuards() (*edge, int, error) {
	w := c.world
	edges := c.out.edges
	for i := c.scanFrom; i < len(edges); i++ {
		e := edges[i]
		enabled := true
		for gi := range e.guards {
			ok, err := c.evalGuard(&e.guards[gi])
			if err != nil {
				return nil, 0, c.wrapTransitionError(err, e, "guard")
			}
			if !ok {
				enabled = false
				break
			}
		}
		if w.hooked {
			w.hooks.EvalGuard(c, e.tr, enabled)
		}
		if enabled {
			return e, i, nil
		}
	}
	return nil, -1, nil
}

// canSync reports whether every sync partner of c's candidate is currently
// taking a transition that exports the required event.
func (c *Component) canSync() bool {
	for _, s := range c.sel.syncs {
		p := c.linked(s.link)
		if p == nil || !p.active || p.sel == nil || !p.sel.exportsEvent(s.event) {
			return false
		}
	}
	return true
}

// park moves a component that has no enabled transition out of the guard
// scan. Components whose transitions are all strict cannot become enabled
// until the discrete update ends; components whose every transition waits on
// an empty queue sleep until something is pushed.
func (c *Component) park() {
	if c.scanFrom > 0 {
		return
	}
	if c.out.strict {
		c.sleep = strictSleep
		return
	}
	for _, e := range c.out.edges {
		if !c.waitsOnEmptyQueue(e) {
			return
		}
	}
	c.sleep = queueSleep
}

// microstep fires the selected transitions of fired. A microstep past the
// zeno limit is refused before any of its effects unless the zeno handler
// lets it through.
func (w *World) microstep(fired []*Component) error {
	if err := w.zeno.Check(w.Clock()); err != nil {
		ze := err.(*ZenoError)
		if w.zenoHandler == nil {
			return ze
		}
		if herr := w.zenoHandler(w, ze); herr != nil {
			return herr
		}
	}

	w.discreteStep++
	for _, c := range fired {
		c.dest = c.sel.dest
		if c.dest == nil {
			c.dest = c.state
		}
	}

	if err := w.exportEvents(fired); err != nil {
		return err
	}

	assigns, err := w.computeResets(fired)
	if err != nil {
		return err
	}

	w.enterPhase(PhaseAction)
	for _, c := range fired {
		for _, act := range c.sel.tr.Actions {
			if err := act(c); err != nil {
				return c.wrapTransitionError(err, c.sel, "action")
			}
		}
	}
	w.leavePhase(PhaseAction)

	w.enterPhase(PhaseApply)
	w.apply(assigns)
	w.leavePhase(PhaseApply)

	w.enterPhase(PhasePost)
	for _, c := range fired {
		for _, post := range c.sel.tr.Posts {
			if err := post(c); err != nil {
				return c.wrapTransitionError(err, c.sel, "post")
			}
		}
	}
	w.leavePhase(PhasePost)

	exited, err := w.finishTransitions(fired)
	if err != nil {
		return err
	}

	w.expireEvents()

	if err := w.checkStrict(); err != nil {
		return err
	}

	for _, c := range exited {
		w.remove(c)
	}
	return nil
}

// exportEvents computes every firing component's events into its staging
// buffer, then swaps all staging buffers live at once. Exported events are
// readable by resets, actions and posts of the same microstep and by every
// phase of the next one.
func (w *World) exportEvents(fired []*Component) error {
	w.enterPhase(PhaseEvent)
	defer w.leavePhase(PhaseEvent)

	for _, c := range fired {
		if w.hooked {
			w.hooks.StartTransition(c, c.sel.tr, c.destination())
		}
		for _, ev := range c.sel.events {
			var val any = true
			if ev.value != nil {
				v, err := ev.value(c)
				if err != nil {
					return c.wrapTransitionError(err, c.sel, "event")
				}
				val = v
			}
			c.nextEvents[ev.idx] = eventSlot{set: true, value: val}
		}
	}

	// Events of the previous microstep stay readable until this one ends.
	w.stale = append(w.stale[:0], w.exporting...)
	w.exporting = w.exporting[:0]
	for _, c := range fired {
		if len(c.sel.events) == 0 {
			continue
		}
		c.events, c.nextEvents = c.nextEvents, c.events
		clear(c.nextEvents)
		c.exportedAt = w.discreteStep
		w.exporting = append(w.exporting, c)
	}
	return nil
}

// expireEvents withdraws events exported in the previous microstep by
// components that did not export again in this one.
func (w *World) expireEvents() {
	for _, c := range w.stale {
		if c.exportedAt != w.discreteStep {
			clear(c.events)
		}
	}
	clear(w.stale)
	w.stale = w.stale[:0]
}

// clearEvents withdraws every live event.
func (w *World) clearEvents() {
	w.expireEvents()
	for _, c := range w.exporting {
		clear(c.events)
	}
	clear(w.exporting)
	w.exporting = w.exporting[:0]
}

// computeResets evaluates resets, constant resets, link resets and
// reconnections against pre-microstep values without applying them.
func (w *World) computeResets(fired []*Component) ([]assignment, error) {
	w.enterPhase(PhaseReset)
	defer w.leavePhase(PhaseReset)

	var assigns []assignment
	for _, c := range fired {
		e := c.sel
		for _, r := range e.resets {
			v := &c.vars[r.idx]
			if v.algebraic {
				return nil, c.newError(ErrCodeAlgebraicAssignment, c.typ.vars[r.idx].name, "variable has algebraic flow")
			}
			x, err := r.f(c)
			if err != nil {
				return nil, c.wrapTransitionError(err, e, "reset "+c.typ.vars[r.idx].name)
			}
			v.reset = true
			assigns = append(assigns, assignment{kind: assignVar, comp: c, idx: r.idx, value: x})
		}
		for _, r := range e.constResets {
			x, err := r.f(c)
			if err != nil {
				return nil, c.wrapTransitionError(err, e, "reset "+c.typ.consts[r.idx].name)
			}
			assigns = append(assigns, assignment{kind: assignConst, comp: c, idx: r.idx, value: x})
		}
		for _, r := range e.linkResets {
			target, err := r.f(c)
			if err != nil {
				return nil, c.wrapTransitionError(err, e, "link "+c.typ.links[r.idx].name)
			}
			h, err := c.linkHandle(r.idx, r.typeName, target)
			if err != nil {
				return nil, err
			}
			assigns = append(assigns, assignment{kind: assignLink, comp: c, idx: r.idx, link: h})
		}
		for _, r := range e.connects {
			ref, err := r.f(c)
			if err != nil {
				return nil, c.wrapTransitionError(err, e, "connect "+c.typ.inputs[r.idx].name)
			}
			var b binding
			if ref.Component != nil {
				src, err := ref.Component.Port(ref.Name)
				if err != nil {
					return nil, err
				}
				in := &Port{comp: c, kind: PortInput, idx: r.idx, name: c.typ.inputs[r.idx].name}
				if b, err = in.bindingTo(src); err != nil {
					return nil, err
				}
			}
			assigns = append(assigns, assignment{kind: assignPort, comp: c, idx: r.idx, port: b})
		}
	}
	return assigns, nil
}

// apply performs every cached assignment at once.
func (w *World) apply(assigns []assignment) {
	for _, a := range assigns {
		c := a.comp
		switch a.kind {
		case assignVar:
			v := &c.vars[a.idx]
			v.value = [4]float64{a.value, a.value, a.value, a.value}
			v.reset = false
			if w.hooked {
				w.hooks.Reset(c, c.typ.vars[a.idx].name, a.value)
			}
		case assignConst:
			c.consts[a.idx] = a.value
			if w.hooked {
				w.hooks.Reset(c, c.typ.consts[a.idx].name, a.value)
			}
		case assignLink:
			c.links[a.idx] = a.link
			if w.hooked {
				w.hooks.Reset(c, c.typ.links[a.idx].name, w.resolve(a.link).Name())
			}
		case assignPort:
			c.ports[a.idx] = a.port
			if w.hooked {
				w.hooks.Reset(c, c.typ.inputs[a.idx].name, a.port.kind.String())
			}
		}
	}
	w.dTick++
}

// finishTransitions switches each firing component to its destination and
// returns those that reached Exit.
func (w *World) finishTransitions(fired []*Component) ([]*Component, error) {
	w.enterPhase(PhaseFinish)
	defer w.leavePhase(PhaseFinish)

	debug := w.logger.Enabled(context.Background(), slog.LevelDebug)
	var exited []*Component
	for _, c := range fired {
		e := c.sel
		dest := c.destination()
		if w.hooked {
			w.hooks.FinishTransition(c, e.tr, dest)
		}
		if debug {
			w.logger.Debug("transition",
				"component", c.name,
				"transition", e.name(),
				"from", c.state.Name(),
				"to", dest.Name(),
				"clock", w.Clock(),
				"microstep", w.discreteStep,
			)
		}
		if dest != c.state {
			if dest != Exit {
				if err := c.settleAlgebraicVars(dest); err != nil {
					return nil, err
				}
			}
			c.bindState(dest)
			c.sleep = awake
		}
		c.sel = nil
		c.dest = nil
		c.active = false
		if dest == Exit {
			exited = append(exited, c)
		}
	}
	return exited, nil
}

func (c *Component) destination() *State {
	if c.dest != nil {
		return c.dest
	}
	if c.sel != nil && c.sel.dest != nil {
		return c.sel.dest
	}
	return c.state
}

// SetDest retargets the transition c is firing in the current microstep.
// It is valid only from an action or post of that transition; c switches to
// s when the microstep finishes.
func (c *Component) SetDest(s *State) error {
	w := c.world
	if w == nil {
		return c.newError(ErrCodeNotInWorld, "", "component is not in a world")
	}
	if c.sel == nil || c.dest == nil || (w.phase != PhaseAction && w.phase != PhasePost) {
		return c.newError(ErrCodeTransition, "",
			fmt.Sprintf("SetDest called outside a transition action of %s (phase %s)", c.name, w.phase))
	}
	if s == nil {
		return c.newError(ErrCodeTransition, "", "SetDest: nil state")
	}
	if own, ok := c.typ.LookupState(s.Name()); !ok || own != s {
		return c.newError(ErrCodeTransition, "",
			fmt.Sprintf("SetDest: state %s is not a state of %s", s, c.typ.name))
	}
	c.dest = s
	return nil
}

// settleAlgebraicVars evaluates, under the current definitions, every
// algebraic variable whose flow differs in dest, so value[0] carries the
// last value across the switch.
func (c *Component) settleAlgebraicVars(dest *State) error {
	next := c.typ.flowTableFor(dest)
	for i := range c.vars {
		v := &c.vars[i]
		if v.algebraic && next.flows[i] != v.flow {
			if _, err := c.readVar(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkStrict recomputes every strict algebraic variable read by a guard in
// this microstep and fails if its value changed discretely.
func (w *World) checkStrict() error {
	reads := w.strictReads
	w.strictReads = w.strictReads[:0]
	for _, r := range reads {
		c := r.comp
		v := &c.vars[r.idx]
		v.ckStrict = false
		if c.world == nil || v.flow != r.flow {
			continue
		}
		v.dTick = 0
		x, err := c.readVar(r.idx)
		if err != nil {
			return err
		}
		if x != r.value {
			e := newStrictnessError(c, c.typ.vars[r.idx].name, "strict variable changed discretely")
			e.Formula = r.flow.Text
			e.Details = map[string]string{
				"was": fmt.Sprint(r.value),
				"now": fmt.Sprint(x),
			}
			return e
		}
	}
	return nil
}

func (w *World) resetStrictReads() {
	for _, r := range w.strictReads {
		r.comp.vars[r.idx].ckStrict = false
	}
	w.strictReads = w.strictReads[:0]
}

func (c *Component) wrapTransitionError(err error, e *edge, what string) error {
	if _, ok := err.(*RuntimeError); ok {
		return err
	}
	if _, ok := err.(*ZenoError); ok {
		return err
	}
	return fmt.Errorf("%s: transition %s %s: %w", c.name, e.name(), what, err)
}
