package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

// Phase identifies the part of a step the world is executing.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseGuard
	PhaseSync
	PhaseEvent
	PhaseReset
	PhaseAction
	PhaseApply
	PhasePost
	PhaseFinish
	PhaseContinuous
)

// String returns the phase name used in traces.
func (p Phase) String() string {
	switch p {
	case PhaseGuard:
		return "guard"
	case PhaseSync:
		return "sync"
	case PhaseEvent:
		return "event"
	case PhaseReset:
		return "reset"
	case PhaseAction:
		return "action"
	case PhaseApply:
		return "apply"
	case PhasePost:
		return "post"
	case PhaseFinish:
		return "finish"
	case PhaseContinuous:
		return "continuous"
	default:
		return "none"
	}
}

// transitional reports whether transitions are being applied.
func (p Phase) transitional() bool {
	return p >= PhaseEvent && p <= PhaseFinish
}

// ZenoHandler is called for every microstep past the zeno limit. Returning
// nil lets the discrete update continue; returning an error aborts the step.
type ZenoHandler func(w *World, err *ZenoError) error

type arenaSlot struct {
	comp *Component
	gen  uint32
}

type strictRead struct {
	comp  *Component
	idx   int
	flow  *Flow
	value float64
}

// World owns a population of components and the scheduler that evolves them.
//
// A World is single-threaded and deterministic: Step must not be called
// concurrently, and components must only be touched from the goroutine that
// steps the world. Independent worlds share nothing and may run in parallel,
// even when they share Types.
type World struct {
	runID       string
	logger      *slog.Logger
	hooks       Hooks
	hooked      bool
	zenoHandler ZenoHandler
	idGen       IDGenerator

	clock        SimClock
	discreteStep int64
	zeno         *zenoCounter

	// Evaluation context read by flows and accessors.
	dTick   int64
	rkLevel int
	phase   Phase

	slots    []arenaSlot
	free     []uint32
	live     []*Component
	diffList []*Component
	names    map[string]*Component
	nextSeq  int64
	counts   map[string]int

	strictReads []strictRead
	exporting   []*Component
	stale       []*Component

	setups   []func(*World) error
	started  bool
	stepping bool
}

// WorldOption configures a World.
type WorldOption func(*World)

// WithTimeStep sets the fixed integration step. Default: DefaultTimeStep.
func WithTimeStep(dt float64) WorldOption {
	return func(w *World) { w.clock.dt = dt }
}

// WithZenoLimit sets the number of microsteps allowed at one instant.
// A negative limit (ZenoUnlimited) disables zeno detection.
// Default: DefaultZenoLimit.
func WithZenoLimit(n int) WorldOption {
	return func(w *World) { w.zeno = newZenoCounter(n) }
}

// WithClockStart sets the simulated time at step 0.
func WithClockStart(t float64) WorldOption {
	return func(w *World) { w.clock.start = t }
}

// WithClockFinish stops Step once the clock passes t.
func WithClockFinish(t float64) WorldOption {
	return func(w *World) { w.clock.finish = t }
}

// WithHooks installs observation hooks.
func WithHooks(h Hooks) WorldOption {
	return func(w *World) {
		w.hooks = h
		w.hooked = h != nil
	}
}

// WithZenoHandler installs a handler for microsteps past the zeno limit.
func WithZenoHandler(fn ZenoHandler) WorldOption {
	return func(w *World) { w.zenoHandler = fn }
}

// WithLogger sets the world's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) WorldOption {
	return func(w *World) { w.logger = l }
}

// WithRunID sets the world's run identifier.
func WithRunID(id string) WorldOption {
	return func(w *World) { w.runID = id }
}

// WithIDGenerator sets the generator used for the run identifier when none is
// given. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) WorldOption {
	return func(w *World) { w.idGen = g }
}

// NewWorld creates an empty world.
func NewWorld(opts ...WorldOption) *World {
	w := &World{
		logger: slog.Default(),
		idGen:  UUIDv7Generator{},
		clock:  NewSimClock(DefaultTimeStep, 0),
		zeno:   newZenoCounter(DefaultZenoLimit),
		dTick:  1,
		names:  make(map[string]*Component),
		counts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.runID == "" {
		w.runID = w.idGen.Generate()
	}
	return w
}

// RunID returns the world's run identifier.
func (w *World) RunID() string { return w.runID }

// Logger returns the world's logger.
func (w *World) Logger() *slog.Logger { return w.logger }

// Clock returns the current simulated time.
func (w *World) Clock() float64 { return w.clock.Now() }

// TimeStep returns the integration step.
func (w *World) TimeStep() float64 { return w.clock.dt }

// SetTimeStep changes the integration step between steps.
func (w *World) SetTimeStep(dt float64) error {
	if w.stepping {
		return fmt.Errorf("cannot change time step while stepping")
	}
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return fmt.Errorf("invalid time step %g", dt)
	}
	// Rebase so the clock stays continuous across the change.
	now := w.clock.Now()
	w.clock.dt = dt
	w.clock.start = now - float64(w.clock.steps)*dt
	return nil
}

// ZenoLimit returns the zeno limit.
func (w *World) ZenoLimit() int { return w.zeno.Limit() }

// SetZenoLimit changes the zeno limit.
func (w *World) SetZenoLimit(n int) { w.zeno.limit = n }

// ClockStart returns the simulated time at step 0.
func (w *World) ClockStart() float64 { return w.clock.start }

// ClockFinish returns the time after which Step stops.
func (w *World) ClockFinish() float64 { return w.clock.finish }

// SetClockFinish changes the finish time.
func (w *World) SetClockFinish(t float64) { w.clock.finish = t }

// StepCount returns the number of completed continuous steps.
func (w *World) StepCount() int64 { return w.clock.steps }

// DiscreteStep returns the number of microsteps taken in the current or
// last discrete update.
func (w *World) DiscreteStep() int64 { return w.discreteStep }

// Phase returns the phase currently executing.
func (w *World) Phase() Phase { return w.phase }

// Size returns the number of live components.
func (w *World) Size() int { return len(w.live) }

// Components returns the live components in creation order.
func (w *World) Components() []*Component {
	return append([]*Component(nil), w.live...)
}

// Component returns the live component with the given name, or nil.
func (w *World) Component(name string) *Component {
	return w.names[name]
}

// Resolve returns the live component a handle refers to.
func (w *World) Resolve(h Handle) (*Component, bool) {
	c := w.resolve(h)
	return c, c != nil
}

func (w *World) resolve(h Handle) *Component {
	if h.slot == 0 || int(h.slot) > len(w.slots) {
		return nil
	}
	s := w.slots[h.slot-1]
	if s.gen != h.gen || s.comp == nil {
		return nil
	}
	return s.comp
}

// Setup registers a function run once before the first step.
func (w *World) Setup(fn func(*World) error) {
	w.setups = append(w.setups, fn)
}

// Create adds a new component of type t named after its type.
func (w *World) Create(t *Type) (*Component, error) {
	return w.CreateNamed(t, "")
}

// CreateNamed adds a new component of type t. An empty name is replaced by
// "<type><n>".
//
// The component starts in Enter with default values; the type's setup
// functions run before CreateNamed returns.
func (w *World) CreateNamed(t *Type, name string) (*Component, error) {
	c, err := w.add(t, name)
	if err != nil {
		return nil, err
	}
	for _, fn := range t.setups {
		if err := fn(c); err != nil {
			w.remove(c)
			return nil, fmt.Errorf("setup %s: %w", c.name, err)
		}
	}
	w.logger.Debug("component created", "component", c.name, "type", t.name)
	return c, nil
}

// add allocates an arena slot and binds c to Enter without running setups.
func (w *World) add(t *Type, name string) (*Component, error) {
	if err := t.Seal(); err != nil {
		return nil, err
	}
	if name == "" {
		for {
			w.counts[t.name]++
			name = fmt.Sprintf("%s%d", t.name, w.counts[t.name])
			if _, taken := w.names[name]; !taken {
				break
			}
		}
	}
	if _, taken := w.names[name]; taken {
		return nil, fmt.Errorf("component name %q already in use", name)
	}

	c := newComponent(w, t, name)
	var slot uint32
	if n := len(w.free); n > 0 {
		slot = w.free[n-1]
		w.free = w.free[:n-1]
	} else {
		w.slots = append(w.slots, arenaSlot{})
		slot = uint32(len(w.slots))
	}
	s := &w.slots[slot-1]
	s.gen++
	s.comp = c
	c.handle = Handle{slot: slot, gen: s.gen}
	c.seq = w.nextSeq
	w.nextSeq++

	w.names[name] = c
	w.live = append(w.live, c)
	c.bindState(Enter)
	return c, nil
}

// Remove takes c out of the world. Handles to it become stale.
func (w *World) Remove(c *Component) error {
	if c.world != w {
		return c.newError(ErrCodeNotInWorld, "", "component is not in this world")
	}
	if w.stepping {
		return fmt.Errorf("cannot remove %s while stepping; transition it to Exit", c.name)
	}
	w.remove(c)
	return nil
}

func (w *World) remove(c *Component) {
	s := &w.slots[c.handle.slot-1]
	s.comp = nil
	w.free = append(w.free, c.handle.slot)
	delete(w.names, c.name)
	w.live = removeComponent(w.live, c)
	if c.inDiff {
		w.diffList = removeComponent(w.diffList, c)
		c.inDiff = false
	}
	c.world = nil
}

func removeComponent(list []*Component, c *Component) []*Component {
	for i, x := range list {
		if x == c {
			copy(list[i:], list[i+1:])
			list[len(list)-1] = nil
			return list[:len(list)-1]
		}
	}
	return list
}

// updateDiffList keeps c on the diff list exactly while its state has a
// differential flow. The list stays in creation order.
func (w *World) updateDiffList(c *Component) {
	want := c.flows.hasDiff
	if want == c.inDiff {
		return
	}
	c.inDiff = want
	if !want {
		w.diffList = removeComponent(w.diffList, c)
		return
	}
	i := len(w.diffList)
	for i > 0 && w.diffList[i-1].seq > c.seq {
		i--
	}
	w.diffList = append(w.diffList, nil)
	copy(w.diffList[i+1:], w.diffList[i:])
	w.diffList[i] = c
}

// Step settles the current instant and then advances n time steps, each a
// continuous step followed by a discrete update. It stops early once the
// clock passes the finish time or ctx is cancelled.
func (w *World) Step(ctx context.Context, n int) error {
	if w.stepping {
		return fmt.Errorf("world %s is already stepping", w.runID)
	}
	w.stepping = true
	defer func() { w.stepping = false }()

	if !w.started {
		w.started = true
		for _, fn := range w.setups {
			if err := fn(w); err != nil {
				return fmt.Errorf("world setup: %w", err)
			}
		}
		w.setups = nil
	}

	if err := w.stepDiscrete(); err != nil {
		return w.abort(err)
	}
	done := 0
	for ; done < n; done++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.clock.Finished() {
			w.logger.Debug("clock finished", "clock", w.Clock(), "finish", w.clock.finish)
			break
		}
		w.clock.steps++
		if err := w.stepContinuous(); err != nil {
			return w.abort(err)
		}
		if err := w.stepDiscrete(); err != nil {
			return w.abort(err)
		}
	}
	w.logger.Info("world stepped",
		"run", w.runID,
		"steps", done,
		"clock", w.Clock(),
		"components", len(w.live),
	)
	return nil
}

// Run is Step.
func (w *World) Run(ctx context.Context, n int) error { return w.Step(ctx, n) }

// Evolve advances the world by duration, rounded to whole time steps.
func (w *World) Evolve(ctx context.Context, duration float64) error {
	return w.Step(ctx, stepsFor(duration, w.clock.dt))
}

// Age is Evolve.
func (w *World) Age(ctx context.Context, duration float64) error {
	return w.Evolve(ctx, duration)
}

// abort resets the evaluation context after an error escaped a step.
func (w *World) abort(err error) error {
	for _, c := range w.live {
		c.sel = nil
		c.active = false
		for i := range c.vars {
			c.vars[i].nested = false
			c.vars[i].reset = false
		}
	}
	w.resetStrictReads()
	w.clearEvents()
	w.rkLevel = 0
	w.phase = PhaseNone
	w.logger.Error("step aborted", "run", w.runID, "clock", w.Clock(), "error", err)
	return err
}

// Restore rebuilds every component's cached flow table, outgoing transition
// list and memoized values. It must be called after component state has been
// written directly, as when loading a snapshot.
func (w *World) Restore() {
	w.diffList = w.diffList[:0]
	w.dTick = 1
	w.rkLevel = 0
	w.phase = PhaseNone
	for _, c := range w.live {
		c.inDiff = false
		for i := range c.vars {
			v := &c.vars[i]
			v.flow = nil
			v.algebraic = false
			v.value[1], v.value[2], v.value[3] = v.value[0], v.value[0], v.value[0]
		}
		c.aux = nil
		c.sleep = awake
		for i := range c.events {
			c.events[i] = eventSlot{}
			c.nextEvents[i] = eventSlot{}
		}
		c.bindState(c.state)
	}
	w.exporting = w.exporting[:0]
	w.stale = w.stale[:0]
}
