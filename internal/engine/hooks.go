package engine

// Hooks observes a world at phase boundaries. Install with WithHooks; a
// world without hooks never calls into this interface.
type Hooks interface {
	// BeginStep and EndStep bracket each discrete update.
	BeginStep(w *World)
	EndStep(w *World)

	EnterPhase(w *World, p Phase)
	LeavePhase(w *World, p Phase)

	StartTransition(c *Component, tr *Transition, dest *State)
	FinishTransition(c *Component, tr *Transition, dest *State)

	EvalGuard(c *Component, tr *Transition, enabled bool)

	// Reset reports a value about to be applied by parallel assignment.
	Reset(c *Component, name string, value any)
}

// NopHooks implements Hooks with no-ops. Embed it to observe only some
// boundaries.
type NopHooks struct{}

func (NopHooks) BeginStep(*World)                                 {}
func (NopHooks) EndStep(*World)                                   {}
func (NopHooks) EnterPhase(*World, Phase)                         {}
func (NopHooks) LeavePhase(*World, Phase)                         {}
func (NopHooks) StartTransition(*Component, *Transition, *State)  {}
func (NopHooks) FinishTransition(*Component, *Transition, *State) {}
func (NopHooks) EvalGuard(*Component, *Transition, bool)          {}
func (NopHooks) Reset(*Component, string, any)                    {}

// TraceEventKind categorizes recorded trace events.
type TraceEventKind string

const (
	TraceBegin      TraceEventKind = "begin"
	TraceEnd        TraceEventKind = "end"
	TraceTransition TraceEventKind = "transition"
	TraceReset      TraceEventKind = "reset"
	TraceGuard      TraceEventKind = "guard"
)

// TraceEvent is one observation recorded by a Recorder.
type TraceEvent struct {
	Seq        int64          `json:"seq"`
	Step       int64          `json:"step"`
	Microstep  int64          `json:"microstep"`
	Clock      float64        `json:"clock"`
	Kind       TraceEventKind `json:"kind"`
	Component  string         `json:"component,omitempty"`
	Transition string         `json:"transition,omitempty"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	Var        string         `json:"var,omitempty"`
	Value      any            `json:"value,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
}

// Recorder is a Hooks implementation that records transitions and resets,
// and optionally guard evaluations and discrete update boundaries.
type Recorder struct {
	NopHooks

	// Guards enables recording of every guard evaluation.
	Guards bool
	// Steps enables recording of discrete update boundaries.
	Steps bool

	events []TraceEvent
	seq    int64
	w      *World
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Events returns the recorded events.
func (r *Recorder) Events() []TraceEvent {
	return append([]TraceEvent(nil), r.events...)
}

// Clear discards recorded events.
func (r *Recorder) Clear() {
	r.events = r.events[:0]
	r.seq = 0
}

func (r *Recorder) record(w *World, ev TraceEvent) {
	r.seq++
	ev.Seq = r.seq
	if w != nil {
		ev.Step = w.StepCount()
		ev.Microstep = w.DiscreteStep()
		ev.Clock = w.Clock()
	}
	r.events = append(r.events, ev)
}

func (r *Recorder) BeginStep(w *World) {
	r.w = w
	if r.Steps {
		r.record(w, TraceEvent{Kind: TraceBegin})
	}
}

func (r *Recorder) EndStep(w *World) {
	if r.Steps {
		r.record(w, TraceEvent{Kind: TraceEnd})
	}
}

func (r *Recorder) FinishTransition(c *Component, tr *Transition, dest *State) {
	r.record(r.w, TraceEvent{
		Kind:       TraceTransition,
		Component:  c.Name(),
		Transition: tr.Name,
		From:       c.State().Name(),
		To:         dest.Name(),
	})
}

func (r *Recorder) EvalGuard(c *Component, tr *Transition, enabled bool) {
	if !r.Guards {
		return
	}
	r.record(r.w, TraceEvent{
		Kind:       TraceGuard,
		Component:  c.Name(),
		Transition: tr.Name,
		From:       c.State().Name(),
		Enabled:    &enabled,
	})
}

func (r *Recorder) Reset(c *Component, name string, value any) {
	r.record(r.w, TraceEvent{
		Kind:      TraceReset,
		Component: c.Name(),
		Var:       name,
		Value:     value,
	})
}
