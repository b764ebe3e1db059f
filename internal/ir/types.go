package ir

// Model is a complete model: component types and an initial world.
type Model struct {
	Types []TypeSpec `json:"types"`
	World WorldSpec  `json:"world"`
}

// Type returns the named type spec.
func (m *Model) Type(name string) (*TypeSpec, bool) {
	for i := range m.Types {
		if m.Types[i].Name == name {
			return &m.Types[i], true
		}
	}
	return nil, false
}

// TypeSpec declares one component type.
type TypeSpec struct {
	Name string `json:"name"`
	// Extends names a parent type whose declarations are inherited.
	Extends string `json:"extends,omitempty"`

	Continuous  []VarSpec        `json:"continuous,omitempty"`
	Constants   []VarSpec        `json:"constants,omitempty"`
	Links       []LinkSpec       `json:"links,omitempty"`
	Inputs      []InputSpec      `json:"inputs,omitempty"`
	Queues      []string         `json:"queues,omitempty"`
	Events      []string         `json:"events,omitempty"`
	States      []string         `json:"states,omitempty"`
	Flows       []FlowSpec       `json:"flows,omitempty"`
	Transitions []TransitionSpec `json:"transitions,omitempty"`
}

// Variable kinds as written in model files.
const (
	KindPiecewise  = "piecewise"
	KindStrict     = "strict"
	KindPermissive = "permissive"
)

// VarSpec declares a continuous variable or constant.
type VarSpec struct {
	Name  string  `json:"name"`
	Kind  string  `json:"kind,omitempty"` // "piecewise" (default), "strict", "permissive"
	Value float64 `json:"value"`
}

// LinkSpec declares a link. An empty Type accepts any component.
type LinkSpec struct {
	Name   string `json:"name"`
	Type   string `json:"type,omitempty"`
	Strict bool   `json:"strict,omitempty"`
}

// InputSpec declares an input port.
type InputSpec struct {
	Name   string `json:"name"`
	Strict bool   `json:"strict,omitempty"`
}

// Flow kinds as written in model files.
const (
	FlowAlgebraic  = "algebraic"
	FlowEuler      = "euler"
	FlowRK4        = "rk4"
	FlowDerivative = "derivative"
	FlowDelay      = "delay"
)

// ValidFlowKinds defines allowed flow kinds.
var ValidFlowKinds = map[string]bool{
	FlowAlgebraic:  true,
	FlowEuler:      true,
	FlowRK4:        true,
	FlowDerivative: true,
	FlowDelay:      true,
}

// FlowSpec binds a variable to a formula in some states. No states means
// the Enter state.
type FlowSpec struct {
	States  []string `json:"states,omitempty"`
	Var     string   `json:"var"`
	Kind    string   `json:"kind"`
	Formula string   `json:"formula"`

	// Feedback selects feedback mode for derivative flows.
	Feedback bool `json:"feedback,omitempty"`
	// Delay is the delay length formula of delay flows.
	Delay string `json:"delay,omitempty"`
}

// TransitionSpec declares a transition. No From means Enter; an empty To
// keeps the source state.
type TransitionSpec struct {
	Name string   `json:"name,omitempty"`
	From []string `json:"from,omitempty"`
	To   string   `json:"to,omitempty"`

	Guard []string    `json:"guard,omitempty"` // formulas, all must hold
	Wait  []string    `json:"wait,omitempty"`  // queues that must be non-empty
	Match []MatchSpec `json:"match,omitempty"`
	On    []string    `json:"on,omitempty"` // "link.event"
	Sync  []SyncSpec  `json:"sync,omitempty"`

	Events    []Assign `json:"events,omitempty"`
	Reset     []Assign `json:"reset,omitempty"`
	Constants []Assign `json:"constants,omitempty"`
	Links     []Assign `json:"links,omitempty"`
	Connect   []Assign `json:"connect,omitempty"`

	Push []PushSpec `json:"push,omitempty"`
	Pop  []string   `json:"pop,omitempty"`
}

// SyncSpec requires the component on Link to export Event in the same
// microstep.
type SyncSpec struct {
	Link  string `json:"link"`
	Event string `json:"event"`
}

// Assign is one name = formula pair of a transition.
type Assign struct {
	Name    string `json:"name"`
	Formula string `json:"formula"`
}

// MatchSpec guards on a queue head whose message fields equal Fields.
type MatchSpec struct {
	Queue  string         `json:"queue"`
	Fields map[string]any `json:"fields"`
}

// PushSpec pushes a message onto a queue of the component or of the
// component on Link. The message is Value's number unless Fields or Values
// are given, in which case it is a record of the literal Fields plus the
// evaluated Values.
type PushSpec struct {
	Link   string            `json:"link,omitempty"`
	Queue  string            `json:"queue"`
	Value  string            `json:"value,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
	Values map[string]string `json:"values,omitempty"`
}

// WorldSpec configures the world and its initial population. Zero
// TimeStep, ClockFinish and a nil ZenoLimit keep the engine defaults;
// a zero ClockFinish means unbounded.
type WorldSpec struct {
	TimeStep    float64         `json:"time_step,omitempty"`
	ZenoLimit   *int            `json:"zeno_limit,omitempty"`
	ClockStart  float64         `json:"clock_start,omitempty"`
	ClockFinish float64         `json:"clock_finish,omitempty"`
	Components  []ComponentSpec `json:"components,omitempty"`
}

// ComponentSpec creates one component.
type ComponentSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
	// State overrides the initial Enter state.
	State     string             `json:"state,omitempty"`
	Values    map[string]float64 `json:"values,omitempty"`
	Constants map[string]float64 `json:"constants,omitempty"`
	// Links maps link names to component names.
	Links map[string]string `json:"links,omitempty"`
	// Connect maps input names to "component.variable".
	Connect map[string]string `json:"connect,omitempty"`
	// Queues preloads queues with messages.
	Queues map[string][]any `json:"queues,omitempty"`
}
