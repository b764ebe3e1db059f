package harness

import "github.com/roach88/hybridsim/internal/engine"

// ComponentState is a component as it stood when a scenario finished.
type ComponentState struct {
	Type      string             `json:"type"`
	State     string             `json:"state"`
	Values    map[string]float64 `json:"values,omitempty"`
	Constants map[string]float64 `json:"constants,omitempty"`
	Queues    map[string]int     `json:"queues,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step behaved as expected and every assertion held.
	Pass bool `json:"pass"`

	// RunID is the run ID the world was built with.
	RunID string `json:"run_id"`

	// ModelHash identifies the model the scenario ran against.
	ModelHash string `json:"model_hash"`

	// Trace contains every transition and reset in order.
	Trace []engine.TraceEvent `json:"trace"`

	// TraceHash is the hash of Trace as recorded by the store.
	TraceHash string `json:"trace_hash"`

	// Clock is the simulated time when the scenario finished.
	Clock float64 `json:"clock"`

	// Final holds the components still alive at the end, by name.
	Final map[string]ComponentState `json:"final"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []engine.TraceEvent{},
		Final:  make(map[string]ComponentState),
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// captureFinal records the state of every live component of w.
func (r *Result) captureFinal(w *engine.World) {
	r.Clock = w.Clock()
	for _, c := range w.Components() {
		cs := ComponentState{
			Type:   c.Type().Name(),
			State:  c.State().Name(),
			Values: c.Values(),
		}
		// Algebraic variables are only current once evaluated.
		for name := range cs.Values {
			if x, err := c.Get(name); err == nil {
				cs.Values[name] = x
			}
		}
		if consts := c.Constants(); len(consts) > 0 {
			cs.Constants = consts
		}
		for _, name := range c.Type().QueueNames() {
			if cs.Queues == nil {
				cs.Queues = make(map[string]int)
			}
			cs.Queues[name] = c.Queue(name).Len()
		}
		r.Final[c.Name()] = cs
	}
}
