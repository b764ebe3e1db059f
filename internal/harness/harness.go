package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/model"
	"github.com/roach88/hybridsim/internal/store"
	"github.com/roach88/hybridsim/internal/testutil"
)

// Harness is the scenario execution engine.
// It runs scenarios with a fixed run ID and sequential snapshot IDs.
type Harness struct {
	store    *store.Store
	program  *model.Program
	world    *engine.World
	recorder *engine.Recorder
	runIDs   *testutil.FixedIDGenerator
	logger   *slog.Logger
	opts     []engine.WorldOption
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Load and compile the model
// 2. Build the initial world with a recorder attached
// 3. Execute the steps in order
// 4. Store the trace and evaluate assertions
//
// An error is returned only when the scenario cannot be executed at all.
// A step failing unexpectedly and a failed assertion are reported in the
// result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	res, errs := model.Load(scenario.Model, model.LoadModeCollectAll)
	if len(errs) > 0 {
		return nil, fmt.Errorf("load model: %w", errors.Join(errs...))
	}
	prog, errs := model.Compile(res.Model, res.Positions)
	if len(errs) > 0 {
		return nil, fmt.Errorf("compile model: %w", errors.Join(errs...))
	}

	st, err := store.Open(":memory:", store.WithIDGenerator(testutil.NewSequenceGenerator("snapshot")))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	rec := engine.NewRecorder()
	rec.Guards = scenario.Record.Guards
	rec.Steps = scenario.Record.Steps

	h := &Harness{
		store:    st,
		program:  prog,
		recorder: rec,
		runIDs:   testutil.NewFixedIDGenerator(scenario.RunID),
		logger:   testutil.DiscardLogger(),
	}
	h.opts = h.worldOptions(scenario.Settings)

	w, err := prog.NewWorld(append(h.opts, engine.WithIDGenerator(h.runIDs))...)
	if err != nil {
		return nil, fmt.Errorf("build world: %w", err)
	}
	h.world = w

	result := NewResult()
	result.RunID = w.RunID()
	result.ModelHash = prog.Hash

	if err := h.executeSteps(ctx, scenario.Steps, result); err != nil {
		return nil, err
	}

	result.Trace = rec.Events()
	hash, err := st.AppendTrace(ctx, result.RunID, prog.Hash, result.Trace)
	if err != nil {
		return nil, fmt.Errorf("store trace: %w", err)
	}
	result.TraceHash = hash
	result.captureFinal(h.world)

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// worldOptions builds the options every world of the scenario gets,
// including worlds restored from snapshots.
func (h *Harness) worldOptions(s *Settings) []engine.WorldOption {
	opts := []engine.WorldOption{
		engine.WithHooks(h.recorder),
		engine.WithLogger(h.logger),
	}
	if s == nil {
		return opts
	}
	if s.TimeStep != nil {
		opts = append(opts, engine.WithTimeStep(*s.TimeStep))
	}
	if s.ZenoLimit != nil {
		opts = append(opts, engine.WithZenoLimit(*s.ZenoLimit))
	}
	if s.ClockFinish != nil {
		opts = append(opts, engine.WithClockFinish(*s.ClockFinish))
	}
	return opts
}

// executeSteps runs the steps in order. A step that fails without
// expect_error, or succeeds despite it, fails the result and ends the
// scenario.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		err := h.executeStep(ctx, step)
		if step.ExpectError != "" {
			if err == nil {
				result.AddError(fmt.Sprintf("steps[%d]: expected error %q, got none", i, step.ExpectError))
				return nil
			}
			if !errorMatches(err, step.ExpectError) {
				result.AddError(fmt.Sprintf("steps[%d]: expected error %q, got: %v", i, step.ExpectError, err))
				return nil
			}
			h.logger.Info("step failed as expected", "step", i, "error", err)
			continue
		}
		if err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
			return nil
		}
		h.logger.Info("step completed", "step", i, "clock", h.world.Clock())
	}
	return nil
}

func (h *Harness) executeStep(ctx context.Context, step Step) error {
	w := h.world
	switch {
	case step.Steps != 0:
		return w.Step(ctx, step.Steps)
	case step.Evolve != 0:
		return w.Evolve(ctx, step.Evolve)
	case step.Set != nil:
		keys := make([]string, 0, len(step.Set))
		for k := range step.Set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			name, v, _ := strings.Cut(key, ".")
			c := w.Component(name)
			if c == nil {
				return fmt.Errorf("set %s: no component %q", key, name)
			}
			if err := c.Set(v, step.Set[key]); err != nil {
				return fmt.Errorf("set %s: %w", key, err)
			}
		}
		return nil
	case step.Push != nil:
		c := w.Component(step.Push.Component)
		if c == nil {
			return fmt.Errorf("push: no component %q", step.Push.Component)
		}
		q := c.Queue(step.Push.Queue)
		if q == nil {
			return fmt.Errorf("push: component %s has no queue %q", c.Name(), step.Push.Queue)
		}
		q.Push(message(step.Push.Value))
		return nil
	case step.Snapshot:
		return h.roundTrip(ctx)
	}
	return fmt.Errorf("empty step")
}

// roundTrip saves the world and replaces it with the restored copy.
func (h *Harness) roundTrip(ctx context.Context) error {
	info, err := h.store.SaveSnapshot(ctx, h.world, h.program.Hash, "")
	if err != nil {
		return err
	}
	w, err := h.store.LoadSnapshot(ctx, info.ID, h.program.Types, h.opts...)
	if err != nil {
		return err
	}
	h.world = w
	return nil
}

// message converts a YAML value into a queue message: mappings become
// engine.Message and numbers float64.
func message(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case map[string]any:
		msg := make(engine.Message, len(val))
		for k, x := range val {
			msg[k] = message(x)
		}
		return msg
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = message(x)
		}
		return out
	}
	return v
}

// errorMatches reports whether err carries the runtime error code want or
// mentions want in its message.
func errorMatches(err error, want string) bool {
	var re *engine.RuntimeError
	if errors.As(err, &re) && string(re.Code) == want {
		return true
	}
	var ze *engine.ZenoError
	if errors.As(err, &ze) && want == string(engine.ErrCodeZeno) {
		return true
	}
	return strings.Contains(err.Error(), want)
}
