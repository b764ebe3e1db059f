package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/model"
	"github.com/roach88/hybridsim/internal/store"
)

// AdvanceOptions says how far to step a world.
type AdvanceOptions struct {
	Steps  int
	Evolve float64
}

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	AdvanceOptions
	Database string
	Save     bool
	Trace    bool

	// RunIDs allows overriding the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.IDGenerator
	// SnapshotIDs allows overriding the snapshot ID generator (for testing).
	SnapshotIDs engine.IDGenerator
}

// ComponentResult is one component as a run left it.
type ComponentResult struct {
	Name      string             `json:"name"`
	Type      string             `json:"type"`
	State     string             `json:"state"`
	Values    map[string]float64 `json:"values,omitempty"`
	Constants map[string]float64 `json:"constants,omitempty"`
	Queues    map[string]int     `json:"queues,omitempty"`
}

// RunResult holds the outcome of run and resume.
type RunResult struct {
	RunID       string              `json:"run_id"`
	ModelHash   string              `json:"model_hash"`
	ResumedFrom string              `json:"resumed_from,omitempty"`
	Forked      bool                `json:"forked,omitempty"`
	Clock       float64             `json:"clock"`
	StepCount   int64               `json:"step_count"`
	Components  []ComponentResult   `json:"components"`
	SnapshotIDs []string            `json:"snapshot_ids,omitempty"`
	TraceHash   string              `json:"trace_hash,omitempty"`
	Trace       []engine.TraceEvent `json:"trace,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <model-dir>",
		Short: "Build a model's world and evolve it",
		Long: `Build the world a model describes and evolve it.

The world advances by --steps time steps or --evolve simulated time. With
neither, it runs until the model's clock_finish. Every component's final
state and variables are printed.

With --db the final snapshot and the trace are stored in a SQLite database
(created if it doesn't exist). --save also stores the initial snapshot so
the run can be replayed.

Examples:
  hybridsim run ./models/bouncing --evolve 10
  hybridsim run ./models/thermostat --steps 500 --db ./runs.db --save
  hybridsim run ./models/pingpong --evolve 5 --trace --format json`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(opts, args[0], cmd)
		},
	}

	addAdvanceFlags(cmd, &opts.AdvanceOptions)
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "also store the initial snapshot (requires --db)")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the recorded trace")

	return cmd
}

func addAdvanceFlags(cmd *cobra.Command, opts *AdvanceOptions) {
	cmd.Flags().IntVar(&opts.Steps, "steps", 0, "number of time steps to run")
	cmd.Flags().Float64Var(&opts.Evolve, "evolve", 0, "simulated time to run")
}

func (a AdvanceOptions) validate() error {
	if a.Steps != 0 && a.Evolve != 0 {
		return NewExitError(ExitCommandError, "--steps and --evolve cannot be used together")
	}
	if a.Steps < 0 {
		return NewExitError(ExitCommandError, "--steps must not be negative")
	}
	if a.Evolve < 0 || math.IsNaN(a.Evolve) {
		return NewExitError(ExitCommandError, "--evolve must not be negative")
	}
	return nil
}

// bounded checks that w will stop: either the options say how far to go
// or the world has a finish time.
func (a AdvanceOptions) bounded(w *engine.World) error {
	if a.Steps == 0 && a.Evolve == 0 && math.IsInf(w.ClockFinish(), 1) {
		return NewExitError(ExitCommandError, "one of --steps or --evolve is required when the model has no clock_finish")
	}
	return nil
}

// advance steps w as the options say, or to its finish time.
func (a AdvanceOptions) advance(ctx context.Context, w *engine.World) error {
	switch {
	case a.Steps > 0:
		return w.Step(ctx, a.Steps)
	case a.Evolve > 0:
		return w.Evolve(ctx, a.Evolve)
	}
	return w.Evolve(ctx, w.ClockFinish()-w.Clock())
}

func runSimulation(opts *RunOptions, modelDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.Logger()

	if err := opts.AdvanceOptions.validate(); err != nil {
		return err
	}
	if opts.Save && opts.Database == "" {
		return NewExitError(ExitCommandError, "--save requires --db")
	}

	prog, _, err := loadProgram(modelDir, model.LoadModeFailFast)
	if err != nil {
		return loadError(formatter, err)
	}
	logger.Info("model compiled", "dir", modelDir, "types", len(prog.Types), "hash", prog.Hash)

	runIDs := opts.RunIDs
	if runIDs == nil {
		runIDs = engine.UUIDv7Generator{}
	}
	rec := engine.NewRecorder()
	w, err := prog.NewWorld(
		engine.WithIDGenerator(runIDs),
		engine.WithHooks(rec),
		engine.WithLogger(logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build world", err)
	}
	if err := opts.applySettings(w); err != nil {
		return WrapExitError(ExitCommandError, "invalid world settings", err)
	}
	if err := opts.bounded(w); err != nil {
		return err
	}

	result := &RunResult{RunID: w.RunID(), ModelHash: prog.Hash}

	var st *store.Store
	if opts.Database != "" {
		st, err = openStore(opts.Database, opts.SnapshotIDs)
		if err != nil {
			return err
		}
		defer closeStore(st, logger)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if opts.Save {
		info, err := st.SaveSnapshot(ctx, w, prog.Hash, "initial")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to save initial snapshot", err)
		}
		result.SnapshotIDs = append(result.SnapshotIDs, info.ID)
	}

	stepErr := opts.advance(ctx, w)
	return finishRun(ctx, formatter, st, prog, w, rec, result, opts.Trace, stepErr)
}

// finishRun stores what a run produced and prints the result. A failed
// step still stores the trace recorded up to the failure but no snapshot.
func finishRun(ctx context.Context, formatter *OutputFormatter, st *store.Store, prog *model.Program,
	w *engine.World, rec *engine.Recorder, result *RunResult, printTrace bool, stepErr error) error {
	events := rec.Events()
	if st != nil {
		if stepErr == nil {
			info, err := st.SaveSnapshot(ctx, w, prog.Hash, "final")
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to save snapshot", err)
			}
			result.SnapshotIDs = append(result.SnapshotIDs, info.ID)
		}
		hash, err := st.AppendTrace(ctx, w.RunID(), prog.Hash, events)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to store trace", err)
		}
		result.TraceHash = hash
	}

	result.Clock = w.Clock()
	result.StepCount = w.StepCount()
	result.Components = componentResults(w)
	if printTrace {
		result.Trace = events
	}

	if stepErr != nil {
		return outputRunFailure(formatter, result, stepErr)
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	writeRunText(formatter.Writer, result)
	return nil
}

// componentResults lists the live components of w by name. Algebraic
// variables are re-evaluated so they are current.
func componentResults(w *engine.World) []ComponentResult {
	comps := w.Components()
	out := make([]ComponentResult, 0, len(comps))
	for _, c := range comps {
		cr := ComponentResult{
			Name:   c.Name(),
			Type:   c.Type().Name(),
			State:  c.State().Name(),
			Values: c.Values(),
		}
		for name := range cr.Values {
			if x, err := c.Get(name); err == nil {
				cr.Values[name] = x
			}
		}
		if consts := c.Constants(); len(consts) > 0 {
			cr.Constants = consts
		}
		for _, q := range c.Type().QueueNames() {
			if cr.Queues == nil {
				cr.Queues = make(map[string]int)
			}
			cr.Queues[q] = c.Queue(q).Len()
		}
		out = append(out, cr)
	}
	slices.SortFunc(out, func(a, b ComponentResult) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func outputRunFailure(formatter *OutputFormatter, result *RunResult, stepErr error) error {
	ce := describeError(stepErr)
	exitErr := WrapExitError(ExitFailure, "simulation failed", stepErr)
	if formatter.Format == "json" {
		if err := formatter.Failure(ce, result); err != nil {
			return err
		}
		return exitErr
	}
	writeRunText(formatter.Writer, result)
	fmt.Fprintf(formatter.Writer, "\n✗ Simulation failed [%s]: %s\n", ce.Code, ce.Message)
	return exitErr
}

func writeRunText(w io.Writer, result *RunResult) {
	fmt.Fprintf(w, "Run %s\n", result.RunID)
	if result.ResumedFrom != "" {
		verb := "resumed from"
		if result.Forked {
			verb = "forked from"
		}
		fmt.Fprintf(w, "  %s snapshot %s\n", verb, result.ResumedFrom)
	}
	fmt.Fprintf(w, "  clock %g after %d step(s)\n\n", result.Clock, result.StepCount)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tTYPE\tSTATE\tVALUES")
	for _, c := range result.Components {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name, c.Type, c.State, formatValues(c))
	}
	tw.Flush()

	if len(result.Trace) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Trace:")
		for _, ev := range result.Trace {
			fmt.Fprintf(w, "  %s\n", formatEvent(ev))
		}
	}
	if len(result.SnapshotIDs) > 0 {
		fmt.Fprintf(w, "\nSnapshots: %s\n", strings.Join(result.SnapshotIDs, ", "))
	}
	if result.TraceHash != "" {
		fmt.Fprintf(w, "Trace hash: %s\n", result.TraceHash)
	}
}

func formatValues(c ComponentResult) string {
	names := make([]string, 0, len(c.Values)+len(c.Queues))
	for name := range c.Values {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, 0, len(names)+len(c.Queues))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.6g", name, c.Values[name]))
	}
	queues := make([]string, 0, len(c.Queues))
	for q := range c.Queues {
		queues = append(queues, q)
	}
	slices.Sort(queues)
	for _, q := range queues {
		parts = append(parts, fmt.Sprintf("%s[%d]", q, c.Queues[q]))
	}
	return strings.Join(parts, " ")
}

func openStore(path string, ids engine.IDGenerator) (*store.Store, error) {
	var opts []store.Option
	if ids != nil {
		opts = append(opts, store.WithIDGenerator(ids))
	}
	st, err := store.Open(path, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// requireDatabase rejects a database path that does not exist, so
// read-only commands never create an empty database.
func requireDatabase(path string) error {
	if path == "" {
		return NewExitError(ExitCommandError, "--db is required")
	}
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path), err)
	}
	return nil
}

func closeStore(st *store.Store, logger *slog.Logger) {
	if err := st.Close(); err != nil {
		logger.Error("error closing database", "error", err)
	}
}

// signalContext returns the command's context, cancelled on SIGINT or
// SIGTERM. Cancellation stops a world between time steps.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
