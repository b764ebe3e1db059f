package cli

import (
	"context"
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/ir"
	"github.com/roach88/hybridsim/internal/model"
	"github.com/roach88/hybridsim/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - specific run only
}

// ReplayRunResult holds the replay result for a single run.
type ReplayRunResult struct {
	RunID         string   `json:"run_id"`
	Snapshots     int      `json:"snapshots"`
	Segments      int      `json:"segments"`
	Events        int      `json:"events"`
	Deterministic bool     `json:"deterministic"`
	Skipped       string   `json:"skipped,omitempty"`
	Mismatches    []string `json:"mismatches,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Runs             []ReplayRunResult `json:"runs"`
	TotalRuns        int               `json:"total_runs"`
	AllDeterministic bool              `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <model-dir>",
		Short: "Re-run stored runs and verify determinism",
		Long: `Re-run every stored run between its snapshots and verify determinism.

Each snapshot of a run is restored and stepped to the next snapshot. The
resulting world must hash to the stored snapshot and the transitions and
resets it records must match the stored trace.

Runs of a different model are skipped. Runs with a single snapshot have
nothing to replay.

Exit codes:
  0 - All runs are deterministic
  1 - Determinism verification failed (differences detected)
  2 - Command error (database not found, invalid model, etc.)

Examples:
  hybridsim replay ./models/bouncing --db ./runs.db
  hybridsim replay ./models/bouncing --db ./runs.db --run <run-id>
  hybridsim replay ./models/bouncing --db ./runs.db --format json`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "replay specific run only")

	return cmd
}

func runReplay(opts *ReplayOptions, modelDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.Logger()

	prog, _, err := loadProgram(modelDir, model.LoadModeFailFast)
	if err != nil {
		return loadError(formatter, err)
	}

	if err := requireDatabase(opts.Database); err != nil {
		return err
	}
	st, err := openStore(opts.Database, nil)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	infos, err := st.ListSnapshots(ctx, opts.RunID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list snapshots", err)
	}
	var order []string
	byRun := make(map[string][]store.SnapshotInfo)
	for _, info := range infos {
		if _, ok := byRun[info.RunID]; !ok {
			order = append(order, info.RunID)
		}
		byRun[info.RunID] = append(byRun[info.RunID], info)
	}
	if opts.RunID != "" && len(order) == 0 {
		msg := fmt.Sprintf("run %s has no snapshots", opts.RunID)
		_ = formatter.Error(model.ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	result := ReplayResult{
		Runs:             make([]ReplayRunResult, 0, len(order)),
		TotalRuns:        len(order),
		AllDeterministic: true,
	}
	for _, runID := range order {
		snaps := byRun[runID]
		if snaps[0].ModelHash != prog.Hash {
			if opts.RunID != "" {
				msg := fmt.Sprintf("run %s was recorded with model %s, not %s", runID, snaps[0].ModelHash, prog.Hash)
				_ = formatter.Error(model.ErrCodeGeneric, msg, nil)
				return NewExitError(ExitCommandError, msg)
			}
			result.Runs = append(result.Runs, ReplayRunResult{
				RunID: runID, Snapshots: len(snaps), Deterministic: true, Skipped: "different model",
			})
			continue
		}
		rr, err := replayRun(ctx, st, prog, snaps)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay run %s", runID), err)
		}
		logger.Debug("replayed run", "run", runID, "segments", rr.Segments, "deterministic", rr.Deterministic)
		result.Runs = append(result.Runs, rr)
		if !rr.Deterministic {
			result.AllDeterministic = false
		}
	}

	if formatter.Format == "json" {
		return outputReplayJSON(formatter, result)
	}
	return outputReplayText(formatter, result)
}

// replayRun restores each snapshot of a run, steps it to the next snapshot
// and compares the outcome with what was stored.
func replayRun(ctx context.Context, st *store.Store, prog *model.Program, snaps []store.SnapshotInfo) (ReplayRunResult, error) {
	rr := ReplayRunResult{RunID: snaps[0].RunID, Snapshots: len(snaps), Deterministic: true}
	if len(snaps) < 2 {
		rr.Skipped = "single snapshot"
		return rr, nil
	}

	rec := engine.NewRecorder()
	opts := []engine.WorldOption{engine.WithHooks(rec)}
	for i := 0; i+1 < len(snaps); i++ {
		from, to := snaps[i], snaps[i+1]
		next, _, err := st.ReadSnapshot(ctx, to.ID)
		if err != nil {
			return rr, err
		}
		w, err := st.LoadSnapshot(ctx, from.ID, prog.Types, opts...)
		if err != nil {
			return rr, err
		}
		if err := applySnapshotSettings(w, next); err != nil {
			return rr, err
		}
		rr.Segments++
		if err := w.Step(ctx, int(next.StepCount-w.StepCount())); err != nil {
			rr.Deterministic = false
			rr.Mismatches = append(rr.Mismatches, fmt.Sprintf("%s -> %s: step failed: %v", from.ID, to.ID, err))
			return rr, nil
		}
		snap, err := w.Snapshot()
		if err != nil {
			return rr, err
		}
		hash, err := ir.SnapshotHash(snap)
		if err != nil {
			return rr, err
		}
		if hash != to.ContentHash {
			rr.Deterministic = false
			rr.Mismatches = append(rr.Mismatches, fmt.Sprintf("%s -> %s: state hash %s, stored %s",
				from.ID, to.ID, shortHash(hash), shortHash(to.ContentHash)))
		}
	}

	replayed := rec.Events()
	rr.Events = len(replayed)
	stored, err := st.ReadTrace(ctx, rr.RunID)
	if err != nil {
		return rr, err
	}
	msg, err := compareTraces(replayed, stored, snaps[len(snaps)-1].StepCount)
	if err != nil {
		return rr, err
	}
	if msg != "" {
		rr.Deterministic = false
		rr.Mismatches = append(rr.Mismatches, msg)
	}
	return rr, nil
}

// applySnapshotSettings gives w the settings a later snapshot was taken
// with, so a segment stepped under overridden settings replays the same way.
func applySnapshotSettings(w *engine.World, snap *engine.WorldSnapshot) error {
	if snap.TimeStep != w.TimeStep() {
		if err := w.SetTimeStep(snap.TimeStep); err != nil {
			return err
		}
	}
	w.SetZenoLimit(snap.ZenoLimit)
	finish := snap.ClockFinish
	if finish == 0 {
		finish = math.Inf(1)
	}
	w.SetClockFinish(finish)
	return nil
}

// compareTraces matches the replayed events against the end of the stored
// trace, ignoring events recorded after lastStep. Events before the first
// snapshot are not replayed. Returns a description of the first difference,
// or "" when they agree.
func compareTraces(replayed, stored []engine.TraceEvent, lastStep int64) (string, error) {
	end := len(stored)
	for end > 0 && stored[end-1].Step > lastStep {
		end--
	}
	if len(replayed) > end {
		return fmt.Sprintf("trace: replay recorded %d events, stored trace has %d", len(replayed), end), nil
	}
	tail := stored[end-len(replayed) : end]
	for i := range replayed {
		a, b := replayed[i], tail[i]
		a.Seq, b.Seq = 0, 0
		ha, err := ir.TraceHash([]engine.TraceEvent{a})
		if err != nil {
			return "", err
		}
		hb, err := ir.TraceHash([]engine.TraceEvent{b})
		if err != nil {
			return "", err
		}
		if ha != hb {
			return fmt.Sprintf("trace: diverges at seq %d: replayed %q, stored %q",
				tail[i].Seq, formatEvent(replayed[i]), formatEvent(tail[i])), nil
		}
	}
	return "", nil
}

func outputReplayJSON(formatter *OutputFormatter, result ReplayResult) error {
	if result.AllDeterministic {
		return formatter.Success(result)
	}
	if err := formatter.Failure(CLIError{Code: "E_DETERMINISM", Message: "determinism verification failed"}, result); err != nil {
		return err
	}
	return NewExitError(ExitFailure, "determinism verification failed")
}

func outputReplayText(formatter *OutputFormatter, result ReplayResult) error {
	w := formatter.Writer

	if result.TotalRuns == 0 {
		fmt.Fprintln(w, "No runs found in database.")
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: %d run(s)\n", result.TotalRuns)
	fmt.Fprintln(w)

	for _, run := range result.Runs {
		status := "✓"
		switch {
		case run.Skipped != "":
			status = "-"
		case !run.Deterministic:
			status = "✗"
		}
		fmt.Fprintf(w, "%s Run: %s\n", status, run.RunID)
		if run.Skipped != "" {
			fmt.Fprintf(w, "  Skipped: %s\n", run.Skipped)
			continue
		}
		fmt.Fprintf(w, "  Segments: %d, events: %d\n", run.Segments, run.Events)
		for _, m := range run.Mismatches {
			fmt.Fprintf(w, "  %s\n", m)
		}
	}
	fmt.Fprintln(w)

	if !result.AllDeterministic {
		fmt.Fprintln(w, "✗ Determinism verification FAILED")
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	fmt.Fprintln(w, "✓ All runs are deterministic")
	return nil
}
