package cli

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/model"
)

// ResumeOptions holds flags for the resume command.
type ResumeOptions struct {
	*RootOptions
	AdvanceOptions
	Database string
	Snapshot string
	Trace    bool

	// RunIDs generates the run ID of a fork (for testing).
	RunIDs      engine.IDGenerator
	SnapshotIDs engine.IDGenerator
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResumeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume <model-dir>",
		Short: "Continue a stored run from a snapshot",
		Long: `Restore a world from a stored snapshot and keep evolving it.

Resuming from the latest snapshot of a run continues that run: its trace is
extended and the new final snapshot is added to it. Resuming from an older
snapshot forks a new run that starts with a copy of that snapshot.

The model must be the one the snapshot was taken from.

Examples:
  hybridsim resume ./models/thermostat --db ./runs.db --snapshot <id> --evolve 50
  hybridsim resume ./models/thermostat --db ./runs.db --snapshot <id> --time-step 0.05`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(opts, args[0], cmd)
		},
	}

	addAdvanceFlags(cmd, &opts.AdvanceOptions)
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Snapshot, "snapshot", "", "snapshot ID to resume from (required)")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the trace recorded by this resume")

	return cmd
}

func runResume(opts *ResumeOptions, modelDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.Logger()

	if err := opts.AdvanceOptions.validate(); err != nil {
		return err
	}
	if opts.Snapshot == "" {
		return NewExitError(ExitCommandError, "--snapshot is required")
	}

	prog, _, err := loadProgram(modelDir, model.LoadModeFailFast)
	if err != nil {
		return loadError(formatter, err)
	}

	if err := requireDatabase(opts.Database); err != nil {
		return err
	}
	st, err := openStore(opts.Database, opts.SnapshotIDs)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	_, info, err := st.ReadSnapshot(ctx, opts.Snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		_ = formatter.Error(model.ErrCodeNotFound, fmt.Sprintf("snapshot %s not found", opts.Snapshot), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("snapshot %s not found", opts.Snapshot))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read snapshot", err)
	}
	if info.ModelHash != prog.Hash {
		msg := fmt.Sprintf("snapshot %s was taken from model %s, not %s", info.ID, info.ModelHash, prog.Hash)
		_ = formatter.Error(model.ErrCodeGeneric, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}
	latest, err := st.LatestSnapshot(ctx, info.RunID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find latest snapshot", err)
	}
	fork := latest.ID != info.ID

	rec := engine.NewRecorder()
	worldOpts := []engine.WorldOption{
		engine.WithHooks(rec),
		engine.WithLogger(logger),
	}
	if fork {
		runIDs := opts.RunIDs
		if runIDs == nil {
			runIDs = engine.UUIDv7Generator{}
		}
		worldOpts = append(worldOpts, engine.WithRunID(runIDs.Generate()))
	}
	w, err := st.LoadSnapshot(ctx, info.ID, prog.Types, worldOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to restore world", err)
	}
	if err := opts.applySettings(w); err != nil {
		return WrapExitError(ExitCommandError, "invalid world settings", err)
	}
	if err := opts.bounded(w); err != nil {
		return err
	}

	result := &RunResult{
		RunID:       w.RunID(),
		ModelHash:   prog.Hash,
		ResumedFrom: info.ID,
		Forked:      fork,
	}
	if fork {
		// The fork's trace starts here, so it needs its own first snapshot.
		forkInfo, err := st.SaveSnapshot(ctx, w, prog.Hash, "fork of "+info.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to save fork snapshot", err)
		}
		result.SnapshotIDs = append(result.SnapshotIDs, forkInfo.ID)
		logger.Info("forked run", "from", info.RunID, "run", w.RunID(), "snapshot", info.ID)
	}

	stepErr := opts.advance(ctx, w)
	return finishRun(ctx, formatter, st, prog, w, rec, result, opts.Trace, stepErr)
}
