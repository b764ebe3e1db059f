package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/model"
	"github.com/roach88/hybridsim/internal/store"
)

// SnapshotOptions holds flags for the snapshot commands.
type SnapshotOptions struct {
	*RootOptions
	Database string
	RunID    string
}

// SnapshotListResult holds the snapshot list output.
type SnapshotListResult struct {
	Snapshots []store.SnapshotInfo `json:"snapshots"`
	Total     int                  `json:"total"`
}

// SnapshotShowResult holds one snapshot with its components.
type SnapshotShowResult struct {
	store.SnapshotInfo
	TimeStep   float64                    `json:"time_step"`
	ZenoLimit  int                        `json:"zeno_limit"`
	Components []engine.ComponentSnapshot `json:"components_state"`
}

// NewSnapshotCommand creates the snapshot command group.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect stored snapshots",
		Long: `Inspect the world snapshots stored in a database.

Examples:
  hybridsim snapshot list --db ./runs.db
  hybridsim snapshot list --db ./runs.db --run <run-id>
  hybridsim snapshot show --db ./runs.db <snapshot-id>`,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List stored snapshots",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotList(opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.RunID, "run", "", "only list snapshots of this run")

	show := &cobra.Command{
		Use:           "show <snapshot-id>",
		Short:         "Print a stored snapshot",
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotShow(opts, args[0], cmd)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func runSnapshotList(opts *SnapshotOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if err := requireDatabase(opts.Database); err != nil {
		return err
	}
	st, err := openStore(opts.Database, nil)
	if err != nil {
		return err
	}
	defer closeStore(st, opts.Logger())

	infos, err := st.ListSnapshots(cmd.Context(), opts.RunID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list snapshots", err)
	}
	if infos == nil {
		infos = []store.SnapshotInfo{}
	}
	result := SnapshotListResult{Snapshots: infos, Total: len(infos)}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	if len(infos) == 0 {
		fmt.Fprintln(w, "No snapshots found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRUN\tLABEL\tCLOCK\tSTEPS\tCOMPONENTS\tHASH")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%d\t%d\t%s\n",
			info.ID, info.RunID, info.Label, info.Clock, info.StepCount, info.Components, shortHash(info.ContentHash))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d snapshot(s)\n", len(infos))
	return nil
}

func runSnapshotShow(opts *SnapshotOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if err := requireDatabase(opts.Database); err != nil {
		return err
	}
	st, err := openStore(opts.Database, nil)
	if err != nil {
		return err
	}
	defer closeStore(st, opts.Logger())

	snap, info, err := st.ReadSnapshot(cmd.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		_ = formatter.Error(model.ErrCodeNotFound, fmt.Sprintf("snapshot %s not found", id), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("snapshot %s not found", id))
	}
	if err != nil {
		// Includes content hash mismatches.
		_ = formatter.Error(model.ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to read snapshot", err)
	}

	result := SnapshotShowResult{
		SnapshotInfo: info,
		TimeStep:     snap.TimeStep,
		ZenoLimit:    snap.ZenoLimit,
		Components:   snap.Components,
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Snapshot %s (run %s)\n", info.ID, info.RunID)
	if info.Label != "" {
		fmt.Fprintf(w, "  label %s\n", info.Label)
	}
	fmt.Fprintf(w, "  clock %g after %d step(s), time step %g, zeno limit %d\n",
		info.Clock, info.StepCount, snap.TimeStep, snap.ZenoLimit)
	fmt.Fprintf(w, "  model %s\n  content %s\n\n", info.ModelHash, info.ContentHash)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tTYPE\tSTATE\tVALUES")
	for _, cs := range snap.Components {
		cr := ComponentResult{Name: cs.Name, Type: cs.Type, State: cs.State, Values: cs.Values}
		for q, entries := range cs.Queues {
			if cr.Queues == nil {
				cr.Queues = make(map[string]int)
			}
			cr.Queues[q] = len(entries)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", cs.Name, cs.Type, cs.State, formatValues(cr))
	}
	tw.Flush()
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
