package cli

import (
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/hybridsim/internal/engine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	LogFile string

	// World settings that override the model's world block.
	TimeStep    float64
	ZenoLimit   int
	ClockFinish float64

	set    settingsSet
	logger *slog.Logger
	close  func() error
}

// settingsSet records which world settings were given on the command line.
type settingsSet struct {
	timeStep, zenoLimit, clockFinish bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the hybridsim CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "hybridsim",
		Short: "hybridsim - hybrid automata simulation",
		Long: `Simulate worlds of hybrid automata: components with continuous variables
that evolve by flows and discrete states that change by guarded transitions.

Models are CUE directories. Runs can be stored in SQLite as snapshots and
traces, resumed later and replayed to verify determinism.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			flags := cmd.Flags()
			opts.set = settingsSet{
				timeStep:    flags.Changed("time-step"),
				zenoLimit:   flags.Changed("zeno-limit"),
				clockFinish: flags.Changed("clock-finish"),
			}
			if opts.set.timeStep && !(opts.TimeStep > 0) {
				return NewExitError(ExitCommandError, "--time-step must be positive")
			}
			logger, closer, err := newLogger(cmd.ErrOrStderr(), opts.Verbose, opts.LogFile)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to set up logging", err)
			}
			opts.logger, opts.close = logger, closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.close != nil {
				return opts.close()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.LogFile, "log-file", "", "append JSON log records to this file")
	pf.Float64Var(&opts.TimeStep, "time-step", 0, "override the model's time step")
	pf.IntVar(&opts.ZenoLimit, "zeno-limit", 0, "override the model's zeno limit (negative disables)")
	pf.Float64Var(&opts.ClockFinish, "clock-finish", 0, "override the model's finish time (0 for none)")

	// Add subcommands
	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))

	return cmd
}

// exactArgs is cobra.ExactArgs with a command-error exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return WrapExitError(ExitCommandError, "invalid arguments", err)
		}
		return nil
	}
}

// Logger returns the command logger, or a discard logger before the
// command has started.
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.logger
}

// applySettings writes the world settings given on the command line to w.
// A changed time step is rebased so the clock stays where it is.
func (o *RootOptions) applySettings(w *engine.World) error {
	if o.set.timeStep {
		if err := w.SetTimeStep(o.TimeStep); err != nil {
			return err
		}
	}
	if o.set.zenoLimit {
		w.SetZenoLimit(o.ZenoLimit)
	}
	if o.set.clockFinish {
		finish := o.ClockFinish
		if finish == 0 {
			finish = math.Inf(1)
		}
		w.SetClockFinish(finish)
	}
	return nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}
