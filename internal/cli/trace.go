package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/hybridsim/internal/engine"
	"github.com/roach88/hybridsim/internal/ir"
	"github.com/roach88/hybridsim/internal/model"
	"github.com/roach88/hybridsim/internal/queryir"
)

// ErrCodeInvalidFilter reports trace filter flags that do not form a
// valid query.
const ErrCodeInvalidFilter = "E302"

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database    string
	Component   string // optional - filter to one component
	Transitions []string
	Kinds       []string
	Since       float64
	Until       float64
	Limit       int
}

// TraceResult holds the trace output of one run.
type TraceResult struct {
	RunID     string              `json:"run_id"`
	Component string              `json:"component,omitempty"`
	Filtered  bool                `json:"filtered"`
	TraceHash string              `json:"trace_hash"`
	Verified  bool                `json:"verified"`
	Events    []engine.TraceEvent `json:"events"`
	Stats     TraceStats          `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEvents int      `json:"total_events"`
	Transitions int      `json:"transitions"`
	Resets      int      `json:"resets"`
	Guards      int      `json:"guards"`
	Components  []string `json:"components"`
	FirstClock  float64  `json:"first_clock"`
	LastClock   float64  `json:"last_clock"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <run-or-snapshot-id>",
		Short: "Print the recorded trace of a run",
		Long: `Print the transitions and resets recorded for a run.

The argument is a run ID or the ID of any snapshot of the run. The stored
trace hash is recomputed from the events; a mismatch means the database
was modified outside hybridsim and exits with code 1.

Filters narrow the events shown; verification always covers the whole
trace.

Examples:
  hybridsim trace --db ./runs.db <run-id>
  hybridsim trace --db ./runs.db <snapshot-id> --component ball
  hybridsim trace --db ./runs.db <run-id> --kind transition --since 10 --until 20
  hybridsim trace --db ./runs.db <run-id> --format json`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Component, "component", "", "only show events of this component")
	cmd.Flags().StringSliceVar(&opts.Transitions, "transition", nil, "only show events of these transitions")
	cmd.Flags().StringSliceVar(&opts.Kinds, "kind", nil, "only show events of these kinds (begin, end, transition, reset, guard)")
	cmd.Flags().Float64Var(&opts.Since, "since", 0, "only show events at or after this clock value")
	cmd.Flags().Float64Var(&opts.Until, "until", 0, "only show events at or before this clock value")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "show at most this many events (0 = all)")

	return cmd
}

func runTrace(opts *TraceOptions, ref string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	query, filtered := buildTraceQuery(opts, cmd)
	if err := queryir.Validate(query).Err(); err != nil {
		_ = formatter.Error(ErrCodeInvalidFilter, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid trace filter", err)
	}

	if err := requireDatabase(opts.Database); err != nil {
		return err
	}
	st, err := openStore(opts.Database, nil)
	if err != nil {
		return err
	}
	defer closeStore(st, opts.Logger())

	runID, err := st.ResolveRun(ctx, ref)
	if errors.Is(err, sql.ErrNoRows) {
		msg := fmt.Sprintf("no run or snapshot %s", ref)
		_ = formatter.Error(model.ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve run", err)
	}

	events, err := st.QueryTrace(ctx, runID, query)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}
	if events == nil {
		events = []engine.TraceEvent{}
	}
	hash, err := st.TraceHash(ctx, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace hash", err)
	}
	verifyErr := st.VerifyTrace(ctx, runID)

	result := TraceResult{
		RunID:     runID,
		Component: opts.Component,
		Filtered:  filtered,
		TraceHash: hash,
		Verified:  verifyErr == nil,
		Events:    events,
		Stats:     traceStats(events),
	}

	if verifyErr != nil {
		exitErr := WrapExitError(ExitFailure, "trace verification failed", verifyErr)
		if formatter.Format == "json" {
			if err := formatter.Failure(CLIError{Code: "E_TRACE_HASH", Message: verifyErr.Error()}, result); err != nil {
				return err
			}
			return exitErr
		}
		writeTraceText(formatter, result)
		fmt.Fprintf(formatter.Writer, "\n✗ %v\n", verifyErr)
		return exitErr
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	writeTraceText(formatter, result)
	return nil
}

// buildTraceQuery turns the filter flags into a query and reports whether
// any filter is set.
func buildTraceQuery(opts *TraceOptions, cmd *cobra.Command) (queryir.Select, bool) {
	var preds []queryir.Predicate
	if opts.Component != "" {
		preds = append(preds, queryir.Equals{Field: queryir.FieldComponent, Value: ir.IRString(opts.Component)})
	}
	if len(opts.Transitions) > 0 {
		preds = append(preds, queryir.In{Field: queryir.FieldTransition, Values: stringValues(opts.Transitions)})
	}
	if len(opts.Kinds) > 0 {
		preds = append(preds, queryir.In{Field: queryir.FieldKind, Values: stringValues(opts.Kinds)})
	}
	since, until := cmd.Flags().Changed("since"), cmd.Flags().Changed("until")
	if since || until {
		b := queryir.Between{Field: queryir.FieldClock}
		if since {
			b.Min = ir.IRFloat(opts.Since)
		}
		if until {
			b.Max = ir.IRFloat(opts.Until)
		}
		preds = append(preds, b)
	}

	q := queryir.Select{Limit: opts.Limit}
	switch len(preds) {
	case 0:
	case 1:
		q.Filter = preds[0]
	default:
		q.Filter = queryir.And{Predicates: preds}
	}
	return q, len(preds) > 0 || opts.Limit > 0
}

func stringValues(ss []string) []ir.IRValue {
	out := make([]ir.IRValue, len(ss))
	for i, s := range ss {
		out[i] = ir.IRString(s)
	}
	return out
}

func traceStats(events []engine.TraceEvent) TraceStats {
	stats := TraceStats{TotalEvents: len(events), Components: []string{}}
	seen := make(map[string]bool)
	for i, ev := range events {
		switch ev.Kind {
		case engine.TraceTransition:
			stats.Transitions++
		case engine.TraceReset:
			stats.Resets++
		case engine.TraceGuard:
			stats.Guards++
		}
		if ev.Component != "" && !seen[ev.Component] {
			seen[ev.Component] = true
			stats.Components = append(stats.Components, ev.Component)
		}
		if i == 0 {
			stats.FirstClock = ev.Clock
		}
		stats.LastClock = ev.Clock
	}
	slices.Sort(stats.Components)
	return stats
}

func writeTraceText(formatter *OutputFormatter, result TraceResult) {
	w := formatter.Writer
	fmt.Fprintf(w, "Trace of run %s", result.RunID)
	if result.Component != "" {
		fmt.Fprintf(w, " (component %s)", result.Component)
	}
	if result.Filtered {
		fmt.Fprint(w, " [filtered]")
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("=", 60))

	if len(result.Events) == 0 {
		fmt.Fprintln(w, "No events recorded.")
	}
	for _, ev := range result.Events {
		fmt.Fprintf(w, "  %s\n", formatEvent(ev))
	}

	s := result.Stats
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Events: %d (%d transitions, %d resets", s.TotalEvents, s.Transitions, s.Resets)
	if s.Guards > 0 {
		fmt.Fprintf(w, ", %d guards", s.Guards)
	}
	fmt.Fprintln(w, ")")
	if len(s.Components) > 0 {
		fmt.Fprintf(w, "Components: %s\n", strings.Join(s.Components, ", "))
	}
	if s.TotalEvents > 0 {
		fmt.Fprintf(w, "Clock: %g .. %g\n", s.FirstClock, s.LastClock)
	}
	if result.TraceHash != "" {
		fmt.Fprintf(w, "Trace hash: %s\n", result.TraceHash)
	}
	if result.Verified {
		formatter.VerboseLog("trace hash verified")
	}
}

// formatEvent renders one trace event on a single line.
func formatEvent(ev engine.TraceEvent) string {
	prefix := fmt.Sprintf("[%d] t=%g step=%d.%d", ev.Seq, ev.Clock, ev.Step, ev.Microstep)
	switch ev.Kind {
	case engine.TraceTransition:
		return fmt.Sprintf("%s %s.%s %s -> %s", prefix, ev.Component, ev.Transition, ev.From, ev.To)
	case engine.TraceReset:
		return fmt.Sprintf("%s %s.%s = %v", prefix, ev.Component, ev.Var, ev.Value)
	case engine.TraceGuard:
		enabled := false
		if ev.Enabled != nil {
			enabled = *ev.Enabled
		}
		return fmt.Sprintf("%s guard %s.%s enabled=%t", prefix, ev.Component, ev.Transition, enabled)
	default:
		return fmt.Sprintf("%s %s", prefix, ev.Kind)
	}
}
