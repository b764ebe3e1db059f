package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/hybridsim/internal/harness"
	"github.com/roach88/hybridsim/internal/model"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenario.yaml|scenarios-dir>",
		Short: "Run test scenarios",
		Long: `Run YAML test scenarios against their models.

Each scenario names its model directory, drives the world through a list
of steps and checks assertions on the trace and the final state. When a
golden file exists next to the scenario (golden/<name>.golden) the trace
and final state must match it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  hybridsim test ./scenarios
  hybridsim test ./scenarios/bouncing.yaml
  hybridsim test ./scenarios --filter "ping*"
  hybridsim test ./scenarios --update
  hybridsim test ./scenarios --format json`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		msg := fmt.Sprintf("scenario path not found: %s", path)
		_ = formatter.Error(model.ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	files, err := harness.FindScenarios(path, opts.Filter)
	if err != nil {
		_ = formatter.Error(model.ErrCodeScanError, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	for _, f := range files {
		formatter.VerboseLog("Found scenario: %s", f)
	}

	if len(files) == 0 {
		if formatter.Format == "json" {
			return formatter.Success(harness.SuiteResult{Scenarios: []harness.ScenarioResult{}})
		}
		fmt.Fprintln(formatter.Writer, "No scenarios found.")
		return nil
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	result := harness.RunSuite(ctx, files, harness.SuiteOptions{Update: opts.Update})
	opts.Logger().Debug("scenarios finished", "passed", result.Passed, "failed", result.Failed)

	if formatter.Format == "json" {
		return outputTestJSON(formatter, result)
	}
	return outputTestText(formatter, result)
}

func outputTestJSON(formatter *OutputFormatter, result harness.SuiteResult) error {
	if result.Failed == 0 {
		return formatter.Success(result)
	}
	ce := CLIError{
		Code:    "E_TEST_FAILED",
		Message: fmt.Sprintf("%d of %d scenario(s) failed", result.Failed, result.Total),
	}
	if err := formatter.Failure(ce, result); err != nil {
		return err
	}
	return NewExitError(ExitFailure, ce.Message)
}

func outputTestText(formatter *OutputFormatter, result harness.SuiteResult) error {
	w := formatter.Writer

	for _, sr := range result.Scenarios {
		if !sr.Pass {
			fmt.Fprintf(w, "✗ %s\n", sr.Name)
			for _, e := range sr.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
			continue
		}
		switch sr.Golden {
		case "updated":
			fmt.Fprintf(w, "✓ %s (golden updated)\n", sr.Name)
		case "match":
			fmt.Fprintf(w, "✓ %s (golden match)\n", sr.Name)
		default:
			fmt.Fprintf(w, "✓ %s\n", sr.Name)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Results: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}
