package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/hybridsim/internal/model"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool                 `json:"valid"`
	ModelHash  string               `json:"model_hash,omitempty"`
	Types      []string             `json:"types,omitempty"`
	Components int                  `json:"components"`
	Errors     []CLIError           `json:"errors,omitempty"`
	Warnings   []model.CycleWarning `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <model-dir>",
		Short: "Validate a model without running it",
		Long: `Load a CUE model directory, check it and compile every formula.

Reports every error found with its source position, and warns about
algebraic flows that read each other in the same state.

Exit codes:
  0 - Model is valid (warnings allowed)
  1 - Model has errors
  2 - Command error (directory not found, no CUE files)`,
		Args:          exactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, modelDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	prog, res, err := loadProgram(modelDir, model.LoadModeCollectAll)
	var lf *LoadFailure
	if err != nil && (!errors.As(err, &lf) || lf.Fatal) {
		return loadError(formatter, err)
	}
	if res != nil {
		formatter.VerboseLog("Found %d CUE file(s) in %s", res.FileCount, modelDir)
	}

	if err != nil {
		errs := make([]CLIError, len(lf.Errors))
		for i, e := range lf.Errors {
			errs[i] = describeError(e)
		}
		return outputValidationErrors(formatter, errs)
	}

	result := ValidationResult{
		Valid:      true,
		ModelHash:  prog.Hash,
		Types:      prog.Order,
		Components: len(prog.Model.World.Components),
		Warnings:   prog.Warnings,
	}
	for _, name := range prog.Order {
		formatter.VerboseLog("Compiled type: %s", name)
	}
	return outputValidateSuccess(formatter, result)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Model valid: %d type(s), %d component(s)\n", len(result.Types), result.Components)
	fmt.Fprintf(w, "  hash %s\n", result.ModelHash)
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "⚠ %s\n", warn.Message)
	}
	return nil
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []CLIError) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		result := ValidationResult{Valid: false, Errors: errs}
		if err := formatter.Failure(errs[0], result); err != nil {
			return err
		}
		return exitErr
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, e := range errs {
		if loc := e.Location(); loc != "" {
			fmt.Fprintln(formatter.Writer, loc)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", e.Code, e.Message)
	}
	return exitErr
}
