package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/hybridsim/internal/ir"
	"github.com/roach88/hybridsim/internal/model"
)

// ErrCodeWriteFailed is reported when the compiled model cannot be written.
const ErrCodeWriteFailed = "E301"

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult holds the compiled model and its hash.
type CompilationResult struct {
	ModelHash string           `json:"model_hash"`
	Model     *ir.Model        `json:"model"`
	Stats     CompilationStats `json:"stats"`
}

// CompilationStats holds summary statistics.
type CompilationStats struct {
	Types       int `json:"types"`
	Components  int `json:"components"`
	Flows       int `json:"flows"`
	Transitions int `json:"transitions"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <model-dir>",
		Short: "Compile a CUE model to canonical IR",
		Long: `Compile a CUE model to its canonical IR.

The compiler loads the CUE files, checks them against the model format,
builds every type and prints the model hash. With --output the canonical
JSON of the model is written to a file; it is the exact input of the
model hash.`,
		Args:          exactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, modelDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	prog, res, err := loadProgram(modelDir, model.LoadModeCollectAll)
	if res != nil {
		formatter.VerboseLog("Found %d CUE file(s) in %s", res.FileCount, modelDir)
	}
	if err != nil {
		return loadError(formatter, err)
	}
	for _, name := range prog.Order {
		formatter.VerboseLog("Compiled type: %s", name)
	}

	result := &CompilationResult{
		ModelHash: prog.Hash,
		Model:     prog.Model,
		Stats:     calculateStats(prog.Model),
	}

	if opts.Output != "" {
		if err := writeIRToFile(prog.Model, opts.Output); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
	}

	return outputCompileSuccess(formatter, result, opts.Output)
}

// calculateStats computes summary statistics of a model.
func calculateStats(m *ir.Model) CompilationStats {
	stats := CompilationStats{
		Types:      len(m.Types),
		Components: len(m.World.Components),
	}
	for _, t := range m.Types {
		stats.Flows += len(t.Flows)
		stats.Transitions += len(t.Transitions)
	}
	return stats
}

func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, outputFile string) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	s := result.Stats
	fmt.Fprintf(w, "✓ Compiled %d type(s), %d component(s)\n\n", s.Types, s.Components)

	if len(result.Model.Types) > 0 {
		fmt.Fprintln(w, "Types:")
		for _, t := range result.Model.Types {
			fmt.Fprintf(w, "  %s: %d state(s), %d flow(s), %d transition(s)",
				t.Name, len(t.States), len(t.Flows), len(t.Transitions))
			if t.Extends != "" {
				fmt.Fprintf(w, ", extends %s", t.Extends)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Model hash: %s\n", result.ModelHash)
	if outputFile != "" {
		fmt.Fprintf(w, "Wrote canonical IR to %s\n", outputFile)
	}
	return nil
}

// writeIRToFile writes the model in canonical JSON, the form the model
// hash is computed over.
func writeIRToFile(m *ir.Model, filename string) error {
	data, err := ir.MarshalCanonical(m)
	if err != nil {
		return fmt.Errorf("marshaling IR: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
