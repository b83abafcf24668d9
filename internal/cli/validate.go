package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/reach/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                       `json:"valid"`
	Pack   string                     `json:"pack,omitempty"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <pack>",
		Short: "Validate a pack without compiling it",
		Long: `Validate a pack's structure and report every problem found.

Unlike compile, validate does not stop at the first problem: a pack with a
cycle, an unknown edge target and a bad predicate reports all three.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	pack, err := compiler.LoadFile(path)
	if err != nil {
		return outputProblems(formatter, "Load failed", problemsOf(err))
	}
	formatter.VerboseLog("Loaded %s@%s from %s", pack.Name, pack.Version, path)

	errs := compiler.Validate(pack)
	if len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}

	ref := pack.Name + "@" + pack.Version
	return formatter.Success(ValidationResult{Valid: true, Pack: ref}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s is valid\n", ref)
	})
}

// outputValidationErrors reports structural problems. They are
// validation failures (exit code 1), not command errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	if formatter.Format == "json" {
		if err := formatter.JSON(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error:  &CLIError{Code: errs[0].Code, Message: errs[0].Message},
		}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range errs {
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n", e.Code, e.Field, e.Message)
	}
	fmt.Fprintln(formatter.Writer)

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
