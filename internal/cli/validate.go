package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cepcore/internal/compiler"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Types []string // event types registered outside the module
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool                       `json:"valid"`
	Files      int                        `json:"files"`
	Statements int                        `json:"statements"`
	Windows    int                        `json:"windows"`
	Errors     []compiler.ValidationError `json:"errors,omitempty"`
	Warnings   []compiler.CycleWarning    `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <statements.cue|dir>...",
		Short: "Validate statement modules without running them",
		Long: `Compile CUE statement modules and check them for reference and shape
errors: unknown windows and event types, bad predicates, malformed timers.
Insert-into feedback loops are reported as warnings.

Exit codes:
  0 - Module is valid (warnings allowed)
  1 - Validation errors
  2 - Command error (missing files, CUE syntax errors)`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "event type registered by the host (repeatable)")

	return cmd
}

func runValidate(opts *ValidateOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	m, files, err := LoadModule(paths)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Error(), nil)
		}
		return WrapExitError(ExitCommandError, "load failed", err)
	}
	formatter.VerboseLog("Compiled %d CUE file(s): %d statement(s), %d window(s)", files, len(m.Statements), len(m.Windows))

	result := ValidationResult{
		Files:      files,
		Statements: len(m.Statements),
		Windows:    len(m.Windows),
		Errors:     compiler.Validate(m, opts.Types...),
		Warnings:   compiler.AnalyzeCycles(m.Statements),
	}
	result.Valid = len(result.Errors) == 0

	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result}
		if !result.Valid {
			resp.Status = "error"
			resp.Error = &CLIError{Code: result.Errors[0].Code, Message: result.Errors[0].Message}
		}
		if err := formatter.JSON(resp); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		for _, warn := range result.Warnings {
			fmt.Fprintf(w, "! %s\n", warn.Message)
		}
		if result.Valid {
			fmt.Fprintf(w, "✓ %d statement(s), %d window(s) valid\n", result.Statements, result.Windows)
		} else {
			fmt.Fprintln(w, "✗ Validation failed")
			for _, e := range result.Errors {
				fmt.Fprintf(w, "  %s\n", e.Error())
			}
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
	}
	return nil
}
