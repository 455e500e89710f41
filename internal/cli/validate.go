package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/evolv/internal/config"
)

// ValidationError is one problem found in an options file.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Options *config.Options   `json:"options,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

// Error codes for validation output.
const (
	ErrCodeConfig  = "E_CONFIG"
	ErrCodeGeneric = "E_GENERIC"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <options.yaml>",
		Short: "Validate a client options file",
		Long: `Validate a client options file against the options schema, apply
defaults and print the effective options.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	formatter.VerboseLog("Validating %s", path)
	options, err := config.Load(path)
	if err != nil {
		var ce *config.Error
		if !errors.As(err, &ce) {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read options", err)
		}
		return outputValidationErrors(formatter, []ValidationError{{
			Field:   ce.Field,
			Message: ce.Message,
			Code:    ErrCodeConfig,
		}})
	}

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Options: &options})
	}
	fmt.Fprintln(formatter.Writer, "✓ Options valid")
	fmt.Fprintf(formatter.Writer, "  environment: %s\n", options.Environment)
	fmt.Fprintf(formatter.Writer, "  endpoint:    %s\n", options.Endpoint)
	fmt.Fprintf(formatter.Writer, "  version:     %d\n", options.Version)
	fmt.Fprintf(formatter.Writer, "  storage:     %s\n", options.Storage.Kind)
	fmt.Fprintf(formatter.Writer, "  prefix:      %s\n", options.ActiveKeyPrefix)
	return nil
}

// outputValidationErrors outputs validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []ValidationError) error {
	message := fmt.Sprintf("validation failed with %d error(s)", len(errs))
	if formatter.Format == "json" {
		if err := formatter.Failure(ValidationResult{Valid: false, Errors: errs}, errs[0].Code, errs[0].Message); err != nil {
			return err
		}
		return NewExitError(ExitFailure, message)
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		if err.Field != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n", err.Code, err.Field, err.Message)
			continue
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", err.Code, err.Message)
	}
	return NewExitError(ExitFailure, message)
}
