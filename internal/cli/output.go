package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/evolv/internal/keypath"
)

// Exit codes returned by every command.
const (
	ExitSuccess      = 0 // Command completed; every scenario passed
	ExitFailure      = 1 // A scenario, golden file or options check failed
	ExitCommandError = 2 // Command error (unreadable paths, bad payloads, fetch errors)
)

// ExitError carries the process exit code for a command failure.
// Commands return it so main can exit with a meaningful status.
type ExitError struct {
	Code    int    // Exit code (ExitFailure or ExitCommandError)
	Message string // What the command was doing
	Err     error  // Underlying cause (optional)
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code. Errors that are not an
// ExitError exit with ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the envelope of every JSON output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // command result, kept on failed test runs
	Error  *CLIError `json:"error,omitempty"` // failure details
}

// CLIError describes a failure in JSON output.
type CLIError struct {
	Code    string `json:"code"`              // E_CONFIG, E_GENERIC, E_TEST_FAILED
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // offending field or payload, when known
}

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format    string    // "text" or "json"
	Writer    io.Writer // command output
	ErrWriter io.Writer // Verbose diagnostics, kept off Writer so JSON stays parseable (defaults to Writer)
	Verbose   bool
}

// Success writes data. In text mode a map[string]any is rendered as
// canonical JSON and anything else with fmt.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return f.respond(CLIResponse{Status: "ok", Data: data})
	}
	if tree, ok := data.(map[string]any); ok {
		out, err := keypath.MarshalCanonical(tree)
		if err != nil {
			return fmt.Errorf("render output: %w", err)
		}
		_, err = fmt.Fprintln(f.Writer, string(out))
		return err
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes a failure without a payload.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return f.respond(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Failure writes a JSON error envelope that still carries data, such as the
// per-scenario verdicts of a failed test run. Text mode callers print their
// own report.
func (f *OutputFormatter) Failure(data any, code, message string) error {
	return f.respond(CLIResponse{
		Status: "error",
		Data:   data,
		Error:  &CLIError{Code: code, Message: message},
	})
}

func (f *OutputFormatter) respond(resp CLIResponse) error {
	return json.NewEncoder(f.Writer).Encode(resp)
}

// VerboseLog prints a diagnostic line when Verbose is set, on ErrWriter if
// there is one.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
