package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	apperrors "github.com/petlink/core/internal/errors"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The command ran but the operation failed (cycle error, rejected action)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, database not openable)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
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

// printer renders command results in the selected format. Text output is
// produced by a per-command function; json and yaml marshal the value.
type printer struct {
	format string
	out    io.Writer
}

func newPrinter(opts *RootOptions) *printer {
	return &printer{format: opts.Format, out: opts.Stdout}
}

func (p *printer) print(v interface{}, text func(w *tabwriter.Writer)) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
		text(tw)
		return tw.Flush()
	}
}

// commandError maps engine errors to exit codes. Validation and lookup
// failures are the caller's mistake; everything else is an operation
// failure.
func commandError(message string, err error) error {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrValidation, apperrors.ErrNotFound, apperrors.ErrInvalid,
		apperrors.ErrUnknownAction, apperrors.ErrInvalidTransition:
		return WrapExitError(ExitCommandError, message, err)
	default:
		return WrapExitError(ExitFailure, message, err)
	}
}
