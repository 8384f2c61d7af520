package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/audiencesync/internal/channel"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Sync failed in a way retrying won't fix
	ExitCommandError = 2 // Command error (bad config, unreadable database, invalid edit)
	ExitRetry        = 3 // Work is left pending and will be retried
)

// ExitError carries the exit code for a failed command and, optionally,
// details reported next to the message.
type ExitError struct {
	Code    int
	Message string
	Err     error
	Details any
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

// pendingWork lists the work tags still scheduled after a sync pass.
type pendingWork struct {
	PendingWork []string `json:"pending_work"`
}

func (p pendingWork) String() string {
	if len(p.PendingWork) == 0 {
		return "pending work: none"
	}
	return "pending work: " + strings.Join(p.PendingWork, ", ")
}

// NewRetryError reports a sync pass that left work for a later run.
func NewRetryError(pending []string) *ExitError {
	return &ExitError{
		Code:    ExitRetry,
		Message: "sync incomplete",
		Details: pendingWork{PendingWork: pending},
	}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Error codes reported in CLIError.Code, one per exit code.
const (
	CodeFailure = "E001"
	CodeCommand = "E002"
	CodeRetry   = "E003"
)

// ErrorCode returns the CLIError code for err's exit code.
func ErrorCode(err error) string {
	switch GetExitCode(err) {
	case ExitCommandError:
		return CodeCommand
	case ExitRetry:
		return CodeRetry
	default:
		return CodeFailure
	}
}

// errorDetails returns the details attached to err, if any.
func errorDetails(err error) any {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Details
	}
	return nil
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose output; falls back to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope for every command result.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a command result. Text output relies on the result's
// String method.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error reports err with the code matching its exit code. Details attached
// to an ExitError are included in both formats.
func (f *OutputFormatter) Error(err error) error {
	code, details := ErrorCode(err), errorDetails(err)
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: err.Error(),
				Details: details,
			},
		})
	}

	if _, werr := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, err.Error()); werr != nil {
		return werr
	}
	if details != nil {
		_, werr := fmt.Fprintln(f.Writer, details)
		return werr
	}
	return nil
}

// VerboseLog writes a diagnostic line when verbose mode is on. It goes to
// ErrWriter so JSON output on Writer stays parseable.
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

// writePending renders one identity's queued batch counts.
func writePending(b *strings.Builder, p channel.PendingCounts) {
	fmt.Fprintf(b, "  pending tag_groups=%d attributes=%d subscription_lists=%d",
		p.TagGroups, p.Attributes, p.SubscriptionLists)
}
