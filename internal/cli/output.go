package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a scan was rejected, a scenario failed or conflicts remain
	ExitCommandError = 2 // bad flags or settings, unreachable database or server
)

// ExitError carries the exit code a failed command should end the process with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code and a short message to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code. Errors that carry no code
// count as failures.
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

// Envelope is the document every command writes under --format json.
// Each envelope is a single line so a scan stream reads as JSON lines.
type Envelope struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   interface{}    `json:"data,omitempty"`
	Error  *EnvelopeError `json:"error,omitempty"`
}

// EnvelopeError describes a failed command. Code is either a rejection
// code such as ALREADY_INSIDE or an E_* command code.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Printer writes command results to Out as text or as an Envelope.
// Diagnostics go to Diag so JSON output stays parseable.
type Printer struct {
	JSON    bool
	Out     io.Writer
	Diag    io.Writer
	Verbose bool
}

// Result writes data. In text mode the text callback renders it instead.
func (p *Printer) Result(data interface{}, text func(w io.Writer)) error {
	if !p.JSON {
		text(p.Out)
		return nil
	}
	return json.NewEncoder(p.Out).Encode(Envelope{Status: "ok", Data: data})
}

// Fail reports a failed command. Partial results in data are kept in
// JSON output and dropped from text output.
func (p *Printer) Fail(code, message string, data interface{}) error {
	if !p.JSON {
		fmt.Fprintf(p.Out, "Error [%s]: %s\n", code, message)
		return nil
	}
	return json.NewEncoder(p.Out).Encode(Envelope{
		Status: "error",
		Data:   data,
		Error:  &EnvelopeError{Code: code, Message: message},
	})
}

// Debugf writes a diagnostic line when --verbose is set.
func (p *Printer) Debugf(format string, args ...interface{}) {
	if !p.Verbose {
		return
	}
	w := p.Diag
	if w == nil {
		w = io.Discard
	}
	fmt.Fprintf(w, format+"\n", args...)
}
