// Package outcome defines the terminal status codes reported by the fetch,
// apply and status pipelines.
package outcome

import (
	"context"
	"errors"
	"fmt"
)

// Code is a terminal pipeline status.
type Code int

const (
	Success Code = iota
	PrivateFileFail
	UpdateAvailable
	Enabled
	Disabled
	DownloadFail
	NoConnection
	ApplyFailed
	Cancelled
)

var codeNames = map[Code]string{
	Success:         "SUCCESS",
	PrivateFileFail: "PRIVATE_FILE_FAIL",
	UpdateAvailable: "UPDATE_AVAILABLE",
	Enabled:         "ENABLED",
	Disabled:        "DISABLED",
	DownloadFail:    "DOWNLOAD_FAIL",
	NoConnection:    "NO_CONNECTION",
	ApplyFailed:     "APPLY_FAILED",
	Cancelled:       "CANCELLED",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a failure that terminates a pipeline stage with a specific code.
// URL is set for per-source failures.
type Error struct {
	Code Code
	URL  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with code.
func New(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// ForURL wraps err with code and the source URL that caused it.
func ForURL(code Code, url string, err error) *Error {
	return &Error{Code: code, URL: url, Err: err}
}

// CodeOf maps err to a terminal code. A nil error is Success, context
// cancellation is Cancelled, and untyped errors default to fallback.
func CodeOf(err error, fallback Code) Code {
	if err == nil {
		return Success
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return fallback
}

// URLOf returns the failing source URL carried by err, if any.
func URLOf(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.URL
	}
	return ""
}
