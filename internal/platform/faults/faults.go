package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Code is the stable machine-readable identifier surfaced to callers.
type Code string

const (
	CodeValidation        Code = "VALIDATION_FAILED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeAuthentication    Code = "AUTHENTICATION_FAILED"
	CodeAuthorization     Code = "AUTHORIZATION_FAILED"
	CodeNetwork           Code = "NETWORK_ERROR"
	CodeTimeout           Code = "TIMEOUT"
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeVersionConflict   Code = "VERSION_CONFLICT"
	CodeAlreadyRunning    Code = "ALREADY_RUNNING"
	CodeInternal          Code = "INTERNAL"
)

// Sentinels for errors.Is matching across package boundaries.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrAuthentication    = errors.New("authentication failed")
	ErrAuthorization     = errors.New("authorization failed")
	ErrNetwork           = errors.New("network error")
	ErrTimeout           = errors.New("timeout")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrVersionConflict   = errors.New("version conflict")
	ErrAlreadyRunning    = errors.New("already running")
)

// Fault attaches a code and a retryability decision to an underlying error.
type Fault struct {
	Code      Code
	Message   string
	Err       error
	Retryable bool
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Err)
	}
	return f.Message
}

func (f *Fault) Unwrap() error { return f.Err }

func (f *Fault) Is(target error) bool {
	switch target {
	case ErrValidation:
		return f.Code == CodeValidation
	case ErrNotFound:
		return f.Code == CodeNotFound
	case ErrAuthentication:
		return f.Code == CodeAuthentication
	case ErrAuthorization:
		return f.Code == CodeAuthorization
	case ErrNetwork:
		return f.Code == CodeNetwork
	case ErrTimeout:
		return f.Code == CodeTimeout
	case ErrCircuitOpen:
		return f.Code == CodeCircuitOpen
	case ErrInvalidTransition:
		return f.Code == CodeInvalidTransition
	case ErrVersionConflict:
		return f.Code == CodeVersionConflict
	case ErrAlreadyRunning:
		return f.Code == CodeAlreadyRunning
	}
	return false
}

func Validationf(format string, args ...any) error {
	return &Fault{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Fault{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Authentication(msg string) error {
	return &Fault{Code: CodeAuthentication, Message: msg}
}

func Authorization(msg string) error {
	return &Fault{Code: CodeAuthorization, Message: msg}
}

func Network(err error) error {
	return &Fault{Code: CodeNetwork, Message: "network error", Err: err, Retryable: true}
}

func Timeout(err error) error {
	return &Fault{Code: CodeTimeout, Message: "operation timed out", Err: err, Retryable: true}
}

func CircuitOpen(name string) error {
	return &Fault{Code: CodeCircuitOpen, Message: fmt.Sprintf("circuit %q open", name), Retryable: true}
}

func InvalidTransition(from, to string) error {
	return &Fault{Code: CodeInvalidTransition, Message: fmt.Sprintf("invalid status transition %s -> %s", from, to)}
}

func VersionConflict(id string, expected int64) error {
	return &Fault{Code: CodeVersionConflict, Message: fmt.Sprintf("stale version %d for %s", expected, id)}
}

func AlreadyRunning(id string) error {
	return &Fault{Code: CodeAlreadyRunning, Message: fmt.Sprintf("job %s already running", id)}
}

func Internal(err error) error {
	return &Fault{Code: CodeInternal, Message: "internal error", Err: err}
}

// Retryable reports whether an error should be treated as transient.
// Validation, auth, transition, and conflict faults are never retried;
// network-ish failures and timeouts are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return false
}

// CodeOf extracts the stable code, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// External is the failure shape handed to API/CLI layers: stable code plus a
// human-readable message with internal detail stripped.
type External struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func Externalize(err error) External {
	if err == nil {
		return External{}
	}
	var f *Fault
	if errors.As(err, &f) {
		return External{Code: f.Code, Message: f.Message}
	}
	return External{Code: CodeInternal, Message: "internal error"}
}
