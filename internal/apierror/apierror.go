// Package apierror defines the closed set of failure kinds the request
// dispatch engine can produce, and the rules for deciding which of them
// are worth retrying. Every failure path in the core returns an *Error;
// HTTP collaborators are responsible for rendering it into their own
// wire envelope. The core itself never formats for the wire.
package apierror

import (
	"errors"
	"fmt"
	"net"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Kind is the closed enumeration of failure kinds.
type Kind string

const (
	Auth                  Kind = "auth"
	InvalidRequest        Kind = "invalid_request"
	Timeout               Kind = "timeout"
	QueueTimeout          Kind = "queue_timeout"
	QueueFull             Kind = "queue_full"
	RateLimit             Kind = "rate_limit"
	UpstreamAuth          Kind = "upstream_auth"
	CLIError              Kind = "cli_error"
	CLINotFound           Kind = "cli_not_found"
	Memory                Kind = "memory"
	SessionNotFound       Kind = "session_not_found"
	SessionLimit          Kind = "session_limit"
	TaskNotFound          Kind = "task_not_found"
	InvalidModel          Kind = "invalid_model"
	StreamingNotSupported Kind = "streaming_not_supported"
	Internal              Kind = "internal"
)

// httpStatus is the canonical HTTP status for each kind.
var httpStatus = map[Kind]int{
	Auth:                  401,
	InvalidRequest:        400,
	Timeout:               504,
	QueueTimeout:          504,
	QueueFull:             429,
	RateLimit:             429,
	UpstreamAuth:          401,
	SessionNotFound:       404,
	TaskNotFound:          404,
	SessionLimit:          429,
	StreamingNotSupported: 400,
	InvalidModel:          400,
	CLIError:              500,
	CLINotFound:           500,
	Memory:                500,
	Internal:              500,
}

// Error is a value-typed failure record. It is immutable after
// construction; helpers below produce one per kind.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// WithDetails returns a copy of e with details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	cp.Details = merged
	return &cp
}

func newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Status:  httpStatus[kind],
		Code:    string(kind),
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// New constructs an *Error of kind with a plain message, no cause.
func New(kind Kind, message string) *Error {
	return newf(kind, nil, "%s", message)
}

// Wrap constructs an *Error of kind, preserving cause as the wrapped
// error and its stack trace via pkg/errors.
func Wrap(kind Kind, cause error, message string) *Error {
	return newf(kind, pkgerrors.WithStack(cause), "%s", message)
}

func AuthError(message string) *Error           { return New(Auth, message) }
func InvalidRequestError(message string) *Error  { return New(InvalidRequest, message) }
func TimeoutError(message string) *Error         { return New(Timeout, message) }
func QueueTimeoutError(message string) *Error    { return New(QueueTimeout, message) }
func QueueFullError() *Error                     { return New(QueueFull, "too many outstanding requests") }
func RateLimitError(message string) *Error       { return New(RateLimit, message) }
func UpstreamAuthError(message string) *Error    { return New(UpstreamAuth, message) }
func MemoryError(message string) *Error          { return New(Memory, message) }
func SessionNotFoundError() *Error               { return New(SessionNotFound, "session not found") }
func SessionLimitError() *Error                  { return New(SessionLimit, "session quota exceeded") }
func TaskNotFoundError() *Error                  { return New(TaskNotFound, "task not found") }
func InvalidModelError(model string) *Error      { return New(InvalidModel, fmt.Sprintf("invalid model %q", model)) }
func StreamingNotSupportedError() *Error         { return New(StreamingNotSupported, "streaming is not supported on this surface") }
func InternalError(cause error) *Error           { return Wrap(Internal, cause, "internal error") }

func CLINotFoundError(binary string) *Error {
	return New(CLINotFound, fmt.Sprintf("CLI binary %q not found on PATH", binary))
}

// CLIErrorf constructs a cli_error with details (exitCode, signal,
// stderr) attached.
func CLIErrorf(details map[string]any, format string, args ...any) *Error {
	e := newf(CLIError, nil, format, args...)
	e.Details = details
	return e
}

// Aborted is the canonical cli_error raised when a submission is
// cancelled, either before spawn or mid-execution.
func Aborted(reason string) *Error {
	return New(CLIError, fmt.Sprintf("aborted: %s", reason))
}

// ShutdownError is the canonical cli_error raised when the pool refuses
// new submissions because it is shutting down.
func ShutdownError() *Error {
	return New(CLIError, "aborted: shutdown")
}

// Retryable reports whether an attempt that failed with err should be
// retried, per spec: kind timeout or rate_limit, or a transport-level
// reset on a non-kinded error.
func Retryable(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == Timeout || apiErr.Kind == RateLimit
	}
	return isTransportReset(err)
}

// isTransportReset reports whether err looks like a transport-level
// connection reset rather than an application-level failure.
func isTransportReset(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection")
}

// As extracts an *Error from err, matching errors.As semantics.
func As(err error) (*Error, bool) {
	var apiErr *Error
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
