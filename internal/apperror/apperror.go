// Package apperror defines the classified error taxonomy shared by the
// upload assembler, scheduler, media pipeline, and HTTP surface. Every
// failure that crosses a component boundary is an *Error carrying a Kind;
// the worker decides retryable vs terminal from the Kind alone.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure. Kinds are part of the wire contract
// and must stay stable.
type Kind string

const (
	// KindInvalidParameters indicates a request that fails validation.
	KindInvalidParameters Kind = "invalid-parameters"
	// KindNotFound indicates a missing resource.
	KindNotFound Kind = "not-found"
	// KindForbidden indicates the principal does not own the resource.
	KindForbidden Kind = "forbidden"
	// KindConflict indicates a state conflict, such as a chunk rewrite
	// with a different length.
	KindConflict Kind = "conflict"
	// KindExpired indicates an upload session past its TTL.
	KindExpired Kind = "expired"
	// KindIncomplete indicates an upload completed before all chunks arrived.
	KindIncomplete Kind = "incomplete"
	// KindOversize indicates an upload larger than the configured maximum.
	KindOversize Kind = "oversize"
	// KindRejectedType indicates a file type outside the allowed set.
	KindRejectedType Kind = "rejected-type"
	// KindUnreadable indicates media the prober could not make sense of.
	KindUnreadable Kind = "unreadable"
	// KindUnsupportedCodec indicates media with a codec the pipeline cannot process.
	KindUnsupportedCodec Kind = "unsupported-codec"
	// KindTransientIO indicates a retryable local I/O failure.
	KindTransientIO Kind = "transient-io"
	// KindTransientDependency indicates a retryable failure in an external
	// dependency such as the ASR service.
	KindTransientDependency Kind = "transient-dependency"
	// KindTimeout indicates a stage or job deadline expired.
	KindTimeout Kind = "timeout"
	// KindWorkerLost indicates a worker lease expired without a heartbeat.
	KindWorkerLost Kind = "worker-lost"
	// KindCancelled indicates the job was cancelled by the user.
	KindCancelled Kind = "cancelled"
	// KindRateLimited indicates the principal exceeded a rate limit.
	KindRateLimited Kind = "rate-limited"
	// KindUnavailable indicates the service cannot take work right now.
	KindUnavailable Kind = "unavailable"
	// KindInternal indicates an unclassified server-side failure.
	KindInternal Kind = "internal"
)

// retryableKinds is the set of kinds the scheduler re-enqueues.
var retryableKinds = map[Kind]bool{
	KindTransientIO:         true,
	KindTransientDependency: true,
	KindTimeout:             true,
	KindWorkerLost:          true,
}

// Retryable reports whether failures of the given kind may be retried.
func Retryable(k Kind) bool {
	return retryableKinds[k]
}

// httpStatus maps kinds to the HTTP status codes of the wire contract.
var httpStatus = map[Kind]int{
	KindInvalidParameters:   http.StatusBadRequest,
	KindNotFound:            http.StatusNotFound,
	KindForbidden:           http.StatusForbidden,
	KindConflict:            http.StatusConflict,
	KindExpired:             http.StatusGone,
	KindIncomplete:          http.StatusBadRequest,
	KindOversize:            http.StatusRequestEntityTooLarge,
	KindRejectedType:        http.StatusUnsupportedMediaType,
	KindUnreadable:          http.StatusBadRequest,
	KindUnsupportedCodec:    http.StatusBadRequest,
	KindRateLimited:         http.StatusTooManyRequests,
	KindUnavailable:         http.StatusServiceUnavailable,
	KindTransientIO:         http.StatusInternalServerError,
	KindTransientDependency: http.StatusInternalServerError,
	KindTimeout:             http.StatusInternalServerError,
	KindWorkerLost:          http.StatusInternalServerError,
	KindCancelled:           http.StatusConflict,
	KindInternal:            http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status code for a kind.
// Unknown kinds map to 500.
func HTTPStatus(k Kind) int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a classified error. Message is safe to show to clients;
// internal detail stays in the wrapped error.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

// New creates a classified error with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted client-safe message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// Retryable reports whether this error's kind may be retried.
func (e *Error) Retryable() bool {
	return Retryable(e.Kind)
}

// KindOf extracts the Kind from an error chain.
// Errors without a classified Kind report KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// MessageOf extracts the client-safe message from an error chain.
// Unclassified errors yield a generic message so internal detail
// never reaches clients.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}
