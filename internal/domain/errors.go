package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrorTag is the stable machine-readable classification of a coordinator
// error. Callers discriminate on the tag, never on the message text.
type ErrorTag string

const (
	TagUnauthenticated  ErrorTag = "unauthenticated"
	TagForbidden        ErrorTag = "forbidden"
	TagRateLimited      ErrorTag = "rate_limited"
	TagNotFound         ErrorTag = "not_found"
	TagVersionConflict  ErrorTag = "version_conflict"
	TagValidationFailed ErrorTag = "validation_failed"
	TagBusy             ErrorTag = "busy"
	TagTransient        ErrorTag = "transient"
	TagPermanent        ErrorTag = "permanent"
	TagPartialResult    ErrorTag = "partial_result"
	TagOrphaned         ErrorTag = "orphaned"
	TagDeadlineExceeded ErrorTag = "deadline_exceeded"
	TagInternal         ErrorTag = "internal"
)

// Error is the typed error every coordinator entry point returns. The wire
// form carries the tag and a short diagnostic, never a stack trace.
type Error struct {
	Tag           ErrorTag
	Msg           string
	Backend       string        // set for Transient/Permanent
	RetryAfter    time.Duration // set for RateLimited
	SagaID        string        // set for Orphaned
	CorrelationID string        // set for Internal
	Err           error
}

func (e *Error) Error() string {
	switch {
	case e.Backend != "" && e.Err != nil:
		return fmt.Sprintf("%s(%s): %s: %v", e.Tag, e.Backend, e.Msg, e.Err)
	case e.Backend != "":
		return fmt.Sprintf("%s(%s): %s", e.Tag, e.Backend, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Tag, e.Msg, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Tag, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes two coordinator errors equal when their tags match, so callers can
// write errors.Is(err, domain.ErrNotFound) style checks against prototypes.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Tag == other.Tag
	}
	return false
}

// Prototype errors for errors.Is comparisons.
var (
	ErrUnauthenticated  = &Error{Tag: TagUnauthenticated, Msg: "caller could not be identified"}
	ErrForbidden        = &Error{Tag: TagForbidden, Msg: "caller is not permitted"}
	ErrNotFound         = &Error{Tag: TagNotFound, Msg: "record not found"}
	ErrVersionConflict  = &Error{Tag: TagVersionConflict, Msg: "optimistic lock mismatch"}
	ErrBusy             = &Error{Tag: TagBusy, Msg: "concurrent operation on the same document"}
	ErrDeadlineExceeded = &Error{Tag: TagDeadlineExceeded, Msg: "deadline exceeded"}
)

// TagOf extracts the tag from any error. Untyped errors map to Internal.
func TagOf(err error) ErrorTag {
	var e *Error
	if errors.As(err, &e) {
		return e.Tag
	}
	return TagInternal
}

// HasTag reports whether err carries the given tag anywhere in its chain.
func HasTag(err error, tag ErrorTag) bool {
	var e *Error
	return errors.As(err, &e) && e.Tag == tag
}

func NotFound(format string, args ...any) *Error {
	return &Error{Tag: TagNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Tag: TagForbidden, Msg: fmt.Sprintf(format, args...)}
}

func Unauthenticated(err error) *Error {
	return &Error{Tag: TagUnauthenticated, Msg: "caller could not be identified", Err: err}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Tag: TagRateLimited, Msg: "rate limit exceeded", RetryAfter: retryAfter}
}

func ValidationFailed(format string, args ...any) *Error {
	return &Error{Tag: TagValidationFailed, Msg: fmt.Sprintf(format, args...)}
}

func Busy(id string) *Error {
	return &Error{Tag: TagBusy, Msg: fmt.Sprintf("document %s has a saga in flight", id)}
}

func Transient(backend string, err error) *Error {
	return &Error{Tag: TagTransient, Backend: backend, Msg: "transient backend failure", Err: err}
}

func Permanent(backend string, err error) *Error {
	return &Error{Tag: TagPermanent, Backend: backend, Msg: "permanent backend failure", Err: err}
}

func Orphaned(sagaID string, err error) *Error {
	return &Error{Tag: TagOrphaned, SagaID: sagaID, Msg: "compensation exhausted retries", Err: err}
}

func DeadlineExceeded(err error) *Error {
	return &Error{Tag: TagDeadlineExceeded, Msg: "deadline exceeded", Err: err}
}

// Internal wraps an unexpected programming error. A correlation id is minted
// so operators can match the caller-visible error to server logs.
func Internal(err error) *Error {
	return &Error{
		Tag:           TagInternal,
		Msg:           "internal error",
		CorrelationID: uuid.Must(uuid.NewV7()).String(),
		Err:           err,
	}
}

// PartialError reports a batch or search that completed with some backends
// failing. Result remains usable; callers decide whether partial is success.
type PartialError struct {
	Errors map[string]error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s: %d backend(s) failed", TagPartialResult, len(e.Errors))
}
