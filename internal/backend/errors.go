package backend

import (
	"context"
	"errors"
	"fmt"
)

// Adapter error model. Every adapter returns one of: nil, ErrNotFound,
// ErrVersionConflict, *TransientError (retry is safe) or *PermanentError
// (do not retry; the coordinator compensates).
var (
	ErrNotFound        = errors.New("fragment not found")
	ErrVersionConflict = errors.New("version conflict")
)

// TransientError marks a downstream failure where retry is safe.
type TransientError struct {
	Backend Kind
	Cause   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Backend, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// PermanentError marks a downstream failure that must not be retried.
type PermanentError struct {
	Backend Kind
	Cause   error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent %s failure: %v", e.Backend, e.Cause)
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// Transient wraps err as retryable for the given backend.
func Transient(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Backend: kind, Cause: err}
}

// Permanent wraps err as non-retryable for the given backend.
func Permanent(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Backend: kind, Cause: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is a permanent backend failure.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Classify wraps a raw driver error for kind. Context cancellation and
// deadline expiry pass through untouched so callers can tell them apart from
// backend faults; everything else defaults to transient, the safe choice for
// network-attached stores.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if IsTransient(err) || IsPermanent(err) {
		return err
	}
	return &TransientError{Backend: kind, Cause: err}
}
