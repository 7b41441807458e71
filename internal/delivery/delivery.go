// Package delivery converts an accepted envelope into exactly one upstream
// send attempt. Transports sit behind a single interface; the retry queue
// owns retries, so a transport classifies its failure and returns.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/SilvioTormen/smtprelay-sub001/internal/email"
)

// Transport is one upstream delivery method.
type Transport interface {
	// Deliver performs a single delivery attempt for the envelope. The
	// envelope is never mutated. A nil error means delivered; otherwise the
	// error carries a Class for the retry queue.
	Deliver(ctx context.Context, env *email.Envelope) error

	// Name returns the transport's configuration name.
	Name() string
}

// Class partitions delivery failures for retry and fallback decisions.
type Class int

const (
	// ClassTransient covers timeouts, 5xx-class upstream responses, and a
	// temporarily unavailable token; the queue retries these with backoff.
	ClassTransient Class = iota

	// ClassPermanent covers rejected recipients, oversize messages, and
	// malformed addresses; the queue dead-letters these.
	ClassPermanent

	// ClassAuthUnavailable covers auth/mechanism-unavailable failures, the
	// only class the hybrid transport falls back on.
	ClassAuthUnavailable
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassAuthUnavailable:
		return "auth_unavailable"
	default:
		return "transient"
	}
}

// Error is a classified delivery failure.
type Error struct {
	Class  Class
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s delivery failure: %s: %v", e.Class, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %s", e.Class, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(reason string, err error) *Error {
	return &Error{Class: ClassTransient, Reason: reason, Err: err}
}

// Permanent wraps err as a dead-letter failure.
func Permanent(reason string, err error) *Error {
	return &Error{Class: ClassPermanent, Reason: reason, Err: err}
}

// AuthUnavailable wraps err as an auth/mechanism failure eligible for
// hybrid fallback.
func AuthUnavailable(reason string, err error) *Error {
	return &Error{Class: ClassAuthUnavailable, Reason: reason, Err: err}
}

// ClassOf extracts the failure class; unclassified errors default to
// transient so nothing is dead-lettered by accident.
func ClassOf(err error) Class {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Class
	}
	return ClassTransient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool { return err != nil && ClassOf(err) == ClassPermanent }

// IsAuthUnavailable reports whether err is in the hybrid fallback class.
func IsAuthUnavailable(err error) bool { return err != nil && ClassOf(err) == ClassAuthUnavailable }

// TokenSource supplies a valid bearer token for one attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}
