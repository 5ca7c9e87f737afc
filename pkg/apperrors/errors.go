// Package apperrors defines the error kinds the pipeline and the escalation
// workflow surface to callers. Callers test kinds with errors.Is.
package apperrors

import (
	"errors"

	"github.com/rotisserie/eris"
)

var (
	// ErrInvalidInput means no canonical text could be produced; the pipeline
	// does not run.
	ErrInvalidInput = eris.New("invalid input")

	// ErrUpstreamUnavailable marks a similarity store, generation, speech or
	// vision call that failed or timed out.
	ErrUpstreamUnavailable = eris.New("upstream unavailable")

	// ErrInvalidTransition is returned for an escalation state change that the
	// lifecycle does not allow. State is left unchanged.
	ErrInvalidTransition = eris.New("invalid escalation transition")

	ErrNotFound = eris.New("not found")

	// ErrPersistence is returned when a storage write keeps failing after
	// bounded retries.
	ErrPersistence = eris.New("persistence failure")

	// ErrAbandoned is returned when the caller gives up on a query before a
	// decision was reached.
	ErrAbandoned = eris.New("query abandoned by caller")
)

// InvalidInput wraps a reason as ErrInvalidInput.
func InvalidInput(reason string) error {
	return eris.Wrap(ErrInvalidInput, reason)
}

// InvalidInputFrom marks a failure to produce canonical text, keeping the
// cause.
func InvalidInputFrom(err error, what string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrInvalidInput, cause: eris.Wrap(err, what), what: what}
}

// InvalidTransition wraps a reason as ErrInvalidTransition.
func InvalidTransition(reason string) error {
	return eris.Wrap(ErrInvalidTransition, reason)
}

// Upstream wraps an upstream failure so both the cause and the kind match
// errors.Is.
func Upstream(err error, what string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrUpstreamUnavailable, cause: eris.Wrap(err, what), what: what}
}

// Persistence wraps a storage failure as ErrPersistence.
func Persistence(err error, what string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrPersistence, cause: eris.Wrap(err, what), what: what}
}

// Abandoned marks a query the caller gave up on; cause is usually the
// context error.
func Abandoned(cause error) error {
	if cause == nil {
		return ErrAbandoned
	}
	return &kindError{kind: ErrAbandoned, cause: eris.Wrap(cause, "caller gave up")}
}

type kindError struct {
	kind  error
	cause error
	what  string
}

func (e *kindError) Error() string { return e.cause.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.cause} }

// Public renders err for a caller. Wrapped causes from other systems are
// left out; only the description given at the wrap site and the kind remain.
func Public(err error) string {
	if err == nil {
		return ""
	}
	var ke *kindError
	if errors.As(err, &ke) {
		if ke.what == "" {
			return ke.kind.Error()
		}
		return ke.what + ": " + ke.kind.Error()
	}
	return err.Error()
}

// Is reports whether err is one of the caller-visible kinds.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
