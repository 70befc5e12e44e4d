// Package fault defines the error taxonomy shared by all VoxPersona
// components.
//
// Every error that crosses a component boundary carries a [Kind] so that
// callers can branch on the failure class without string matching. Use [New]
// or [Wrap] to attach a kind, [KindOf] to classify, and errors.Is against the
// exported sentinel values when only a boolean check is needed.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the recognised error classes.
type Kind int

const (
	// KindUnknown is the zero value; errors without an attached kind
	// classify as unknown.
	KindUnknown Kind = iota

	// --- Input errors ---

	// KindInvalidReference marks a scenario/report/building triple that does
	// not exist in the relational store.
	KindInvalidReference

	// KindUnrouted marks a dialog query the classifier could not assign to
	// any scope.
	KindUnrouted

	// KindInvalidInput marks empty or otherwise unusable caller input, such
	// as an empty transcription.
	KindInvalidInput

	// --- Resource errors ---

	// KindTimeout marks a deadline that elapsed before a credential or
	// response became available.
	KindTimeout

	// KindCredentialError marks a 401/403 from the LLM provider. Callers may
	// quarantine the offending credential for the rest of the process.
	KindCredentialError

	// KindIndexUnavailable marks a RAG scope whose index has not finished
	// loading yet.
	KindIndexUnavailable

	// --- Transient errors (retried inside the gateway) ---

	// KindRateLimited marks a provider-side 429.
	KindRateLimited

	// KindOverloaded marks a provider-side 529.
	KindOverloaded

	// KindUnavailable marks a transient failure that survived the gateway's
	// full retry budget.
	KindUnavailable

	// --- Fatal ---

	// KindInternal marks an invariant violation, e.g. an empty prompt set
	// resolved for a known triple.
	KindInternal
)

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidReference:
		return "invalid_reference"
	case KindUnrouted:
		return "unrouted"
	case KindInvalidInput:
		return "invalid_input"
	case KindTimeout:
		return "timeout"
	case KindCredentialError:
		return "credential_error"
	case KindIndexUnavailable:
		return "index_unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindOverloaded:
		return "overloaded"
	case KindUnavailable:
		return "unavailable"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind belongs to the transient class that the
// LLM gateway retries with backoff. KindUnavailable is the post-retry verdict
// and is therefore not itself retryable.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindOverloaded
}

// Error is a classified error. It wraps an optional cause and satisfies
// errors.Is for both its cause chain and the sentinel of its kind.
type Error struct {
	// Kind is the failure class.
	Kind Kind

	// Op names the failing operation in "package: action" form.
	Op string

	// Err is the wrapped cause. May be nil for errors originating locally.
	Err error
}

// New creates a classified error with no cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Newf creates a classified error whose operation text is formatted.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil so call sites can wrap
// unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for this error's kind, which
// makes errors.Is(err, fault.Timeout) work across wrap layers.
func (e *Error) Is(target error) bool {
	s, ok := target.(sentinel)
	return ok && Kind(s) == e.Kind
}

// sentinel is an error value representing a bare kind.
type sentinel Kind

func (s sentinel) Error() string { return Kind(s).String() }

// Sentinels for use with errors.Is.
var (
	InvalidReference error = sentinel(KindInvalidReference)
	Unrouted         error = sentinel(KindUnrouted)
	InvalidInput     error = sentinel(KindInvalidInput)
	Timeout          error = sentinel(KindTimeout)
	CredentialError  error = sentinel(KindCredentialError)
	IndexUnavailable error = sentinel(KindIndexUnavailable)
	RateLimited      error = sentinel(KindRateLimited)
	Overloaded       error = sentinel(KindOverloaded)
	Unavailable      error = sentinel(KindUnavailable)
	Internal         error = sentinel(KindInternal)
)

// KindOf extracts the kind from err, walking the wrap chain. Errors that
// never passed through this package classify as KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var s sentinel
	if errors.As(err, &s) {
		return Kind(s)
	}
	return KindUnknown
}
