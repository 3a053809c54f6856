// Package fault classifies errors into the small set of kinds the runtime
// cares about when deciding whether to retry, dead-letter, or surface an
// error to the caller. Kinds travel with the error chain: wrapping a
// classified error with fmt.Errorf("%w", ...) preserves its kind, and
// KindOf inspects the whole chain.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the coarse classification of an error. Handlers and endpoints
// branch on kinds, never on concrete error types from other packages.
type Kind int

const (
	// KindUnknown marks errors that carry no classification. Callers treat
	// unknown errors as permanent.
	KindUnknown Kind = iota
	// KindValidation marks malformed or out-of-bounds input. Never retried,
	// never published to the bus; endpoints map it to 400.
	KindValidation
	// KindTransient marks failures that may succeed on retry: connection
	// loss, timeouts, temporarily unavailable backends.
	KindTransient
	// KindPermanent marks failures that will not succeed on retry:
	// constraint violations, schema mismatches, invariant breaks.
	KindPermanent
	// KindDuplicate marks a recognized replay, either an idempotency hit or
	// a natural-key collision. Endpoints map it to a duplicate_ignored
	// response rather than an error.
	KindDuplicate
	// KindCapacity marks saturation: full queues, exhausted retrain slots.
	// Endpoints map it to 503.
	KindCapacity
	// KindIntegrity marks content-hash mismatches on model artifacts. The
	// affected version is quarantined and the event dead-lettered.
	KindIntegrity
)

// String returns the stable lowercase name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDuplicate:
		return "duplicate"
	case KindCapacity:
		return "capacity"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Wrap tags err with the given kind. A nil err returns nil. Re-wrapping an
// already classified error overrides the inner kind; the outermost
// classification wins.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// New builds a classified error from a message.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

// Newf builds a classified error from a format string. %w works as in
// fmt.Errorf.
func Newf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Validation tags err as KindValidation.
func Validation(err error) error { return Wrap(KindValidation, err) }

// Transient tags err as KindTransient.
func Transient(err error) error { return Wrap(KindTransient, err) }

// Permanent tags err as KindPermanent.
func Permanent(err error) error { return Wrap(KindPermanent, err) }

// Duplicate tags err as KindDuplicate.
func Duplicate(err error) error { return Wrap(KindDuplicate, err) }

// Capacity tags err as KindCapacity.
func Capacity(err error) error { return Wrap(KindCapacity, err) }

// Integrity tags err as KindIntegrity.
func Integrity(err error) error { return Wrap(KindIntegrity, err) }

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindUnknown when the chain carries no classification.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// IsValidation reports whether err is classified KindValidation.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsTransient reports whether err is classified KindTransient.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsPermanent reports whether err is classified KindPermanent.
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

// IsDuplicate reports whether err is classified KindDuplicate.
func IsDuplicate(err error) bool { return KindOf(err) == KindDuplicate }

// IsCapacity reports whether err is classified KindCapacity.
func IsCapacity(err error) bool { return KindOf(err) == KindCapacity }

// IsIntegrity reports whether err is classified KindIntegrity.
func IsIntegrity(err error) bool { return KindOf(err) == KindIntegrity }

// Retryable reports whether a retry has any chance of succeeding. Only
// transient errors qualify; everything else fails fast.
func Retryable(err error) bool { return IsTransient(err) }
