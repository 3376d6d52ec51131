// Package d20err defines the structured error taxonomy shared across the
// blackboard core.
package d20err

import (
	"errors"
	"fmt"
)

// Kind classifies a core error so callers can branch on errors.Is/As
// without parsing strings.
type Kind string

const (
	// KindNotFound covers unknown ids and wrong-kind id lookups.
	KindNotFound Kind = "not_found"
	// KindImmutable covers mutation of an already-added fact/hyp.
	KindImmutable Kind = "immutable"
	// KindTimeout covers a wait_till_entry deadline elapsing.
	KindTimeout Kind = "timeout"
	// KindCancelled covers a waiter cancelled at its park point.
	KindCancelled Kind = "cancelled"
	// KindDuplicate covers a fact-type re-registration under a distinct class.
	KindDuplicate Kind = "duplicate"
	// KindReservedName covers a field or type name colliding with the public API surface.
	KindReservedName Kind = "reserved_name"
	// KindUnknownFieldKind covers an undeclared field-kind in a schema.
	KindUnknownFieldKind Kind = "unknown_field_kind"
	// KindInvariant covers scheduler/store invariant violations and corrupt saves; fatal.
	KindInvariant Kind = "invariant"
)

// Error is the structured error carried across package boundaries.
type Error struct {
	Kind   Kind
	Where  string // component/operation, e.g. "blackboard.AddFact"
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Where, e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Where, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, d20err.NotFound) match any *Error with that Kind,
// mirroring the sentinel-comparison idiom the store wrappers rely on.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	if te.Detail != "" {
		return e.Kind == te.Kind && e.Detail == te.Detail
	}
	return e.Kind == te.Kind
}

// New builds an *Error without a wrapped cause.
func New(kind Kind, where, detail string) *Error {
	return &Error{Kind: kind, Where: where, Detail: detail}
}

// Wrap builds an *Error that wraps an underlying cause, in the
// op-then-cause idiom the store uses throughout.
func Wrap(kind Kind, where, detail string, cause error) *Error {
	return &Error{Kind: kind, Where: where, Detail: detail, Cause: cause}
}

// Sentinel kind markers for errors.Is comparisons that only care about Kind.
var (
	NotFound         = &Error{Kind: KindNotFound}
	Immutable        = &Error{Kind: KindImmutable}
	Timeout          = &Error{Kind: KindTimeout}
	Cancelled        = &Error{Kind: KindCancelled}
	Duplicate        = &Error{Kind: KindDuplicate}
	ReservedName     = &Error{Kind: KindReservedName}
	UnknownFieldKind = &Error{Kind: KindUnknownFieldKind}
	Invariant        = &Error{Kind: KindInvariant}
)

// IsKind reports whether err (or something it wraps) carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
