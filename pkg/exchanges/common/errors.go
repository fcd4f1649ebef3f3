package common

import (
	"errors"
	"fmt"
)

// Kind classifies adapter and routing failures. The kind decides the retry
// policy: only transient errors are ever retried.
type Kind string

const (
	KindValidation     Kind = "validation"     // malformed intent, never retried
	KindRiskRejected   Kind = "risk_rejected"  // sl x leverage over policy
	KindTransient      Kind = "transient"      // timeout / network / 5xx
	KindRejected       Kind = "rejected"       // venue rejected (balance, leverage, market closed)
	KindReconciliation Kind = "reconciliation" // store vs venue disagree
)

// Error is the typed failure surfaced by adapters and the router.
type Error struct {
	Kind     Kind
	Exchange string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Exchange != "" {
		return fmt.Sprintf("%s: %s: %s: %v", e.Exchange, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error.
func NewError(kind Kind, exchange, op string, err error) *Error {
	return &Error{Kind: kind, Exchange: exchange, Op: op, Err: err}
}

// Validationf builds a validation error.
func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, or "" when err is not typed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
