// Package fail defines the normalized failure taxonomy for purchase runs.
// Adapter errors are classified into a Kind exactly once at the state machine
// boundary; everything downstream branches on the Kind, never on error text.
package fail

import (
	"errors"
	"fmt"
)

// Kind is a normalized failure classification.
type Kind string

const (
	KindNone             Kind = ""
	KindNoResource       Kind = "no_resource_available"
	KindAccountLocked    Kind = "account_locked"
	KindDetectionBlocked Kind = "detection_blocked"
	KindNotInStock       Kind = "not_in_stock"
	KindStockTimeout     Kind = "stock_timeout"
	KindPaymentDeclined  Kind = "payment_declined"
	KindTimeout          Kind = "timeout"
	KindTransient        Kind = "transient"
)

// Retryable reports whether a task failing with this kind may be requeued.
// AccountLocked and DetectionBlocked are retryable because the task can run
// again with a different resource; the damaged resource itself is banned.
func (k Kind) Retryable() bool {
	switch k {
	case KindNoResource, KindTimeout, KindTransient, KindAccountLocked, KindDetectionBlocked:
		return true
	default:
		return false
	}
}

// Fatal reports whether the kind permanently fails the task.
func (k Kind) Fatal() bool {
	return k == KindPaymentDeclined
}

// DamagesAccount reports whether the kind must be charged against the bound account.
func (k Kind) DamagesAccount() bool { return k == KindAccountLocked }

// DamagesProxy reports whether the kind must be charged against the bound proxy.
func (k Kind) DamagesProxy() bool { return k == KindDetectionBlocked }

// Error is a classified failure carrying its Kind and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Classify extracts the Kind from an error chain. Unclassified non-nil
// errors are treated as transient; nil is KindNone.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}
