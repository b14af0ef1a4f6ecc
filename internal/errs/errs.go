// Package errs defines the error taxonomy shared by the workflow managers,
// the store and the HTTP layer.
//
// Every rejection is an *Error carrying a Kind. The Kind maps to a Category so
// callers can tell "your input was invalid" from "this conflicts with another
// change" from "a dependency is down" without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a specific failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	KindAlreadyPaid
	KindDuplicateWorkOrder
	KindTerminalState
	KindStageConflict
	KindNumberCollision
	KindAmountMismatch
	KindNotPayable
	KindPaymentGateway
	KindInconsistentState
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindValidation:         "validation",
	KindNotFound:           "not_found",
	KindForbidden:          "forbidden",
	KindAlreadyPaid:        "already_paid",
	KindDuplicateWorkOrder: "duplicate_work_order",
	KindTerminalState:      "terminal_state",
	KindStageConflict:      "stage_conflict",
	KindNumberCollision:    "number_collision",
	KindAmountMismatch:     "amount_mismatch",
	KindNotPayable:         "not_payable",
	KindPaymentGateway:     "payment_gateway",
	KindInconsistentState:  "inconsistent_state",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Category groups kinds by how the presentation layer should react.
type Category string

const (
	// CategoryInput: prompt the user to correct the request.
	CategoryInput Category = "input"
	// CategoryConflict: state changed underneath the caller; refresh and retry.
	CategoryConflict Category = "conflict"
	// CategoryBusiness: the request violates a business rule.
	CategoryBusiness Category = "business"
	// CategoryDependency: an external dependency failed; a retry may succeed.
	CategoryDependency Category = "dependency"
	CategoryForbidden  Category = "forbidden"
	CategoryNotFound   Category = "not_found"
	// CategoryInternal requires operator intervention.
	CategoryInternal Category = "internal"
)

// Category returns the reaction group of the kind.
func (k Kind) Category() Category {
	switch k {
	case KindValidation:
		return CategoryInput
	case KindNotFound:
		return CategoryNotFound
	case KindForbidden:
		return CategoryForbidden
	case KindAlreadyPaid, KindDuplicateWorkOrder, KindTerminalState, KindStageConflict, KindNumberCollision:
		return CategoryConflict
	case KindAmountMismatch, KindNotPayable:
		return CategoryBusiness
	case KindPaymentGateway:
		return CategoryDependency
	case KindInconsistentState, KindUnknown:
		return CategoryInternal
	}
	return CategoryInternal
}

// Error is the concrete error type returned by the workflow core.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg = e.Message
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s (cause: %v)", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind, so sentinel values such as
// ErrAlreadyPaid work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrAlreadyPaid        = &Error{Kind: KindAlreadyPaid}
	ErrDuplicateWorkOrder = &Error{Kind: KindDuplicateWorkOrder}
	ErrTerminalState      = &Error{Kind: KindTerminalState}
	ErrStageConflict      = &Error{Kind: KindStageConflict}
	ErrNumberCollision    = &Error{Kind: KindNumberCollision}
	ErrAmountMismatch     = &Error{Kind: KindAmountMismatch}
	ErrNotPayable         = &Error{Kind: KindNotPayable}
	ErrPaymentGateway     = &Error{Kind: KindPaymentGateway}
	ErrInconsistentState  = &Error{Kind: KindInconsistentState}
)

// New builds an *Error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
