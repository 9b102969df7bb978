// Package apperr defines the typed failures surfaced by the fulfillment core.
//
// Every failure carries a stable code and a kind. The kind tells callers how to react:
// business failures are final answers, transient failures may be retried with backoff,
// integrity failures stop the operation and need an operator.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindBusiness
	KindInput
	KindNotFound
	KindForbidden
	KindTransient
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindBusiness:
		return "business"
	case KindInput:
		return "input"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

// Error is a classified failure. Sentinels are compared by identity, so wrap them
// with fmt.Errorf("...: %w", ErrX) to add context.
type Error struct {
	Code    string
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Code: code, Kind: kind, Message: msg}
}

var (
	ErrOutOfStock        = newErr(KindBusiness, "out_of_stock", "out of stock")
	ErrInsufficientFunds = newErr(KindBusiness, "insufficient_funds", "insufficient funds")
	ErrAlreadyRevealed   = newErr(KindBusiness, "already_revealed", "credential already revealed")
	ErrExpired           = newErr(KindBusiness, "expired", "reveal window expired")
	ErrVoucherInvalid    = newErr(KindBusiness, "voucher_invalid", "voucher is not valid")
	ErrQuotaExhausted    = newErr(KindBusiness, "quota_exhausted", "voucher quota exhausted")
	ErrDeliveryClosed    = newErr(KindBusiness, "delivery_closed", "delivery is closed")
	ErrNotAllocated      = newErr(KindBusiness, "not_allocated", "no credential allocated yet")
	ErrNotRevealed       = newErr(KindBusiness, "not_revealed", "credential has not been revealed")
	ErrOrderNotPending   = newErr(KindBusiness, "order_not_pending", "order is not pending")
	ErrOrderNotPaid      = newErr(KindBusiness, "order_not_paid", "order is not paid")
	ErrPaymentInProgress = newErr(KindBusiness, "payment_in_progress", "a gateway payment for this order is still open")
	ErrInvalidTransition = newErr(KindBusiness, "invalid_transition", "invalid status transition")
	ErrDuplicateKey      = newErr(KindBusiness, "duplicate_key", "license key already exists")

	ErrInvalidInput = newErr(KindInput, "invalid_input", "invalid input")
	ErrMissingUser  = newErr(KindInput, "missing_user", "missing user id")

	ErrNotFound  = newErr(KindNotFound, "not_found", "not found")
	ErrForbidden = newErr(KindForbidden, "forbidden", "forbidden")

	ErrUnavailable    = newErr(KindTransient, "unavailable", "temporarily unavailable")
	ErrGatewayFailure = newErr(KindTransient, "gateway_unavailable", "payment gateway unavailable")

	ErrLedgerIntegrity   = newErr(KindIntegrity, "ledger_integrity", "ledger chain mismatch")
	ErrDoubleReservation = newErr(KindIntegrity, "double_reservation", "credential reserved twice")
)

// Invalid wraps ErrInvalidInput with a detail message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}

// As returns the first classified error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return "internal"
}

func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
