package models

import (
	"context"
	"errors"
)

// Finalization failure reasons. Every error returned by the confirmation
// paths wraps exactly one of these.
var (
	ErrValidation             = errors.New("validation failed")
	ErrSignatureMismatch      = errors.New("signature mismatch")
	ErrOrderNotFound          = errors.New("order not found")
	ErrInvalidStateTransition = errors.New("order is not in a confirmable state")
	ErrOrderExpired           = errors.New("order payment window has expired")
	ErrAmountMismatch         = errors.New("gateway amount does not match order amount")
	ErrStockConflict          = errors.New("product went out of stock during payment")
	ErrCouponUnavailable      = errors.New("coupon is no longer available")
	ErrTransientStore         = errors.New("ledger store unavailable")
	ErrGatewayUnavailable     = errors.New("payment gateway unavailable")
	ErrPaymentNotCaptured     = errors.New("payment not captured yet")
)

// Store-level conditions the service layer resolves before surfacing.
var (
	ErrOrderNotPending       = errors.New("order is no longer pending")
	ErrDuplicateGatewayOrder = errors.New("gateway order already recorded")
)

// IsRetryable reports whether the whole confirmation event may safely be
// retried. A caller that gave up before the outcome was known may retry too.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrPaymentNotCaptured)
}

// Reason returns a stable machine-readable code for err.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_state"
	case errors.Is(err, ErrOrderExpired):
		return "expired"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrStockConflict):
		return "out_of_stock"
	case errors.Is(err, ErrCouponUnavailable):
		return "coupon_unavailable"
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, ErrPaymentNotCaptured):
		return "payment_not_captured"
	default:
		return "transient_failure"
	}
}
