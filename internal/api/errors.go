package api

import (
	"errors"
	"net/http"

	"order-finalizer/internal/models"

	"github.com/gin-gonic/gin"
)

// buyerMessages are shown to the buyer instead of raw errors.
var buyerMessages = map[string]string{
	"validation_error":     "The request is missing or has invalid fields.",
	"signature_mismatch":   "We could not verify this payment.",
	"not_found":            "Order not found.",
	"invalid_state":        "This order can no longer be paid.",
	"expired":              "The payment window for this order has closed. Please check out again.",
	"amount_mismatch":      "The paid amount does not match the order. Please contact support.",
	"out_of_stock":         "An item went out of stock while you were paying. Your payment will be refunded.",
	"coupon_unavailable":   "The coupon is no longer available. Please check out again.",
	"gateway_unavailable":  "The payment provider is unreachable. Please try again shortly.",
	"payment_not_captured": "Your payment is still being processed. Please try again shortly.",
	"transient_failure":    "Something went wrong on our side. Please try again.",
}

// statusFor maps an error to the HTTP status the buyer-facing routes return.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrSignatureMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, models.ErrStockConflict),
		errors.Is(err, models.ErrCouponUnavailable),
		errors.Is(err, models.ErrPaymentNotCaptured):
		return http.StatusConflict
	case errors.Is(err, models.ErrOrderExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrAmountMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrGatewayUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// writeError responds with the reason code only. Details stay in the logs.
func writeError(c *gin.Context, err error) {
	reason := models.Reason(err)
	c.JSON(statusFor(err), gin.H{
		"error":     reason,
		"message":   buyerMessages[reason],
		"retryable": models.IsRetryable(err),
	})
}

// writeBindError hides the validator's message, which names internal
// struct fields.
func writeBindError(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":     "validation_error",
		"message":   buyerMessages["validation_error"],
		"retryable": false,
	})
}
