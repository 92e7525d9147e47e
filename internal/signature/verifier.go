// Package signature checks the two HMAC-SHA256 contracts the payment gateway
// uses: buyer-redirect confirmations keyed by the API secret, and webhook
// pushes keyed by the webhook secret.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"order-finalizer/internal/models"
)

// Verifier holds both signing secrets. They are never interchangeable.
type Verifier struct {
	paymentSecret []byte
	webhookSecret []byte
}

// NewVerifier creates a verifier for the given payment and webhook secrets.
func NewVerifier(paymentSecret, webhookSecret string) (*Verifier, error) {
	if paymentSecret == "" || webhookSecret == "" {
		return nil, errors.New("signature: both secrets are required")
	}
	return &Verifier{
		paymentSecret: []byte(paymentSecret),
		webhookSecret: []byte(webhookSecret),
	}, nil
}

// PaymentPayload returns the canonical string signed on buyer redirect.
func PaymentPayload(gatewayOrderID, paymentID string) string {
	return gatewayOrderID + "|" + paymentID
}

// SignPayment computes the hex signature for a buyer-redirect confirmation.
func (v *Verifier) SignPayment(gatewayOrderID, paymentID string) string {
	return hex.EncodeToString(compute(v.paymentSecret, []byte(PaymentPayload(gatewayOrderID, paymentID))))
}

// SignWebhook computes the hex signature over a raw webhook body.
func (v *Verifier) SignWebhook(body []byte) string {
	return hex.EncodeToString(compute(v.webhookSecret, body))
}

// VerifyPayment checks the signature the buyer's client received from the gateway redirect.
func (v *Verifier) VerifyPayment(gatewayOrderID, paymentID, signature string) error {
	if gatewayOrderID == "" || paymentID == "" {
		return fmt.Errorf("gateway order id and payment id are required: %w", models.ErrValidation)
	}
	return verify(v.paymentSecret, []byte(PaymentPayload(gatewayOrderID, paymentID)), signature)
}

// VerifyWebhook checks a webhook signature against the unparsed request body.
func (v *Verifier) VerifyWebhook(rawBody []byte, signature string) error {
	return verify(v.webhookSecret, rawBody, signature)
}

func verify(secret, message []byte, signature string) error {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return fmt.Errorf("malformed signature: %w", models.ErrSignatureMismatch)
	}
	if !hmac.Equal(provided, compute(secret, message)) {
		return models.ErrSignatureMismatch
	}
	return nil
}

func compute(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
