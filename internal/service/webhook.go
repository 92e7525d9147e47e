package service

import (
	"context"
	"encoding/json"
	"time"

	"order-finalizer/internal/models"
	"order-finalizer/internal/util"

	"go.uber.org/zap"
)

// Webhook events that confirm a payment. Everything else is acknowledged and ignored.
const (
	EventPaymentCaptured = "payment.captured"
	EventOrderPaid       = "order.paid"
)

// Webhook outcome statuses
const (
	WebhookProcessed        = "processed"
	WebhookAlreadyProcessed = "already_processed"
	WebhookDuplicate        = "duplicate"
	WebhookIgnored          = "ignored"
)

// WebhookOutcome is what the gateway gets back for an accepted delivery.
type WebhookOutcome struct {
	Event   string `json:"event,omitempty"`
	Status  string `json:"status"`
	OrderID string `json:"order_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

func (e *webhookEnvelope) gatewayOrderID() string {
	if id := e.Payload.Payment.Entity.OrderID; id != "" {
		return id
	}
	return e.Payload.Order.Entity.ID
}

// WebhookProcessor turns signed gateway callbacks into confirmation events.
type WebhookProcessor struct {
	verifier  SignatureVerifier
	finalizer *OrderFinalizer
	deduper   EventDeduper
	dedupTTL  time.Duration
	logger    *zap.Logger
}

// NewWebhookProcessor creates a new webhook processor. deduper may be nil.
func NewWebhookProcessor(verifier SignatureVerifier, finalizer *OrderFinalizer, deduper EventDeduper, dedupTTL time.Duration) *WebhookProcessor {
	return &WebhookProcessor{
		verifier:  verifier,
		finalizer: finalizer,
		deduper:   deduper,
		dedupTTL:  dedupTTL,
		logger:    util.GetLogger(),
	}
}

// Process handles one webhook delivery. rawBody must be the exact bytes
// received. An error is returned only when the gateway should retry or the
// delivery is unauthenticated; terminal business failures come back as an
// ignored outcome so the gateway stops retrying.
func (p *WebhookProcessor) Process(ctx context.Context, rawBody []byte, signature, eventID string) (*WebhookOutcome, error) {
	ctx, span := util.StartSpan(ctx, "WebhookProcessor.Process")
	var err error
	defer func() { util.EndSpan(span, err) }()

	if err = p.verifier.VerifyWebhook(rawBody, signature); err != nil {
		util.SignatureFailuresTotal.WithLabelValues(models.SourceWebhook).Inc()
		util.WebhookEventsTotal.WithLabelValues("unknown", "signature_mismatch").Inc()
		util.SecurityLogger().Error("Webhook signature mismatch",
			zap.String("event_id", eventID),
			zap.Int("body_bytes", len(rawBody)))
		return nil, err
	}

	if p.seen(ctx, eventID) {
		util.WebhookEventsTotal.WithLabelValues("unknown", WebhookDuplicate).Inc()
		p.logger.Info("Webhook delivery already handled", zap.String("event_id", eventID))
		return &WebhookOutcome{Status: WebhookDuplicate}, nil
	}

	var envelope webhookEnvelope
	if jsonErr := json.Unmarshal(rawBody, &envelope); jsonErr != nil {
		p.logger.Warn("Ignoring unparseable webhook body", zap.String("event_id", eventID), zap.Error(jsonErr))
		return p.finish(ctx, eventID, &WebhookOutcome{Status: WebhookIgnored, Reason: models.Reason(models.ErrValidation)}), nil
	}

	if envelope.Event != EventPaymentCaptured && envelope.Event != EventOrderPaid {
		p.logger.Debug("Ignoring webhook event", zap.String("event", envelope.Event), zap.String("event_id", eventID))
		return p.finish(ctx, eventID, &WebhookOutcome{Event: envelope.Event, Status: WebhookIgnored, Reason: "unhandled_event"}), nil
	}

	result, err := p.finalizer.Finalize(ctx, ConfirmRequest{
		GatewayOrderID: envelope.gatewayOrderID(),
		PaymentID:      envelope.Payload.Payment.Entity.ID,
		Source:         models.SourceWebhook,
	})
	if err != nil {
		if models.IsRetryable(err) {
			util.WebhookEventsTotal.WithLabelValues(envelope.Event, "retry").Inc()
			p.logger.Warn("Webhook processing failed, gateway will retry",
				zap.String("event", envelope.Event),
				zap.String("event_id", eventID),
				zap.Error(err))
			return nil, err
		}
		reason := models.Reason(err)
		p.logger.Warn("Webhook confirmation rejected",
			zap.String("event", envelope.Event),
			zap.String("event_id", eventID),
			zap.String("reason", reason),
			zap.Error(err))
		return p.finish(ctx, eventID, &WebhookOutcome{
			Event:  envelope.Event,
			Status: WebhookIgnored,
			Reason: reason,
		}), nil
	}

	outcome := &WebhookOutcome{Event: envelope.Event, Status: WebhookProcessed, OrderID: result.Order.ID}
	if result.AlreadyConfirmed {
		outcome.Status = WebhookAlreadyProcessed
	}
	return p.finish(ctx, eventID, outcome), nil
}

// seen is best-effort: a dedup store failure only costs an extra, idempotent
// finalize attempt.
func (p *WebhookProcessor) seen(ctx context.Context, eventID string) bool {
	if p.deduper == nil || eventID == "" {
		return false
	}
	seen, err := p.deduper.WebhookEventSeen(ctx, eventID)
	if err != nil {
		p.logger.Warn("Webhook dedup lookup failed", zap.String("event_id", eventID), zap.Error(err))
		return false
	}
	return seen
}

func (p *WebhookProcessor) finish(ctx context.Context, eventID string, outcome *WebhookOutcome) *WebhookOutcome {
	event := outcome.Event
	if event == "" {
		event = "unknown"
	}
	util.WebhookEventsTotal.WithLabelValues(event, outcome.Status).Inc()

	if p.deduper != nil && eventID != "" {
		if _, err := p.deduper.MarkWebhookEvent(ctx, eventID, outcome.Status, p.dedupTTL); err != nil {
			p.logger.Warn("Failed to record webhook delivery", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	return outcome
}
