package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-finalizer/internal/gateway"
	"order-finalizer/internal/models"
	"order-finalizer/internal/store"
	"order-finalizer/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// confirmedStatus is where every confirmation path moves a PENDING order, so
// whichever path commits first wins and the other becomes a replay.
const confirmedStatus = models.OrderStatusProcessing

// finalizeTimeout bounds a shared attempt, which outlives the caller that
// started it.
const finalizeTimeout = 30 * time.Second

// ConfirmRequest is a candidate confirmation event whose signature has
// already been checked by the ingress that received it.
type ConfirmRequest struct {
	GatewayOrderID string
	PaymentID      string
	Source         string
}

func (r ConfirmRequest) validate() error {
	if r.GatewayOrderID == "" || r.PaymentID == "" {
		return fmt.Errorf("gateway order id and payment id are required: %w", models.ErrValidation)
	}
	switch r.Source {
	case models.SourceDirect, models.SourceWebhook:
		return nil
	}
	return fmt.Errorf("unknown confirmation source %q: %w", r.Source, models.ErrValidation)
}

// FinalizeResult is returned for both fresh confirmations and replays.
type FinalizeResult struct {
	Order            *models.Order
	AlreadyConfirmed bool
}

// OrderFinalizer moves an order out of PENDING exactly once, no matter how
// many confirmation events arrive or from which path.
type OrderFinalizer struct {
	store    LedgerStore
	gateway  PaymentGateway
	verifier SignatureVerifier
	sender   *confirmationSender
	logger   *zap.Logger
	now      func() time.Time
	inflight singleflight.Group
}

// NewOrderFinalizer creates a new order finalizer
func NewOrderFinalizer(
	store LedgerStore,
	gateway PaymentGateway,
	verifier SignatureVerifier,
	notifier Notifier,
	notifyTimeout time.Duration,
) *OrderFinalizer {
	logger := util.GetLogger()
	return &OrderFinalizer{
		store:    store,
		gateway:  gateway,
		verifier: verifier,
		sender:   &confirmationSender{notifier: notifier, outbox: store, timeout: notifyTimeout, logger: logger},
		logger:   logger,
		now:      time.Now,
	}
}

// ConfirmPayment handles the buyer-redirect path: it checks the
// orderId|paymentId signature the buyer's client received, then finalizes.
func (f *OrderFinalizer) ConfirmPayment(ctx context.Context, gatewayOrderID, paymentID, signature string) (*FinalizeResult, error) {
	if err := f.verifier.VerifyPayment(gatewayOrderID, paymentID, signature); err != nil {
		if errors.Is(err, models.ErrSignatureMismatch) {
			util.SignatureFailuresTotal.WithLabelValues(models.SourceDirect).Inc()
			util.SecurityLogger().Error("Payment signature mismatch",
				zap.String("gateway_order_id", gatewayOrderID),
				zap.String("payment_id", paymentID))
		}
		util.FinalizeOutcomesTotal.WithLabelValues(models.SourceDirect, models.Reason(err)).Inc()
		return nil, err
	}

	return f.Finalize(ctx, ConfirmRequest{
		GatewayOrderID: gatewayOrderID,
		PaymentID:      paymentID,
		Source:         models.SourceDirect,
	})
}

// Finalize applies a verified confirmation event.
func (f *OrderFinalizer) Finalize(ctx context.Context, req ConfirmRequest) (*FinalizeResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderFinalizer.Finalize")
	var err error
	defer func() { util.EndSpan(span, err) }()

	util.FinalizeAttemptsTotal.WithLabelValues(req.Source).Inc()
	start := time.Now()
	defer func() {
		util.FinalizeLatency.WithLabelValues(req.Source).Observe(time.Since(start).Seconds())
	}()

	if err = req.validate(); err != nil {
		util.FinalizeOutcomesTotal.WithLabelValues(req.Source, models.Reason(err)).Inc()
		return nil, err
	}

	// Identical events racing inside this process share one attempt. The
	// attempt runs detached so one caller giving up does not fail the others.
	// Cross-process races are settled by the store.
	key := req.GatewayOrderID + "|" + req.PaymentID
	ch := f.inflight.DoChan(key, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		return f.finalize(shared, req)
	})

	var result *FinalizeResult
	select {
	case res := <-ch:
		err = res.Err
		if err == nil {
			result = res.Val.(*FinalizeResult)
		}
	case <-ctx.Done():
		err = fmt.Errorf("waiting on confirmation of %s: %w", req.GatewayOrderID, ctx.Err())
	}

	outcome := models.Reason(err)
	if result != nil && result.AlreadyConfirmed {
		outcome = "already_confirmed"
	}
	util.FinalizeOutcomesTotal.WithLabelValues(req.Source, outcome).Inc()
	return result, err
}

func (f *OrderFinalizer) finalize(ctx context.Context, req ConfirmRequest) (*FinalizeResult, error) {
	order, err := f.store.GetOrderByGatewayID(ctx, req.GatewayOrderID)
	if err != nil {
		return nil, err
	}

	if result, done, err := f.checkState(order, req); done {
		return result, err
	}

	if order.Expired(f.now()) {
		f.logger.Warn("Rejecting confirmation for expired order",
			zap.String("order_id", order.ID),
			zap.Time("expires_at", *order.ExpiresAt),
			zap.String("source", req.Source))
		return nil, fmt.Errorf("order %s expired at %s: %w", order.ID, order.ExpiresAt.Format(time.RFC3339), models.ErrOrderExpired)
	}

	gwOrder, err := f.gateway.FetchOrder(ctx, req.GatewayOrderID)
	if err != nil {
		return nil, err
	}

	if err := f.checkAmount(order, gwOrder, req); err != nil {
		return nil, err
	}

	items, err := f.store.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	order.PaymentID = &req.PaymentID
	event := newConfirmedEvent(order, items, req.Source, f.now())

	committed, err := f.store.FinalizeOrder(ctx, store.FinalizeParams{
		OrderID:      order.ID,
		PaymentID:    req.PaymentID,
		TargetStatus: confirmedStatus,
		Items:        items,
		CouponCode:   order.CouponCode,
		Event:        event,
	})
	if errors.Is(err, models.ErrOrderNotPending) {
		return f.resolveLostRace(ctx, req)
	}
	if err != nil {
		if errors.Is(err, models.ErrStockConflict) {
			util.StockConflictsTotal.Inc()
			f.logger.Error("Order went out of stock during payment, manual refund required",
				zap.String("order_id", order.ID),
				zap.String("payment_id", req.PaymentID),
				zap.Error(err))
		}
		return nil, err
	}

	if order.CouponCode != nil && !committed.CouponRedeemed {
		util.CouponOverLimitTotal.Inc()
		f.logger.Warn("Coupon usage limit reached before commit, usage not counted",
			zap.String("order_id", order.ID),
			zap.String("coupon_code", *order.CouponCode))
	}

	order.Status = confirmedStatus
	util.OrdersConfirmedTotal.WithLabelValues(req.Source).Inc()
	f.logger.Info("Order confirmed",
		zap.String("order_id", order.ID),
		zap.String("payment_id", req.PaymentID),
		zap.String("source", req.Source))

	f.sender.send(ctx, event)
	return &FinalizeResult{Order: order}, nil
}

// checkAmount compares the gateway's order amount and captured amount with
// the order's stored amount. Nothing captured yet is retryable; any other
// difference is rejected.
func (f *OrderFinalizer) checkAmount(order *models.Order, gwOrder *gateway.Order, req ConfirmRequest) error {
	expected := order.AmountMinorUnits()
	if gwOrder.AmountMinor == expected && gwOrder.AmountPaid == 0 {
		f.logger.Info("Payment not captured yet",
			zap.String("order_id", order.ID),
			zap.String("gateway_order_id", req.GatewayOrderID),
			zap.String("gateway_status", gwOrder.Status),
			zap.String("source", req.Source))
		return fmt.Errorf("order %s: gateway has captured nothing: %w", order.ID, models.ErrPaymentNotCaptured)
	}
	if gwOrder.AmountMinor == expected && gwOrder.AmountPaid == expected {
		return nil
	}

	util.AmountMismatchTotal.Inc()
	util.SecurityLogger().Error("Gateway amount mismatch",
		zap.String("order_id", order.ID),
		zap.String("gateway_order_id", req.GatewayOrderID),
		zap.String("payment_id", req.PaymentID),
		zap.Int64("expected_minor", expected),
		zap.Int64("gateway_minor", gwOrder.AmountMinor),
		zap.Int64("gateway_paid_minor", gwOrder.AmountPaid),
		zap.String("source", req.Source))
	return fmt.Errorf("order %s: expected %d, gateway reports %d with %d captured: %w",
		order.ID, expected, gwOrder.AmountMinor, gwOrder.AmountPaid, models.ErrAmountMismatch)
}

// checkState decides whether the event can proceed. done is true when the
// order's state already determines the outcome.
func (f *OrderFinalizer) checkState(order *models.Order, req ConfirmRequest) (*FinalizeResult, bool, error) {
	if order.Status == models.OrderStatusPending {
		return nil, false, nil
	}

	if models.IsConfirmedStatus(order.Status) {
		fields := []zap.Field{
			zap.String("order_id", order.ID),
			zap.String("status", order.Status),
			zap.String("source", req.Source),
		}
		if order.PaymentID != nil && *order.PaymentID != req.PaymentID {
			f.logger.Warn("Confirmation replay with a different payment id",
				append(fields, zap.String("recorded_payment_id", *order.PaymentID), zap.String("payment_id", req.PaymentID))...)
		} else {
			f.logger.Info("Order already confirmed", fields...)
		}
		return &FinalizeResult{Order: order, AlreadyConfirmed: true}, true, nil
	}

	return nil, true, fmt.Errorf("order %s is %s: %w", order.ID, order.Status, models.ErrInvalidStateTransition)
}

// resolveLostRace re-reads an order whose status flip matched no PENDING row.
func (f *OrderFinalizer) resolveLostRace(ctx context.Context, req ConfirmRequest) (*FinalizeResult, error) {
	current, err := f.store.GetOrderByGatewayID(ctx, req.GatewayOrderID)
	if err != nil {
		return nil, err
	}
	result, done, err := f.checkState(current, req)
	if !done {
		// Still PENDING after a zero-row conditional update: nothing we can
		// trust happened, let the caller retry.
		return nil, fmt.Errorf("order %s still pending after conditional update: %w", current.ID, models.ErrTransientStore)
	}
	return result, err
}
