package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"order-finalizer/internal/models"
	"order-finalizer/internal/service"
	"order-finalizer/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	signatureHeader = "X-Razorpay-Signature"
	eventIDHeader   = "X-Razorpay-Event-Id"

	maxWebhookBody = 1 << 20
)

// OrderAPI is the checkout and purchase surface. *service.OrderService implements it.
type OrderAPI interface {
	Quote(ctx context.Context, req *service.QuoteRequest) (*service.Quote, error)
	InitiateCheckout(ctx context.Context, req *service.CheckoutRequest) (*service.CheckoutResponse, error)
	ConfirmPurchase(ctx context.Context, req *service.PurchaseRequest) (*service.FinalizeResult, error)
	GetOrder(ctx context.Context, orderID string) (*service.OrderDetails, error)
}

// PaymentConfirmer is the buyer-redirect confirmation path. *service.OrderFinalizer implements it.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, gatewayOrderID, paymentID, signature string) (*service.FinalizeResult, error)
}

// WebhookProcessor handles gateway pushes. *service.WebhookProcessor implements it.
type WebhookProcessor interface {
	Process(ctx context.Context, rawBody []byte, signature, eventID string) (*service.WebhookOutcome, error)
}

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders   OrderAPI
	payments PaymentConfirmer
	webhooks WebhookProcessor
	limiter  *RateLimiter
	deps     map[string]Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. limiter may be nil.
func NewHandler(orders OrderAPI, payments PaymentConfirmer, webhooks WebhookProcessor, limiter *RateLimiter, deps map[string]Pinger) *Handler {
	return &Handler{
		orders:   orders,
		payments: payments,
		webhooks: webhooks,
		limiter:  limiter,
		deps:     deps,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/orders/:id", h.getOrder)

		// The gateway's own retries must never be throttled.
		v1.POST("/webhooks/razorpay", h.razorpayWebhook)

		buyer := v1.Group("")
		if h.limiter != nil {
			buyer.Use(h.limiter.Middleware())
		}
		buyer.POST("/checkout/quote", h.quote)
		buyer.POST("/checkout", h.checkout)
		buyer.POST("/payments/verify", h.verifyPayment)
		buyer.POST("/payments/confirm-purchase", h.confirmPurchase)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(gin.H, len(h.deps))
	ready := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			ready = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) quote(c *gin.Context) {
	var req service.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c)
		return
	}

	quote, err := h.orders.Quote(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, "quote", err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (h *Handler) checkout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c)
		return
	}

	resp, err := h.orders.InitiateCheckout(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, "checkout", err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

type verifyPaymentRequest struct {
	GatewayOrderID string `json:"gateway_order_id" binding:"required"`
	PaymentID      string `json:"payment_id" binding:"required"`
	Signature      string `json:"signature" binding:"required"`
}

// verifyPayment handles the buyer's redirect back from the gateway checkout
func (h *Handler) verifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c)
		return
	}

	result, err := h.payments.ConfirmPayment(c.Request.Context(), req.GatewayOrderID, req.PaymentID, req.Signature)
	if err != nil {
		h.respondError(c, "verify payment", err)
		return
	}
	c.JSON(http.StatusOK, confirmationBody(result))
}

func (h *Handler) confirmPurchase(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c)
		return
	}

	result, err := h.orders.ConfirmPurchase(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, "confirm purchase", err)
		return
	}

	code := http.StatusCreated
	if result.AlreadyConfirmed {
		code = http.StatusOK
	}
	c.JSON(code, confirmationBody(result))
}

func confirmationBody(result *service.FinalizeResult) gin.H {
	return gin.H{
		"order_id":          result.Order.ID,
		"status":            result.Order.Status,
		"amount":            result.Order.Amount,
		"already_confirmed": result.AlreadyConfirmed,
	}
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	details, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "get order", err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// razorpayWebhook must see the body exactly as sent, so it reads raw bytes
// and never binds.
func (h *Handler) razorpayWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body", "details": err.Error()})
		return
	}

	outcome, err := h.webhooks.Process(c.Request.Context(), body, c.GetHeader(signatureHeader), c.GetHeader(eventIDHeader))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, outcome)
	case errors.Is(err, models.ErrSignatureMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature_mismatch"})
	default:
		// Retryable: a non-2xx makes the gateway redeliver.
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   models.Reason(err),
			"details": err.Error(),
		})
	}
}

func (h *Handler) respondError(c *gin.Context, op string, err error) {
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("reason", models.Reason(err)),
		zap.String("path", c.FullPath()),
		zap.Error(err),
	}
	if models.IsRetryable(err) {
		h.logger.Error("Request failed", fields...)
	} else {
		h.logger.Info("Request rejected", fields...)
	}
	writeError(c, err)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
