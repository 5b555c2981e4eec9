package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"order-engine/internal/gateway"
	"order-engine/internal/models"
	"order-engine/internal/service"
	"order-engine/internal/store"
	"order-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// WebhookParser verifies and decodes gateway webhook deliveries.
type WebhookParser interface {
	ParseWebhook(payload []byte, sigHeader string) (models.PaymentOutcomeEvent, error)
}

// EventGuard remembers gateway event ids that are being or have been processed.
type EventGuard interface {
	MarkEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ForgetEvent(ctx context.Context, eventID string) error
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders   *service.OrderService
	payments *service.Reconciler
	webhooks WebhookParser
	guard    EventGuard
	guardTTL time.Duration
	checks   map[string]Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders *service.OrderService, payments *service.Reconciler, webhooks WebhookParser) *Handler {
	return &Handler{
		orders:   orders,
		payments: payments,
		webhooks: webhooks,
		checks:   make(map[string]Pinger),
		logger:   util.GetLogger(),
	}
}

// WithEventGuard skips webhook events already seen within ttl.
func (h *Handler) WithEventGuard(guard EventGuard, ttl time.Duration) *Handler {
	h.guard = guard
	h.guardTTL = ttl
	return h
}

// WithReadinessCheck adds a dependency to /ready.
func (h *Handler) WithReadinessCheck(name string, p Pinger) *Handler {
	h.checks[name] = p
	return h
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/confirm-payment", h.confirmPayment)
		v1.PATCH("/orders/:id/status", h.updateStatus)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/return", h.returnOrder)
		v1.PATCH("/orders/:id/items/:itemId/status", h.updateItemStatus)

		v1.POST("/payments/webhook", h.paymentWebhook)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listOrders(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, err)
			return
		}
		limit = n
	}

	orders, err := h.orders.ListOrders(c.Request.Context(), c.DefaultQuery("status", string(models.OrderStatusPending)), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

type confirmPaymentRequest struct {
	GatewayHandleID string `json:"gateway_handle_id" binding:"required"`
}

func (h *Handler) confirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	order, err := h.payments.ConfirmClientPayment(c.Request.Context(), c.Param("id"), req.GatewayHandleID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
	Actor  string `json:"actor" binding:"required"`
}

func (h *Handler) updateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), c.Param("id"), models.OrderStatus(req.Status), req.Note, req.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type reasonRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor" binding:"required"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	order, err := h.orders.Cancel(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) returnOrder(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	order, err := h.orders.Return(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type updateItemStatusRequest struct {
	SellerID     string               `json:"seller_id" binding:"required"`
	Status       string               `json:"status" binding:"required"`
	TrackingInfo *models.TrackingInfo `json:"tracking_info"`
	Actor        string               `json:"actor"`
}

func (h *Handler) updateItemStatus(c *gin.Context) {
	var req updateItemStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Actor == "" {
		req.Actor = req.SellerID
	}

	order, err := h.orders.UpdateItemStatus(c.Request.Context(),
		c.Param("id"), c.Param("itemId"), req.SellerID,
		models.OrderStatus(req.Status), req.TrackingInfo, req.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// paymentWebhook acknowledges every verified delivery the gateway should not
// retry. Only failures worth retrying answer 5xx.
func (h *Handler) paymentWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	logger := util.LoggerWithTrace(ctx, h.logger)

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, err)
		return
	}

	evt, err := h.webhooks.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, gateway.ErrUnsupportedEvent):
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	case err != nil:
		util.WebhookSignatureFailuresTotal.Inc()
		logger.Error("Rejected payment webhook",
			zap.String("remote_addr", c.ClientIP()),
			zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
		return
	}

	if h.guard != nil && evt.EventID != "" {
		fresh, err := h.guard.MarkEvent(ctx, evt.EventID, h.guardTTL)
		if err != nil {
			// The order CAS still dedupes; the guard only saves work.
			logger.Warn("Webhook event guard unavailable", zap.Error(err))
		} else if !fresh {
			util.PaymentOutcomesDuplicateTotal.WithLabelValues(string(models.ChannelWebhook)).Inc()
			c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
			return
		}
	}

	_, err = h.payments.ConfirmPayment(ctx, "", evt, models.ChannelWebhook)
	var (
		nf  *service.OrderNotFoundError
		ite *service.InvalidTransitionError
	)
	switch {
	case err == nil:
	case errors.As(err, &nf), errors.As(err, &ite):
		logger.Warn("Acknowledged unprocessable payment webhook",
			zap.String("event_id", evt.EventID),
			zap.Error(err))
	default:
		if h.guard != nil && evt.EventID != "" {
			if ferr := h.guard.ForgetEvent(context.WithoutCancel(ctx), evt.EventID); ferr != nil {
				logger.Warn("Failed to release webhook event", zap.Error(ferr))
			}
		}
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		ve  *service.ValidationError
		se  *service.InsufficientStockError
		nf  *service.OrderNotFoundError
		ite *service.InvalidTransitionError
	)

	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": ve.Fields})
	case errors.As(err, &se):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient stock", "shortages": se.Shortages})
	case errors.As(err, &nf), errors.Is(err, store.ErrLineItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &ite), errors.Is(err, service.ErrPaymentNotCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrSellerMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrPaymentGateway):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		util.LoggerWithTrace(c.Request.Context(), h.logger).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
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

// requestLogger logs one line per request through the service logger.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		util.LoggerWithTrace(c.Request.Context(), logger).Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
