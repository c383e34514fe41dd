package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	checkout    *service.CheckoutService
	settlement  *service.SettlementEngine
	fulfillment *service.FulfillmentService
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	settlement *service.SettlementEngine,
	fulfillment *service.FulfillmentService,
) *Handler {
	return &Handler{
		checkout:    checkout,
		settlement:  settlement,
		fulfillment: fulfillment,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.createCheckout)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/users/:id/orders", h.getUserOrders)
		v1.GET("/orders/:id/audit", h.getOrderAudit)
		v1.PATCH("/orders/:id/fulfillment", h.transitionFulfillment)
		v1.POST("/payments/settle", h.settle)
		v1.POST("/payments/webhook", h.webhook)
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
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createCheckout handles checkout submissions
func (h *Handler) createCheckout(c *gin.Context) {
	var req service.CreateCheckoutRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.checkout.CreateCheckout(c.Request.Context(), &req)
	if err != nil {
		status, message := checkoutErrorResponse(err)
		c.JSON(status, gin.H{
			"error":   message,
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func checkoutErrorResponse(err error) (int, string) {
	var unavailable *service.ItemUnavailableError
	switch {
	case errors.Is(err, service.ErrEmptyCart):
		return http.StatusBadRequest, "Cart is empty"
	case errors.Is(err, service.ErrInvalidAddress):
		return http.StatusBadRequest, "Shipping address is required"
	case errors.As(err, &unavailable):
		return http.StatusConflict, "Item unavailable"
	default:
		return http.StatusInternalServerError, "Failed to create checkout"
	}
}

// settle handles the client-path settlement confirmation
func (h *Handler) settle(c *gin.Context) {
	var req service.SettleRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.settlement.Settle(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSignatureMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Payment verification failed. Signature mismatch."})
		case errors.Is(err, service.ErrAmountMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Payment verification failed. Amount mismatch."})
		case errors.Is(err, service.ErrNotCaptured):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Payment is not captured."})
		case errors.Is(err, service.ErrUnknownIntent):
			c.JSON(http.StatusNotFound, gin.H{"error": "No order references this payment intent."})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "Settlement could not be completed, retry later.", "details": err.Error()})
		}
		return
	}

	if result.Status == service.SettleStockExhausted {
		message := "Item just sold out, refund initiated."
		if result.RefundPending {
			message = "Item just sold out, refund pending."
		}
		c.JSON(http.StatusConflict, gin.H{
			"message": message,
			"result":  result,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// webhook handles gateway-pushed payment events. It acknowledges with 200
// once the outcome is durably recorded or recognized as a duplicate; only
// transport/storage faults return 5xx so the gateway retries.
func (h *Handler) webhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable payload"})
		return
	}

	signature := c.GetHeader("X-Gateway-Signature")
	if err := h.settlement.HandleWebhook(c.Request.Context(), payload, signature); err != nil {
		if errors.Is(err, service.ErrSignatureMismatch) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook signature"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// transitionFulfillment handles fulfillment lifecycle updates
func (h *Handler) transitionFulfillment(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	var req struct {
		State string                  `json:"state" binding:"required"`
		Extra service.TransitionExtra `json:"extra"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.fulfillment.TransitionFulfillment(c.Request.Context(), orderID, req.State, req.Extra)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "Invalid fulfillment transition"})
		case errors.Is(err, service.ErrMissingTrackingProof):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Tracking proof required for shipment"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update order", "details": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	order, items, err := h.checkout.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Order not found",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// getOrderAudit handles fetching the settlement log for an order
func (h *Handler) getOrderAudit(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	entries, err := h.checkout.GetOrderAudit(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to fetch audit log",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// getUserOrders handles listing a user's order history
func (h *Handler) getUserOrders(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	orders, err := h.checkout.GetOrdersByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to fetch orders",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
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
