package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/idempotency"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/reservation"
	"fulfillment-service/internal/saga"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	orders       saga.OrderStore
	engine       *reservation.Engine
	tenantID     string
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, orders saga.OrderStore, engine *reservation.Engine, tenantID string) *Handler {
	return &Handler{
		orderService: orderService,
		orders:       orders,
		engine:       engine,
		tenantID:     tenantID,
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
		v1.POST("/orders/:id/process", h.processOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/reservations/:id", h.getReservation)
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

// processOrder starts fulfillment for an existing pending order
func (h *Handler) processOrder(c *gin.Context) {
	var req service.ProcessOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	req.OrderID = c.Param("id")
	if req.IdempotencyToken == "" {
		req.IdempotencyToken = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.orderService.Submit(c.Request.Context(), &req)
	if err != nil {
		var rejected *service.RejectedError
		if errors.As(err, &rejected) {
			h.writeRejection(c, rejected)
			return
		}
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process order",
			"details": err.Error(),
		})
		return
	}

	if resp.Cached {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.LoadOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, order)
}

// getReservation returns all lines of a reservation group
func (h *Handler) getReservation(c *gin.Context) {
	lines, err := h.engine.GetReservation(c.Request.Context(), h.tenantID, c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Reservation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load reservation",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reservation_id": c.Param("id"),
		"lines":          lines,
	})
}

func (h *Handler) writeRejection(c *gin.Context, rejected *service.RejectedError) {
	body := gin.H{"error": "Request rejected", "reason": string(rejected.Reason)}
	if rejected.OrderID != "" {
		body["original_order_id"] = rejected.OrderID
	}

	switch rejected.Reason {
	case idempotency.RejectRateLimited:
		c.JSON(http.StatusTooManyRequests, body)
	case idempotency.RejectPayloadMismatch:
		c.JSON(http.StatusUnprocessableEntity, body)
	default:
		c.JSON(http.StatusConflict, body)
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
