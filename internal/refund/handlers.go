package refund

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mkowalski/marketpay/internal/escrow"
	"github.com/mkowalski/marketpay/internal/money"
)

// Handler provides HTTP endpoints for refunds.
type Handler struct {
	service *Service
}

// NewHandler creates a new refund handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up refund routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/refunds", h.Process)
	r.POST("/refunds/calculate", h.Calculate)
	r.GET("/refunds/:id", h.Get)
	r.GET("/refunds/:id/lines", h.ListLines)
	r.GET("/orders/:orderId/refunds", h.ListByOrder)
	r.POST("/refunds/:id/retry", h.Retry)
}

// RegisterAdminRoutes sets up refund operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/refunds/due-retries", h.ListDueRetries)
	r.GET("/refunds/failed", h.ListFailed)
	r.GET("/refunds/:id/provider-status", h.ProviderStatus)
}

// Process handles POST /v1/refunds
func (h *Handler) Process(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "orderId and idempotencyKey are required",
		})
		return
	}

	r, err := h.service.Process(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, escrow.ErrPaymentNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, money.ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, ErrNothingToRefund):
			status = http.StatusConflict
			code = "nothing_to_refund"
		case errors.Is(err, ErrInsufficientFunds):
			status = http.StatusConflict
			code = "insufficient_funds"
		case errors.Is(err, ErrIdempotencyConflict):
			status = http.StatusConflict
			code = "idempotency_conflict"
		case errors.Is(err, ErrUnknownItems):
			status = http.StatusBadRequest
			code = "unknown_items"
		case errors.Is(err, escrow.ErrAllocationClaimed):
			status = http.StatusConflict
			code = "allocation_claimed"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"refund": r})
}

// CalculateRequest contains the parameters for previewing a refund amount.
type CalculateRequest struct {
	OrderID    string   `json:"orderId" binding:"required"`
	ShipmentID string   `json:"shipmentId"`
	ItemIDs    []string `json:"itemIds"`
}

// Calculate handles POST /v1/refunds/calculate
func (h *Handler) Calculate(c *gin.Context) {
	var req CalculateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "orderId is required",
		})
		return
	}

	amount, currency, err := h.service.CalculateAmount(c.Request.Context(), req.OrderID, req.ShipmentID, req.ItemIDs)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, escrow.ErrPaymentNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNothingToRefund):
			status = http.StatusConflict
			code = "nothing_to_refund"
		case errors.Is(err, ErrUnknownItems):
			status = http.StatusBadRequest
			code = "unknown_items"
		case errors.Is(err, money.ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"amount":   money.Format(amount, currency),
		"currency": currency,
	})
}

// Get handles GET /v1/refunds/:id
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRefundNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Refund not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// ListLines handles GET /v1/refunds/:id/lines
func (h *Handler) ListLines(c *gin.Context) {
	lines, err := h.service.ListLines(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines, "count": len(lines)})
}

// ListByOrder handles GET /v1/orders/:orderId/refunds
func (h *Handler) ListByOrder(c *gin.Context) {
	refunds, err := h.service.ListByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds, "count": len(refunds)})
}

// ListDueRetries handles GET /v1/admin/refunds/due-retries
func (h *Handler) ListDueRetries(c *gin.Context) {
	refunds, err := h.service.DueRetries(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds, "count": len(refunds)})
}

// ListFailed handles GET /v1/admin/refunds/failed
func (h *Handler) ListFailed(c *gin.Context) {
	refunds, err := h.service.ListFailed(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds, "count": len(refunds)})
}

// ProviderStatus handles GET /v1/admin/refunds/:id/provider-status
func (h *Handler) ProviderStatus(c *gin.Context) {
	status, err := h.service.ProviderStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpStatus := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrRefundNotFound):
			httpStatus = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNoProviderRef):
			httpStatus = http.StatusConflict
			code = "no_provider_ref"
		}
		c.JSON(httpStatus, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// Retry handles POST /v1/refunds/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	r, err := h.service.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrRefundNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotRetryable):
			status = http.StatusConflict
			code = "not_retryable"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}
