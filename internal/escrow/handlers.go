package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mkowalski/marketpay/internal/money"
	"github.com/mkowalski/marketpay/internal/provider"
)

// Handler provides HTTP endpoints for escrow payments and allocations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/payments/initiate", h.Initiate)
	r.POST("/escrow/payments", h.Capture)
	r.GET("/escrow/payments/:id", h.GetPayment)
	r.GET("/escrow/payments/:id/allocations", h.ListPaymentAllocations)
	r.GET("/orders/:orderId/payment", h.GetOrderPayment)
	r.GET("/allocations/:id", h.GetAllocation)
	r.POST("/allocations/:id/eligible", h.MarkEligible)
	r.POST("/allocations/:id/dispute", h.OpenDispute)
	r.POST("/allocations/:id/dispute/close", h.CloseDispute)
	r.GET("/stores/:storeId/balance", h.SellerBalance)
	r.GET("/stores/:storeId/allocations", h.ListStoreAllocations)
}

// Initiate handles POST /v1/escrow/payments/initiate
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	res, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, money.ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, provider.ErrUnavailable):
			status = http.StatusServiceUnavailable
			code = "provider_unavailable"
		case errors.Is(err, provider.ErrRejected):
			status = http.StatusUnprocessableEntity
			code = "provider_rejected"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"providerRef": res.ProviderRef,
		"status":      res.Status,
	})
}

// Capture handles POST /v1/escrow/payments
func (h *Handler) Capture(c *gin.Context) {
	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	payment, allocations, err := h.service.Capture(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, money.ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, ErrAmountMismatch):
			status = http.StatusBadRequest
			code = "amount_mismatch"
		case errors.Is(err, ErrPaymentNotConfirmed):
			status = http.StatusConflict
			code = "payment_not_confirmed"
		case errors.Is(err, provider.ErrUnavailable):
			status = http.StatusServiceUnavailable
			code = "provider_unavailable"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"payment":     payment,
		"allocations": allocations,
	})
}

// GetPayment handles GET /v1/escrow/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	payment, err := h.service.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow payment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// GetOrderPayment handles GET /v1/orders/:orderId/payment
func (h *Handler) GetOrderPayment(c *gin.Context) {
	payment, err := h.service.GetPaymentByOrderID(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No payment captured for this order",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ListPaymentAllocations handles GET /v1/escrow/payments/:id/allocations
func (h *Handler) ListPaymentAllocations(c *gin.Context) {
	allocations, err := h.service.ListAllocationsByPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocations": allocations, "count": len(allocations)})
}

// GetAllocation handles GET /v1/allocations/:id
func (h *Handler) GetAllocation(c *gin.Context) {
	a, err := h.service.GetAllocation(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAllocationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Allocation not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocation": a})
}

// MarkEligible handles POST /v1/allocations/:id/eligible
func (h *Handler) MarkEligible(c *gin.Context) {
	a, err := h.service.MarkEligible(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrAllocationNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrDisputeOpen):
			status = http.StatusConflict
			code = "dispute_open"
		case errors.Is(err, ErrInvalidTransition):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocation": a})
}

// OpenDispute handles POST /v1/allocations/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Dispute reason is required",
		})
		return
	}

	a, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrAllocationNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidTransition):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, ErrDisputeOpen):
			status = http.StatusConflict
			code = "dispute_open"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocation": a})
}

// CloseDispute handles POST /v1/allocations/:id/dispute/close
func (h *Handler) CloseDispute(c *gin.Context) {
	a, err := h.service.CloseDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrAllocationNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNoDispute):
			status = http.StatusConflict
			code = "no_dispute"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocation": a})
}

// SellerBalance handles GET /v1/stores/:storeId/balance
func (h *Handler) SellerBalance(c *gin.Context) {
	balance, err := h.service.SellerBalance(c.Request.Context(), c.Param("storeId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// ListStoreAllocations handles GET /v1/stores/:storeId/allocations
func (h *Handler) ListStoreAllocations(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	allocations, err := h.service.ListAllocationsByStore(c.Request.Context(), c.Param("storeId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocations": allocations, "count": len(allocations)})
}
