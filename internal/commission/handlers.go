package commission

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mkowalski/marketpay/internal/idgen"
	"github.com/mkowalski/marketpay/internal/money"
	"github.com/mkowalski/marketpay/internal/validation"
)

// Handler provides HTTP endpoints for commission rule administration.
type Handler struct {
	service *Service
}

// NewHandler creates a new commission handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up commission rule management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/commission-rules", h.CreateRule)
	r.GET("/commission-rules", h.ListRules)
	r.GET("/commission-rules/:id", h.GetRule)
	r.POST("/commission-rules/:id/disable", h.DisableRule)
	r.GET("/commission-rules/preview", h.Preview)
}

// CreateRuleRequest contains the parameters for creating a rule.
type CreateRuleRequest struct {
	Type          string  `json:"type" binding:"required"`
	CategoryID    string  `json:"categoryId"`
	StoreID       string  `json:"storeId"`
	PercentBps    int64   `json:"percentBps"`
	FixedFee      string  `json:"fixedFee"` // decimal amount
	Currency      string  `json:"currency" binding:"required"`
	EffectiveFrom string  `json:"effectiveFrom" binding:"required"` // RFC 3339
	EffectiveTo   *string `json:"effectiveTo"`
}

// CreateRule handles POST /v1/admin/commission-rules
func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	cur := money.Currency(req.Currency)

	from, err := time.Parse(time.RFC3339, req.EffectiveFrom)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "effectiveFrom must be RFC 3339",
		})
		return
	}

	var to *time.Time
	if req.EffectiveTo != nil {
		t, err := time.Parse(time.RFC3339, *req.EffectiveTo)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "effectiveTo must be RFC 3339",
			})
			return
		}
		to = &t
	}

	var fixedFee int64
	if req.FixedFee != "" {
		fixedFee, err = money.Parse(req.FixedFee, cur)
		if err != nil || fixedFee < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "fixedFee must be a decimal amount",
			})
			return
		}
	}

	now := time.Now()
	rule := &Rule{
		ID:            idgen.WithPrefix("crl_"),
		Type:          RuleType(req.Type),
		CategoryID:    req.CategoryID,
		StoreID:       req.StoreID,
		PercentBps:    req.PercentBps,
		FixedFee:      fixedFee,
		Currency:      cur,
		EffectiveFrom: from,
		EffectiveTo:   to,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.service.CreateRule(c.Request.Context(), rule); err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidRule):
			status = http.StatusBadRequest
			code = "invalid_rule"
		case errors.Is(err, ErrRuleConflict):
			status = http.StatusConflict
			code = "rule_conflict"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

// GetRule handles GET /v1/admin/commission-rules/:id
func (h *Handler) GetRule(c *gin.Context) {
	rule, err := h.service.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Commission rule not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// ListRules handles GET /v1/admin/commission-rules
func (h *Handler) ListRules(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	rules, err := h.service.ListRules(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// DisableRule handles POST /v1/admin/commission-rules/:id/disable
func (h *Handler) DisableRule(c *gin.Context) {
	rule, err := h.service.DisableRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Commission rule not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// Preview handles GET /v1/admin/commission-rules/preview
// Computes the commission for a hypothetical order line without persisting anything.
func (h *Handler) Preview(c *gin.Context) {
	cur := money.Currency(c.DefaultQuery("currency", "PLN"))
	amount, err := money.Parse(c.Query("amount"), cur)
	if err != nil || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount must be a positive decimal",
		})
		return
	}

	asOf := time.Now()
	if q := c.Query("asOf"); q != "" {
		if t, err := time.Parse(time.RFC3339, q); err == nil {
			asOf = t
		}
	}

	fee, err := h.service.Compute(c.Request.Context(), amount, c.Query("categoryId"), c.Query("storeId"), asOf)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"amount":     money.Format(amount, cur),
		"commission": money.Format(fee, cur),
		"currency":   cur,
	})
}
