package payout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for payouts.
type Handler struct {
	service  *Service
	accounts AccountRegistry
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service, accounts AccountRegistry) *Handler {
	return &Handler{service: service, accounts: accounts}
}

// RegisterRoutes sets up payout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payouts/:id", h.Get)
	r.GET("/payouts/:id/items", h.ListItems)
	r.GET("/stores/:storeId/payouts", h.ListByStore)
}

// RegisterAdminRoutes sets up payout administration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payouts/run", h.Run)
	r.GET("/payouts/due-retries", h.ListDueRetries)
	r.POST("/stores/:storeId/payouts", h.Schedule)
	r.POST("/payouts/:id/execute", h.Execute)
	r.PUT("/stores/:storeId/payout-account", h.RegisterAccount)
}

// Get handles GET /v1/payouts/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPayoutNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payout not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// ListItems handles GET /v1/payouts/:id/items
func (h *Handler) ListItems(c *gin.Context) {
	items, err := h.service.ListItems(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// ListByStore handles GET /v1/stores/:storeId/payouts
func (h *Handler) ListByStore(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	payouts, err := h.service.ListByStore(c.Request.Context(), c.Param("storeId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

// ListDueRetries handles GET /v1/admin/payouts/due-retries
func (h *Handler) ListDueRetries(c *gin.Context) {
	payouts, err := h.service.DueRetries(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

// Run handles POST /v1/admin/payouts/run
func (h *Handler) Run(c *gin.Context) {
	if err := h.service.RunOnce(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

// Schedule handles POST /v1/admin/stores/:storeId/payouts
func (h *Handler) Schedule(c *gin.Context) {
	p, err := h.service.ScheduleForStore(c.Request.Context(), c.Param("storeId"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNothingToPayout):
			status = http.StatusConflict
			code = "nothing_to_payout"
		case errors.Is(err, ErrNoAccount):
			status = http.StatusConflict
			code = "no_payout_account"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payout": p})
}

// Execute handles POST /v1/admin/payouts/:id/execute
func (h *Handler) Execute(c *gin.Context) {
	p, err := h.service.Execute(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrPayoutNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotExecutable):
			status = http.StatusConflict
			code = "not_executable"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// RegisterAccountRequest contains the parameters for registering a store's
// payout destination.
type RegisterAccountRequest struct {
	AccountRef string `json:"accountRef" binding:"required"`
}

// RegisterAccount handles PUT /v1/admin/stores/:storeId/payout-account
func (h *Handler) RegisterAccount(c *gin.Context) {
	var req RegisterAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountRef is required",
		})
		return
	}

	storeID := c.Param("storeId")
	if err := h.accounts.Register(c.Request.Context(), storeID, req.AccountRef); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"storeId": storeID, "accountRef": req.AccountRef})
}
