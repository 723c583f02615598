package settlement

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mkowalski/marketpay/internal/money"
)

// Handler provides HTTP endpoints for settlements.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up settlement read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settlements/:id", h.Get)
	r.GET("/settlements/:id/invoice", h.GetInvoice)
	r.GET("/settlements/:id/credit-notes", h.ListCreditNotes)
	r.GET("/stores/:storeId/settlements", h.ListByStore)
}

// RegisterAdminRoutes sets up settlement administration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/settlements/generate", h.Generate)
	r.POST("/settlements/:id/issue", h.Issue)
	r.POST("/settlements/:id/pay", h.MarkPaid)
	r.POST("/settlements/:id/credit-notes", h.CreateCreditNote)
}

// GenerateRequest contains the parameters for generating settlements.
type GenerateRequest struct {
	StoreID string `json:"storeId"` // empty means all active stores
	Year    int    `json:"year" binding:"required"`
	Month   int    `json:"month" binding:"required"`
}

// Generate handles POST /v1/admin/settlements/generate
func (h *Handler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Month < 1 || req.Month > 12 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "year and month (1-12) are required",
		})
		return
	}

	if req.StoreID == "" {
		if err := h.service.GenerateAll(c.Request.Context(), req.Year, time.Month(req.Month)); err != nil {
			status := http.StatusInternalServerError
			code := "internal_error"
			if errors.Is(err, ErrReconciliationMismatch) {
				status = http.StatusConflict
				code = "reconciliation_mismatch"
			}
			c.JSON(status, gin.H{"error": code, "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "completed"})
		return
	}

	st, err := h.service.Generate(c.Request.Context(), req.StoreID, req.Year, time.Month(req.Month))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrPeriodAlreadySettled):
			status = http.StatusConflict
			code = "already_settled"
		case errors.Is(err, ErrEmptyPeriod):
			status = http.StatusConflict
			code = "empty_period"
		case errors.Is(err, ErrReconciliationMismatch):
			status = http.StatusConflict
			code = "reconciliation_mismatch"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"settlement": st})
}

// Get handles GET /v1/settlements/:id
func (h *Handler) Get(c *gin.Context) {
	st, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSettlementNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Settlement not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": st})
}

// GetInvoice handles GET /v1/settlements/:id/invoice
func (h *Handler) GetInvoice(c *gin.Context) {
	inv, err := h.service.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Commission invoice not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// ListCreditNotes handles GET /v1/settlements/:id/credit-notes
func (h *Handler) ListCreditNotes(c *gin.Context) {
	notes, err := h.service.ListCreditNotes(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"creditNotes": notes, "count": len(notes)})
}

// ListByStore handles GET /v1/stores/:storeId/settlements
func (h *Handler) ListByStore(c *gin.Context) {
	limit := 24
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	settlements, err := h.service.ListByStore(c.Request.Context(), c.Param("storeId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": settlements, "count": len(settlements)})
}

// Issue handles POST /v1/admin/settlements/:id/issue
func (h *Handler) Issue(c *gin.Context) {
	st, err := h.service.Issue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": st})
}

// MarkPaid handles POST /v1/admin/settlements/:id/pay
func (h *Handler) MarkPaid(c *gin.Context) {
	st, err := h.service.MarkPaid(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": st})
}

// CreateCreditNoteRequest contains the parameters for issuing a credit note.
type CreateCreditNoteRequest struct {
	Amount string `json:"amount" binding:"required"` // decimal
	Reason string `json:"reason" binding:"required"`
}

// CreateCreditNote handles POST /v1/admin/settlements/:id/credit-notes
func (h *Handler) CreateCreditNote(c *gin.Context) {
	var req CreateCreditNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount and reason are required",
		})
		return
	}

	st, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeStateError(c, err)
		return
	}

	amount, err := money.Parse(req.Amount, st.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a decimal",
		})
		return
	}

	note, err := h.service.CreateCreditNote(c.Request.Context(), st.ID, amount, req.Reason)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidState):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, money.ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"creditNote": note})
}

func (h *Handler) writeStateError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrSettlementNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
