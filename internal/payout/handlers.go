package payout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/XaidenLabs/lemonzee-settlement/internal/provider"
)

// Handler provides HTTP endpoints for payout operations.
type Handler struct {
	service *Service
	gateway provider.Gateway
}

// NewHandler creates a new payout handler. The gateway is used directly for
// the bank directory endpoints.
func NewHandler(service *Service, gateway provider.Gateway) *Handler {
	return &Handler{service: service, gateway: gateway}
}

// RegisterRoutes sets up public payout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payouts/:id", h.GetPayout)
	r.GET("/banks", h.ListBanks)
	r.GET("/banks/resolve", h.ResolveAccount)
}

// RegisterOperatorRoutes sets up operator-only payout routes.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.POST("/payouts/:id/disburse", h.Disburse)
	r.POST("/payouts/:id/transfer", h.Transfer)
	r.POST("/payouts/:id/fulfill", h.Fulfill)
}

// GetPayout handles GET /v1/payouts/:id
func (h *Handler) GetPayout(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPayoutNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No payout found with this id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// Disburse handles POST /v1/payouts/:id/disburse
func (h *Handler) Disburse(c *gin.Context) {
	p, err := h.service.Disburse(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := disburseError(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// Transfer handles POST /v1/payouts/:id/transfer
func (h *Handler) Transfer(c *gin.Context) {
	p, err := h.service.DisburseViaTransfer(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := disburseError(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// Fulfill handles POST /v1/payouts/:id/fulfill
func (h *Handler) Fulfill(c *gin.Context) {
	var req struct {
		Reference string `json:"reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reference is required",
		})
		return
	}

	p, err := h.service.MarkFulfilled(c.Request.Context(), c.Param("id"), req.Reference)
	if err != nil {
		if errors.Is(err, ErrPayoutNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// ListBanks handles GET /v1/banks
func (h *Handler) ListBanks(c *gin.Context) {
	banks, err := h.gateway.ListBanks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "provider_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"banks": banks,
		"count": len(banks),
	})
}

// ResolveAccount handles GET /v1/banks/resolve?account_number=...&bank_code=...
func (h *Handler) ResolveAccount(c *gin.Context) {
	accountNumber := c.Query("account_number")
	bankCode := c.Query("bank_code")
	if accountNumber == "" || bankCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account_number and bank_code are required",
		})
		return
	}

	detail, err := h.gateway.ResolveAccount(c.Request.Context(), accountNumber, bankCode)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "provider_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": detail})
}

func disburseError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrPayoutNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrMissingBank):
		return http.StatusUnprocessableEntity, "missing_bank_details"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
