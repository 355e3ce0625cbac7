package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/XaidenLabs/lemonzee-settlement/internal/party"
	"github.com/XaidenLabs/lemonzee-settlement/internal/provider"
)

// Handler provides HTTP endpoints for escrows and the provider webhook.
type Handler struct {
	service  *Service
	ingestor *Ingestor
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, ingestor *Ingestor) *Handler {
	return &Handler{service: service, ingestor: ingestor}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/transactions/webhook/escrow", h.Webhook)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "buyerId, sellerId and amount are required",
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		var provErr *provider.Error
		switch {
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, party.ErrPartyNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.As(err, &provErr):
			status = http.StatusBadGateway
			code = "provider_error"
		}
		c.JSON(status, gin.H{"success": false, "error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "not_found",
				"message": "No escrow found with this id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "escrow": e})
}

// Webhook handles POST /v1/transactions/webhook/escrow
//
// Signature verification needs the raw body. Responds 400 only on a bad
// signature; recognized-but-already-applied and unmatched events are
// acknowledged with 200 so the provider stops retrying.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "unreadable request body",
		})
		return
	}

	signature := c.GetHeader("X-Webhook-Signature")
	if signature == "" {
		signature = c.GetHeader("X-Paystack-Signature")
	}

	ev, err := h.ingestor.Parse(body, signature)
	if err != nil {
		code := "invalid_request"
		if errors.Is(err, ErrInvalidSignature) {
			code = "invalid_signature"
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   code,
			"message": err.Error(),
		})
		return
	}

	result, err := h.ingestor.Apply(c.Request.Context(), ev)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "result": string(result)})
}
