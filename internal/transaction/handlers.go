package transaction

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/XaidenLabs/lemonzee-settlement/internal/party"
	"github.com/XaidenLabs/lemonzee-settlement/internal/property"
	"github.com/XaidenLabs/lemonzee-settlement/internal/provider"
	"github.com/XaidenLabs/lemonzee-settlement/internal/validation"
)

// Handler provides HTTP endpoints for the transaction lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/generate-code", h.GenerateCode)
	r.POST("/transactions/verify-code", h.VerifyCode)
	r.POST("/transactions/initiate", h.InitiatePayment)
	r.POST("/transactions/charge", h.ChargeAuthorization)
	r.POST("/transactions/confirm", h.Confirm)
	r.GET("/transactions/latest-for-user", h.LatestForUser)
	r.GET("/transactions/:id", h.GetTransaction)
}

// RegisterOperatorRoutes sets up operator-facing transaction routes.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.GET("/transactions", h.ListTransactions)
}

// ListTransactions handles GET /v1/operator/transactions. Pages through
// transactions in a given status, newest first.
func (h *Handler) ListTransactions(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusPendingConfirmation)))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	txns, next, err := h.service.ListByStatusPage(c.Request.Context(), status, c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"success": true, "transactions": txns, "hasMore": next != ""}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GenerateCode handles POST /v1/transactions/generate-code
func (h *Handler) GenerateCode(c *gin.Context) {
	var req struct {
		PropertyID string `json:"propertyId"`
		UserID     string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "propertyId and userId are required")
		return
	}
	if errs := validation.Validate(
		validation.Required("propertyId", req.PropertyID),
		validation.Required("userId", req.UserID),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}

	txn, err := h.service.GenerateCode(c.Request.Context(), req.PropertyID, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":       true,
		"transactionId": txn.ID,
		"message":       "verification code sent",
	})
}

// VerifyCode handles POST /v1/transactions/verify-code
func (h *Handler) VerifyCode(c *gin.Context) {
	var req struct {
		TransactionID string `json:"transactionId"`
		Code          string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "transactionId and code are required")
		return
	}
	if errs := validation.Validate(
		validation.Required("transactionId", req.TransactionID),
		validation.Required("code", req.Code),
		validation.ValidCode("code", req.Code),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}

	txn, err := h.service.VerifyCode(c.Request.Context(), req.TransactionID, req.Code)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "transaction": txn})
}

// InitiatePayment handles POST /v1/transactions/initiate
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req struct {
		TransactionID string `json:"transactionId"`
		BuyerEmail    string `json:"buyerEmail"`
		Currency      string `json:"currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "transactionId is required")
		return
	}
	if errs := validation.Validate(
		validation.Required("transactionId", req.TransactionID),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}
	if req.BuyerEmail != "" && !validation.IsValidEmail(req.BuyerEmail) {
		badRequest(c, "buyerEmail is not a valid email address")
		return
	}

	txn, err := h.service.InitiatePayment(c.Request.Context(), req.TransactionID, req.BuyerEmail, req.Currency)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"transactionId": txn.ID,
		"checkoutUrl":   txn.CheckoutURL,
	})
}

// ChargeAuthorization handles POST /v1/transactions/charge
func (h *Handler) ChargeAuthorization(c *gin.Context) {
	var req struct {
		TransactionID     string `json:"transactionId"`
		AuthorizationCode string `json:"authorizationCode"`
		Email             string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "transactionId and authorizationCode are required")
		return
	}
	if errs := validation.Validate(
		validation.Required("transactionId", req.TransactionID),
		validation.Required("authorizationCode", req.AuthorizationCode),
		validation.Required("email", req.Email),
		validation.ValidEmail("email", req.Email),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}

	txn, err := h.service.ChargeWithAuthorization(c.Request.Context(), req.TransactionID, req.AuthorizationCode, req.Email)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "transaction": txn})
}

// Confirm handles POST /v1/transactions/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req struct {
		TransactionID string `json:"transactionId"`
		Role          string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "transactionId and role are required")
		return
	}
	if errs := validation.Validate(
		validation.Required("transactionId", req.TransactionID),
		validation.Required("role", req.Role),
		validation.ValidRole("role", req.Role),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}

	role, err := ParseRole(req.Role)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	txn, outcome, err := h.service.Confirm(c.Request.Context(), req.TransactionID, role)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"transaction": txn,
		"message":     string(outcome),
	})
}

// LatestForUser handles GET /v1/transactions/latest-for-user?propertyId&userId
func (h *Handler) LatestForUser(c *gin.Context) {
	propertyID := c.Query("propertyId")
	userID := c.Query("userId")
	if propertyID == "" || userID == "" {
		badRequest(c, "propertyId and userId are required")
		return
	}

	txn, snap, err := h.service.LatestForUser(c.Request.Context(), propertyID, userID)
	if errors.Is(err, ErrTransactionNotFound) {
		c.JSON(http.StatusOK, gin.H{"success": true, "transaction": nil})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"success": true, "transaction": txn}
	if snap != nil {
		resp["payout"] = snap
	}
	c.JSON(http.StatusOK, resp)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, snap, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"success": true, "transaction": txn}
	if snap != nil {
		resp["payout"] = snap
	}
	c.JSON(http.StatusOK, resp)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "invalid_request",
		"message": message,
	})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var provErr *provider.Error
	switch {
	case errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, property.ErrPropertyNotFound),
		errors.Is(err, party.ErrPartyNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrCodeExpired):
		status = http.StatusBadRequest
		code = "code_expired"
	case errors.Is(err, ErrInvalidCode):
		status = http.StatusBadRequest
		code = "invalid_code"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusBadRequest
		code = "state_conflict"
	case errors.Is(err, ErrInvalidRole):
		status = http.StatusBadRequest
		code = "invalid_role"
	case errors.Is(err, ErrInvalidCursor):
		status = http.StatusBadRequest
		code = "invalid_cursor"
	case errors.As(err, &provErr):
		status = http.StatusBadGateway
		code = "provider_error"
	}

	c.JSON(status, gin.H{
		"success": false,
		"error":   code,
		"message": err.Error(),
	})
}
