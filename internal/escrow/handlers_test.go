package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XaidenLabs/lemonzee-settlement/internal/party"
	"github.com/XaidenLabs/lemonzee-settlement/internal/provider"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := testLogger()

	store := NewMemoryStore()
	parties := party.NewMemoryStore()
	require.NoError(t, parties.Create(t.Context(), &party.Party{ID: "buyer_1", Name: "Bayo Ade", Email: "bayo@example.com"}))
	require.NoError(t, parties.Create(t.Context(), &party.Party{ID: "seller_1", Name: "Ada Obi", Email: "ada@example.com"}))

	svc := NewService(store, parties, provider.NewMock(logger), "NGN", logger)
	ing := NewIngestor(store, nil, webhookSecret, "sha256", logger)

	r := gin.New()
	v1 := r.Group("/v1")
	NewHandler(svc, ing).RegisterRoutes(v1)
	return r, store
}

func postWebhook(router *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/transactions/webhook/escrow", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWebhookReplayAppliesOnce(t *testing.T) {
	router, store := setupTestRouter(t)
	seedEscrow(t, store, "esc_1", "ps_1")

	body := []byte(`{"event":"escrow.funded","id":"evt_1","data":{"escrow_id":"esc_1"}}`)
	sig := signHex(body)

	w := postWebhook(router, body, sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "applied")

	// Identical signed delivery: acknowledged without reapplying.
	w = postWebhook(router, body, sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")

	got, err := store.Get(t.Context(), "esc_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, got.Status)
	assert.Len(t, got.ProviderEventIDs, 1)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	router, _ := setupTestRouter(t)

	body := []byte(`{"event":"escrow.funded","data":{"escrow_id":"esc_1"}}`)

	w := postWebhook(router, body, "deadbeef")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postWebhook(router, body, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookUnmatchedStillAcknowledged(t *testing.T) {
	router, _ := setupTestRouter(t)

	body := []byte(`{"event":"charge.success","id":"evt_9","data":{"id":"ps_unknown"}}`)
	w := postWebhook(router, body, signHex(body))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "unmatched")
}

func TestHandlerCreateAndGetEscrow(t *testing.T) {
	router, _ := setupTestRouter(t)

	body, _ := json.Marshal(CreateRequest{
		BuyerID: "buyer_1", SellerID: "seller_1", Amount: 50000,
	})
	req := httptest.NewRequest("POST", "/v1/escrows", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Escrow struct {
			ID          string `json:"id"`
			Status      string `json:"status"`
			Currency    string `json:"currency"`
			CheckoutURL string `json:"checkoutUrl"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "pending_fund", created.Escrow.Status)
	assert.Equal(t, "NGN", created.Escrow.Currency)
	assert.NotEmpty(t, created.Escrow.CheckoutURL)

	req = httptest.NewRequest("GET", "/v1/escrows/"+created.Escrow.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandlerGetEscrowNotFound(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest("GET", "/v1/escrows/esc_missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerCreateEscrowRejectsBadInput(t *testing.T) {
	router, _ := setupTestRouter(t)

	body, _ := json.Marshal(map[string]any{"amount": 50000})
	req := httptest.NewRequest("POST", "/v1/escrows", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
