package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XaidenLabs/lemonzee-settlement/internal/config"
	"github.com/XaidenLabs/lemonzee-settlement/internal/party"
	"github.com/XaidenLabs/lemonzee-settlement/internal/property"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		WebhookSecret:    "test-webhook-secret",
		WebhookAlgorithm: "sha512",
		DefaultCurrency:  "NGN",
		CommissionRate:   0.04,
		PenaltyRate:      0.02,
		PenaltyThreshold: 2,
		CodeTTL:          15 * time.Minute,
		SaleDeadline:     5 * 24 * time.Hour,
		RentDeadline:     21 * 24 * time.Hour,
		ReversalInterval: 24 * time.Hour,
		CodeSecret:       "test-code-secret",
		AdminEmail:       "ops@lemonzee.test",
		RateLimitRPS:     1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(testConfig(), WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { srv.rateLimiter.Stop() })
	return srv
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/health", "/health/live"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		srv.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	// Not ready until Run has started.
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestInfoEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "lemonzee-settlement", body["name"])
	assert.Equal(t, Version, body["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lemonzee_")
}

func TestRequestIDPropagation(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-Request-ID", "req_abc123")
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, "req_abc123", w.Header().Get("X-Request-ID"))

	// Generated when absent.
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

// TestFullStackGenerateCode exercises the wired stack end to end: seeded
// stores, transaction service, mock gateway and HTTP routing.
func TestFullStackGenerateCode(t *testing.T) {
	srv := newTestServer(t)
	parties, props := srv.Stores()

	ctx := context.Background()
	require.NoError(t, parties.Create(ctx, &party.Party{
		ID: "owner_1", Name: "Ada", Email: "ada@example.com",
	}))
	require.NoError(t, parties.Create(ctx, &party.Party{
		ID: "buyer_1", Name: "Bayo", Email: "bayo@example.com",
	}))
	require.NoError(t, props.Create(ctx, &property.Property{
		ID: "prop_1", OwnerID: "owner_1", Title: "2-bed flat, Lekki",
		Price: 100000, Currency: "NGN", DealType: property.DealSale, Available: true,
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/transactions/generate-code",
		strings.NewReader(`{"propertyId":"prop_1","userId":"buyer_1"}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Success       bool   `json:"success"`
		TransactionID string `json:"transactionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.NotEmpty(t, body.TransactionID)
}

func TestWebhookRouteWired(t *testing.T) {
	srv := newTestServer(t)

	// Unsigned payload must be rejected, proving the route and verifier
	// are wired.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/transactions/webhook/escrow",
		strings.NewReader(`{"event":"charge.success","id":"evt_1"}`))
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProductionRejectsInternalProviderURL(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	cfg.Env = "production"
	cfg.ProviderSecret = "sk_live_test"
	cfg.ProviderBaseURL = "http://169.254.169.254/latest"

	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider base URL rejected")
}

func TestOperatorRoutesRequireKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig()
	cfg.OperatorAPIKey = "sk_test0000000000000000000000000000000000000000000000000000000000"
	srv, err := New(cfg, WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { srv.rateLimiter.Stop() })

	// No key: rejected.
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/operator/transactions", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Bootstrap key: accepted.
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/operator/transactions", nil)
	req.Header.Set("Authorization", "Bearer "+cfg.OperatorAPIKey)
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
