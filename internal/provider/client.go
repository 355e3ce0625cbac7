package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/XaidenLabs/lemonzee-settlement/internal/circuitbreaker"
	"github.com/XaidenLabs/lemonzee-settlement/internal/metrics"
	"github.com/XaidenLabs/lemonzee-settlement/internal/retry"
	"github.com/XaidenLabs/lemonzee-settlement/internal/traces"
)

// Client is the HTTP adapter for the real provider API.
// Each operation has exactly one documented endpoint; there is no
// path-candidate probing.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewClient creates a provider HTTP client. All calls share a fixed timeout;
// a timed-out call is surfaced like any other provider failure, never retried
// automatically on mutation paths.
func NewClient(baseURL, secret string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// envelope is the provider's standard response wrapper.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call performs one provider request and returns the decoded data object plus
// the raw body for audit retention.
func (c *Client) call(ctx context.Context, op, method, path string, payload any) (map[string]any, []byte, error) {
	ctx, span := traces.StartSpan(ctx, "provider."+op, traces.ProviderOp(op))
	defer span.End()

	if !c.breaker.Allow(op) {
		metrics.ProviderRequestsTotal.WithLabelValues(op, "rejected").Inc()
		return nil, nil, &Error{Op: op, Message: "circuit open", Retryable: true}
	}

	start := time.Now()
	data, raw, err := c.doRequest(ctx, op, method, path, payload)
	metrics.ProviderRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(op, "error").Inc()
		c.breaker.RecordFailure(op)
		return nil, raw, err
	}

	metrics.ProviderRequestsTotal.WithLabelValues(op, "ok").Inc()
	c.breaker.RecordSuccess(op)
	return data, raw, nil
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, payload any) (map[string]any, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, &Error{Op: op, Message: "encode request: " + err.Error()}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, nil, &Error{Op: op, Message: "build request: " + err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failure or timeout: retryable by classification, but the
		// caller decides whether to retry (mutations are reconciled via
		// webhooks instead).
		return nil, nil, &Error{Op: op, Message: err.Error(), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, &Error{Op: op, Message: "read response: " + err.Error(), Retryable: true}
	}

	if resp.StatusCode >= 400 {
		return nil, raw, &Error{
			Op:        op,
			Status:    resp.StatusCode,
			Message:   truncate(string(raw), 512),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, raw, &Error{Op: op, Status: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	if !env.Status {
		return nil, raw, &Error{Op: op, Status: resp.StatusCode, Message: env.Message}
	}

	data := map[string]any{}
	if len(env.Data) > 0 {
		// Data may be an object or an array; arrays are decoded by the caller.
		if err := json.Unmarshal(env.Data, &data); err != nil {
			data = map[string]any{"_list": json.RawMessage(env.Data)}
		}
	}
	return data, raw, nil
}

func (c *Client) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*CreateTransactionResponse, error) {
	data, raw, err := c.call(ctx, "create_transaction", http.MethodPost, "/transaction/initialize", map[string]any{
		"reference": req.Reference,
		"amount":    req.AmountMinor,
		"currency":  req.Currency,
		"email":     req.Email,
		"metadata":  req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	out := &CreateTransactionResponse{
		ProviderTxID: firstString(data, "id", "transaction_id", "reference"),
		CheckoutURL:  firstString(data, "authorization_url", "checkout_url", "payment_url"),
		Reference:    firstString(data, "reference", "id"),
		Raw:          raw,
	}
	if out.ProviderTxID == "" {
		return nil, &Error{Op: "create_transaction", Message: "response missing transaction id"}
	}
	return out, nil
}

func (c *Client) ChargeAuthorization(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	data, raw, err := c.call(ctx, "charge_authorization", http.MethodPost, "/transaction/charge_authorization", map[string]any{
		"authorization_code": req.AuthorizationCode,
		"email":              req.Email,
		"reference":          req.Reference,
		"amount":             req.AmountMinor,
		"currency":           req.Currency,
	})
	if err != nil {
		return nil, err
	}

	out := &ChargeResponse{
		ProviderTxID: firstString(data, "id", "transaction_id", "reference"),
		Reference:    firstString(data, "reference", "id"),
		Status:       firstString(data, "status"),
		Raw:          raw,
	}
	if out.ProviderTxID == "" {
		return nil, &Error{Op: "charge_authorization", Message: "response missing transaction id"}
	}
	return out, nil
}

func (c *Client) RequestRelease(ctx context.Context, providerTxID string, req ReleaseRequest) (*ReleaseResponse, error) {
	data, raw, err := c.call(ctx, "request_release", http.MethodPost,
		"/transaction/release/"+url.PathEscape(providerTxID), map[string]any{
			"amount": req.AmountMinor,
			"reason": req.Reason,
		})
	if err != nil {
		return nil, err
	}
	return &ReleaseResponse{
		Reference: firstString(data, "reference", "id", "transaction_id"),
		Raw:       raw,
	}, nil
}

func (c *Client) CancelTransaction(ctx context.Context, providerTxID string, req CancelRequest) (*CancelResponse, error) {
	data, raw, err := c.call(ctx, "cancel_transaction", http.MethodPost,
		"/transaction/cancel/"+url.PathEscape(providerTxID), map[string]any{
			"amount": req.AmountMinor,
			"reason": req.Reason,
		})
	if err != nil {
		return nil, err
	}
	return &CancelResponse{
		Reference: firstString(data, "reference", "id", "transaction_id"),
		Raw:       raw,
	}, nil
}

func (c *Client) CreateRecipient(ctx context.Context, req RecipientRequest) (*Recipient, error) {
	data, _, err := c.call(ctx, "create_recipient", http.MethodPost, "/transferrecipient", map[string]any{
		"type":           "nuban",
		"name":           req.Name,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       req.Currency,
	})
	if err != nil {
		return nil, err
	}

	code := firstString(data, "recipient_code", "code", "id")
	if code == "" {
		return nil, &Error{Op: "create_recipient", Message: "response missing recipient code"}
	}
	return &Recipient{Code: code}, nil
}

func (c *Client) Transfer(ctx context.Context, req TransferRequest) (*TransferResponse, error) {
	data, raw, err := c.call(ctx, "transfer", http.MethodPost, "/transfer", map[string]any{
		"source":    "balance",
		"recipient": req.RecipientCode,
		"amount":    req.AmountMinor,
		"currency":  req.Currency,
		"reason":    req.Reason,
		"reference": req.Reference,
	})
	if err != nil {
		return nil, err
	}
	return &TransferResponse{
		Reference: firstString(data, "reference", "transfer_code", "id"),
		Status:    firstString(data, "status"),
		Raw:       raw,
	}, nil
}

// ListBanks is read-only and safe to retry on transient failures.
func (c *Client) ListBanks(ctx context.Context) ([]Bank, error) {
	var banks []Bank
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		data, _, err := c.call(ctx, "list_banks", http.MethodGet, "/bank", nil)
		if err != nil {
			if !IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}

		list, ok := data["_list"].(json.RawMessage)
		if !ok {
			return retry.Permanent(&Error{Op: "list_banks", Message: "response data is not a list"})
		}
		banks = banks[:0]
		if err := json.Unmarshal(list, &banks); err != nil {
			return retry.Permanent(&Error{Op: "list_banks", Message: "decode bank list: " + err.Error()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return banks, nil
}

// ResolveAccount is read-only and safe to retry on transient failures.
func (c *Client) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*AccountDetail, error) {
	var detail *AccountDetail
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		q := url.Values{}
		q.Set("account_number", accountNumber)
		q.Set("bank_code", bankCode)

		data, _, err := c.call(ctx, "resolve_account", http.MethodGet, "/bank/resolve?"+q.Encode(), nil)
		if err != nil {
			if !IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}

		detail = &AccountDetail{
			AccountNumber: firstString(data, "account_number"),
			AccountName:   firstString(data, "account_name"),
		}
		if detail.AccountName == "" {
			return retry.Permanent(&Error{Op: "resolve_account", Message: "response missing account name"})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// firstString returns the first present key as a string. Providers return ids
// as strings or numbers depending on the endpoint; both are accepted here so
// nothing downstream has to care.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Gateway = (*Client)(nil)
