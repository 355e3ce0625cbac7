package escrow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"log/slog"
	"strings"

	"github.com/XaidenLabs/lemonzee-settlement/internal/metrics"
)

// Event is a normalized, signature-verified provider webhook event.
type Event struct {
	Type            string
	EscrowID        string
	ProviderTxID    string
	ProviderEventID string
	Data            map[string]any
	Raw             []byte
}

// ID returns the stable de-duplication id for the event: the provider's own
// event id when present, else eventType:dataId.
func (e *Event) ID() string {
	if e.ProviderEventID != "" {
		return e.ProviderEventID
	}
	dataID := ""
	if e.Data != nil {
		for _, key := range []string{"id", "transaction_id", "reference"} {
			if v, ok := e.Data[key]; ok {
				dataID = fmt.Sprint(v)
				break
			}
		}
	}
	return e.Type + ":" + dataID
}

// ParseWebhook verifies the HMAC signature over the raw body and decodes the
// event. Providers disagree on how the signature header is encoded, so the
// digest is compared against hex, algo-prefixed and base64 candidates, all in
// constant time.
func ParseWebhook(secret []byte, algorithm string, body []byte, signature string) (*Event, error) {
	if signature == "" {
		return nil, ErrInvalidSignature
	}

	var newHash func() hash.Hash
	switch algorithm {
	case "sha512":
		newHash = sha512.New
	default:
		newHash = sha256.New
	}

	mac := hmac.New(newHash, secret)
	mac.Write(body)
	digest := mac.Sum(nil)

	candidates := []string{
		hex.EncodeToString(digest),
		algorithm + "=" + hex.EncodeToString(digest),
		base64.StdEncoding.EncodeToString(digest),
	}
	match := false
	for _, candidate := range candidates {
		if hmac.Equal([]byte(signature), []byte(candidate)) {
			match = true
		}
	}
	if !match {
		return nil, ErrInvalidSignature
	}

	var payload struct {
		Event string         `json:"event"`
		Type  string         `json:"type"`
		ID    string         `json:"id"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook body: %w", err)
	}

	eventType := payload.Event
	if eventType == "" {
		eventType = payload.Type
	}

	ev := &Event{
		Type:            eventType,
		ProviderEventID: payload.ID,
		Data:            payload.Data,
		Raw:             body,
	}
	if payload.Data != nil {
		ev.EscrowID = dataString(payload.Data, "escrow_id", "escrowId")
		ev.ProviderTxID = dataString(payload.Data, "id", "transaction_id", "reference")
	}
	return ev, nil
}

func dataString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := data[key].(type) {
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

// statusFor maps the provider's event vocabulary to an internal status by
// keyword. Refund/cancel/dispute are checked before the funding keywords
// because names like "charge.refund.success" carry both.
func statusFor(eventType string) Status {
	name := strings.ToLower(eventType)
	switch {
	case strings.Contains(name, "refund"):
		return StatusRefunded
	case strings.Contains(name, "cancel"):
		return StatusCancelled
	case strings.Contains(name, "dispute"), strings.Contains(name, "chargeback"):
		return StatusDisputed
	case strings.Contains(name, "release"):
		return StatusReleased
	case strings.Contains(name, "fund"), strings.Contains(name, "charge"),
		strings.Contains(name, "payment"), strings.Contains(name, "success"):
		return StatusFunded
	}
	return ""
}

// TransactionApplier lets webhook events reach the transaction state machine
// without this package importing it.
type TransactionApplier interface {
	ApplyFunded(ctx context.Context, providerTxID string) (bool, error)
	ApplyRefunded(ctx context.Context, providerTxID string) (bool, error)
	ApplyDisputed(ctx context.Context, providerTxID string) (bool, error)
}

// Result says what Apply did with an event.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultUnmatched Result = "unmatched"
)

// Ingestor applies verified provider events to escrow and transaction records.
type Ingestor struct {
	escrows   Store
	txns      TransactionApplier
	secret    []byte
	algorithm string
	logger    *slog.Logger
}

// NewIngestor creates a webhook ingestor.
func NewIngestor(escrows Store, txns TransactionApplier, secret, algorithm string, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		escrows:   escrows,
		txns:      txns,
		secret:    []byte(secret),
		algorithm: algorithm,
		logger:    logger,
	}
}

// Parse verifies and decodes a raw webhook delivery.
func (i *Ingestor) Parse(body []byte, signature string) (*Event, error) {
	return ParseWebhook(i.secret, i.algorithm, body, signature)
}

// Apply routes an event to its record: escrow by escrow id, then escrow by
// provider transaction id, then transaction by provider transaction id.
// Duplicates and unmatched events are acknowledged, not errors: the provider
// must stop retrying deliveries we consider settled.
func (i *Ingestor) Apply(ctx context.Context, ev *Event) (Result, error) {
	status := statusFor(ev.Type)

	target, err := i.resolveEscrow(ctx, ev)
	if err == nil {
		applied, err := i.escrows.ApplyEvent(ctx, target.ID, ev.ID(), status)
		if err != nil {
			return "", err
		}
		if !applied {
			metrics.WebhookEventsTotal.WithLabelValues(string(ResultDuplicate)).Inc()
			i.logger.Info("webhook event already applied", "escrow", target.ID, "event", ev.ID())
			return ResultDuplicate, nil
		}
		metrics.WebhookEventsTotal.WithLabelValues(string(ResultApplied)).Inc()
		i.logger.Info("webhook event applied",
			"escrow", target.ID, "event", ev.ID(), "type", ev.Type, "status", string(status))
		return ResultApplied, nil
	}

	if ev.ProviderTxID != "" {
		if result, handled := i.applyToTransaction(ctx, ev, status); handled {
			return result, nil
		}
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(ResultUnmatched)).Inc()
	i.logger.Warn("webhook event matched no record",
		"type", ev.Type, "event", ev.ID(), "provider_tx", ev.ProviderTxID)
	return ResultUnmatched, nil
}

func (i *Ingestor) resolveEscrow(ctx context.Context, ev *Event) (*Escrow, error) {
	if ev.EscrowID != "" {
		if e, err := i.escrows.Get(ctx, ev.EscrowID); err == nil {
			return e, nil
		}
	}
	if ev.ProviderTxID != "" {
		return i.escrows.GetByProviderTx(ctx, ev.ProviderTxID)
	}
	return nil, ErrEscrowNotFound
}

func (i *Ingestor) applyToTransaction(ctx context.Context, ev *Event, status Status) (Result, bool) {
	if i.txns == nil {
		return "", false
	}

	var (
		applied bool
		err     error
	)
	switch status {
	case StatusFunded:
		applied, err = i.txns.ApplyFunded(ctx, ev.ProviderTxID)
	case StatusRefunded, StatusCancelled:
		applied, err = i.txns.ApplyRefunded(ctx, ev.ProviderTxID)
	case StatusDisputed:
		applied, err = i.txns.ApplyDisputed(ctx, ev.ProviderTxID)
	default:
		return "", false
	}
	if err != nil {
		return "", false
	}

	if !applied {
		metrics.WebhookEventsTotal.WithLabelValues(string(ResultDuplicate)).Inc()
		return ResultDuplicate, true
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(ResultApplied)).Inc()
	i.logger.Info("webhook event applied to transaction",
		"provider_tx", ev.ProviderTxID, "type", ev.Type)
	return ResultApplied, true
}
