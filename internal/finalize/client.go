package finalize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/pos-terminal/internal/pricing"
	"github.com/noah-isme/pos-terminal/internal/resilience"
)

// Receipt is what the backend hands back for a completed order.
type Receipt struct {
	Message        string          `json:"message,omitempty"`
	Order          json.RawMessage `json:"order,omitempty"`
	ReceiptPayload json.RawMessage `json:"receipt_payload,omitempty"`

	// PaymentMethodUsed is the summary method sent with the completion.
	PaymentMethodUsed pricing.Method `json:"paymentMethodUsed,omitempty"`
}

type completeEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Order   json.RawMessage `json:"order"`
}

// Client talks to the order backend's completion endpoint.
type Client struct {
	BaseURL string
	Token   string
	HTTP    resilience.HTTPClient
}

// Complete posts the payload for orderID. The idempotency key must stay the
// same across retries of one session.
func (c *Client) Complete(ctx context.Context, orderID string, payload Payload, idempotencyKey string) (Receipt, error) {
	ctx, span := otel.Tracer("finalize.Client").Start(ctx, "Client.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, rejected(0, "encode payload", err)
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/orders/" + url.PathEscape(orderID) + "/complete/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, rejected(0, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return Receipt{}, classifyTransport(err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, transient(resp.StatusCode, "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := envelopeMessage(data)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if resilience.DefaultRetryable(resp) {
			return Receipt{}, transient(resp.StatusCode, msg, nil)
		}
		return Receipt{}, rejected(resp.StatusCode, msg, nil)
	}

	var env completeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Receipt{}, rejected(resp.StatusCode, "malformed response", err)
	}
	if !strings.EqualFold(env.Status, "success") || len(env.Order) == 0 {
		msg := firstNonEmpty(env.Error, env.Message, "order was not completed")
		return Receipt{}, rejected(resp.StatusCode, msg, nil)
	}

	receipt := Receipt{Message: env.Message, Order: env.Order}
	var order struct {
		ReceiptPayload json.RawMessage `json:"receipt_payload"`
	}
	if err := json.Unmarshal(env.Order, &order); err == nil && len(order.ReceiptPayload) > 0 && string(order.ReceiptPayload) != "null" {
		receipt.ReceiptPayload = order.ReceiptPayload
	}
	return receipt, nil
}

func classifyTransport(err error) error {
	var se *resilience.StatusError
	if errors.As(err, &se) {
		msg := envelopeMessage(se.Body)
		if msg == "" {
			msg = http.StatusText(se.StatusCode)
		}
		return transient(se.StatusCode, msg, err)
	}
	if errors.Is(err, resilience.ErrOpenCircuit) {
		return transient(0, "order service circuit open", err)
	}
	if errors.Is(err, context.Canceled) {
		return transient(0, "cancelled", err)
	}
	return transient(0, fmt.Sprintf("transport: %v", err), err)
}

func envelopeMessage(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var env completeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return firstNonEmpty(env.Error, env.Message)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
