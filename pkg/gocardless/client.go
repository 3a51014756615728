/**
 * @description
 * This package provides a client for interacting with the GoCardless API.
 * It encapsulates the logic for making authenticated HTTP requests to GoCardless's
 * payment and refund endpoints, handling request body construction, parsing
 * responses, and validating inbound webhook signatures.
 *
 * - Security: Webhook signatures are HMAC-SHA256 over the raw body, hex-encoded,
 *   compared in constant time. Comma-separated multi-signature headers are accepted.
 *
 * @dependencies
 * - bytes, context, crypto/hmac, crypto/sha256, encoding/hex, encoding/json,
 *   fmt, net/http, time: Standard Go libraries.
 */
package gocardless

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/debitflow/collection-service/internal/domain"
)

const apiVersion = "2015-07-06"

// Client is a client for the GoCardless API.
type Client struct {
	BaseURL       string
	AccessToken   string
	WebhookSecret string
	HTTPClient    *http.Client
}

// NewClient creates a new GoCardless API client.
func NewClient(baseURL, accessToken, webhookSecret string) *Client {
	return &Client{
		BaseURL:       baseURL,
		AccessToken:   accessToken,
		WebhookSecret: webhookSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PaymentRequest represents the payload for a GoCardless payment creation.
type PaymentRequest struct {
	Payments struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Links    struct {
			Mandate string `json:"mandate"`
		} `json:"links"`
		Description string            `json:"description,omitempty"`
		Metadata    map[string]string `json:"metadata,omitempty"`
	} `json:"payments"`
}

// PaymentResponse is the expected response from the payments endpoint.
type PaymentResponse struct {
	Payments struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"payments"`
}

// RefundRequest represents the payload for a GoCardless refund creation.
type RefundRequest struct {
	Refunds struct {
		Amount int64 `json:"amount"`
		Links  struct {
			Payment string `json:"payment"`
		} `json:"links"`
		Metadata map[string]string `json:"metadata,omitempty"`
	} `json:"refunds"`
}

// RefundResponse is the expected response from the refunds endpoint.
type RefundResponse struct {
	Refunds struct {
		ID string `json:"id"`
	} `json:"refunds"`
}

// ErrorResponse represents an error from the GoCardless API.
type ErrorResponse struct {
	Err struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Err.Message != "" {
		return fmt.Sprintf("gocardless api error: %s (%s)", e.Err.Message, e.Err.Type)
	}
	return "unknown gocardless api error"
}

// webhookEnvelope is the inbound webhook body shape.
type webhookEnvelope struct {
	Events []struct {
		ID           string `json:"id"`
		Action       string `json:"action"`
		ResourceType string `json:"resource_type"`
		Links        struct {
			Payment string `json:"payment"`
		} `json:"links"`
		Details struct {
			NewStatus string `json:"new_status"`
		} `json:"details"`
	} `json:"events"`
}

// CreatePayment submits a new payment against a mandate and returns the gateway
// payment id. The idempotency key guards against duplicate charges when the HTTP
// call is retried.
func (c *Client) CreatePayment(ctx context.Context, params domain.GatewayChargeParams) (string, error) {
	reqPayload := PaymentRequest{}
	reqPayload.Payments.Amount = params.AmountCents
	reqPayload.Payments.Currency = params.Currency
	reqPayload.Payments.Links.Mandate = params.MandateRef
	reqPayload.Payments.Description = params.Description
	reqPayload.Payments.Metadata = params.Metadata

	var resp PaymentResponse
	if err := c.post(ctx, "/payments", reqPayload, params.IdempotencyKey, &resp); err != nil {
		return "", err
	}
	if resp.Payments.ID == "" {
		return "", fmt.Errorf("gocardless returned no payment id")
	}
	return resp.Payments.ID, nil
}

// RefundPayment submits a refund against an existing gateway payment.
func (c *Client) RefundPayment(ctx context.Context, gatewayPaymentID string, amountCents int64, reason string) (string, error) {
	reqPayload := RefundRequest{}
	reqPayload.Refunds.Amount = amountCents
	reqPayload.Refunds.Links.Payment = gatewayPaymentID
	reqPayload.Refunds.Metadata = map[string]string{"reason": reason}

	var resp RefundResponse
	if err := c.post(ctx, "/refunds", reqPayload, "", &resp); err != nil {
		return "", err
	}
	if resp.Refunds.ID == "" {
		return "", fmt.Errorf("gocardless returned no refund id")
	}
	return resp.Refunds.ID, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, idempotencyKey string, out interface{}) error {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("GoCardless-Version", apiVersion)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("gocardless request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr ErrorResponse
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Err.Message != "" {
			return &apiErr
		}
		log.Printf("level=warn component=gocardless msg=\"unexpected response\" path=%s status=%d", path, resp.StatusCode)
		return fmt.Errorf("gocardless returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// ValidateWebhook checks the Webhook-Signature header against an HMAC-SHA256 of the
// raw body. The header may carry several comma-separated signatures; any single
// match is accepted.
func (c *Client) ValidateWebhook(body []byte, signature string) bool {
	if strings.TrimSpace(c.WebhookSecret) == "" {
		log.Printf("level=warn component=gocardless msg=\"webhook secret not set; rejecting webhook\"")
		return false
	}
	header := strings.TrimSpace(signature)
	if header == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.WebhookSecret))
	mac.Write(body)
	expected := []byte(hex.EncodeToString(mac.Sum(nil)))

	for _, candidate := range strings.Split(header, ",") {
		if hmac.Equal([]byte(strings.TrimSpace(candidate)), expected) {
			return true
		}
	}
	return false
}

// ParseWebhook extracts payment events from a webhook body. Events for other
// resource types are ignored.
func (c *Client) ParseWebhook(body []byte) ([]domain.GatewayEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse webhook body: %w", err)
	}

	var events []domain.GatewayEvent
	for _, e := range envelope.Events {
		if e.ResourceType != "payments" {
			continue
		}
		newStatus := e.Details.NewStatus
		if newStatus == "" {
			newStatus = e.Action
		}
		events = append(events, domain.GatewayEvent{
			ID:               e.ID,
			Action:           e.Action,
			GatewayPaymentID: e.Links.Payment,
			NewStatus:        newStatus,
		})
	}
	return events, nil
}
