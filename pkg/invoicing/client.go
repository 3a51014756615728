/**
 * @description
 * This package provides a client for the Moloni-style accounting API used to issue
 * invoice-receipts after a payment is confirmed. The caller treats invoicing as
 * best-effort: failures are recorded on the payment, never re-raised to the
 * webhook sender.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - internal/domain: For the receipt parameter and result models.
 */
package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/debitflow/collection-service/internal/domain"
)

// Client is a client for the accounting API.
type Client struct {
	BaseURL    string
	APIKey     string
	CompanyID  string
	HTTPClient *http.Client
}

// NewClient creates a new invoicing client.
func NewClient(baseURL, apiKey, companyID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		CompanyID: companyID,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type receiptRequest struct {
	CompanyID string `json:"company_id"`
	Customer  struct {
		Email string `json:"email"`
	} `json:"customer"`
	Products []receiptLine `json:"products"`
	// Reference ties the document back to the gateway payment.
	Reference string `json:"your_reference"`
}

type receiptLine struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Qty   int     `json:"qty"`
}

type receiptResponse struct {
	DocumentID int    `json:"document_id"`
	PDFURL     string `json:"pdf_url"`
	Error      string `json:"error,omitempty"`
}

// IssueReceipt creates an invoice-receipt for a confirmed payment.
func (c *Client) IssueReceipt(ctx context.Context, params domain.ReceiptParams) (*domain.Receipt, error) {
	reqPayload := receiptRequest{CompanyID: c.CompanyID, Reference: params.Reference}
	reqPayload.Customer.Email = params.CustomerEmail
	reqPayload.Products = []receiptLine{{
		Name:  params.Description,
		Price: float64(params.AmountCents) / 100.0,
		Qty:   1,
	}}

	jsonBody, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal receipt request: %w", err)
	}

	endpoint := c.BaseURL + "/invoiceReceipts/insert?" + url.Values{"access_token": {c.APIKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoicing request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("invoicing returned status %d", resp.StatusCode)
	}

	var parsed receiptResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("invoicing error: %s", parsed.Error)
	}

	return &domain.Receipt{
		DocumentID: fmt.Sprintf("%d", parsed.DocumentID),
		PDFURL:     parsed.PDFURL,
	}, nil
}
