/**
 * @description
 * This file provides a mock gateway implementation for local development and test
 * environments, selected via PAYMENT_PROVIDER=mock. It never performs network I/O:
 * payment and refund ids come from in-memory counters, every webhook signature
 * validates, and webhook bodies parse through the same envelope as the live client.
 */
package gocardless

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/debitflow/collection-service/internal/domain"
)

// Mock is an offline stand-in for the GoCardless API.
type Mock struct {
	mu            sync.Mutex
	paymentSerial int
	refundSerial  int
}

// NewMock creates a new mock gateway.
func NewMock() *Mock {
	return &Mock{
		paymentSerial: 1000,
		refundSerial:  500,
	}
}

// CreatePayment returns a counter-based payment id without calling any gateway.
func (m *Mock) CreatePayment(ctx context.Context, params domain.GatewayChargeParams) (string, error) {
	m.mu.Lock()
	m.paymentSerial++
	id := fmt.Sprintf("PM%d", m.paymentSerial)
	m.mu.Unlock()
	log.Printf("level=info component=gocardless_mock msg=\"payment created\" id=%s mandate=%s amount=%d", id, params.MandateRef, params.AmountCents)
	return id, nil
}

// RefundPayment returns a counter-based refund id without calling any gateway.
func (m *Mock) RefundPayment(ctx context.Context, gatewayPaymentID string, amountCents int64, reason string) (string, error) {
	m.mu.Lock()
	m.refundSerial++
	id := fmt.Sprintf("RF%d", m.refundSerial)
	m.mu.Unlock()
	log.Printf("level=info component=gocardless_mock msg=\"refund created\" id=%s payment=%s amount=%d", id, gatewayPaymentID, amountCents)
	return id, nil
}

// ValidateWebhook accepts every signature.
func (m *Mock) ValidateWebhook(body []byte, signature string) bool {
	return true
}

// ParseWebhook parses the same envelope as the live client.
func (m *Mock) ParseWebhook(body []byte) ([]domain.GatewayEvent, error) {
	return (&Client{}).ParseWebhook(body)
}
