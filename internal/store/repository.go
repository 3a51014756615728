/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the collection-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/debitflow/collection-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Customer and mandate methods
	GetCustomerByID(ctx context.Context, customerID uuid.UUID) (*domain.Customer, error)
	GetActiveMandate(ctx context.Context, customerID uuid.UUID) (*domain.Mandate, error)

	// Payment methods
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	GetPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	CountPaymentsByStatus(ctx context.Context, customerID uuid.UUID, status string) (int, error)
	// RecalculateFinalAmount re-derives final_amount_cents from the original amount
	// plus the signed sum of all adjustments and persists it. Supports adjustments
	// pre-staged against a reserved payment id; a no-op for a freshly created payment.
	RecalculateFinalAmount(ctx context.Context, paymentID uuid.UUID) (int64, error)
	// MarkPaymentSubmitted records a successful gateway submission. The update is a
	// compare-and-set on (status, attempts) so a racing writer loses cleanly instead
	// of clobbering: zero rows updated surfaces ErrPaymentConflict.
	MarkPaymentSubmitted(ctx context.Context, params MarkPaymentSubmittedParams) error
	SetPaymentInvoiceError(ctx context.Context, paymentID uuid.UUID, message string) error
	// ListRetryablePayments selects failed payments with attempts below maxRetries
	// whose last attempt is absent or older than the threshold.
	ListRetryablePayments(ctx context.Context, maxRetries int, threshold time.Time) ([]domain.Payment, error)

	// Adjustment methods
	// ApplyAdjustment inserts the adjustment row and updates the payment's final
	// amount in one transaction with the payment row locked. Nothing is written when
	// the payment is not scheduled or the resulting amount would be negative.
	ApplyAdjustment(ctx context.Context, params ApplyAdjustmentParams) (int64, error)

	// Refund methods
	CreateRefund(ctx context.Context, refund *domain.Refund) error
	SumRefundAmount(ctx context.Context, paymentID uuid.UUID) (int64, error)
	MarkRefundProcessed(ctx context.Context, refundID uuid.UUID, gatewayRefundID string) error
	MarkRefundFailed(ctx context.Context, refundID uuid.UUID) error

	// Event log methods
	AppendEvent(ctx context.Context, paymentID uuid.UUID, eventType string, payload map[string]interface{}) error
	// ApplyGatewayEvent applies one webhook-reported status transition atomically:
	// duplicate check against the event log, payment lookup by gateway id with the
	// row locked, status update, and event append all commit or roll back together.
	ApplyGatewayEvent(ctx context.Context, params ApplyGatewayEventParams) (*ApplyGatewayEventResult, error)

	// Settings
	GetSettings(ctx context.Context) (domain.Settings, error)
}

// MarkPaymentSubmittedParams carries the compare-and-set update after a successful
// gateway submission.
type MarkPaymentSubmittedParams struct {
	PaymentID        uuid.UUID
	GatewayPaymentID string
	ExpectedStatus   string // scheduled for first submission, failed for a retry
	ExpectedAttempts int
}

// ApplyAdjustmentParams carries one manual adjustment request.
type ApplyAdjustmentParams struct {
	PaymentID   uuid.UUID
	Type        string
	AmountCents int64
	Reason      string
	CreatedBy   string
}

// ApplyGatewayEventParams carries one parsed webhook event plus the raw payload it
// arrived in (stored for audit and replay detection).
type ApplyGatewayEventParams struct {
	EventID          string
	Action           string
	GatewayPaymentID string
	NewStatus        string
	RawPayload       string
}

// ApplyGatewayEventResult reports what the transaction did. Payment is nil when the
// event was an orphan (no local payment matches the gateway id).
type ApplyGatewayEventResult struct {
	Applied   bool
	Duplicate bool
	Payment   *domain.Payment
}
