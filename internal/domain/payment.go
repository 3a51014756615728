/**
 * @description
 * This file defines the core domain models for the collection-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in cents to avoid floating-point inaccuracies
 *   with financial data.
 * - Payment status values mirror the gateway's lifecycle so that webhook-reported
 *   statuses can be written through without translation.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Customer statuses. Only active customers may be charged.
const (
	CustomerActive    = "active"
	CustomerSuspended = "suspended"
)

// Mandate statuses. Only an active mandate may back a charge or a retry.
const (
	MandatePending   = "pending"
	MandateActive    = "active"
	MandateCancelled = "cancelled"
	MandateFailed    = "failed"
)

// Payment statuses.
const (
	PaymentScheduled  = "scheduled"
	PaymentCreated    = "created"
	PaymentSubmitted  = "submitted"
	PaymentConfirmed  = "confirmed"
	PaymentFailed     = "failed"
	PaymentRefunded   = "refunded"
	PaymentCancelled  = "cancelled"
	PaymentChargeback = "chargeback"
)

// Adjustment types.
const (
	AdjustmentIncrease = "increase"
	AdjustmentDecrease = "decrease"
)

// Refund statuses.
const (
	RefundPending   = "pending"
	RefundProcessed = "processed"
	RefundFailed    = "failed"
)

// Customer represents a billable customer account.
type Customer struct {
	ID     uuid.UUID `json:"id"`
	Email  string    `json:"email"`
	Status string    `json:"status"`
}

// Mandate is a customer's standing direct-debit authorization, referenced by the gateway.
type Mandate struct {
	ID               uuid.UUID `json:"id"`
	CustomerID       uuid.UUID `json:"customer_id"`
	GatewayMandateID string    `json:"gateway_mandate_id"`
	Status           string    `json:"status"`
}

// Payment is the central record of one recurring charge.
// This struct maps directly to the `payments` table in the database.
type Payment struct {
	ID                  uuid.UUID  `json:"id"`
	CustomerID          uuid.UUID  `json:"customer_id"`
	ServiceID           string     `json:"service_id"`
	OriginalAmountCents int64      `json:"original_amount_cents"` // immutable, set at creation
	FinalAmountCents    int64      `json:"final_amount_cents"`    // mutable only while status = scheduled
	Status              string     `json:"status"`
	Attempts            int        `json:"attempts"` // gateway submission attempts
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	GatewayPaymentID    *string    `json:"gateway_payment_id,omitempty"`
	InvoiceError        *string    `json:"invoice_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Adjustment is a signed manual change to a scheduled payment's final amount.
type Adjustment struct {
	ID          uuid.UUID `json:"id"`
	PaymentID   uuid.UUID `json:"payment_id"`
	Type        string    `json:"type"`         // increase | decrease
	AmountCents int64     `json:"amount_cents"` // always > 0; sign comes from Type
	Reason      string    `json:"reason"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Refund is a post-settlement refund request against a submitted payment.
type Refund struct {
	ID              uuid.UUID `json:"id"`
	PaymentID       uuid.UUID `json:"payment_id"`
	AmountCents     int64     `json:"amount_cents"`
	Reason          string    `json:"reason"`
	CreatedBy       string    `json:"created_by"`
	Status          string    `json:"status"`
	GatewayRefundID *string   `json:"gateway_refund_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// PaymentEvent is one row of the append-only audit log. Webhook events double as
// the idempotency ledger: a replayed delivery is detected by event_type plus the
// `event_id` key embedded in RawPayload.
type PaymentEvent struct {
	ID         uuid.UUID              `json:"id"`
	PaymentID  uuid.UUID              `json:"payment_id"`
	EventType  string                 `json:"event_type"`
	RawPayload map[string]interface{} `json:"raw_payload"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Settings are the operational thresholds stored in the `settings` table. They are
// reloaded at the start of every operation and passed down as a value; a long-lived
// process must never serve a stale cached setting across invocations.
type Settings struct {
	MaxUnpaidAllowed int
	MaxRetries       int
	RetryGapDays     int
	DefaultCurrency  string
}

// GatewayEvent is one parsed entry of an inbound webhook payload.
type GatewayEvent struct {
	ID               string `json:"id"`
	Action           string `json:"action"` // e.g. 'created', 'submitted', 'confirmed'
	GatewayPaymentID string `json:"gateway_payment_id"`
	NewStatus        string `json:"new_status"`
}

// GatewayChargeParams carries one gateway charge submission.
type GatewayChargeParams struct {
	MandateRef  string
	AmountCents int64
	Currency    string
	Description string
	Metadata    map[string]string
	// IdempotencyKey is <payment_id>:<attempt>, so an HTTP-level retry of the same
	// logical attempt cannot create two gateway-side charges.
	IdempotencyKey string
}

// ReceiptParams carries the data needed to issue an invoice-receipt after a
// payment is confirmed.
type ReceiptParams struct {
	CustomerEmail string
	Description   string
	AmountCents   int64
	Reference     string
}

// Receipt is the issued accounting document.
type Receipt struct {
	DocumentID string
	PDFURL     string
}

// ChargeRequest is the DTO for incoming charge API requests.
type ChargeRequest struct {
	CustomerID  uuid.UUID `json:"customer_id"`
	ServiceID   string    `json:"service_id"`
	AmountCents int64     `json:"amount_cents"`
}

// AdjustmentRequest is the DTO for admin adjustment API requests.
type AdjustmentRequest struct {
	Type        string `json:"type"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
	CreatedBy   string `json:"created_by"`
}

// RefundRequest is the DTO for admin refund API requests.
type RefundRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
	CreatedBy   string `json:"created_by"`
}

// PaymentLifecycleEvent is the message payload published to RabbitMQ when a
// payment reaches a notable state.
type PaymentLifecycleEvent struct {
	PaymentID        uuid.UUID `json:"payment_id"`
	CustomerID       uuid.UUID `json:"customer_id"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	Status           string    `json:"status"`
	AmountCents      int64     `json:"amount_cents"`
	Reason           string    `json:"reason,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// IsTerminalPaymentStatus reports whether a status ends the normal collection flow.
func IsTerminalPaymentStatus(status string) bool {
	switch status {
	case PaymentConfirmed, PaymentRefunded, PaymentCancelled, PaymentChargeback:
		return true
	}
	return false
}
