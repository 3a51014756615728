/**
 * @description
 * This file defines the interfaces the business logic consumes for external
 * collaborators: the payment gateway and the invoicing system. Implementations are
 * injected at construction (live or mock, selected by configuration), never resolved
 * from process-wide state.
 *
 * @dependencies
 * - context, errors, net: Standard Go libraries.
 * - internal/domain: For the gateway parameter and parsed webhook event models.
 */

package app

import (
	"context"
	"errors"
	"net"

	"github.com/debitflow/collection-service/internal/domain"
)

// Gateway is the payment gateway client consumed by the charge, refund, retry, and
// webhook paths.
type Gateway interface {
	CreatePayment(ctx context.Context, params domain.GatewayChargeParams) (gatewayPaymentID string, err error)
	RefundPayment(ctx context.Context, gatewayPaymentID string, amountCents int64, reason string) (gatewayRefundID string, err error)
	ValidateWebhook(body []byte, signature string) bool
	ParseWebhook(body []byte) ([]domain.GatewayEvent, error)
}

// Invoicer is the accounting collaborator, invoked best-effort on confirmation.
type Invoicer interface {
	IssueReceipt(ctx context.Context, params domain.ReceiptParams) (*domain.Receipt, error)
}

// isGatewayTimeout reports whether a gateway call failed without a definitive
// outcome. A timed-out submission may still have created a charge, so callers must
// treat it as unknown rather than failed.
func isGatewayTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
