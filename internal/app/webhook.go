/**
 * @description
 * This file implements webhook reconciliation: idempotent application of
 * gateway-reported status transitions to local payments, plus the terminal-state
 * side effects (invoicing on confirmation, review flagging on chargeback/cancel).
 *
 * Webhook delivery is at-least-once, so the dedup check and the event-log write
 * commit together in one store transaction per event. A replayed delivery is a
 * no-op; an orphan event (no local payment for the gateway id) is skipped, not an
 * error.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For lifecycle event publication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/debitflow/collection-service/internal/domain"
	"github.com/debitflow/collection-service/internal/store"
	"github.com/debitflow/collection-service/pkg/rabbitmq"
)

var (
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrUnparsablePayload = errors.New("unparsable webhook payload")
)

// Reconciler applies inbound gateway webhooks to the ledger.
type Reconciler struct {
	repo          store.Repository
	gateway       Gateway
	invoicer      Invoicer
	eventProducer rabbitmq.Publisher
}

// NewReconciler creates a new webhook reconciler instance.
func NewReconciler(repo store.Repository, gateway Gateway, invoicer Invoicer, producer rabbitmq.Publisher) *Reconciler {
	return &Reconciler{
		repo:          repo,
		gateway:       gateway,
		invoicer:      invoicer,
		eventProducer: producer,
	}
}

// IngestResult reports how many events the payload carried and how many actually
// changed state (duplicates and orphans count as processed, not applied).
type IngestResult struct {
	Processed int
	Applied   int
}

// Ingest verifies the signature, parses the payload, and applies each event
// independently. A failure on one event never aborts the rest of the batch.
func (r *Reconciler) Ingest(ctx context.Context, body []byte, signature string) (*IngestResult, error) {
	if !r.gateway.ValidateWebhook(body, signature) {
		return nil, ErrInvalidSignature
	}

	events, err := r.gateway.ParseWebhook(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsablePayload, err)
	}

	result := &IngestResult{}
	for _, event := range events {
		result.Processed++

		applied, err := r.repo.ApplyGatewayEvent(ctx, store.ApplyGatewayEventParams{
			EventID:          event.ID,
			Action:           event.Action,
			GatewayPaymentID: event.GatewayPaymentID,
			NewStatus:        event.NewStatus,
			RawPayload:       string(body),
		})
		if err != nil {
			log.Printf("level=error component=webhook msg=\"failed to apply gateway event\" event_id=%s action=%s err=%v", event.ID, event.Action, err)
			continue
		}
		if applied.Duplicate {
			log.Printf("level=info component=webhook msg=\"duplicate event skipped\" event_id=%s action=%s", event.ID, event.Action)
			continue
		}
		if !applied.Applied {
			log.Printf("level=warn component=webhook msg=\"orphan event, no matching payment\" event_id=%s gateway_payment_id=%s", event.ID, event.GatewayPaymentID)
			continue
		}

		result.Applied++
		r.dispatchSideEffects(ctx, applied.Payment)
	}
	return result, nil
}

// dispatchSideEffects runs terminal-state actions after the status transition has
// committed. None of them may fail the ingestion: the gateway must still receive a
// success acknowledgement.
func (r *Reconciler) dispatchSideEffects(ctx context.Context, payment *domain.Payment) {
	switch payment.Status {
	case domain.PaymentConfirmed:
		r.issueReceipt(ctx, payment)
		r.publish(ctx, rabbitmq.RouteConfirmed, payment, "")

	case domain.PaymentFailed:
		// Eligibility for resubmission is decided later by the retry sweep.
		r.publish(ctx, rabbitmq.RouteFailed, payment, "")

	case domain.PaymentChargeback, domain.PaymentCancelled:
		if err := r.repo.AppendEvent(ctx, payment.ID, "payment_flagged_for_review", map[string]interface{}{
			"status": payment.Status,
		}); err != nil {
			log.Printf("level=error component=webhook msg=\"failed to log review flag\" payment_id=%s err=%v", payment.ID, err)
		}
		r.publish(ctx, rabbitmq.RouteReviewFlagged, payment, payment.Status)
	}
}

func (r *Reconciler) issueReceipt(ctx context.Context, payment *domain.Payment) {
	if r.invoicer == nil {
		return
	}
	customer, err := r.repo.GetCustomerByID(ctx, payment.CustomerID)
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"invoicing skipped, customer lookup failed\" payment_id=%s err=%v", payment.ID, err)
		r.recordInvoiceError(ctx, payment, err)
		return
	}

	reference := ""
	if payment.GatewayPaymentID != nil {
		reference = *payment.GatewayPaymentID
	}
	receipt, err := r.invoicer.IssueReceipt(ctx, domain.ReceiptParams{
		CustomerEmail: customer.Email,
		Description:   fmt.Sprintf("Recurring charge for %s", payment.ServiceID),
		AmountCents:   payment.FinalAmountCents,
		Reference:     reference,
	})
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"invoicing failed\" payment_id=%s err=%v", payment.ID, err)
		r.recordInvoiceError(ctx, payment, err)
		return
	}
	log.Printf("level=info component=webhook msg=\"invoice receipt issued\" payment_id=%s document_id=%s", payment.ID, receipt.DocumentID)
}

func (r *Reconciler) recordInvoiceError(ctx context.Context, payment *domain.Payment, cause error) {
	if err := r.repo.SetPaymentInvoiceError(ctx, payment.ID, cause.Error()); err != nil {
		log.Printf("level=error component=webhook msg=\"failed to record invoice error\" payment_id=%s err=%v", payment.ID, err)
	}
}

func (r *Reconciler) publish(ctx context.Context, routingKey string, payment *domain.Payment, reason string) {
	if r.eventProducer == nil {
		return
	}
	gatewayID := ""
	if payment.GatewayPaymentID != nil {
		gatewayID = *payment.GatewayPaymentID
	}
	event := domain.PaymentLifecycleEvent{
		PaymentID:        payment.ID,
		CustomerID:       payment.CustomerID,
		GatewayPaymentID: gatewayID,
		Status:           payment.Status,
		AmountCents:      payment.FinalAmountCents,
		Reason:           reason,
		Timestamp:        time.Now().UTC(),
	}
	if err := r.eventProducer.Publish(ctx, rabbitmq.LifecycleExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=webhook msg=\"event publish failed\" routing_key=%s payment_id=%s err=%v", routingKey, payment.ID, err)
	}
}
