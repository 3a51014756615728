/**
 * @description
 * This file contains the core business logic for the collection-service. The `Service`
 * struct orchestrates the charge, adjustment, and refund operations, coordinating
 * between the database repository, the payment gateway client, and the message broker.
 *
 * Key features:
 * - Implements charge eligibility gates (active customer, active mandate, unpaid cap).
 * - Every mutation path logs to the payment event log before and after external
 *   calls, so the log can reconstruct what was attempted when a later step fails.
 * - Publishes lifecycle events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
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

	"github.com/google/uuid"

	"github.com/debitflow/collection-service/internal/domain"
	"github.com/debitflow/collection-service/internal/store"
	"github.com/debitflow/collection-service/pkg/rabbitmq"
)

var (
	ErrValidation            = errors.New("invalid request")
	ErrCustomerNotActive     = errors.New("customer is not active")
	ErrUnpaidLimitReached    = errors.New("customer has reached the unpaid payments limit")
	ErrPaymentNotSubmitted   = errors.New("payment has not been submitted to the gateway")
	ErrRefundCeilingExceeded = errors.New("cumulative refunds would exceed the payment amount")
	ErrGatewayOutcomeUnknown = errors.New("gateway call outcome unknown")
	// ErrGatewayFailure marks errors from the payment gateway so callers can tell
	// them apart from store failures when deciding whether a charge may exist.
	ErrGatewayFailure = errors.New("gateway request failed")
)

// Service provides the charge, adjustment, and refund business logic.
type Service struct {
	repo          store.Repository
	gateway       Gateway
	eventProducer rabbitmq.Publisher
}

// NewService creates a new collection service instance.
func NewService(repo store.Repository, gateway Gateway, producer rabbitmq.Publisher) *Service {
	return &Service{
		repo:          repo,
		gateway:       gateway,
		eventProducer: producer,
	}
}

// ChargeCustomer validates eligibility, creates the payment record, and submits it
// to the gateway. Preconditions are checked in order and each is a hard failure
// with no side effects: customer active, active mandate present, failed-payment
// count below max_unpaid_allowed.
func (s *Service) ChargeCustomer(ctx context.Context, req domain.ChargeRequest) (uuid.UUID, error) {
	if req.CustomerID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: customer_id is required", ErrValidation)
	}
	if req.ServiceID == "" {
		return uuid.Nil, fmt.Errorf("%w: service_id is required", ErrValidation)
	}
	if req.AmountCents <= 0 {
		return uuid.Nil, fmt.Errorf("%w: amount_cents must be positive", ErrValidation)
	}

	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load settings: %w", err)
	}

	customer, err := s.repo.GetCustomerByID(ctx, req.CustomerID)
	if err != nil {
		return uuid.Nil, err
	}
	if customer.Status != domain.CustomerActive {
		return uuid.Nil, fmt.Errorf("%w: status is %q", ErrCustomerNotActive, customer.Status)
	}

	mandate, err := s.repo.GetActiveMandate(ctx, customer.ID)
	if err != nil {
		return uuid.Nil, err
	}

	failedCount, err := s.repo.CountPaymentsByStatus(ctx, customer.ID, domain.PaymentFailed)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to count unpaid payments: %w", err)
	}
	if failedCount >= settings.MaxUnpaidAllowed {
		log.Printf("level=warn component=app msg=\"charge rejected: unpaid limit reached\" customer_id=%s failed_count=%d max_unpaid_allowed=%d", customer.ID, failedCount, settings.MaxUnpaidAllowed)
		return uuid.Nil, fmt.Errorf("%w: %d failed payments, limit %d", ErrUnpaidLimitReached, failedCount, settings.MaxUnpaidAllowed)
	}

	payment := &domain.Payment{
		ID:                  uuid.New(),
		CustomerID:          customer.ID,
		ServiceID:           req.ServiceID,
		OriginalAmountCents: req.AmountCents,
		FinalAmountCents:    req.AmountCents,
		Status:              domain.PaymentScheduled,
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create payment record: %w", err)
	}
	if err := s.repo.AppendEvent(ctx, payment.ID, "scheduled", map[string]interface{}{
		"amount": req.AmountCents,
	}); err != nil {
		log.Printf("level=warn component=app msg=\"failed to log scheduled event\" payment_id=%s err=%v", payment.ID, err)
	}

	// Pick up any adjustments pre-staged against this payment id and persist the
	// recomputed final amount before submitting.
	finalAmount, err := s.repo.RecalculateFinalAmount(ctx, payment.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to recalculate final amount: %w", err)
	}

	gatewayPaymentID, err := s.gateway.CreatePayment(ctx, domain.GatewayChargeParams{
		MandateRef:  mandate.GatewayMandateID,
		AmountCents: finalAmount,
		Currency:    settings.DefaultCurrency,
		Description: fmt.Sprintf("Recurring charge for %s", req.ServiceID),
		Metadata: map[string]string{
			"payment_id": payment.ID.String(),
		},
		IdempotencyKey: fmt.Sprintf("%s:%d", payment.ID, 1),
	})
	if err != nil {
		if isGatewayTimeout(err) {
			// The charge may exist on the gateway side. Record the attempt, keep the
			// payment scheduled, and let the webhook settle the truth.
			if logErr := s.repo.AppendEvent(ctx, payment.ID, "gateway_outcome_unknown", map[string]interface{}{
				"error": err.Error(),
			}); logErr != nil {
				log.Printf("level=error component=app msg=\"failed to log gateway_outcome_unknown\" payment_id=%s err=%v", payment.ID, logErr)
			}
			return uuid.Nil, fmt.Errorf("%w: %v", ErrGatewayOutcomeUnknown, err)
		}
		log.Printf("level=warn component=app msg=\"gateway payment creation failed\" payment_id=%s err=%v", payment.ID, err)
		if logErr := s.repo.AppendEvent(ctx, payment.ID, "gateway_creation_failed", map[string]interface{}{
			"error": err.Error(),
		}); logErr != nil {
			log.Printf("level=error component=app msg=\"failed to log gateway_creation_failed\" payment_id=%s err=%v", payment.ID, logErr)
		}
		// Status stays scheduled for manual follow-up.
		return uuid.Nil, fmt.Errorf("%w: payment creation: %v", ErrGatewayFailure, err)
	}

	err = s.repo.MarkPaymentSubmitted(ctx, store.MarkPaymentSubmittedParams{
		PaymentID:        payment.ID,
		GatewayPaymentID: gatewayPaymentID,
		ExpectedStatus:   domain.PaymentScheduled,
		ExpectedAttempts: 0,
	})
	if err != nil {
		// The gateway now holds a charge our records do not reflect. This is a
		// reconciliation risk and must be surfaced, never swallowed.
		log.Printf("level=error component=app msg=\"db update failed after gateway success\" payment_id=%s gateway_payment_id=%s err=%v", payment.ID, gatewayPaymentID, err)
		if logErr := s.repo.AppendEvent(ctx, payment.ID, "db_update_after_gc_success_failed", map[string]interface{}{
			"error":              err.Error(),
			"gateway_payment_id": gatewayPaymentID,
		}); logErr != nil {
			log.Printf("level=error component=app msg=\"failed to log db_update_after_gc_success_failed\" payment_id=%s err=%v", payment.ID, logErr)
		}
		return uuid.Nil, fmt.Errorf("payment created at gateway but local update failed: %w", err)
	}

	if err := s.repo.AppendEvent(ctx, payment.ID, "created", map[string]interface{}{
		"gateway_payment_id": gatewayPaymentID,
	}); err != nil {
		log.Printf("level=warn component=app msg=\"failed to log created event\" payment_id=%s err=%v", payment.ID, err)
	}

	s.publish(ctx, rabbitmq.RouteCreated, domain.PaymentLifecycleEvent{
		PaymentID:        payment.ID,
		CustomerID:       customer.ID,
		GatewayPaymentID: gatewayPaymentID,
		Status:           domain.PaymentCreated,
		AmountCents:      finalAmount,
		Timestamp:        time.Now().UTC(),
	})

	return payment.ID, nil
}

// ApplyAdjustment mutates the final amount of a scheduled payment. The guard
// checks, the adjustment insert, and the amount update run in one transaction in
// the store, so a rejection writes nothing.
func (s *Service) ApplyAdjustment(ctx context.Context, paymentID uuid.UUID, req domain.AdjustmentRequest) (int64, error) {
	if req.Type != domain.AdjustmentIncrease && req.Type != domain.AdjustmentDecrease {
		return 0, fmt.Errorf("%w: type must be increase or decrease", ErrValidation)
	}
	if req.AmountCents <= 0 {
		return 0, fmt.Errorf("%w: amount_cents must be positive", ErrValidation)
	}
	if req.CreatedBy == "" {
		return 0, fmt.Errorf("%w: created_by is required", ErrValidation)
	}

	newFinal, err := s.repo.ApplyAdjustment(ctx, store.ApplyAdjustmentParams{
		PaymentID:   paymentID,
		Type:        req.Type,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		return 0, err
	}
	log.Printf("level=info component=app msg=\"adjustment applied\" payment_id=%s type=%s amount_cents=%d new_final=%d", paymentID, req.Type, req.AmountCents, newFinal)
	return newFinal, nil
}

// IssueRefund issues a post-settlement refund against an already-submitted payment.
// The refund row is inserted as pending before the gateway call, so a gateway
// failure still leaves an auditable attempt.
func (s *Service) IssueRefund(ctx context.Context, paymentID uuid.UUID, req domain.RefundRequest) (uuid.UUID, error) {
	if req.AmountCents <= 0 {
		return uuid.Nil, fmt.Errorf("%w: amount_cents must be positive", ErrValidation)
	}
	if req.CreatedBy == "" {
		return uuid.Nil, fmt.Errorf("%w: created_by is required", ErrValidation)
	}

	payment, err := s.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return uuid.Nil, err
	}
	if payment.GatewayPaymentID == nil {
		return uuid.Nil, ErrPaymentNotSubmitted
	}

	refunded, err := s.repo.SumRefundAmount(ctx, paymentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to sum existing refunds: %w", err)
	}
	if refunded+req.AmountCents > payment.FinalAmountCents {
		return uuid.Nil, fmt.Errorf("%w: %d already refunded of %d", ErrRefundCeilingExceeded, refunded, payment.FinalAmountCents)
	}

	refund := &domain.Refund{
		ID:          uuid.New(),
		PaymentID:   paymentID,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
		CreatedBy:   req.CreatedBy,
		Status:      domain.RefundPending,
	}
	if err := s.repo.CreateRefund(ctx, refund); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create refund record: %w", err)
	}

	gatewayRefundID, err := s.gateway.RefundPayment(ctx, *payment.GatewayPaymentID, req.AmountCents, req.Reason)
	if err != nil {
		log.Printf("level=warn component=app msg=\"gateway refund failed\" payment_id=%s refund_id=%s err=%v", paymentID, refund.ID, err)
		if markErr := s.repo.MarkRefundFailed(ctx, refund.ID); markErr != nil {
			log.Printf("level=error component=app msg=\"failed to mark refund failed\" refund_id=%s err=%v", refund.ID, markErr)
		}
		if logErr := s.repo.AppendEvent(ctx, paymentID, "refund_request_failed", map[string]interface{}{
			"refund_id": refund.ID.String(),
			"error":     err.Error(),
		}); logErr != nil {
			log.Printf("level=error component=app msg=\"failed to log refund_request_failed\" refund_id=%s err=%v", refund.ID, logErr)
		}
		return uuid.Nil, fmt.Errorf("%w: refund: %v", ErrGatewayFailure, err)
	}

	if err := s.repo.MarkRefundProcessed(ctx, refund.ID, gatewayRefundID); err != nil {
		log.Printf("level=error component=app msg=\"db update failed after gateway refund success\" refund_id=%s gateway_refund_id=%s err=%v", refund.ID, gatewayRefundID, err)
		return uuid.Nil, fmt.Errorf("refund processed at gateway but local update failed: %w", err)
	}
	if err := s.repo.AppendEvent(ctx, paymentID, "refund_request_processed", map[string]interface{}{
		"refund_id":         refund.ID.String(),
		"gateway_refund_id": gatewayRefundID,
		"amount_cents":      req.AmountCents,
	}); err != nil {
		log.Printf("level=warn component=app msg=\"failed to log refund_request_processed\" refund_id=%s err=%v", refund.ID, err)
	}

	// The payment's own status is left untouched; the gateway's webhook settles the
	// refund's effect on it.
	return refund.ID, nil
}

func (s *Service) publish(ctx context.Context, routingKey string, event domain.PaymentLifecycleEvent) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.LifecycleExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=app msg=\"event publish failed\" routing_key=%s payment_id=%s err=%v", routingKey, event.PaymentID, err)
	}
}
