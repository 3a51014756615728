/**
 * @description
 * This file implements the retry sweep: a periodic pass over failed payments that
 * resubmits the ones still eligible under the retry policy. The selection predicate
 * (status failed, attempts below max_retries, last attempt outside the gap window)
 * runs in SQL; each selected payment is then processed independently, so one
 * payment's failure never aborts the sweep.
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

// Sweeper resubmits failed payments eligible under the retry policy.
type Sweeper struct {
	repo          store.Repository
	gateway       Gateway
	eventProducer rabbitmq.Publisher
}

// NewSweeper creates a new retry sweeper instance.
func NewSweeper(repo store.Repository, gateway Gateway, producer rabbitmq.Publisher) *Sweeper {
	return &Sweeper{
		repo:          repo,
		gateway:       gateway,
		eventProducer: producer,
	}
}

// Sweep selects and resubmits eligible failed payments, returning how many retries
// were initiated.
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	settings, err := w.repo.GetSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load settings: %w", err)
	}

	threshold := time.Now().AddDate(0, 0, -settings.RetryGapDays)
	payments, err := w.repo.ListRetryablePayments(ctx, settings.MaxRetries, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable payments: %w", err)
	}
	log.Printf("level=info component=retry msg=\"sweep started\" candidates=%d max_retries=%d retry_gap_days=%d", len(payments), settings.MaxRetries, settings.RetryGapDays)

	retried := 0
	for i := range payments {
		if w.retryOne(ctx, &payments[i], settings) {
			retried++
		}
	}
	log.Printf("level=info component=retry msg=\"sweep finished\" candidates=%d retried=%d", len(payments), retried)
	return retried, nil
}

func (w *Sweeper) retryOne(ctx context.Context, payment *domain.Payment, settings domain.Settings) bool {
	// The mandate may have been cancelled since the original charge.
	mandate, err := w.repo.GetActiveMandate(ctx, payment.CustomerID)
	if err != nil {
		if errors.Is(err, store.ErrMandateNotFound) {
			if logErr := w.repo.AppendEvent(ctx, payment.ID, "retry_rejected_no_active_mandate", map[string]interface{}{
				"attempts": payment.Attempts,
			}); logErr != nil {
				log.Printf("level=error component=retry msg=\"failed to log retry rejection\" payment_id=%s err=%v", payment.ID, logErr)
			}
			return false
		}
		log.Printf("level=error component=retry msg=\"mandate lookup failed\" payment_id=%s err=%v", payment.ID, err)
		return false
	}

	attempt := payment.Attempts + 1
	gatewayPaymentID, err := w.gateway.CreatePayment(ctx, domain.GatewayChargeParams{
		MandateRef:  mandate.GatewayMandateID,
		AmountCents: payment.FinalAmountCents,
		Currency:    settings.DefaultCurrency,
		Description: fmt.Sprintf("Retry %d for %s", attempt, payment.ServiceID),
		Metadata: map[string]string{
			"payment_id":    payment.ID.String(),
			"retry_attempt": fmt.Sprintf("%d", attempt),
		},
		IdempotencyKey: fmt.Sprintf("%s:%d", payment.ID, attempt),
	})
	if err != nil {
		if isGatewayTimeout(err) {
			if logErr := w.repo.AppendEvent(ctx, payment.ID, "gateway_outcome_unknown", map[string]interface{}{
				"error":   err.Error(),
				"attempt": attempt,
			}); logErr != nil {
				log.Printf("level=error component=retry msg=\"failed to log gateway_outcome_unknown\" payment_id=%s err=%v", payment.ID, logErr)
			}
			return false
		}
		log.Printf("level=warn component=retry msg=\"retry submission failed\" payment_id=%s attempt=%d err=%v", payment.ID, attempt, err)
		if logErr := w.repo.AppendEvent(ctx, payment.ID, "retry_failed_gateway_error", map[string]interface{}{
			"error":   err.Error(),
			"attempt": attempt,
		}); logErr != nil {
			log.Printf("level=error component=retry msg=\"failed to log retry_failed_gateway_error\" payment_id=%s err=%v", payment.ID, logErr)
		}
		// Payment stays failed for the next sweep.
		return false
	}

	err = w.repo.MarkPaymentSubmitted(ctx, store.MarkPaymentSubmittedParams{
		PaymentID:        payment.ID,
		GatewayPaymentID: gatewayPaymentID,
		ExpectedStatus:   domain.PaymentFailed,
		ExpectedAttempts: payment.Attempts,
	})
	if err != nil {
		if errors.Is(err, store.ErrPaymentConflict) {
			// A webhook or manual action changed the payment since selection. The
			// concurrent writer wins; the gateway-side charge will reconcile via webhook.
			log.Printf("level=warn component=retry msg=\"payment changed concurrently, retry update skipped\" payment_id=%s", payment.ID)
			return false
		}
		log.Printf("level=error component=retry msg=\"db update failed after gateway success\" payment_id=%s gateway_payment_id=%s err=%v", payment.ID, gatewayPaymentID, err)
		if logErr := w.repo.AppendEvent(ctx, payment.ID, "db_update_after_gc_success_failed", map[string]interface{}{
			"error":              err.Error(),
			"gateway_payment_id": gatewayPaymentID,
		}); logErr != nil {
			log.Printf("level=error component=retry msg=\"failed to log db_update_after_gc_success_failed\" payment_id=%s err=%v", payment.ID, logErr)
		}
		return false
	}

	if err := w.repo.AppendEvent(ctx, payment.ID, "retry_scheduled", map[string]interface{}{
		"gateway_payment_id": gatewayPaymentID,
		"attempt":            attempt,
	}); err != nil {
		log.Printf("level=warn component=retry msg=\"failed to log retry_scheduled\" payment_id=%s err=%v", payment.ID, err)
	}

	if w.eventProducer != nil {
		event := domain.PaymentLifecycleEvent{
			PaymentID:        payment.ID,
			CustomerID:       payment.CustomerID,
			GatewayPaymentID: gatewayPaymentID,
			Status:           domain.PaymentCreated,
			AmountCents:      payment.FinalAmountCents,
			Timestamp:        time.Now().UTC(),
		}
		if err := w.eventProducer.Publish(ctx, rabbitmq.LifecycleExchange, rabbitmq.RouteRetryScheduled, event); err != nil {
			log.Printf("level=warn component=retry msg=\"event publish failed\" payment_id=%s err=%v", payment.ID, err)
		}
	}
	return true
}
