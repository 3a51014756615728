/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to customers, mandates, payments, adjustments, refunds, the append-only
 * payment event log, and operational settings.
 *
 * @dependencies
 * - context, encoding/json, errors, strconv, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/debitflow/collection-service/internal/domain"
)

var (
	ErrCustomerNotFound     = errors.New("customer not found")
	ErrMandateNotFound      = errors.New("active mandate not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentConflict      = errors.New("payment was modified concurrently")
	ErrPaymentNotAdjustable = errors.New("payment is not in an adjustable status")
	ErrNegativeFinalAmount  = errors.New("adjustment would result in a negative payment amount")
	ErrRefundNotFound       = errors.New("refund not found")
	ErrSettingMissing       = errors.New("required setting missing")
)

const paymentColumns = `id, customer_id, service_id, original_amount_cents, final_amount_cents,
	       status, attempts, last_attempt_at, gateway_payment_id, invoice_error, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner, p *domain.Payment) error {
	return row.Scan(
		&p.ID, &p.CustomerID, &p.ServiceID, &p.OriginalAmountCents, &p.FinalAmountCents,
		&p.Status, &p.Attempts, &p.LastAttemptAt, &p.GatewayPaymentID, &p.InvoiceError,
		&p.CreatedAt, &p.UpdatedAt,
	)
}

// GetCustomerByID retrieves a customer from the database by their ID.
func (r *PostgresRepository) GetCustomerByID(ctx context.Context, customerID uuid.UUID) (*domain.Customer, error) {
	var customer domain.Customer
	query := `SELECT id, email, status FROM customers WHERE id = $1`
	err := r.db.QueryRow(ctx, query, customerID).Scan(&customer.ID, &customer.Email, &customer.Status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return &customer, nil
}

// GetActiveMandate retrieves the customer's active mandate, if any.
func (r *PostgresRepository) GetActiveMandate(ctx context.Context, customerID uuid.UUID) (*domain.Mandate, error) {
	var mandate domain.Mandate
	query := `
		SELECT id, customer_id, gateway_mandate_id, status
		FROM mandates
		WHERE customer_id = $1 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, customerID).Scan(
		&mandate.ID, &mandate.CustomerID, &mandate.GatewayMandateID, &mandate.Status,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMandateNotFound
		}
		return nil, err
	}
	return &mandate, nil
}

// CreatePayment inserts a new payment row.
func (r *PostgresRepository) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (id, customer_id, service_id, original_amount_cents, final_amount_cents, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		payment.ID, payment.CustomerID, payment.ServiceID,
		payment.OriginalAmountCents, payment.FinalAmountCents,
		payment.Status, payment.Attempts,
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)
}

// GetPaymentByID retrieves a payment by its internal ID.
func (r *PostgresRepository) GetPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	var payment domain.Payment
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	if err := scanPayment(r.db.QueryRow(ctx, query, paymentID), &payment); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// CountPaymentsByStatus counts a customer's payments in the given status.
func (r *PostgresRepository) CountPaymentsByStatus(ctx context.Context, customerID uuid.UUID, status string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM payments WHERE customer_id = $1 AND status = $2`
	if err := r.db.QueryRow(ctx, query, customerID, status).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// RecalculateFinalAmount re-derives final_amount_cents from the original amount plus
// the signed sum of all adjustments and persists the result.
func (r *PostgresRepository) RecalculateFinalAmount(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	var newFinal int64
	query := `
		UPDATE payments
		SET final_amount_cents = original_amount_cents + COALESCE((
			SELECT SUM(CASE WHEN type = 'increase' THEN amount_cents ELSE -amount_cents END)
			FROM payment_adjustments
			WHERE payment_id = payments.id
		), 0),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING final_amount_cents
	`
	if err := r.db.QueryRow(ctx, query, paymentID).Scan(&newFinal); err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrPaymentNotFound
		}
		return 0, err
	}
	return newFinal, nil
}

// MarkPaymentSubmitted records a successful gateway submission with a compare-and-set
// on (status, attempts) so a racing webhook or manual action wins cleanly.
func (r *PostgresRepository) MarkPaymentSubmitted(ctx context.Context, params MarkPaymentSubmittedParams) error {
	query := `
		UPDATE payments
		SET status = 'created',
		    gateway_payment_id = $2,
		    attempts = attempts + 1,
		    last_attempt_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = $3 AND attempts = $4
	`
	result, err := r.db.Exec(ctx, query,
		params.PaymentID, params.GatewayPaymentID, params.ExpectedStatus, params.ExpectedAttempts,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentConflict
	}
	return nil
}

// SetPaymentInvoiceError records a non-fatal invoicing failure on the payment row.
func (r *PostgresRepository) SetPaymentInvoiceError(ctx context.Context, paymentID uuid.UUID, message string) error {
	query := `UPDATE payments SET invoice_error = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, paymentID, message)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// ListRetryablePayments selects failed payments eligible for a retry sweep.
func (r *PostgresRepository) ListRetryablePayments(ctx context.Context, maxRetries int, threshold time.Time) ([]domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'failed'
		  AND attempts < $1
		  AND (last_attempt_at IS NULL OR last_attempt_at < $2)
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, maxRetries, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := scanPayment(rows, &p); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ApplyAdjustment inserts the adjustment and updates the payment's final amount in a
// single transaction with the payment row locked. The insert and the amount update
// are all-or-nothing: a negative result rolls everything back.
func (r *PostgresRepository) ApplyAdjustment(ctx context.Context, params ApplyAdjustmentParams) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var status string
	var finalAmount int64
	err = tx.QueryRow(ctx,
		`SELECT status, final_amount_cents FROM payments WHERE id = $1 FOR UPDATE`,
		params.PaymentID,
	).Scan(&status, &finalAmount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrPaymentNotFound
		}
		return 0, err
	}

	newFinal, err := adjustedFinalAmount(status, finalAmount, params.Type, params.AmountCents)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO payment_adjustments (id, payment_id, type, amount_cents, reason, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), params.PaymentID, params.Type, params.AmountCents, params.Reason, params.CreatedBy,
	)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE payments SET final_amount_cents = $2, updated_at = NOW() WHERE id = $1`,
		params.PaymentID, newFinal,
	)
	if err != nil {
		return 0, err
	}

	if err := appendEventTx(ctx, tx, params.PaymentID, "manual_adjustment_applied", map[string]interface{}{
		"type":             params.Type,
		"amount_cents":     params.AmountCents,
		"reason":           params.Reason,
		"created_by":       params.CreatedBy,
		"new_final_amount": newFinal,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return newFinal, nil
}

// adjustedFinalAmount applies one signed adjustment to a payment's final amount.
// Only scheduled payments may be adjusted, and the result may never go negative.
func adjustedFinalAmount(status string, finalAmount int64, adjType string, amountCents int64) (int64, error) {
	if status != domain.PaymentScheduled {
		return 0, fmt.Errorf("%w: status is %q", ErrPaymentNotAdjustable, status)
	}
	change := amountCents
	if adjType == domain.AdjustmentDecrease {
		change = -change
	}
	newFinal := finalAmount + change
	if newFinal < 0 {
		return 0, ErrNegativeFinalAmount
	}
	return newFinal, nil
}

// CreateRefund inserts a new refund row (typically status=pending before the gateway call).
func (r *PostgresRepository) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	query := `
		INSERT INTO refunds (id, payment_id, amount_cents, reason, created_by, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		refund.ID, refund.PaymentID, refund.AmountCents, refund.Reason, refund.CreatedBy, refund.Status,
	).Scan(&refund.CreatedAt)
}

// SumRefundAmount returns the cumulative pending+processed refund amount for a payment.
func (r *PostgresRepository) SumRefundAmount(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	var total int64
	query := `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM refunds
		WHERE payment_id = $1 AND status IN ('pending', 'processed')
	`
	if err := r.db.QueryRow(ctx, query, paymentID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// MarkRefundProcessed records the gateway refund id on a successful refund.
func (r *PostgresRepository) MarkRefundProcessed(ctx context.Context, refundID uuid.UUID, gatewayRefundID string) error {
	query := `UPDATE refunds SET status = 'processed', gateway_refund_id = $2 WHERE id = $1`
	result, err := r.db.Exec(ctx, query, refundID, gatewayRefundID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRefundNotFound
	}
	return nil
}

// MarkRefundFailed marks a refund whose gateway call failed.
func (r *PostgresRepository) MarkRefundFailed(ctx context.Context, refundID uuid.UUID) error {
	query := `UPDATE refunds SET status = 'failed' WHERE id = $1`
	result, err := r.db.Exec(ctx, query, refundID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRefundNotFound
	}
	return nil
}

// AppendEvent writes one row to the append-only payment event log.
func (r *PostgresRepository) AppendEvent(ctx context.Context, paymentID uuid.UUID, eventType string, payload map[string]interface{}) error {
	return appendEventTx(ctx, r.db, paymentID, eventType, payload)
}

// execQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, so event appends can
// run standalone or inside a larger transaction.
type execQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func appendEventTx(ctx context.Context, db execQuerier, paymentID uuid.UUID, eventType string, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	_, err = db.Exec(ctx,
		`INSERT INTO payment_events (id, payment_id, event_type, raw_payload) VALUES ($1, $2, $3, $4)`,
		uuid.New(), paymentID, eventType, raw,
	)
	return err
}

// ApplyGatewayEvent applies one webhook-reported transition in a single transaction:
// replay check against the event log, payment lookup by gateway id with the row
// locked, status update, and event append. An orphan event (no matching payment)
// writes nothing and reports Applied=false.
func (r *PostgresRepository) ApplyGatewayEvent(ctx context.Context, params ApplyGatewayEventParams) (*ApplyGatewayEventResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	eventType := "webhook_" + params.Action

	var seen bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM payment_events
			WHERE event_type = $1 AND raw_payload->>'event_id' = $2
		)`,
		eventType, params.EventID,
	).Scan(&seen)
	if err != nil {
		return nil, err
	}
	if seen {
		return &ApplyGatewayEventResult{Duplicate: true}, nil
	}

	var payment domain.Payment
	err = scanPayment(tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE gateway_payment_id = $1 FOR UPDATE`,
		params.GatewayPaymentID,
	), &payment)
	if err != nil {
		if err == pgx.ErrNoRows {
			return &ApplyGatewayEventResult{}, nil
		}
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE payments SET status = $2, updated_at = NOW() WHERE id = $1`,
		payment.ID, params.NewStatus,
	)
	if err != nil {
		return nil, err
	}

	if err := appendEventTx(ctx, tx, payment.ID, eventType, map[string]interface{}{
		"event_id":    params.EventID,
		"new_status":  params.NewStatus,
		"raw_payload": params.RawPayload,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	payment.Status = params.NewStatus
	return &ApplyGatewayEventResult{Applied: true, Payment: &payment}, nil
}

// GetSettings loads the operational thresholds from the settings table. Every key
// must be present and well-formed; a missing key is a configuration error, never a
// silent zero.
func (r *PostgresRepository) GetSettings(ctx context.Context) (domain.Settings, error) {
	rows, err := r.db.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return domain.Settings{}, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return domain.Settings{}, err
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return domain.Settings{}, err
	}
	return ParseSettings(values)
}

// ParseSettings validates and converts the raw settings key/value map.
func ParseSettings(values map[string]string) (domain.Settings, error) {
	var s domain.Settings
	var err error
	if s.MaxUnpaidAllowed, err = intSetting(values, "max_unpaid_allowed"); err != nil {
		return domain.Settings{}, err
	}
	if s.MaxRetries, err = intSetting(values, "max_retries"); err != nil {
		return domain.Settings{}, err
	}
	if s.RetryGapDays, err = intSetting(values, "retry_gap_days"); err != nil {
		return domain.Settings{}, err
	}
	currency, ok := values["default_currency"]
	if !ok || strings.TrimSpace(currency) == "" {
		return domain.Settings{}, fmt.Errorf("%w: default_currency", ErrSettingMissing)
	}
	s.DefaultCurrency = strings.TrimSpace(currency)
	return s, nil
}

func intSetting(values map[string]string, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSettingMissing, key)
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("setting %s is not an integer: %w", key, err)
	}
	return n, nil
}
