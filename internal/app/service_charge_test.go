package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/debitflow/collection-service/internal/domain"
	"github.com/debitflow/collection-service/internal/store"
)

type stubGateway struct {
	createPaymentFn func(ctx context.Context, params domain.GatewayChargeParams) (string, error)
	refundPaymentFn func(ctx context.Context, gatewayPaymentID string, amountCents int64, reason string) (string, error)
	validateFn      func(body []byte, signature string) bool
	parseFn         func(body []byte) ([]domain.GatewayEvent, error)

	lastChargeParams domain.GatewayChargeParams
}

func (g *stubGateway) CreatePayment(ctx context.Context, params domain.GatewayChargeParams) (string, error) {
	g.lastChargeParams = params
	if g.createPaymentFn != nil {
		return g.createPaymentFn(ctx, params)
	}
	return "PM1001", nil
}

func (g *stubGateway) RefundPayment(ctx context.Context, gatewayPaymentID string, amountCents int64, reason string) (string, error) {
	if g.refundPaymentFn != nil {
		return g.refundPaymentFn(ctx, gatewayPaymentID, amountCents, reason)
	}
	return "RF501", nil
}

func (g *stubGateway) ValidateWebhook(body []byte, signature string) bool {
	if g.validateFn != nil {
		return g.validateFn(body, signature)
	}
	return true
}

func (g *stubGateway) ParseWebhook(body []byte) ([]domain.GatewayEvent, error) {
	if g.parseFn != nil {
		return g.parseFn(body)
	}
	return nil, nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "request timed out" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type chargeRepoStub struct {
	store.Repository

	customer    *domain.Customer
	mandate     *domain.Mandate
	failedCount int

	markSubmittedErr error

	createdPayment      *domain.Payment
	markSubmittedParams *store.MarkPaymentSubmittedParams
	events              []string
	eventPayloads       map[string]map[string]interface{}
}

func (s *chargeRepoStub) GetSettings(ctx context.Context) (domain.Settings, error) {
	return domain.Settings{MaxUnpaidAllowed: 3, MaxRetries: 5, RetryGapDays: 2, DefaultCurrency: "EUR"}, nil
}

func (s *chargeRepoStub) GetCustomerByID(ctx context.Context, customerID uuid.UUID) (*domain.Customer, error) {
	if s.customer == nil {
		return nil, store.ErrCustomerNotFound
	}
	return s.customer, nil
}

func (s *chargeRepoStub) GetActiveMandate(ctx context.Context, customerID uuid.UUID) (*domain.Mandate, error) {
	if s.mandate == nil {
		return nil, store.ErrMandateNotFound
	}
	return s.mandate, nil
}

func (s *chargeRepoStub) CountPaymentsByStatus(ctx context.Context, customerID uuid.UUID, status string) (int, error) {
	return s.failedCount, nil
}

func (s *chargeRepoStub) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	s.createdPayment = payment
	return nil
}

func (s *chargeRepoStub) RecalculateFinalAmount(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	if s.createdPayment == nil {
		return 0, store.ErrPaymentNotFound
	}
	return s.createdPayment.FinalAmountCents, nil
}

func (s *chargeRepoStub) MarkPaymentSubmitted(ctx context.Context, params store.MarkPaymentSubmittedParams) error {
	if s.markSubmittedErr != nil {
		return s.markSubmittedErr
	}
	s.markSubmittedParams = &params
	return nil
}

func (s *chargeRepoStub) AppendEvent(ctx context.Context, paymentID uuid.UUID, eventType string, payload map[string]interface{}) error {
	s.events = append(s.events, eventType)
	if s.eventPayloads == nil {
		s.eventPayloads = map[string]map[string]interface{}{}
	}
	s.eventPayloads[eventType] = payload
	return nil
}

func activeChargeRepo() *chargeRepoStub {
	customerID := uuid.New()
	return &chargeRepoStub{
		customer: &domain.Customer{ID: customerID, Email: "payer@example.com", Status: domain.CustomerActive},
		mandate:  &domain.Mandate{ID: uuid.New(), CustomerID: customerID, GatewayMandateID: "MD123", Status: domain.MandateActive},
	}
}

func hasEvent(events []string, want string) bool {
	for _, e := range events {
		if e == want {
			return true
		}
	}
	return false
}

func TestChargeCustomer_Success(t *testing.T) {
	repo := activeChargeRepo()
	gateway := &stubGateway{}
	svc := NewService(repo, gateway, nil)

	paymentID, err := svc.ChargeCustomer(context.Background(), domain.ChargeRequest{
		CustomerID:  repo.customer.ID,
		ServiceID:   "hosting-monthly",
		AmountCents: 1000,
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if paymentID == uuid.Nil {
		t.Fatal("expected a payment id")
	}
	if repo.createdPayment == nil || repo.createdPayment.Status != domain.PaymentScheduled {
		t.Fatalf("expected payment created as scheduled, got %+v", repo.createdPayment)
	}
	if repo.markSubmittedParams == nil {
		t.Fatal("expected payment to be marked submitted")
	}
	if repo.markSubmittedParams.ExpectedStatus != domain.PaymentScheduled || repo.markSubmittedParams.ExpectedAttempts != 0 {
		t.Fatalf("unexpected compare-and-set params: %+v", repo.markSubmittedParams)
	}
	if repo.markSubmittedParams.GatewayPaymentID != "PM1001" {
		t.Fatalf("expected gateway payment id PM1001, got %s", repo.markSubmittedParams.GatewayPaymentID)
	}
	if !hasEvent(repo.events, "scheduled") || !hasEvent(repo.events, "created") {
		t.Fatalf("expected scheduled and created events, got %v", repo.events)
	}

	wantKey := fmt.Sprintf("%s:1", paymentID)
	if gateway.lastChargeParams.IdempotencyKey != wantKey {
		t.Fatalf("expected idempotency key %s, got %s", wantKey, gateway.lastChargeParams.IdempotencyKey)
	}
	if gateway.lastChargeParams.MandateRef != "MD123" {
		t.Fatalf("expected mandate ref MD123, got %s", gateway.lastChargeParams.MandateRef)
	}
	if gateway.lastChargeParams.Currency != "EUR" {
		t.Fatalf("expected currency EUR, got %s", gateway.lastChargeParams.Currency)
	}
}

func TestChargeCustomer_RejectsWhenUnpaidLimitReached(t *testing.T) {
	repo := activeChargeRepo()
	repo.failedCount = 3
	svc := NewService(repo, &stubGateway{}, nil)

	_, err := svc.ChargeCustomer(context.Background(), domain.ChargeRequest{
		CustomerID:  repo.customer.ID,
		ServiceID:   "hosting-monthly",
		AmountCents: 1000,
	})
	if !errors.Is(err, ErrUnpaidLimitReached) {
		t.Fatalf("expected ErrUnpaidLimitReached, got %v", err)
	}
	if repo.createdPayment != nil {
		t.Fatal("expected no payment row to be created")
	}
	if len(repo.events) != 0 {
		t.Fatalf("expected no events, got %v", repo.events)
	}
}

func TestChargeCustomer_RejectsWithoutActiveMandate(t *testing.T) {
	repo := activeChargeRepo()
	repo.mandate = nil
	svc := NewService(repo, &stubGateway{}, nil)

	_, err := svc.ChargeCustomer(context.Background(), domain.ChargeRequest{
		CustomerID:  repo.customer.ID,
		ServiceID:   "hosting-monthly",
		AmountCents: 1000,
	})
	if !errors.Is(err, store.ErrMandateNotFound) {
		t.Fatalf("expected ErrMandateNotFound, got %v", err)
	}
	if repo.createdPayment != nil {
		t.Fatal("expected no payment row to be created")
	}
}

func TestChargeCustomer_RejectsSuspendedCustomer(t *testing.T) {
	repo := activeChargeRepo()
	repo.customer.Status = domain.CustomerSuspended
	svc := NewService(repo, &stubGateway{}, nil)

	_, err := svc.ChargeCustomer(context.Background(), domain.ChargeRequest{
		CustomerID:  repo.customer.ID,
		ServiceID:   "hosting-monthly",
		AmountCents: 1000,
	})
	if !errors.Is(err, ErrCustomerNotActive) {
		t.Fatalf("expected ErrCustomerNotActive, got %v", err)
	}
}

func TestChargeCustomer_GatewayFailureLeavesPaymentScheduled(t *testing.T) {
	repo := activeChargeRepo()
	gateway := &stubGateway{
		createPaymentFn: func(ctx context.Context, params domain.GatewayChargeParams) (string, error) {
			return "", errors.New("mandate is cancelled at the gateway")
		},
	}
	svc := NewService(repo, gateway, nil)

	_, err := svc.ChargeCustomer(context.Background(), domain.ChargeRequest{
		CustomerID:  repo.customer.ID,
		ServiceID:   "hosting-monthly",
		AmountCents: 1000,
	})
	if !errors.Is(err, ErrGatewayFailure) {
		t.Fatalf("expected ErrGatewayFailure, got %v", err)
	}
	if repo.markSubmittedParams != nil {
		t.Fatal("expected the payment status to stay scheduled")
	}
	if !hasEvent(repo.events, "gateway_creation_failed") {
		t.Fatalf("expected gateway_creation_failed event, got %v", repo.events)
	}
}

func TestChargeCustomer_TimeoutIsUnknownOutcome(t *testing.T) {
	repo := activeChargeRepo()
	gateway := &stubGateway{
		createPaymentFn: func(ctx context.Context, params domain.GatewayChargeParams) (string, error) {
			return "", fmt.Errorf("post payments: %w", timeoutErr{})
		},
	}
	svc := NewService(repo, gateway, nil)

	_, err := svc.ChargeCustomer(context.Background(), domain.ChargeRequest{
		CustomerID:  repo.customer.ID,
		ServiceID:   "hosting-monthly",
		AmountCents: 1000,
	})
	if !errors.Is(err, ErrGatewayOutcomeUnknown) {
		t.Fatalf("expected ErrGatewayOutcomeUnknown, got %v", err)
	}
	if hasEvent(repo.events, "gateway_creation_failed") {
		t.Fatal("a timeout must not be recorded as a gateway failure")
	}
	if !hasEvent(repo.events, "gateway_outcome_unknown") {
		t.Fatalf("expected gateway_outcome_unknown event, got %v", repo.events)
	}
	if repo.markSubmittedParams != nil {
		t.Fatal("expected the payment status to stay scheduled")
	}
}

func TestChargeCustomer_DBFailureAfterGatewaySuccessIsSurfaced(t *testing.T) {
	repo := activeChargeRepo()
	repo.markSubmittedErr = errors.New("connection reset")
	svc := NewService(repo, &stubGateway{}, nil)

	_, err := svc.ChargeCustomer(context.Background(), domain.ChargeRequest{
		CustomerID:  repo.customer.ID,
		ServiceID:   "hosting-monthly",
		AmountCents: 1000,
	})
	if err == nil {
		t.Fatal("expected an error when the local update fails after gateway success")
	}
	if !hasEvent(repo.events, "db_update_after_gc_success_failed") {
		t.Fatalf("expected db_update_after_gc_success_failed event, got %v", repo.events)
	}
}

func TestChargeCustomer_ValidatesRequest(t *testing.T) {
	svc := NewService(activeChargeRepo(), &stubGateway{}, nil)

	tests := []struct {
		name string
		req  domain.ChargeRequest
	}{
		{name: "missing customer id", req: domain.ChargeRequest{ServiceID: "svc", AmountCents: 100}},
		{name: "missing service id", req: domain.ChargeRequest{CustomerID: uuid.New(), AmountCents: 100}},
		{name: "non-positive amount", req: domain.ChargeRequest{CustomerID: uuid.New(), ServiceID: "svc", AmountCents: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ChargeCustomer(context.Background(), tt.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}
