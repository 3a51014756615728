package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/debitflow/collection-service/internal/domain"
	"github.com/debitflow/collection-service/internal/store"
)

type refundRepoStub struct {
	store.Repository

	payment       *domain.Payment
	refundedSum   int64
	createdRefund *domain.Refund

	processedID     *uuid.UUID
	processedGWID   string
	failedID        *uuid.UUID
	events          []string
	adjustmentCalls []store.ApplyAdjustmentParams
	adjustmentErr   error
	adjustmentFinal int64
}

func (s *refundRepoStub) GetPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	if s.payment == nil {
		return nil, store.ErrPaymentNotFound
	}
	return s.payment, nil
}

func (s *refundRepoStub) SumRefundAmount(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	return s.refundedSum, nil
}

func (s *refundRepoStub) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	s.createdRefund = refund
	return nil
}

func (s *refundRepoStub) MarkRefundProcessed(ctx context.Context, refundID uuid.UUID, gatewayRefundID string) error {
	s.processedID = &refundID
	s.processedGWID = gatewayRefundID
	return nil
}

func (s *refundRepoStub) MarkRefundFailed(ctx context.Context, refundID uuid.UUID) error {
	s.failedID = &refundID
	return nil
}

func (s *refundRepoStub) AppendEvent(ctx context.Context, paymentID uuid.UUID, eventType string, payload map[string]interface{}) error {
	s.events = append(s.events, eventType)
	return nil
}

func (s *refundRepoStub) ApplyAdjustment(ctx context.Context, params store.ApplyAdjustmentParams) (int64, error) {
	s.adjustmentCalls = append(s.adjustmentCalls, params)
	if s.adjustmentErr != nil {
		return 0, s.adjustmentErr
	}
	return s.adjustmentFinal, nil
}

func submittedPaymentRepo() *refundRepoStub {
	gwID := "PM2001"
	return &refundRepoStub{
		payment: &domain.Payment{
			ID:                  uuid.New(),
			CustomerID:          uuid.New(),
			ServiceID:           "hosting-monthly",
			OriginalAmountCents: 1000,
			FinalAmountCents:    1000,
			Status:              domain.PaymentConfirmed,
			Attempts:            1,
			GatewayPaymentID:    &gwID,
		},
	}
}

func TestIssueRefund_Success(t *testing.T) {
	repo := submittedPaymentRepo()
	svc := NewService(repo, &stubGateway{}, nil)

	refundID, err := svc.IssueRefund(context.Background(), repo.payment.ID, domain.RefundRequest{
		AmountCents: 400,
		Reason:      "service outage credit",
		CreatedBy:   "ops@debitflow",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if repo.createdRefund == nil || repo.createdRefund.Status != domain.RefundPending {
		t.Fatalf("expected a pending refund row before the gateway call, got %+v", repo.createdRefund)
	}
	if repo.processedID == nil || *repo.processedID != refundID {
		t.Fatal("expected the refund to be marked processed")
	}
	if repo.processedGWID != "RF501" {
		t.Fatalf("expected gateway refund id RF501, got %s", repo.processedGWID)
	}
	if !hasEvent(repo.events, "refund_request_processed") {
		t.Fatalf("expected refund_request_processed event, got %v", repo.events)
	}
}

func TestIssueRefund_RejectsUnsubmittedPayment(t *testing.T) {
	repo := submittedPaymentRepo()
	repo.payment.GatewayPaymentID = nil
	svc := NewService(repo, &stubGateway{}, nil)

	_, err := svc.IssueRefund(context.Background(), repo.payment.ID, domain.RefundRequest{
		AmountCents: 400, CreatedBy: "ops@debitflow",
	})
	if !errors.Is(err, ErrPaymentNotSubmitted) {
		t.Fatalf("expected ErrPaymentNotSubmitted, got %v", err)
	}
	if repo.createdRefund != nil {
		t.Fatal("expected no refund row")
	}
}

func TestIssueRefund_EnforcesCeiling(t *testing.T) {
	repo := submittedPaymentRepo()
	repo.refundedSum = 700
	svc := NewService(repo, &stubGateway{}, nil)

	_, err := svc.IssueRefund(context.Background(), repo.payment.ID, domain.RefundRequest{
		AmountCents: 400, CreatedBy: "ops@debitflow",
	})
	if !errors.Is(err, ErrRefundCeilingExceeded) {
		t.Fatalf("expected ErrRefundCeilingExceeded, got %v", err)
	}
	if repo.createdRefund != nil {
		t.Fatal("expected no refund row when the ceiling is exceeded")
	}
}

func TestIssueRefund_GatewayFailureMarksRefundFailed(t *testing.T) {
	repo := submittedPaymentRepo()
	gateway := &stubGateway{
		refundPaymentFn: func(ctx context.Context, gatewayPaymentID string, amountCents int64, reason string) (string, error) {
			return "", errors.New("refund not permitted")
		},
	}
	svc := NewService(repo, gateway, nil)

	_, err := svc.IssueRefund(context.Background(), repo.payment.ID, domain.RefundRequest{
		AmountCents: 400, CreatedBy: "ops@debitflow",
	})
	if !errors.Is(err, ErrGatewayFailure) {
		t.Fatalf("expected ErrGatewayFailure, got %v", err)
	}
	if repo.failedID == nil {
		t.Fatal("expected the refund to be marked failed")
	}
	if !hasEvent(repo.events, "refund_request_failed") {
		t.Fatalf("expected refund_request_failed event, got %v", repo.events)
	}
	if repo.payment.Status != domain.PaymentConfirmed {
		t.Fatal("the payment status must stay untouched")
	}
}

func TestApplyAdjustment_ValidatesRequest(t *testing.T) {
	repo := submittedPaymentRepo()
	svc := NewService(repo, &stubGateway{}, nil)

	tests := []struct {
		name string
		req  domain.AdjustmentRequest
	}{
		{name: "unknown type", req: domain.AdjustmentRequest{Type: "doubling", AmountCents: 100, CreatedBy: "ops"}},
		{name: "non-positive amount", req: domain.AdjustmentRequest{Type: domain.AdjustmentIncrease, AmountCents: 0, CreatedBy: "ops"}},
		{name: "missing actor", req: domain.AdjustmentRequest{Type: domain.AdjustmentIncrease, AmountCents: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ApplyAdjustment(context.Background(), uuid.New(), tt.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	if len(repo.adjustmentCalls) != 0 {
		t.Fatalf("expected no store calls on validation failure, got %d", len(repo.adjustmentCalls))
	}
}

func TestApplyAdjustment_PassesThroughStoreErrors(t *testing.T) {
	repo := submittedPaymentRepo()
	repo.adjustmentErr = store.ErrPaymentNotAdjustable
	svc := NewService(repo, &stubGateway{}, nil)

	_, err := svc.ApplyAdjustment(context.Background(), uuid.New(), domain.AdjustmentRequest{
		Type: domain.AdjustmentDecrease, AmountCents: 100, CreatedBy: "ops",
	})
	if !errors.Is(err, store.ErrPaymentNotAdjustable) {
		t.Fatalf("expected ErrPaymentNotAdjustable, got %v", err)
	}
}

func TestApplyAdjustment_ReturnsNewFinalAmount(t *testing.T) {
	repo := submittedPaymentRepo()
	repo.adjustmentFinal = 1200
	svc := NewService(repo, &stubGateway{}, nil)

	newFinal, err := svc.ApplyAdjustment(context.Background(), uuid.New(), domain.AdjustmentRequest{
		Type: domain.AdjustmentIncrease, AmountCents: 200, Reason: "extra seat", CreatedBy: "ops",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if newFinal != 1200 {
		t.Fatalf("expected new final 1200, got %d", newFinal)
	}
	if len(repo.adjustmentCalls) != 1 || repo.adjustmentCalls[0].Type != domain.AdjustmentIncrease {
		t.Fatalf("unexpected store call: %+v", repo.adjustmentCalls)
	}
}
