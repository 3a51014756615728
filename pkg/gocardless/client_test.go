package gocardless

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/debitflow/collection-service/internal/domain"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreatePayment_SendsWireFormatAndHeaders(t *testing.T) {
	var gotHeaders http.Header
	var gotBody PaymentRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if r.URL.Path != "/payments" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"payments":{"id":"PM123","status":"pending_submission"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-abc", "secret")
	id, err := client.CreatePayment(context.Background(), domain.GatewayChargeParams{
		MandateRef:     "MD001",
		AmountCents:    1500,
		Currency:       "EUR",
		Description:    "Recurring charge for hosting-monthly",
		Metadata:       map[string]string{"payment_id": "pay-1"},
		IdempotencyKey: "pay-1:1",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if id != "PM123" {
		t.Fatalf("expected PM123, got %s", id)
	}

	if got := gotHeaders.Get("Authorization"); got != "Bearer token-abc" {
		t.Fatalf("unexpected auth header %q", got)
	}
	if got := gotHeaders.Get("Idempotency-Key"); got != "pay-1:1" {
		t.Fatalf("unexpected idempotency key %q", got)
	}
	if got := gotHeaders.Get("GoCardless-Version"); got == "" {
		t.Fatal("expected a GoCardless-Version header")
	}
	if gotBody.Payments.Amount != 1500 || gotBody.Payments.Currency != "EUR" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
	if gotBody.Payments.Links.Mandate != "MD001" {
		t.Fatalf("expected mandate link MD001, got %s", gotBody.Payments.Links.Mandate)
	}
}

func TestCreatePayment_SurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"message":"Mandate is cancelled","type":"invalid_state","code":422}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-abc", "secret")
	_, err := client.CreatePayment(context.Background(), domain.GatewayChargeParams{MandateRef: "MD001", AmountCents: 100, Currency: "EUR"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var apiErr *ErrorResponse
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected an ErrorResponse, got %T: %v", err, err)
	}
}

func TestRefundPayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/refunds" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req RefundRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Refunds.Links.Payment != "PM123" || req.Refunds.Amount != 400 {
			t.Fatalf("unexpected refund body: %+v", req)
		}
		w.Write([]byte(`{"refunds":{"id":"RF77"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-abc", "secret")
	id, err := client.RefundPayment(context.Background(), "PM123", 400, "service outage credit")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if id != "RF77" {
		t.Fatalf("expected RF77, got %s", id)
	}
}

func TestValidateWebhook(t *testing.T) {
	client := NewClient("http://unused", "token", "whsec_test")
	body := []byte(`{"events":[]}`)
	valid := signBody("whsec_test", body)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{name: "valid signature", signature: valid, want: true},
		{name: "valid among multiple", signature: "deadbeef," + valid, want: true},
		{name: "wrong signature", signature: signBody("other-secret", body), want: false},
		{name: "empty header", signature: "", want: false},
		{name: "garbage", signature: "not-hex-at-all", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.ValidateWebhook(body, tt.signature); got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
		})
	}
}

func TestValidateWebhook_NoSecretRejects(t *testing.T) {
	client := NewClient("http://unused", "token", "")
	body := []byte(`{}`)
	if client.ValidateWebhook(body, signBody("", body)) {
		t.Fatal("a client without a webhook secret must reject every webhook")
	}
}

func TestParseWebhook_FiltersToPayments(t *testing.T) {
	client := NewClient("http://unused", "token", "secret")
	body := []byte(`{"events":[
		{"id":"evt_1","action":"confirmed","resource_type":"payments","links":{"payment":"PM1"},"details":{"new_status":"confirmed"}},
		{"id":"evt_2","action":"cancelled","resource_type":"mandates","links":{},"details":{}},
		{"id":"evt_3","action":"failed","resource_type":"payments","links":{"payment":"PM2"},"details":{}}
	]}`)

	events, err := client.ParseWebhook(body)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 payment events, got %d", len(events))
	}
	if events[0].ID != "evt_1" || events[0].NewStatus != "confirmed" || events[0].GatewayPaymentID != "PM1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	// details.new_status falls back to the action when absent
	if events[1].NewStatus != "failed" {
		t.Fatalf("expected fallback status failed, got %s", events[1].NewStatus)
	}
}

func TestParseWebhook_RejectsInvalidJSON(t *testing.T) {
	client := NewClient("http://unused", "token", "secret")
	if _, err := client.ParseWebhook([]byte(`{`)); err == nil {
		t.Fatal("expected an error")
	}
}

func TestMockGateway(t *testing.T) {
	mock := NewMock()

	first, err := mock.CreatePayment(context.Background(), domain.GatewayChargeParams{MandateRef: "MD1", AmountCents: 100})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	second, _ := mock.CreatePayment(context.Background(), domain.GatewayChargeParams{MandateRef: "MD1", AmountCents: 100})
	if first != "PM1001" || second != "PM1002" {
		t.Fatalf("expected counter-based ids, got %s then %s", first, second)
	}

	refund, err := mock.RefundPayment(context.Background(), first, 50, "test")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if refund != "RF501" {
		t.Fatalf("expected RF501, got %s", refund)
	}

	if !mock.ValidateWebhook([]byte(`{}`), "anything") {
		t.Fatal("the mock must accept every signature")
	}
}
