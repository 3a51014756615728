/**
 * @description
 * This file contains the HTTP handlers for the collection-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/debitflow/collection-service/internal/app"
	"github.com/debitflow/collection-service/internal/domain"
	"github.com/debitflow/collection-service/internal/store"
)

// Handlers holds the application components that the HTTP handlers use.
type Handlers struct {
	service             *app.Service
	reconciler          *app.Reconciler
	sweeper             *app.Sweeper
	rateLimiter         *app.RedisAdminRateLimiter
	adminLimitPerMinute int
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service *app.Service, reconciler *app.Reconciler, sweeper *app.Sweeper, limiter *app.RedisAdminRateLimiter, adminLimitPerMinute int) *Handlers {
	return &Handlers{
		service:             service,
		reconciler:          reconciler,
		sweeper:             sweeper,
		rateLimiter:         limiter,
		adminLimitPerMinute: adminLimitPerMinute,
	}
}

// ChargeHandler handles requests to schedule and submit a new recurring charge.
func (h *Handlers) ChargeHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=charge outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	paymentID, err := h.service.ChargeCustomer(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=charge outcome=failed customer_id=%s err=%v", req.CustomerID, err)
		switch {
		case errors.Is(err, app.ErrValidation):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrCustomerNotFound):
			h.writeError(w, http.StatusNotFound, "Customer not found")
		case errors.Is(err, app.ErrCustomerNotActive):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, store.ErrMandateNotFound):
			h.writeError(w, http.StatusConflict, "Customer has no active mandate")
		case errors.Is(err, app.ErrUnpaidLimitReached):
			h.writeError(w, http.StatusPaymentRequired, err.Error())
		case errors.Is(err, app.ErrGatewayFailure), errors.Is(err, app.ErrGatewayOutcomeUnknown):
			h.writeError(w, http.StatusBadGateway, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	log.Printf("level=info component=api endpoint=charge outcome=success payment_id=%s customer_id=%s", paymentID, req.CustomerID)
	h.writeJSON(w, http.StatusCreated, map[string]string{"payment_id": paymentID.String()})
}

// AdjustmentHandler handles admin requests to adjust a scheduled payment's amount.
func (h *Handlers) AdjustmentHandler(w http.ResponseWriter, r *http.Request) {
	if !h.consumeAdminRateLimit(w, r, "adjustment") {
		return
	}

	paymentID, ok := h.parsePaymentID(w, r)
	if !ok {
		return
	}

	var req domain.AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	newFinal, err := h.service.ApplyAdjustment(r.Context(), paymentID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=adjustment outcome=failed payment_id=%s err=%v", paymentID, err)
		switch {
		case errors.Is(err, app.ErrValidation), errors.Is(err, store.ErrNegativeFinalAmount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrPaymentNotFound):
			h.writeError(w, http.StatusNotFound, "Payment not found")
		case errors.Is(err, store.ErrPaymentNotAdjustable):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"new_final_amount": newFinal})
}

// RefundHandler handles admin requests to refund a submitted payment.
func (h *Handlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	if !h.consumeAdminRateLimit(w, r, "refund") {
		return
	}

	paymentID, ok := h.parsePaymentID(w, r)
	if !ok {
		return
	}

	var req domain.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	refundID, err := h.service.IssueRefund(r.Context(), paymentID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=refund outcome=failed payment_id=%s err=%v", paymentID, err)
		switch {
		case errors.Is(err, app.ErrValidation), errors.Is(err, app.ErrRefundCeilingExceeded):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrPaymentNotFound), errors.Is(err, app.ErrPaymentNotSubmitted):
			h.writeError(w, http.StatusNotFound, "Payment not found or not submitted")
		case errors.Is(err, app.ErrGatewayFailure):
			h.writeError(w, http.StatusBadGateway, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"refund_id": refundID.String()})
}

// WebhookHandler ingests gateway webhook deliveries.
func (h *Handlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	result, err := h.reconciler.Ingest(r.Context(), body, r.Header.Get("Webhook-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidSignature):
			log.Printf("level=warn component=api endpoint=webhook outcome=reject reason=invalid_signature")
			h.writeError(w, http.StatusForbidden, "Invalid signature")
		case errors.Is(err, app.ErrUnparsablePayload):
			h.writeError(w, http.StatusBadRequest, "Unparsable payload")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	log.Printf("level=info component=api endpoint=webhook outcome=success processed=%d applied=%d", result.Processed, result.Applied)
	h.writeJSON(w, http.StatusOK, map[string]int{
		"processed_events": result.Processed,
		"applied_events":   result.Applied,
	})
}

// RetrySweepHandler runs the retry sweep on demand, for external schedulers.
func (h *Handlers) RetrySweepHandler(w http.ResponseWriter, r *http.Request) {
	retried, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=retry_sweep outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Retry sweep failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"retries_initiated": retried})
}

func (h *Handlers) parsePaymentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	paymentID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment id")
		return uuid.Nil, false
	}
	return paymentID, true
}

// consumeAdminRateLimit applies a fixed-window per-caller limit to the admin
// endpoints. A limiter error fails open: an unavailable Redis must not block
// admin operations.
func (h *Handlers) consumeAdminRateLimit(w http.ResponseWriter, r *http.Request, scope string) bool {
	if h.rateLimiter == nil || h.adminLimitPerMinute <= 0 {
		return true
	}

	count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), scope, rateLimitSubject(r), h.adminLimitPerMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
		return true
	}
	if count > h.adminLimitPerMinute {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

// rateLimitSubject keys the limiter on the connected peer address. Forwarding
// headers are client-controlled, so honoring them would let a direct caller
// rotate buckets at will.
func rateLimitSubject(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
