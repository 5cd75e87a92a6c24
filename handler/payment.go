package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odeapay/vpos/infra/middle"
	"github.com/odeapay/vpos/infra/response"
	"github.com/odeapay/vpos/provider"
)

// PaymentServiceInterface defines the interface for payment operations
type PaymentServiceInterface interface {
	CreatePayment(ctx context.Context, providerName string, request provider.PaymentRequest) (*provider.PaymentResponse, error)
	Create3DPayment(ctx context.Context, providerName string, request provider.PaymentRequest) (*provider.PaymentResponse, error)
	Complete3DPayment(ctx context.Context, providerName, stateID string, data map[string]string) (*provider.PaymentResponse, error)
	CancelPayment(ctx context.Context, providerName string, request provider.CancelRequest) (*provider.CancelResponse, error)
	RefundPayment(ctx context.Context, providerName string, request provider.RefundRequest) (*provider.RefundResponse, error)
	ProviderNames() []string
}

// PaymentHandler handles payment related HTTP requests
type PaymentHandler struct {
	paymentService PaymentServiceInterface
	validate       *validator.Validate
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(paymentService PaymentServiceInterface, validate *validator.Validate) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		validate:       validate,
	}
}

// ProcessPayment handles direct (non-3D) payment requests
func (h *PaymentHandler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req provider.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	req.ClientIP = middle.GetClientIP(r)
	req.ClientUserAgent = r.Header.Get("User-Agent")

	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", err)
		return
	}
	if req.OrderID == "" {
		req.OrderID = generateOrderID()
	}

	providerName := chi.URLParam(r, "provider")

	resp, err := h.paymentService.CreatePayment(ctx, providerName, req)
	if err != nil {
		h.writePaymentError(w, err, "Payment failed")
		return
	}

	response.Success(w, http.StatusOK, "Payment processed", resp)
}

// Process3DPayment starts a 3D Secure payment and returns the auto-submit form
func (h *PaymentHandler) Process3DPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req provider.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	req.ClientIP = middle.GetClientIP(r)
	req.ClientUserAgent = r.Header.Get("User-Agent")

	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", err)
		return
	}

	if req.CallbackURL == "" {
		response.Error(w, http.StatusBadRequest, "callbackUrl is required for 3D payments", nil)
		return
	}
	if req.OrderID == "" {
		req.OrderID = generateOrderID()
	}

	providerName := chi.URLParam(r, "provider")

	resp, err := h.paymentService.Create3DPayment(ctx, providerName, req)
	if err != nil {
		h.writePaymentError(w, err, "3D payment initiation failed")
		return
	}

	response.Success(w, http.StatusOK, "3D payment initiated", resp)
}

// CancelPayment handles payment cancellation requests
func (h *PaymentHandler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req provider.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", err)
		return
	}

	providerName := chi.URLParam(r, "provider")

	resp, err := h.paymentService.CancelPayment(ctx, providerName, req)
	if err != nil {
		h.writePaymentError(w, err, "Failed to cancel payment")
		return
	}

	response.Success(w, http.StatusOK, "Payment cancelled", resp)
}

// RefundPayment handles payment refund requests
func (h *PaymentHandler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req provider.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", err)
		return
	}

	providerName := chi.URLParam(r, "provider")

	resp, err := h.paymentService.RefundPayment(ctx, providerName, req)
	if err != nil {
		h.writePaymentError(w, err, "Failed to refund payment")
		return
	}

	response.Success(w, http.StatusOK, "Payment refunded", resp)
}

// generateOrderID produces an order id for callers that do not supply one.
// Dashes are stripped so the 32-char result fits every bank's charset rules.
func generateOrderID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// ListProviders returns the configured provider names
func (h *PaymentHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	response.Success(w, http.StatusOK, "Configured providers", h.paymentService.ProviderNames())
}

// HandleCallback consumes the bank's browser redirect after 3D authentication.
// The route is unauthenticated: the bank sends no API key, so the single-use
// state id and the bank signature are the only trust anchors here.
func (h *PaymentHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	providerName := chi.URLParam(r, "provider")
	if providerName == "" {
		response.Error(w, http.StatusBadRequest, "Provider parameter is required", nil)
		return
	}

	state := r.URL.Query().Get("state")
	if state == "" {
		response.Error(w, http.StatusBadRequest, "Missing state", nil)
		return
	}

	if err := r.ParseForm(); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid callback data", err)
		return
	}

	// Combine form and query parameters
	callbackData := make(map[string]string)
	for key, values := range r.Form {
		if len(values) > 0 {
			callbackData[key] = values[0]
		}
	}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			callbackData[key] = values[0]
		}
	}

	resp, err := h.paymentService.Complete3DPayment(ctx, providerName, state, callbackData)
	if err != nil {
		if errors.Is(err, provider.ErrCallbackForgery) {
			// The details are already in the security log; the response stays
			// generic so the forger learns nothing.
			response.Error(w, http.StatusBadRequest, "Callback verification failed", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "Callback processing failed", err)
		return
	}

	if redirectURL := buildMerchantRedirect(resp); redirectURL != "" {
		http.Redirect(w, r, redirectURL, http.StatusFound)
		return
	}

	if resp.Success {
		response.Success(w, http.StatusOK, "Payment completed successfully", resp)
	} else {
		response.Success(w, http.StatusOK, "Payment failed", resp)
	}
}

// buildMerchantRedirect appends the payment outcome to the merchant's original
// callback URL. Only the outcome fields travel; raw bank data stays server-side.
func buildMerchantRedirect(resp *provider.PaymentResponse) string {
	if resp.RedirectURL == "" {
		return ""
	}

	u, err := url.Parse(resp.RedirectURL)
	if err != nil {
		return ""
	}

	q := u.Query()
	q.Set("success", fmt.Sprintf("%t", resp.Success))
	q.Set("status", string(resp.Status))
	q.Set("orderId", resp.OrderID)
	if resp.TransactionID != "" {
		q.Set("transactionId", resp.TransactionID)
	}
	if resp.ErrorCode != "" {
		q.Set("errorCode", resp.ErrorCode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// writePaymentError distinguishes indeterminate network outcomes from plain
// failures. A lost response must never read as a clean decline to the caller.
func (h *PaymentHandler) writePaymentError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, provider.ErrNetwork) {
		response.Error(w, http.StatusBadGateway, message+": outcome indeterminate, reconcile before retrying", err)
		return
	}
	response.Error(w, http.StatusInternalServerError, message, err)
}
