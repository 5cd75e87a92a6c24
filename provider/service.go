package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odeapay/vpos/infra/logger"
)

// PaymentLogger records payment traffic for audit. Implementations must
// sanitize card data before persisting anything.
type PaymentLogger interface {
	LogRequest(ctx context.Context, providerName, method, endpoint string, request any, userAgent, clientIP string) (int64, error)
	LogResponse(ctx context.Context, providerName string, logID int64, response any, processingMs int64) error
	LogError(ctx context.Context, providerName string, logID int64, errorCode, errorMsg string, processingMs int64) error
}

// NoopPaymentLogger discards all payment logs. Used when no audit sink is
// configured.
type NoopPaymentLogger struct{}

func (NoopPaymentLogger) LogRequest(context.Context, string, string, string, any, string, string) (int64, error) {
	return 0, nil
}
func (NoopPaymentLogger) LogResponse(context.Context, string, int64, any, int64) error { return nil }
func (NoopPaymentLogger) LogError(context.Context, string, int64, string, string, int64) error {
	return nil
}

// PaymentService is the gateway client facade. It holds the set of
// initialized adapters keyed by bank identifier and exposes the common
// operation contract to the checkout workflow. It owns no payment state:
// every call is routed to exactly one adapter.
type PaymentService struct {
	providers       map[string]PaymentProvider
	defaultProvider string
	logger          PaymentLogger
	mu              sync.RWMutex
}

// NewPaymentService creates a new payment service
func NewPaymentService(paymentLogger PaymentLogger) *PaymentService {
	if paymentLogger == nil {
		paymentLogger = NoopPaymentLogger{}
	}
	return &PaymentService{
		providers: make(map[string]PaymentProvider),
		logger:    paymentLogger,
	}
}

// AddProvider creates, validates and initializes an adapter from the default
// registry and makes it selectable under the given bank identifier.
func (s *PaymentService) AddProvider(name string, config map[string]string) error {
	name = NormalizeProviderName(name)
	p, err := CreateProvider(name)
	if err != nil {
		return err
	}
	if err := p.ValidateConfig(config); err != nil {
		return err
	}
	if err := p.Initialize(config); err != nil {
		return fmt.Errorf("failed to initialize provider '%s': %w", name, err)
	}

	s.mu.Lock()
	s.providers[name] = p
	s.mu.Unlock()
	return nil
}

// SetDefaultProvider sets the provider used when the caller passes an empty
// bank identifier. The provider must already be added.
func (s *PaymentService) SetDefaultProvider(name string) error {
	name = NormalizeProviderName(name)
	s.mu.RLock()
	_, exists := s.providers[name]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("payment provider '%s' is not configured", name)
	}

	s.mu.Lock()
	s.defaultProvider = name
	s.mu.Unlock()
	return nil
}

// ProviderNames returns the configured bank identifiers in sorted order.
func (s *PaymentService) ProviderNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// getProvider resolves a bank identifier to its adapter. An unknown,
// non-empty identifier is a configuration error, never silently defaulted.
func (s *PaymentService) getProvider(name string) (PaymentProvider, string, error) {
	name = NormalizeProviderName(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if name == "" {
		name = s.defaultProvider
	}
	if name == "" {
		return nil, "", fmt.Errorf("no payment provider specified and no default configured")
	}

	p, exists := s.providers[name]
	if !exists {
		return nil, "", fmt.Errorf("payment provider '%s' is not configured", name)
	}
	return p, name, nil
}

// CreatePayment processes a direct (non-3D) payment through the named provider
func (s *PaymentService) CreatePayment(ctx context.Context, providerName string, request PaymentRequest) (*PaymentResponse, error) {
	p, name, err := s.getProvider(providerName)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	logID := s.logRequest(ctx, name, "POST", "/payment", request, request.ClientUserAgent, request.ClientIP)
	request.LogID = logID

	response, err := p.CreatePayment(ctx, request)
	s.logOutcome(ctx, name, logID, response, err, "PAYMENT_ERROR", time.Since(start))
	return response, err
}

// Create3DPayment starts a 3D Secure payment through the named provider
func (s *PaymentService) Create3DPayment(ctx context.Context, providerName string, request PaymentRequest) (*PaymentResponse, error) {
	p, name, err := s.getProvider(providerName)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	logID := s.logRequest(ctx, name, "POST", "/payment/3d", request, request.ClientUserAgent, request.ClientIP)
	request.LogID = logID

	response, err := p.Create3DPayment(ctx, request)
	s.logOutcome(ctx, name, logID, response, err, "3D_INIT_ERROR", time.Since(start))
	return response, err
}

// Complete3DPayment resolves the stored callback state and hands the bank's
// redirect-back fields to the owning adapter for verification and completion.
func (s *PaymentService) Complete3DPayment(ctx context.Context, providerName, stateID string, data map[string]string) (*PaymentResponse, error) {
	state, err := ResolveCallbackState(ctx, stateID)
	if err != nil {
		return nil, err
	}
	if providerName == "" {
		providerName = state.Provider
	}
	if providerName != state.Provider {
		return nil, fmt.Errorf("callback provider mismatch: got '%s', state belongs to '%s'", providerName, state.Provider)
	}

	p, name, err := s.getProvider(providerName)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	logID := s.logRequest(ctx, name, "POST", "/payment/3d/complete", data, "", state.ClientIP)
	state.LogID = logID

	response, err := p.Complete3DPayment(ctx, state, data)
	s.logOutcome(ctx, name, logID, response, err, "3D_COMPLETION_ERROR", time.Since(start))
	return response, err
}

// CancelPayment voids a payment through the named provider
func (s *PaymentService) CancelPayment(ctx context.Context, providerName string, request CancelRequest) (*CancelResponse, error) {
	p, name, err := s.getProvider(providerName)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	logID := s.logRequest(ctx, name, "POST", "/payment/cancel", request, "", "")
	request.LogID = logID

	response, err := p.CancelPayment(ctx, request)
	s.logOutcome(ctx, name, logID, response, err, "CANCEL_ERROR", time.Since(start))
	return response, err
}

// RefundPayment issues a refund through the named provider
func (s *PaymentService) RefundPayment(ctx context.Context, providerName string, request RefundRequest) (*RefundResponse, error) {
	p, name, err := s.getProvider(providerName)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	logID := s.logRequest(ctx, name, "POST", "/payment/refund", request, "", "")
	request.LogID = logID

	response, err := p.RefundPayment(ctx, request)
	s.logOutcome(ctx, name, logID, response, err, "REFUND_ERROR", time.Since(start))
	return response, err
}

func (s *PaymentService) logRequest(ctx context.Context, providerName, method, endpoint string, request any, userAgent, clientIP string) int64 {
	logID, err := s.logger.LogRequest(ctx, providerName, method, endpoint, request, userAgent, clientIP)
	if err != nil {
		logger.Warn("Failed to log payment request", logger.LogContext{
			Provider: providerName,
			Fields:   map[string]any{"endpoint": endpoint, "error": err.Error()},
		})
	}
	return logID
}

func (s *PaymentService) logOutcome(ctx context.Context, providerName string, logID int64, response any, err error, errorCode string, elapsed time.Duration) {
	if logID <= 0 {
		return
	}

	processingMs := elapsed.Milliseconds()
	var logErr error
	if err != nil {
		logErr = s.logger.LogError(ctx, providerName, logID, errorCode, err.Error(), processingMs)
	} else {
		logErr = s.logger.LogResponse(ctx, providerName, logID, response, processingMs)
	}
	if logErr != nil {
		logger.Warn("Failed to log payment outcome", logger.LogContext{
			Provider: providerName,
			Fields:   map[string]any{"log_id": logID, "error": logErr.Error()},
		})
	}
}
