package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PaymentStatus represents the current status of a payment
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusSuccessful PaymentStatus = "successful"
	StatusFailed     PaymentStatus = "failed"
	StatusCancelled  PaymentStatus = "cancelled"
	StatusRefunded   PaymentStatus = "refunded"
)

// Sentinel errors shared by all providers.
//
// ErrNetwork marks an indeterminate outcome: the request may have reached the
// bank even though the response was lost. Callers must reconcile, not retry
// blindly. ErrCallbackForgery marks a signature mismatch on a bank callback
// and is always logged as a security event before being returned.
var (
	ErrNetwork         = errors.New("network failure: payment outcome indeterminate")
	ErrCallbackForgery = errors.New("callback signature verification failed")
)

// Customer represents the buyer information
type Customer struct {
	Name        string `json:"name"`
	Surname     string `json:"surname"`
	Email       string `json:"email" validate:"omitempty,email"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	IPAddress   string `json:"ipAddress,omitempty"`
}

// CardInfo represents credit card information. It is never persisted and only
// held in memory for the duration of a single call.
type CardInfo struct {
	CardHolderName string `json:"cardHolderName"`
	CardNumber     string `json:"cardNumber"`
	ExpireMonth    string `json:"expireMonth"`
	ExpireYear     string `json:"expireYear"`
	CVV            string `json:"cvv"`
}

// PaymentRequest contains all information required to create a payment.
// OrderID is caller-chosen and must be unique per attempt; a declined attempt
// requires a brand-new OrderID, adapters never reuse one for resubmission.
type PaymentRequest struct {
	OrderID          string   `json:"orderId,omitempty"`
	LogID            int64    `json:"logId,omitempty"`
	Currency         string   `json:"currency" validate:"required,len=3"`
	Amount           float64  `json:"amount" validate:"required,gt=0"`
	InstallmentCount int      `json:"installmentCount,omitempty"`
	Customer         Customer `json:"customer"`
	CardInfo         CardInfo `json:"cardInfo"`
	Description      string   `json:"description,omitempty"`
	SuccessURL       string   `json:"successUrl,omitempty"`
	FailURL          string   `json:"failUrl,omitempty"`
	CallbackURL      string   `json:"callbackUrl,omitempty"`
	ClientIP         string   `json:"clientIp,omitempty"`
	ClientUserAgent  string   `json:"clientUserAgent,omitempty"`
	Environment      string   `json:"environment,omitempty"`
}

// PaymentResponse contains the normalized result of a payment request.
// HTML carries the 3D Secure auto-submit document and is mutually exclusive
// with TransactionID. RawResponse is opaque, kept for audit only.
type PaymentResponse struct {
	Success       bool          `json:"success"`
	Status        PaymentStatus `json:"status"`
	Message       string        `json:"message,omitempty"`
	ErrorCode     string        `json:"errorCode,omitempty"`
	TransactionID string        `json:"transactionId,omitempty"`
	AuthCode      string        `json:"authCode,omitempty"`
	RefNumber     string        `json:"refNumber,omitempty"`
	OrderID       string        `json:"orderId,omitempty"`
	Amount        float64       `json:"amount,omitempty"`
	Currency      string        `json:"currency,omitempty"`
	HTML          string        `json:"html,omitempty"`
	RedirectURL   string        `json:"redirectUrl,omitempty"`
	SystemTime    *time.Time    `json:"systemTime,omitempty"`
	RawResponse   any           `json:"rawResponse,omitempty"`
}

// RefundRequest contains information to request a refund against the original
// transaction. RefundAmount of zero means full refund where the bank supports
// it; adapters that require an explicit amount reject zero.
type RefundRequest struct {
	OrderID       string  `json:"orderId" validate:"required"`
	TransactionID string  `json:"transactionId,omitempty"`
	RefundAmount  float64 `json:"refundAmount,omitempty"`
	Currency      string  `json:"currency,omitempty"`
	Description   string  `json:"description,omitempty"`
	LogID         int64   `json:"logId,omitempty"`
}

// RefundResponse contains the result of a refund request
type RefundResponse struct {
	Success      bool       `json:"success"`
	RefundID     string     `json:"refundId,omitempty"`
	OrderID      string     `json:"orderId,omitempty"`
	Status       string     `json:"status,omitempty"`
	RefundAmount float64    `json:"refundAmount,omitempty"`
	Message      string     `json:"message,omitempty"`
	ErrorCode    string     `json:"errorCode,omitempty"`
	SystemTime   *time.Time `json:"systemTime,omitempty"`
	RawResponse  any        `json:"rawResponse,omitempty"`
}

// CancelRequest contains information to void a same-day transaction
type CancelRequest struct {
	OrderID       string `json:"orderId" validate:"required"`
	TransactionID string `json:"transactionId,omitempty"`
	Reason        string `json:"reason,omitempty"`
	LogID         int64  `json:"logId,omitempty"`
}

// CancelResponse contains the result of a cancel request
type CancelResponse struct {
	Success     bool       `json:"success"`
	OrderID     string     `json:"orderId,omitempty"`
	Status      string     `json:"status,omitempty"`
	Message     string     `json:"message,omitempty"`
	ErrorCode   string     `json:"errorCode,omitempty"`
	SystemTime  *time.Time `json:"systemTime,omitempty"`
	RawResponse any        `json:"rawResponse,omitempty"`
}

// ConfigField represents a required configuration field for a payment provider
type ConfigField struct {
	Key         string `json:"key"`
	Required    bool   `json:"required"`
	Type        string `json:"type"` // "string", "number", "url", "boolean"
	Description string `json:"description"`
	Example     string `json:"example,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	MinLength   int    `json:"minLength,omitempty"`
	MaxLength   int    `json:"maxLength,omitempty"`
}

// CallbackState is the pending-3D bookkeeping stored between Create3DPayment
// and the bank's redirect back. It carries the order identity and amount so
// the completion step can cross-check the echoed callback fields.
type CallbackState struct {
	OrderID          string    `json:"orderId"`
	Provider         string    `json:"provider"`
	Amount           float64   `json:"amount"`
	Currency         string    `json:"currency"`
	OriginalCallback string    `json:"originalCallback"`
	SuccessURL       string    `json:"successUrl,omitempty"`
	FailURL          string    `json:"failUrl,omitempty"`
	Installment      int       `json:"installment,omitempty"`
	Environment      string    `json:"environment,omitempty"`
	ClientIP         string    `json:"clientIp,omitempty"`
	LogID            int64     `json:"logId,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// CallbackStore persists pending 3D callback state between the form post and
// the bank redirect. Implemented by infra/config on SQLite.
type CallbackStore interface {
	SaveCallbackState(ctx context.Context, state CallbackState) (string, error)
	LoadCallbackState(ctx context.Context, stateID string) (*CallbackState, error)
}

var callbackStore CallbackStore

// SetCallbackStore installs the store used by CreateCallbackURL and
// ResolveCallbackState. Called once at startup.
func SetCallbackStore(s CallbackStore) {
	callbackStore = s
}

// CreateCallbackURL stores the state and returns the service callback URL the
// bank will redirect the cardholder's browser to.
func CreateCallbackURL(ctx context.Context, baseURL, providerName string, state CallbackState) (string, error) {
	if callbackStore == nil {
		return "", errors.New("callback store not configured")
	}
	stateID, err := callbackStore.SaveCallbackState(ctx, state)
	if err != nil {
		return "", fmt.Errorf("failed to store callback state: %w", err)
	}
	return fmt.Sprintf("%s/callback/%s?state=%s", baseURL, providerName, stateID), nil
}

// ResolveCallbackState loads a previously stored callback state by id.
func ResolveCallbackState(ctx context.Context, stateID string) (*CallbackState, error) {
	if callbackStore == nil {
		return nil, errors.New("callback store not configured")
	}
	return callbackStore.LoadCallbackState(ctx, stateID)
}

// PaymentProvider defines the contract every bank adapter implements.
// Adapters hold no per-request mutable state beyond the immutable credentials
// set at Initialize, so a single instance is safe for concurrent use.
type PaymentProvider interface {
	// Initialize sets up the adapter with bank credentials and URLs.
	// Configuration is immutable afterwards; new credentials require a new
	// adapter instance.
	Initialize(config map[string]string) error

	// GetRequiredConfig returns the configuration fields required for this provider
	GetRequiredConfig(environment string) []ConfigField

	// ValidateConfig validates the provided configuration against provider requirements
	ValidateConfig(config map[string]string) error

	// CreatePayment makes a non-3D payment request
	CreatePayment(ctx context.Context, request PaymentRequest) (*PaymentResponse, error)

	// Create3DPayment signs the 3D payload and returns the auto-submitting
	// HTML document. No network call happens in this step.
	Create3DPayment(ctx context.Context, request PaymentRequest) (*PaymentResponse, error)

	// Complete3DPayment consumes the bank's redirect-back fields. It must
	// verify the bank signature through the same path as VerifyCallback and
	// fail with ErrCallbackForgery on mismatch.
	Complete3DPayment(ctx context.Context, state *CallbackState, data map[string]string) (*PaymentResponse, error)

	// VerifyCallback recomputes the expected signature from the callback's own
	// fields and compares case-insensitively against the bank-supplied one.
	// True only when the signature matches AND the bank status fields indicate
	// an authenticated, approved transaction.
	VerifyCallback(data map[string]string) bool

	// CancelPayment voids a same-day transaction
	CancelPayment(ctx context.Context, request CancelRequest) (*CancelResponse, error)

	// RefundPayment issues a refund for a captured transaction
	RefundPayment(ctx context.Context, request RefundRequest) (*RefundResponse, error)
}

// ProviderFactory is a function type that creates a new PaymentProvider
type ProviderFactory func() PaymentProvider
