package opensearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// PaymentLogger persists sanitized payment traffic to OpenSearch. It
// satisfies the provider package's PaymentLogger contract.
type PaymentLogger struct {
	client *Client
	seq    atomic.Int64
}

// NewPaymentLogger creates a new OpenSearch-backed payment logger
func NewPaymentLogger(client *Client) *PaymentLogger {
	l := &PaymentLogger{client: client}
	l.seq.Store(time.Now().UnixNano())
	return l
}

type requestDoc struct {
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
	Method    string    `json:"method"`
	Endpoint  string    `json:"endpoint"`
	UserAgent string    `json:"user_agent,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Request   any       `json:"request"`
}

type outcomeDoc struct {
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	LogID        int64     `json:"log_id"`
	Response     any       `json:"response,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ProcessingMs int64     `json:"processing_time_ms"`
}

// LogRequest indexes the sanitized request and returns its log id.
func (l *PaymentLogger) LogRequest(ctx context.Context, providerName, method, endpoint string, request any, userAgent, clientIP string) (int64, error) {
	logID := l.seq.Add(1)

	doc := requestDoc{
		Timestamp: time.Now().UTC(),
		Provider:  providerName,
		Method:    method,
		Endpoint:  endpoint,
		UserAgent: userAgent,
		ClientIP:  clientIP,
		Request:   Sanitize(request),
	}

	if err := l.index(ctx, providerName, fmt.Sprintf("%d", logID), doc); err != nil {
		return 0, err
	}
	return logID, nil
}

// LogResponse indexes the sanitized response for a previously logged request.
func (l *PaymentLogger) LogResponse(ctx context.Context, providerName string, logID int64, response any, processingMs int64) error {
	doc := outcomeDoc{
		Timestamp:    time.Now().UTC(),
		Provider:     providerName,
		LogID:        logID,
		Response:     Sanitize(response),
		ProcessingMs: processingMs,
	}
	return l.index(ctx, providerName, fmt.Sprintf("%d-response", logID), doc)
}

// LogError indexes the error outcome for a previously logged request.
func (l *PaymentLogger) LogError(ctx context.Context, providerName string, logID int64, errorCode, errorMsg string, processingMs int64) error {
	doc := outcomeDoc{
		Timestamp:    time.Now().UTC(),
		Provider:     providerName,
		LogID:        logID,
		ErrorCode:    errorCode,
		ErrorMessage: errorMsg,
		ProcessingMs: processingMs,
	}
	return l.index(ctx, providerName, fmt.Sprintf("%d-error", logID), doc)
}

func (l *PaymentLogger) index(ctx context.Context, providerName, documentID string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal log document: %w", err)
	}
	return l.client.IndexDocument(ctx, LogIndexName(providerName), documentID, string(body))
}

// sensitiveKeys are removed outright; card number keys are masked instead.
var sensitiveKeys = map[string]bool{
	"cvv":               true,
	"cvv2":              true,
	"cv2":               true,
	"secretkey":         true,
	"storekey":          true,
	"password":          true,
	"merchantpassword":  true,
	"provisionpassword": true,
}

var cardNumberKeys = map[string]bool{
	"cardnumber": true,
	"pan":        true,
}

// Sanitize deep-copies a loggable value, masking card numbers and stripping
// secrets. Values that do not round-trip through JSON are logged as-is.
func Sanitize(value any) any {
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return value
	}
	return sanitizeValue(decoded)
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			lower := strings.ToLower(key)
			switch {
			case sensitiveKeys[lower]:
				out[key] = "[REDACTED]"
			case cardNumberKeys[lower]:
				if s, ok := item.(string); ok {
					out[key] = maskPAN(s)
				} else {
					out[key] = "[REDACTED]"
				}
			default:
				out[key] = sanitizeValue(item)
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return value
	}
}

func maskPAN(number string) string {
	digits := strings.ReplaceAll(strings.ReplaceAll(number, " ", ""), "-", "")
	if len(digits) <= 10 {
		return strings.Repeat("*", len(digits))
	}
	return digits[:6] + strings.Repeat("*", len(digits)-10) + digits[len(digits)-4:]
}
