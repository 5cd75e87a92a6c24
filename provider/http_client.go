package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPClientConfig represents configuration for the provider HTTP client
type HTTPClientConfig struct {
	BaseURL            string
	Timeout            time.Duration
	InsecureSkipVerify bool
	DefaultHeaders     map[string]string
}

// HTTPRequest represents a standardized HTTP request
type HTTPRequest struct {
	Method      string
	Endpoint    string
	Headers     map[string]string
	Body        any
	FormData    map[string]string
	QueryParams map[string]string
}

// HTTPResponse represents a standardized HTTP response
type HTTPResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	RawBody    string
}

// ProviderHTTPClient provides standardized HTTP operations for payment
// providers: one bounded-timeout call per operation, with a circuit breaker
// in front of the transport. Transport failures are wrapped in ErrNetwork so
// callers can tell an indeterminate outcome from a bank decline.
type ProviderHTTPClient struct {
	config  *HTTPClientConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewProviderHTTPClient creates a new provider HTTP client
func NewProviderHTTPClient(config *HTTPClientConfig) *ProviderHTTPClient {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.InsecureSkipVerify,
		},
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    config.BaseURL,
		Timeout: config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &ProviderHTTPClient{
		config: config,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		breaker: breaker,
	}
}

// SendJSON sends a JSON request and returns the response
func (c *ProviderHTTPClient) SendJSON(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	return c.sendRequest(ctx, req, "application/json")
}

// SendForm sends a form-encoded request and returns the response
func (c *ProviderHTTPClient) SendForm(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	return c.sendRequest(ctx, req, "application/x-www-form-urlencoded")
}

// SendXML sends a raw XML body and returns the response
func (c *ProviderHTTPClient) SendXML(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	return c.sendRequest(ctx, req, "text/xml")
}

// sendRequest is the internal method that handles all HTTP requests
func (c *ProviderHTTPClient) sendRequest(ctx context.Context, req *HTTPRequest, contentType string) (*HTTPResponse, error) {
	fullURL := c.buildURL(req.Endpoint, req.QueryParams)

	body, err := encodeBody(req, contentType)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	for key, value := range c.config.DefaultHeaders {
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		return &HTTPResponse{
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			Body:       respBody,
			RawBody:    string(respBody),
		}, nil
	})
	if err != nil {
		// Timeouts, connection failures and an open breaker are all
		// indeterminate: the charge may have succeeded bank-side.
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	response := result.(*HTTPResponse)
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return response, fmt.Errorf("HTTP error %d: %s", response.StatusCode, response.RawBody)
	}

	return response, nil
}

func encodeBody(req *HTTPRequest, contentType string) (io.Reader, error) {
	switch {
	case contentType == "application/x-www-form-urlencoded":
		formData := url.Values{}
		if len(req.FormData) > 0 {
			for key, value := range req.FormData {
				formData.Set(key, value)
			}
		} else if formMap, ok := req.Body.(map[string]string); ok {
			for key, value := range formMap {
				formData.Set(key, value)
			}
		}
		if len(formData) > 0 {
			return strings.NewReader(formData.Encode()), nil
		}
	case contentType == "application/json" && req.Body != nil:
		jsonData, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal JSON body: %w", err)
		}
		return bytes.NewBuffer(jsonData), nil
	}

	// Raw string/byte bodies (XML envelopes are hand-built strings).
	if rawBody, ok := req.Body.(string); ok {
		return strings.NewReader(rawBody), nil
	}
	if rawBody, ok := req.Body.([]byte); ok {
		return bytes.NewBuffer(rawBody), nil
	}
	return nil, nil
}

func joinURL(base, endpoint string) string {
	if strings.HasSuffix(base, "/") && strings.HasPrefix(endpoint, "/") {
		return base + endpoint[1:]
	}
	if !strings.HasSuffix(base, "/") && !strings.HasPrefix(endpoint, "/") {
		return base + "/" + endpoint
	}
	return base + endpoint
}

// buildURL constructs the full URL with query parameters
func (c *ProviderHTTPClient) buildURL(endpoint string, queryParams map[string]string) string {
	fullURL := endpoint
	if !strings.HasPrefix(endpoint, "http") {
		fullURL = joinURL(c.config.BaseURL, endpoint)
	}

	if len(queryParams) == 0 {
		return fullURL
	}

	u, err := url.Parse(fullURL)
	if err != nil {
		return fullURL
	}
	q := u.Query()
	for key, value := range queryParams {
		q.Set(key, value)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ParseJSONResponse parses the response body as JSON into the target
func (c *ProviderHTTPClient) ParseJSONResponse(response *HTTPResponse, target any) error {
	return json.Unmarshal(response.Body, target)
}

// CreateHTTPClientConfig creates a standard HTTP client configuration for providers
func CreateHTTPClientConfig(baseURL string, isProduction bool) *HTTPClientConfig {
	return &HTTPClientConfig{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
		// Bank sandboxes routinely run with self-signed certificates.
		InsecureSkipVerify: !isProduction,
		DefaultHeaders: map[string]string{
			"Accept":     "application/json",
			"User-Agent": "vpos/1.0",
		},
	}
}
