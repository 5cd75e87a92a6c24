package akbank

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/odeapay/vpos/infra/config"
	"github.com/odeapay/vpos/infra/logger"
	"github.com/odeapay/vpos/provider"
)

const (
	// API Endpoints
	apiSandboxURL    = "https://apipre.akbank.com/api/v1/payment/virtualpos/transaction/process"
	apiProductionURL = "https://api.akbank.com/api/v1/payment/virtualpos/transaction/process"

	// 3D Secure hosted payment page
	gatewaySandbox3DURL    = "https://virtualpospaymentgatewaypre.akbank.com/securepay"
	gatewayProduction3DURL = "https://virtualpospaymentgateway.akbank.com/securepay"

	// Transaction Codes
	txnCodeSale   = "1000" // Direct sale
	txnCodeCancel = "2000" // Cancel/void
	txnCodeRefund = "2100" // Refund

	// Currency Codes
	currencyCodeTRY = 949

	apiVersion = "1.00"
)

// AkbankProvider implements the provider.PaymentProvider interface for Akbank.
// Non-3D operations go through the JSON transaction API authenticated with an
// HMAC-SHA512 auth-hash header; 3D payments go through the hosted payment page
// with a signed auto-submit form, and the result comes back on the callback.
type AkbankProvider struct {
	merchantSafeId string
	terminalSafeId string
	secretKey      string
	baseURL        string
	gatewayURL     string
	serviceBaseURL string
	isProduction   bool
	httpClient     *provider.ProviderHTTPClient
}

// NewProvider creates a new Akbank payment provider
func NewProvider() provider.PaymentProvider {
	return &AkbankProvider{}
}

// GetRequiredConfig returns the configuration fields required for Akbank
func (p *AkbankProvider) GetRequiredConfig(environment string) []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "merchantSafeId",
			Required:    true,
			Type:        "string",
			Description: "Akbank Merchant Safe ID (provided by Akbank)",
			Example:     "2025100217305644994AAC1BF57EC29B",
			MinLength:   32,
			MaxLength:   50,
		},
		{
			Key:         "terminalSafeId",
			Required:    true,
			Type:        "string",
			Description: "Akbank Terminal Safe ID (provided by Akbank)",
			Example:     "202510021730564616275A2A52298FCF",
			MinLength:   32,
			MaxLength:   50,
		},
		{
			Key:         "secretKey",
			Required:    true,
			Type:        "string",
			Description: "Akbank Security Key (provided by Akbank)",
			MinLength:   32,
			MaxLength:   200,
		},
		{
			Key:         "environment",
			Required:    true,
			Type:        "string",
			Description: "Environment setting (sandbox or production)",
			Example:     "sandbox",
			Pattern:     "^(sandbox|production)$",
		},
	}
}

// ValidateConfig validates the provided configuration against Akbank requirements
func (p *AkbankProvider) ValidateConfig(config map[string]string) error {
	requiredFields := p.GetRequiredConfig(config["environment"])
	return provider.ValidateConfigFields("akbank", config, requiredFields)
}

// Initialize sets up the Akbank payment provider with authentication credentials
func (p *AkbankProvider) Initialize(conf map[string]string) error {
	p.merchantSafeId = conf["merchantSafeId"]
	p.terminalSafeId = conf["terminalSafeId"]
	p.secretKey = conf["secretKey"]

	if p.merchantSafeId == "" || p.terminalSafeId == "" || p.secretKey == "" {
		return errors.New("akbank: merchantSafeId, terminalSafeId and secretKey are required")
	}

	p.serviceBaseURL = config.GetEnv("APP_URL", "http://localhost:9999")

	p.isProduction = conf["environment"] == "production"
	if p.isProduction {
		p.baseURL = apiProductionURL
		p.gatewayURL = gatewayProduction3DURL
	} else {
		p.baseURL = apiSandboxURL
		p.gatewayURL = gatewaySandbox3DURL
	}

	p.httpClient = provider.NewProviderHTTPClient(provider.CreateHTTPClientConfig(p.baseURL, p.isProduction))

	return nil
}

// CreatePayment makes a non-3D payment request
func (p *AkbankProvider) CreatePayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	if err := p.validatePaymentRequest(request, false); err != nil {
		return nil, fmt.Errorf("akbank: invalid payment request: %w", err)
	}

	orderId := request.OrderID
	if orderId == "" {
		orderId = generateOrderId()
	}

	akbankReq := p.buildBaseRequest(txnCodeSale)
	akbankReq["order"] = map[string]any{
		"orderId": orderId,
	}

	expireDate := request.CardInfo.ExpireMonth + request.CardInfo.ExpireYear[len(request.CardInfo.ExpireYear)-2:]
	akbankReq["card"] = map[string]any{
		"cardNumber": request.CardInfo.CardNumber,
		"cvv2":       request.CardInfo.CVV,
		"expireDate": expireDate,
	}

	installCount := 1
	if request.InstallmentCount > 1 {
		installCount = request.InstallmentCount
	}

	akbankReq["transaction"] = map[string]any{
		"amount":       amountMinorUnits(request.Amount),
		"currencyCode": currencyCodeTRY,
		"motoInd":      0,
		"installCount": installCount,
	}

	customerIP := request.Customer.IPAddress
	if customerIP == "" {
		customerIP = request.ClientIP
	}
	if customerIP == "" {
		customerIP = "127.0.0.1"
	}

	akbankReq["customer"] = map[string]any{
		"emailAddress": request.Customer.Email,
		"ipAddress":    customerIP,
	}

	resp, err := p.sendRequest(ctx, akbankReq)
	if err != nil {
		return nil, err
	}

	return p.mapPaymentResponse(resp, orderId, request.Amount, request.Currency), nil
}

// Create3DPayment prepares the hosted payment page form. The form fields are
// signed with the sorted-parameter SHA-512 hash; no network call happens here.
func (p *AkbankProvider) Create3DPayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	if err := p.validatePaymentRequest(request, true); err != nil {
		return nil, fmt.Errorf("akbank: invalid 3D payment request: %w", err)
	}

	orderId := request.OrderID
	if orderId == "" {
		orderId = generateOrderId()
	}

	state := provider.CallbackState{
		OrderID:          orderId,
		Provider:         "akbank",
		Amount:           request.Amount,
		Currency:         request.Currency,
		OriginalCallback: request.CallbackURL,
		SuccessURL:       request.SuccessURL,
		FailURL:          request.FailURL,
		Installment:      request.InstallmentCount,
		Environment:      request.Environment,
		ClientIP:         request.ClientIP,
		LogID:            request.LogID,
		Timestamp:        time.Now(),
	}

	callbackURL, err := provider.CreateCallbackURL(ctx, p.serviceBaseURL, "akbank", state)
	if err != nil {
		return nil, fmt.Errorf("akbank: %w", err)
	}

	formParams := p.build3DFormParams(request, orderId, callbackURL)
	formParams["hash"] = p.calculate3DHash(formParams)

	now := time.Now()
	return &provider.PaymentResponse{
		Success:     true,
		Status:      provider.StatusPending,
		OrderID:     orderId,
		Amount:      request.Amount,
		Currency:    request.Currency,
		HTML:        generate3DSecureHTML(p.gatewayURL, formParams),
		Message:     "3D Secure authentication required",
		SystemTime:  &now,
		RawResponse: formParams,
	}, nil
}

// Complete3DPayment consumes the gateway's redirect-back fields. The signature
// is checked through the same path as VerifyCallback before any field is
// trusted.
func (p *AkbankProvider) Complete3DPayment(ctx context.Context, callbackState *provider.CallbackState, data map[string]string) (*provider.PaymentResponse, error) {
	if !p.verifySignature(data) {
		return nil, fmt.Errorf("akbank: %w", provider.ErrCallbackForgery)
	}

	orderId := data["oid"]
	if orderId != "" && orderId != callbackState.OrderID {
		return nil, fmt.Errorf("akbank: callback order mismatch: got '%s', expected '%s'", orderId, callbackState.OrderID)
	}

	mdStatus := data["mdStatus"]
	responseCode := data["Response"]
	success := mdStatusAuthenticated(mdStatus) && responseCode == "Approved"

	now := time.Now()
	response := &provider.PaymentResponse{
		Success:       success,
		OrderID:       callbackState.OrderID,
		TransactionID: data["TransId"],
		AuthCode:      data["AuthCode"],
		Amount:        callbackState.Amount,
		Currency:      callbackState.Currency,
		SystemTime:    &now,
		RawResponse:   data,
		RedirectURL:   callbackState.OriginalCallback,
	}

	if success {
		response.Status = provider.StatusSuccessful
		response.Message = "3D payment completed successfully"
	} else {
		response.Status = provider.StatusFailed
		response.ErrorCode = data["ProcReturnCode"]
		if errMsg := data["ErrMsg"]; errMsg != "" {
			response.Message = errMsg
		} else {
			response.Message = "3D payment failed"
		}
	}

	return response, nil
}

// VerifyCallback recomputes the form hash over the callback's own fields and
// checks the authentication status. A forged callback is always reported as
// failed, never as an error the caller might retry into success.
func (p *AkbankProvider) VerifyCallback(data map[string]string) bool {
	if !p.verifySignature(data) {
		return false
	}
	return mdStatusAuthenticated(data["mdStatus"]) && data["Response"] == "Approved"
}

func (p *AkbankProvider) verifySignature(data map[string]string) bool {
	receivedHash := data["hash"]
	if receivedHash == "" {
		receivedHash = data["HASH"]
	}
	if receivedHash == "" {
		logger.Warn("Callback rejected: missing signature", logger.LogContext{
			Provider: "akbank",
			OrderID:  data["oid"],
		})
		return false
	}

	expectedHash := p.calculate3DHash(data)
	if !strings.EqualFold(receivedHash, expectedHash) {
		logger.Error("Callback rejected: signature mismatch", nil, logger.LogContext{
			Provider: "akbank",
			OrderID:  data["oid"],
			Fields:   map[string]any{"mdStatus": data["mdStatus"]},
		})
		return false
	}
	return true
}

// mdStatusAuthenticated reports whether the 3D authentication result allows
// the payment to proceed. 1 is full authentication; 2, 3 and 4 are the
// half-secure variants the banks still authorize.
func mdStatusAuthenticated(mdStatus string) bool {
	switch mdStatus {
	case "1", "2", "3", "4":
		return true
	}
	return false
}

// CancelPayment voids a same-day transaction
func (p *AkbankProvider) CancelPayment(ctx context.Context, request provider.CancelRequest) (*provider.CancelResponse, error) {
	if request.OrderID == "" {
		return nil, errors.New("akbank: orderId is required")
	}

	akbankReq := p.buildBaseRequest(txnCodeCancel)
	akbankReq["order"] = map[string]any{
		"orderId": request.OrderID,
	}

	resp, err := p.sendRequest(ctx, akbankReq)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	respCode, _ := resp["respCode"].(string)
	success := respCode == "0000" || respCode == "00"

	cancelResp := &provider.CancelResponse{
		Success:     success,
		OrderID:     request.OrderID,
		SystemTime:  &now,
		RawResponse: resp,
	}

	if success {
		cancelResp.Status = "cancelled"
		cancelResp.Message = "Cancel successful"
	} else {
		cancelResp.Status = "failed"
		cancelResp.ErrorCode = respCode
		cancelResp.Message = respText(resp)
	}

	return cancelResp, nil
}

// RefundPayment issues a refund. A zero RefundAmount refunds the full captured
// amount by omitting the transaction block.
func (p *AkbankProvider) RefundPayment(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	if request.OrderID == "" {
		return nil, errors.New("akbank: orderId is required for refund")
	}
	if request.RefundAmount < 0 {
		return nil, errors.New("akbank: refund amount cannot be negative")
	}

	akbankReq := p.buildBaseRequest(txnCodeRefund)
	akbankReq["order"] = map[string]any{
		"orderId": request.OrderID,
	}
	if request.RefundAmount > 0 {
		akbankReq["transaction"] = map[string]any{
			"amount":       amountMinorUnits(request.RefundAmount),
			"currencyCode": currencyCodeTRY,
		}
	}

	resp, err := p.sendRequest(ctx, akbankReq)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	respCode, _ := resp["respCode"].(string)
	success := respCode == "0000" || respCode == "00"

	refundResp := &provider.RefundResponse{
		Success:      success,
		OrderID:      request.OrderID,
		RefundAmount: request.RefundAmount,
		SystemTime:   &now,
		RawResponse:  resp,
	}

	if success {
		refundResp.Status = "refunded"
		refundResp.Message = "Refund successful"
		if refundID, ok := resp["transactionId"].(string); ok {
			refundResp.RefundID = refundID
		}
	} else {
		refundResp.Status = "failed"
		refundResp.ErrorCode = respCode
		refundResp.Message = respText(resp)
	}

	return refundResp, nil
}

// validatePaymentRequest validates the payment request
func (p *AkbankProvider) validatePaymentRequest(request provider.PaymentRequest, is3D bool) error {
	if request.Amount <= 0 {
		return errors.New("amount must be greater than 0")
	}

	if request.Currency == "" {
		return errors.New("currency is required")
	}

	if request.Customer.Email == "" {
		return errors.New("customer email is required")
	}

	if !provider.ValidateCardNumber(request.CardInfo.CardNumber) {
		return errors.New("card number is invalid")
	}

	if request.CardInfo.CVV == "" {
		return errors.New("CVV is required")
	}

	if !provider.ValidateExpiry(request.CardInfo.ExpireMonth, request.CardInfo.ExpireYear) {
		return errors.New("card expiry date is invalid")
	}

	if is3D && request.CallbackURL == "" {
		return errors.New("callback URL is required for 3D secure payments")
	}

	return nil
}

// buildBaseRequest builds the base request structure for Akbank
func (p *AkbankProvider) buildBaseRequest(txnCode string) map[string]any {
	return map[string]any{
		"version":         apiVersion,
		"txnCode":         txnCode,
		"requestDateTime": generateRequestDateTime(),
		"randomNumber":    generateRandomNumber(128),
		"terminal": map[string]any{
			"merchantSafeId": p.merchantSafeId,
			"terminalSafeId": p.terminalSafeId,
		},
	}
}

// build3DFormParams builds the hosted payment page form fields
func (p *AkbankProvider) build3DFormParams(request provider.PaymentRequest, orderId, callbackURL string) map[string]string {
	expYear := request.CardInfo.ExpireYear
	if len(expYear) > 2 {
		expYear = expYear[len(expYear)-2:]
	}

	cardHolder := strings.TrimSpace(request.CardInfo.CardHolderName)
	if cardHolder == "" {
		cardHolder = strings.TrimSpace(request.Customer.Name + " " + request.Customer.Surname)
	}

	params := map[string]string{
		"merchantSafeId":  p.merchantSafeId,
		"terminalSafeId":  p.terminalSafeId,
		"paymentModel":    "3D_PAY",
		"txnCode":         "3004",
		"orderId":         orderId,
		"amount":          provider.FormatAmountDecimal(request.Amount),
		"currencyCode":    strconv.Itoa(currencyCodeTRY),
		"installCount":    "1",
		"okUrl":           callbackURL,
		"failUrl":         callbackURL,
		"lang":            "TR",
		"randomNumber":    generateRandomNumber(128),
		"requestDateTime": generateRequestDateTime(),
		"creditCard":      request.CardInfo.CardNumber,
		"expiredDate":     request.CardInfo.ExpireMonth + expYear,
		"cvv":             request.CardInfo.CVV,
		"cardHolderName":  cardHolder,
	}

	if request.InstallmentCount > 1 {
		params["installCount"] = strconv.Itoa(request.InstallmentCount)
	}

	return params
}

// calculate3DHash signs the hosted form fields: keys sorted case-insensitively
// (the hash and encoding fields excluded), values pipe-joined with | and \
// escaped, secret key appended, SHA-512, then the digest base64 encoded.
// The state key is our own callback-routing parameter, merged back into the
// data on the redirect; the gateway never signed it, so it never hashes.
func (p *AkbankProvider) calculate3DHash(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		lowerKey := strings.ToLower(k)
		if lowerKey != "hash" && lowerKey != "encoding" && lowerKey != "state" {
			keys = append(keys, k)
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})

	var hashVal strings.Builder
	for _, key := range keys {
		hashVal.WriteString(escapeHashValue(params[key]))
		hashVal.WriteString("|")
	}
	hashVal.WriteString(escapeHashValue(p.secretKey))

	digest := sha512.Sum512([]byte(hashVal.String()))
	return base64.StdEncoding.EncodeToString(digest[:])
}

func escapeHashValue(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	return strings.ReplaceAll(escaped, "|", "\\|")
}

// sendRequest posts a JSON request to the transaction API with the HMAC
// auth-hash header computed over the exact serialized body.
func (p *AkbankProvider) sendRequest(ctx context.Context, requestData map[string]any) (map[string]any, error) {
	jsonData, err := json.Marshal(requestData)
	if err != nil {
		return nil, fmt.Errorf("akbank: failed to marshal request: %w", err)
	}

	httpReq := &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: p.baseURL,
		Body:     requestData,
		Headers: map[string]string{
			"auth-hash": p.generateAuthHash(string(jsonData)),
			"Accept":    "application/json",
		},
	}

	resp, err := p.httpClient.SendJSON(ctx, httpReq)
	if err != nil {
		return nil, fmt.Errorf("akbank: request failed: %w", err)
	}

	var responseData map[string]any
	if err := p.httpClient.ParseJSONResponse(resp, &responseData); err != nil {
		return nil, fmt.Errorf("akbank: failed to parse response: %w", err)
	}

	return responseData, nil
}

// mapPaymentResponse maps an Akbank API response to the common PaymentResponse
func (p *AkbankProvider) mapPaymentResponse(resp map[string]any, orderId string, amount float64, currency string) *provider.PaymentResponse {
	now := time.Now()
	paymentResp := &provider.PaymentResponse{
		OrderID:     orderId,
		Amount:      amount,
		Currency:    currency,
		SystemTime:  &now,
		RawResponse: resp,
	}

	respCode, _ := resp["respCode"].(string)
	success := respCode == "0000" || respCode == "00"
	paymentResp.Success = success

	if success {
		paymentResp.Status = provider.StatusSuccessful
		paymentResp.Message = "Payment successful"

		if transactionId, ok := resp["transactionId"].(string); ok {
			paymentResp.TransactionID = transactionId
		}
		if authCode, ok := resp["authCode"].(string); ok {
			paymentResp.AuthCode = authCode
		}
		if rrn, ok := resp["rrn"].(string); ok {
			paymentResp.RefNumber = rrn
		}
	} else {
		paymentResp.Status = provider.StatusFailed
		paymentResp.ErrorCode = respCode
		paymentResp.Message = respText(resp)
	}

	return paymentResp
}

func respText(resp map[string]any) string {
	if text, ok := resp["respText"].(string); ok && text != "" {
		return text
	}
	return "Payment failed"
}

// amountMinorUnits converts a TRY amount to kuruş
func amountMinorUnits(amount float64) int {
	units, _ := strconv.Atoi(provider.FormatAmountMinorUnits(amount, 2))
	return units
}

// generate3DSecureHTML generates the auto-submitting form for the hosted page
func generate3DSecureHTML(gatewayURL string, params map[string]string) string {
	var formFields strings.Builder
	for key, value := range params {
		formFields.WriteString(fmt.Sprintf(`<input type="hidden" name="%s" value="%s" />`, key, value))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
	<title>3D Secure Authentication</title>
	<meta charset="utf-8">
	<meta http-equiv="Content-Type" content="text/html; charset=UTF-8">
</head>
<body onload="document.threeDForm.submit();">
	<div style="text-align: center; margin-top: 50px;">
		<p>Ödeme işleminiz 3D güvenlik sayfasına yönlendiriliyor...</p>
		<p>Payment is being redirected to 3D secure page...</p>
	</div>
	<form name="threeDForm" method="POST" action="%s">
		%s
	</form>
</body>
</html>`, gatewayURL, formFields.String())
}

// generateAuthHash generates the HMAC-SHA512 hash for API authentication
func (p *AkbankProvider) generateAuthHash(data string) string {
	h := hmac.New(sha512.New, []byte(p.secretKey))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// generateRequestDateTime generates request datetime in Akbank format
func generateRequestDateTime() string {
	now := time.Now()
	return now.Format("2006-01-02T15:04:05.") + fmt.Sprintf("%03d", now.Nanosecond()/1000000)
}

// generateRandomNumber generates a random hex string of the given length
func generateRandomNumber(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// generateOrderId generates a unique order ID for callers that did not pass one
func generateOrderId() string {
	now := time.Now()
	return "VP" + now.Format("20060102150405") + generateRandomNumber(8)
}
