package isbank

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/odeapay/vpos/infra/config"
	"github.com/odeapay/vpos/infra/logger"
	"github.com/odeapay/vpos/provider"
)

const (
	// API Endpoints
	apiSandboxURL    = "https://entegrasyon.asseco-see.com.tr/fim/api"
	apiProductionURL = "https://sanalpos.isbank.com.tr/fim/api"

	// 3D Secure gateway
	gatewaySandbox3DURL    = "https://entegrasyon.asseco-see.com.tr/fim/est3Dgate"
	gatewayProduction3DURL = "https://sanalpos.isbank.com.tr/fim/est3Dgate"

	// Transaction types
	txnTypeSale   = "Auth"
	txnTypeVoid   = "Void"
	txnTypeRefund = "Credit"

	// Currency Codes
	currencyCodeTRY = "949"

	approvedReturnCode = "00"
)

// IsbankProvider implements the provider.PaymentProvider interface for İşbank.
// All API operations post a hand-built CC5Request envelope to the fim/api
// endpoint and read the CC5Response by tag extraction; the bank's XML carries
// no schema guarantee. 3D payments go through est3Dgate with a SHA-1 signed
// form, and the callback is verified over the HASHPARAMS field list.
type IsbankProvider struct {
	clientId       string
	username       string
	password       string
	storeKey       string
	baseURL        string
	gatewayURL     string
	serviceBaseURL string
	isProduction   bool
	httpClient     *provider.ProviderHTTPClient
}

// NewProvider creates a new İşbank payment provider
func NewProvider() provider.PaymentProvider {
	return &IsbankProvider{}
}

// GetRequiredConfig returns the configuration fields required for İşbank
func (p *IsbankProvider) GetRequiredConfig(environment string) []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "clientId",
			Required:    true,
			Type:        "string",
			Description: "İşbank merchant number (provided by İşbank)",
			Example:     "700655000100",
			MinLength:   6,
			MaxLength:   20,
		},
		{
			Key:         "username",
			Required:    true,
			Type:        "string",
			Description: "İşbank API user name (provided by İşbank)",
			Example:     "ISBANKAPI",
			MinLength:   3,
			MaxLength:   50,
		},
		{
			Key:         "password",
			Required:    true,
			Type:        "string",
			Description: "İşbank API user password (provided by İşbank)",
			MinLength:   6,
			MaxLength:   50,
		},
		{
			Key:         "storeKey",
			Required:    true,
			Type:        "string",
			Description: "İşbank 3D Secure store key (provided by İşbank)",
			MinLength:   6,
			MaxLength:   50,
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

// ValidateConfig validates the provided configuration against İşbank requirements
func (p *IsbankProvider) ValidateConfig(config map[string]string) error {
	requiredFields := p.GetRequiredConfig(config["environment"])
	return provider.ValidateConfigFields("isbank", config, requiredFields)
}

// Initialize sets up the İşbank payment provider with authentication credentials
func (p *IsbankProvider) Initialize(conf map[string]string) error {
	p.clientId = conf["clientId"]
	p.username = conf["username"]
	p.password = conf["password"]
	p.storeKey = conf["storeKey"]

	if p.clientId == "" || p.username == "" || p.password == "" || p.storeKey == "" {
		return errors.New("isbank: clientId, username, password and storeKey are required")
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
func (p *IsbankProvider) CreatePayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	if err := p.validatePaymentRequest(request, false); err != nil {
		return nil, fmt.Errorf("isbank: invalid payment request: %w", err)
	}

	orderId := request.OrderID
	if orderId == "" {
		orderId = generateOrderId()
	}

	expires := expiresField(request.CardInfo.ExpireMonth, request.CardInfo.ExpireYear)

	var envelope strings.Builder
	envelope.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	envelope.WriteString("<CC5Request>")
	writeTag(&envelope, "Name", p.username)
	writeTag(&envelope, "Password", p.password)
	writeTag(&envelope, "ClientId", p.clientId)
	writeTag(&envelope, "Type", txnTypeSale)
	writeTag(&envelope, "IPAddress", clientIP(request))
	writeTag(&envelope, "Email", request.Customer.Email)
	writeTag(&envelope, "OrderId", orderId)
	writeTag(&envelope, "Total", provider.FormatAmountDecimal(request.Amount))
	writeTag(&envelope, "Currency", currencyCodeTRY)
	writeTag(&envelope, "Number", request.CardInfo.CardNumber)
	writeTag(&envelope, "Expires", expires)
	writeTag(&envelope, "Cvv2Val", request.CardInfo.CVV)
	if request.InstallmentCount > 1 {
		writeTag(&envelope, "Instalment", strconv.Itoa(request.InstallmentCount))
	}
	envelope.WriteString("</CC5Request>")

	body, err := p.sendRequest(ctx, envelope.String())
	if err != nil {
		return nil, err
	}

	return p.mapPaymentResponse(body, orderId, request.Amount, request.Currency), nil
}

// Create3DPayment prepares the est3Dgate form. The form is signed with the
// SHA-1 ordered-field hash; no network call happens here.
func (p *IsbankProvider) Create3DPayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	if err := p.validatePaymentRequest(request, true); err != nil {
		return nil, fmt.Errorf("isbank: invalid 3D payment request: %w", err)
	}

	orderId := request.OrderID
	if orderId == "" {
		orderId = generateOrderId()
	}

	state := provider.CallbackState{
		OrderID:          orderId,
		Provider:         "isbank",
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

	callbackURL, err := provider.CreateCallbackURL(ctx, p.serviceBaseURL, "isbank", state)
	if err != nil {
		return nil, fmt.Errorf("isbank: %w", err)
	}

	taksit := ""
	if request.InstallmentCount > 1 {
		taksit = strconv.Itoa(request.InstallmentCount)
	}

	amountStr := provider.FormatAmountDecimal(request.Amount)
	rnd := generateRnd()

	expYear := request.CardInfo.ExpireYear
	if len(expYear) > 2 {
		expYear = expYear[len(expYear)-2:]
	}

	params := map[string]string{
		"clientid":                        p.clientId,
		"oid":                             orderId,
		"amount":                          amountStr,
		"okurl":                           callbackURL,
		"failUrl":                         callbackURL,
		"islemtipi":                       txnTypeSale,
		"taksit":                          taksit,
		"rnd":                             rnd,
		"storetype":                       "3d_pay",
		"currency":                        currencyCodeTRY,
		"lang":                            "tr",
		"pan":                             request.CardInfo.CardNumber,
		"cv2":                             request.CardInfo.CVV,
		"Ecom_Payment_Card_ExpDate_Month": request.CardInfo.ExpireMonth,
		"Ecom_Payment_Card_ExpDate_Year":  expYear,
	}
	params["hash"] = p.calculate3DHash(orderId, amountStr, callbackURL, callbackURL, txnTypeSale, taksit, rnd)

	now := time.Now()
	return &provider.PaymentResponse{
		Success:     true,
		Status:      provider.StatusPending,
		OrderID:     orderId,
		Amount:      request.Amount,
		Currency:    request.Currency,
		HTML:        generate3DSecureHTML(p.gatewayURL, params),
		Message:     "3D Secure authentication required",
		SystemTime:  &now,
		RawResponse: params,
	}, nil
}

// Complete3DPayment consumes the gateway's redirect-back fields. The HASHPARAMS
// signature is checked through the same path as VerifyCallback before any
// field is trusted.
func (p *IsbankProvider) Complete3DPayment(ctx context.Context, callbackState *provider.CallbackState, data map[string]string) (*provider.PaymentResponse, error) {
	if !p.verifySignature(data) {
		return nil, fmt.Errorf("isbank: %w", provider.ErrCallbackForgery)
	}

	orderId := data["oid"]
	if orderId != "" && orderId != callbackState.OrderID {
		return nil, fmt.Errorf("isbank: callback order mismatch: got '%s', expected '%s'", orderId, callbackState.OrderID)
	}

	success := mdStatusAuthenticated(data["mdStatus"]) && data["Response"] == "Approved"

	now := time.Now()
	response := &provider.PaymentResponse{
		Success:       success,
		OrderID:       callbackState.OrderID,
		TransactionID: data["TransId"],
		AuthCode:      data["AuthCode"],
		RefNumber:     data["HostRefNum"],
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

// VerifyCallback recomputes the HASHPARAMS signature from the callback's own
// fields and checks the authentication status.
func (p *IsbankProvider) VerifyCallback(data map[string]string) bool {
	if !p.verifySignature(data) {
		return false
	}
	return mdStatusAuthenticated(data["mdStatus"]) && data["Response"] == "Approved"
}

// verifySignature validates the est gateway callback: HASHPARAMS names the
// signed fields in order, and the signature is SHA-1 over their concatenated
// values plus the store key, base64 encoded.
func (p *IsbankProvider) verifySignature(data map[string]string) bool {
	receivedHash := data["HASH"]
	hashParams := data["HASHPARAMS"]
	if receivedHash == "" || hashParams == "" {
		logger.Warn("Callback rejected: missing signature", logger.LogContext{
			Provider: "isbank",
			OrderID:  data["oid"],
		})
		return false
	}

	var signed strings.Builder
	for _, param := range strings.Split(hashParams, ":") {
		if param == "" {
			continue
		}
		signed.WriteString(data[param])
	}

	// HASHPARAMSVAL echoes the concatenation; a disagreement means the field
	// list was tampered with even if the hash happens to match.
	if paramsVal, ok := data["HASHPARAMSVAL"]; ok && paramsVal != signed.String() {
		logger.Error("Callback rejected: HASHPARAMSVAL mismatch", nil, logger.LogContext{
			Provider: "isbank",
			OrderID:  data["oid"],
		})
		return false
	}

	signed.WriteString(p.storeKey)
	digest := sha1.Sum([]byte(signed.String()))
	expectedHash := base64.StdEncoding.EncodeToString(digest[:])

	if !strings.EqualFold(receivedHash, expectedHash) {
		logger.Error("Callback rejected: signature mismatch", nil, logger.LogContext{
			Provider: "isbank",
			OrderID:  data["oid"],
			Fields:   map[string]any{"mdStatus": data["mdStatus"]},
		})
		return false
	}
	return true
}

func mdStatusAuthenticated(mdStatus string) bool {
	switch mdStatus {
	case "1", "2", "3", "4":
		return true
	}
	return false
}

// CancelPayment voids a same-day transaction
func (p *IsbankProvider) CancelPayment(ctx context.Context, request provider.CancelRequest) (*provider.CancelResponse, error) {
	if request.OrderID == "" {
		return nil, errors.New("isbank: orderId is required")
	}

	var envelope strings.Builder
	envelope.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	envelope.WriteString("<CC5Request>")
	writeTag(&envelope, "Name", p.username)
	writeTag(&envelope, "Password", p.password)
	writeTag(&envelope, "ClientId", p.clientId)
	writeTag(&envelope, "Type", txnTypeVoid)
	writeTag(&envelope, "OrderId", request.OrderID)
	envelope.WriteString("</CC5Request>")

	body, err := p.sendRequest(ctx, envelope.String())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	procReturnCode := provider.ExtractXMLValue(body, "ProcReturnCode")
	success := procReturnCode == approvedReturnCode

	cancelResp := &provider.CancelResponse{
		Success:     success,
		OrderID:     request.OrderID,
		SystemTime:  &now,
		RawResponse: body,
	}

	if success {
		cancelResp.Status = "cancelled"
		cancelResp.Message = "Cancel successful"
	} else {
		cancelResp.Status = "failed"
		cancelResp.ErrorCode = procReturnCode
		cancelResp.Message = errMessage(body)
	}

	return cancelResp, nil
}

// RefundPayment issues a refund. A zero RefundAmount refunds the full captured
// amount by omitting the Total field.
func (p *IsbankProvider) RefundPayment(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	if request.OrderID == "" {
		return nil, errors.New("isbank: orderId is required for refund")
	}
	if request.RefundAmount < 0 {
		return nil, errors.New("isbank: refund amount cannot be negative")
	}

	var envelope strings.Builder
	envelope.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	envelope.WriteString("<CC5Request>")
	writeTag(&envelope, "Name", p.username)
	writeTag(&envelope, "Password", p.password)
	writeTag(&envelope, "ClientId", p.clientId)
	writeTag(&envelope, "Type", txnTypeRefund)
	writeTag(&envelope, "OrderId", request.OrderID)
	if request.RefundAmount > 0 {
		writeTag(&envelope, "Total", provider.FormatAmountDecimal(request.RefundAmount))
		writeTag(&envelope, "Currency", currencyCodeTRY)
	}
	envelope.WriteString("</CC5Request>")

	body, err := p.sendRequest(ctx, envelope.String())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	procReturnCode := provider.ExtractXMLValue(body, "ProcReturnCode")
	success := procReturnCode == approvedReturnCode

	refundResp := &provider.RefundResponse{
		Success:      success,
		OrderID:      request.OrderID,
		RefundAmount: request.RefundAmount,
		SystemTime:   &now,
		RawResponse:  body,
	}

	if success {
		refundResp.Status = "refunded"
		refundResp.Message = "Refund successful"
		refundResp.RefundID = provider.ExtractXMLValue(body, "TransId")
	} else {
		refundResp.Status = "failed"
		refundResp.ErrorCode = procReturnCode
		refundResp.Message = errMessage(body)
	}

	return refundResp, nil
}

// validatePaymentRequest validates the payment request
func (p *IsbankProvider) validatePaymentRequest(request provider.PaymentRequest, is3D bool) error {
	if request.Amount <= 0 {
		return errors.New("amount must be greater than 0")
	}

	if request.Currency == "" {
		return errors.New("currency is required")
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

// calculate3DHash signs the est3Dgate form: base64 of SHA-1 over the fixed
// field order clientid + oid + amount + okUrl + failUrl + islemtipi + taksit +
// rnd + storeKey. The field order is the bank's, not alphabetical.
func (p *IsbankProvider) calculate3DHash(orderId, amount, okURL, failURL, txnType, taksit, rnd string) string {
	plain := p.clientId + orderId + amount + okURL + failURL + txnType + taksit + rnd + p.storeKey
	digest := sha1.Sum([]byte(plain))
	return base64.StdEncoding.EncodeToString(digest[:])
}

// sendRequest posts a CC5Request envelope and returns the raw CC5Response body
func (p *IsbankProvider) sendRequest(ctx context.Context, envelope string) (string, error) {
	httpReq := &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: p.baseURL,
		Body:     envelope,
	}

	resp, err := p.httpClient.SendXML(ctx, httpReq)
	if err != nil {
		return "", fmt.Errorf("isbank: request failed: %w", err)
	}

	return resp.RawBody, nil
}

// mapPaymentResponse maps a CC5Response body to the common PaymentResponse
func (p *IsbankProvider) mapPaymentResponse(body, orderId string, amount float64, currency string) *provider.PaymentResponse {
	now := time.Now()
	paymentResp := &provider.PaymentResponse{
		OrderID:     orderId,
		Amount:      amount,
		Currency:    currency,
		SystemTime:  &now,
		RawResponse: body,
	}

	procReturnCode := provider.ExtractXMLValue(body, "ProcReturnCode")
	success := procReturnCode == approvedReturnCode
	paymentResp.Success = success

	if respOrderId := provider.ExtractXMLValue(body, "OrderId"); respOrderId != "" {
		paymentResp.OrderID = respOrderId
	}

	if success {
		paymentResp.Status = provider.StatusSuccessful
		paymentResp.Message = "Payment successful"
		paymentResp.TransactionID = provider.ExtractXMLValue(body, "TransId")
		paymentResp.AuthCode = provider.ExtractXMLValue(body, "AuthCode")
		paymentResp.RefNumber = provider.ExtractXMLValue(body, "HostRefNum")
	} else {
		paymentResp.Status = provider.StatusFailed
		paymentResp.ErrorCode = procReturnCode
		paymentResp.Message = errMessage(body)
	}

	return paymentResp
}

func errMessage(body string) string {
	if errMsg := provider.ExtractXMLValue(body, "ErrMsg"); errMsg != "" {
		return errMsg
	}
	if response := provider.ExtractXMLValue(body, "Response"); response != "" {
		return response
	}
	return "Payment failed"
}

func writeTag(b *strings.Builder, tag, value string) {
	b.WriteString("<")
	b.WriteString(tag)
	b.WriteString(">")
	b.WriteString(provider.XMLEscape(value))
	b.WriteString("</")
	b.WriteString(tag)
	b.WriteString(">")
}

// expiresField formats the card expiry as MM/YY
func expiresField(month, year string) string {
	if len(year) > 2 {
		year = year[len(year)-2:]
	}
	if len(month) == 1 {
		month = "0" + month
	}
	return month + "/" + year
}

func clientIP(request provider.PaymentRequest) string {
	if request.Customer.IPAddress != "" {
		return request.Customer.IPAddress
	}
	if request.ClientIP != "" {
		return request.ClientIP
	}
	return "127.0.0.1"
}

// generate3DSecureHTML generates the auto-submitting form for est3Dgate
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

func generateRnd() string {
	bytes := make([]byte, 10)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// generateOrderId generates a unique order ID for callers that did not pass one
func generateOrderId() string {
	now := time.Now()
	return "VP" + now.Format("20060102150405") + generateRnd()[:8]
}
