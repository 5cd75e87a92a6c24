package garanti

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
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
	apiSandboxURL    = "https://sanalposprovtest.garantibbva.com.tr/VPServlet"
	apiProductionURL = "https://sanalposprov.garanti.com.tr/VPServlet"

	// 3D Secure gateway
	gatewaySandbox3DURL    = "https://sanalposprovtest.garantibbva.com.tr/servlet/gt3dengine"
	gatewayProduction3DURL = "https://sanalposprov.garanti.com.tr/servlet/gt3dengine"

	// Transaction types
	txnTypeSale   = "sales"
	txnTypeVoid   = "void"
	txnTypeRefund = "refund"

	// Currency Codes
	currencyCodeTRY = "949"

	apiVersion       = "v0.01"
	approvedCode     = "00"
	terminalIDLength = 9
)

// GarantiProvider implements the provider.PaymentProvider interface for
// Garanti BBVA. Every provision call posts a GVPSRequest envelope with nested
// Terminal, Customer, Card, Order and Transaction sections; the terminal
// password never travels in clear but as the SHA-1 hashed-password that also
// seeds the per-request hash. 3D payments go through gt3dengine with a SHA-512
// signed form.
type GarantiProvider struct {
	merchantId        string
	terminalId        string
	provUserId        string
	provisionPassword string
	storeKey          string
	baseURL           string
	gatewayURL        string
	serviceBaseURL    string
	isProduction      bool
	httpClient        *provider.ProviderHTTPClient
}

// NewProvider creates a new Garanti payment provider
func NewProvider() provider.PaymentProvider {
	return &GarantiProvider{}
}

// GetRequiredConfig returns the configuration fields required for Garanti
func (p *GarantiProvider) GetRequiredConfig(environment string) []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "merchantId",
			Required:    true,
			Type:        "string",
			Description: "Garanti merchant number (provided by Garanti)",
			Example:     "7000679",
			MinLength:   6,
			MaxLength:   20,
		},
		{
			Key:         "terminalId",
			Required:    true,
			Type:        "string",
			Description: "Garanti terminal ID (provided by Garanti)",
			Example:     "30691297",
			MinLength:   6,
			MaxLength:   9,
		},
		{
			Key:         "provUserId",
			Required:    true,
			Type:        "string",
			Description: "Garanti provision user (PROVAUT)",
			Example:     "PROVAUT",
			MinLength:   3,
			MaxLength:   20,
		},
		{
			Key:         "provisionPassword",
			Required:    true,
			Type:        "string",
			Description: "Garanti provision user password (provided by Garanti)",
			MinLength:   6,
			MaxLength:   50,
		},
		{
			Key:         "storeKey",
			Required:    true,
			Type:        "string",
			Description: "Garanti 3D Secure store key (provided by Garanti)",
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

// ValidateConfig validates the provided configuration against Garanti requirements
func (p *GarantiProvider) ValidateConfig(config map[string]string) error {
	requiredFields := p.GetRequiredConfig(config["environment"])
	return provider.ValidateConfigFields("garanti", config, requiredFields)
}

// Initialize sets up the Garanti payment provider with authentication credentials
func (p *GarantiProvider) Initialize(conf map[string]string) error {
	p.merchantId = conf["merchantId"]
	p.terminalId = conf["terminalId"]
	p.provUserId = conf["provUserId"]
	p.provisionPassword = conf["provisionPassword"]
	p.storeKey = conf["storeKey"]

	if p.merchantId == "" || p.terminalId == "" || p.provUserId == "" || p.provisionPassword == "" || p.storeKey == "" {
		return errors.New("garanti: merchantId, terminalId, provUserId, provisionPassword and storeKey are required")
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
func (p *GarantiProvider) CreatePayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	if err := p.validatePaymentRequest(request, false); err != nil {
		return nil, fmt.Errorf("garanti: invalid payment request: %w", err)
	}

	orderId := request.OrderID
	if orderId == "" {
		orderId = generateOrderId()
	}

	amount := provider.FormatAmountMinorUnits(request.Amount, 2)
	cardNumber := strings.ReplaceAll(request.CardInfo.CardNumber, " ", "")
	hashData := p.requestHash(orderId + p.terminalId + cardNumber + amount + currencyCodeTRY)

	expYear := request.CardInfo.ExpireYear
	if len(expYear) > 2 {
		expYear = expYear[len(expYear)-2:]
	}
	expMonth := request.CardInfo.ExpireMonth
	if len(expMonth) == 1 {
		expMonth = "0" + expMonth
	}

	installment := ""
	if request.InstallmentCount > 1 {
		installment = strconv.Itoa(request.InstallmentCount)
	}

	var envelope strings.Builder
	envelope.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	envelope.WriteString("<GVPSRequest>")
	writeTag(&envelope, "Mode", p.mode())
	writeTag(&envelope, "Version", apiVersion)
	envelope.WriteString("<Terminal>")
	writeTag(&envelope, "ProvUserID", p.provUserId)
	writeTag(&envelope, "HashData", hashData)
	writeTag(&envelope, "UserID", p.provUserId)
	writeTag(&envelope, "ID", p.terminalId)
	writeTag(&envelope, "MerchantID", p.merchantId)
	envelope.WriteString("</Terminal>")
	envelope.WriteString("<Customer>")
	writeTag(&envelope, "IPAddress", clientIP(request))
	writeTag(&envelope, "EmailAddress", request.Customer.Email)
	envelope.WriteString("</Customer>")
	envelope.WriteString("<Card>")
	writeTag(&envelope, "Number", cardNumber)
	writeTag(&envelope, "ExpireDate", expMonth+expYear)
	writeTag(&envelope, "CVV2", request.CardInfo.CVV)
	envelope.WriteString("</Card>")
	envelope.WriteString("<Order>")
	writeTag(&envelope, "OrderID", orderId)
	envelope.WriteString("</Order>")
	envelope.WriteString("<Transaction>")
	writeTag(&envelope, "Type", txnTypeSale)
	writeTag(&envelope, "InstallmentCnt", installment)
	writeTag(&envelope, "Amount", amount)
	writeTag(&envelope, "CurrencyCode", currencyCodeTRY)
	writeTag(&envelope, "MotoInd", "N")
	envelope.WriteString("</Transaction>")
	envelope.WriteString("</GVPSRequest>")

	body, err := p.sendRequest(ctx, envelope.String())
	if err != nil {
		return nil, err
	}

	return p.mapPaymentResponse(body, orderId, request.Amount, request.Currency), nil
}

// Create3DPayment prepares the gt3dengine form. The form is signed with the
// SHA-512 secure3dhash; no network call happens here.
func (p *GarantiProvider) Create3DPayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	if err := p.validatePaymentRequest(request, true); err != nil {
		return nil, fmt.Errorf("garanti: invalid 3D payment request: %w", err)
	}

	orderId := request.OrderID
	if orderId == "" {
		orderId = generateOrderId()
	}

	state := provider.CallbackState{
		OrderID:          orderId,
		Provider:         "garanti",
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

	callbackURL, err := provider.CreateCallbackURL(ctx, p.serviceBaseURL, "garanti", state)
	if err != nil {
		return nil, fmt.Errorf("garanti: %w", err)
	}

	amount := provider.FormatAmountMinorUnits(request.Amount, 2)
	installment := ""
	if request.InstallmentCount > 1 {
		installment = strconv.Itoa(request.InstallmentCount)
	}

	expYear := request.CardInfo.ExpireYear
	if len(expYear) > 2 {
		expYear = expYear[len(expYear)-2:]
	}
	expMonth := request.CardInfo.ExpireMonth
	if len(expMonth) == 1 {
		expMonth = "0" + expMonth
	}

	secure3dHash := p.secure3DHash(orderId, amount, callbackURL, callbackURL, txnTypeSale, installment)

	params := map[string]string{
		"secure3dsecuritylevel": "3D_PAY",
		"mode":                  p.mode(),
		"apiversion":            apiVersion,
		"terminalprovuserid":    p.provUserId,
		"terminaluserid":        p.provUserId,
		"terminalmerchantid":    p.merchantId,
		"terminalid":            p.terminalId,
		"orderid":               orderId,
		"customeremailaddress":  request.Customer.Email,
		"customeripaddress":     clientIP(request),
		"txnamount":             amount,
		"txncurrencycode":       currencyCodeTRY,
		"txninstallmentcount":   installment,
		"txntype":               txnTypeSale,
		"successurl":            callbackURL,
		"errorurl":              callbackURL,
		"cardnumber":            strings.ReplaceAll(request.CardInfo.CardNumber, " ", ""),
		"cardexpiredatemonth":   expMonth,
		"cardexpiredateyear":    expYear,
		"cardcvv2":              request.CardInfo.CVV,
		"secure3dhash":          secure3dHash,
	}

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

// Complete3DPayment consumes the gateway's redirect-back fields. The signature
// is checked through the same path as VerifyCallback before any field is
// trusted.
func (p *GarantiProvider) Complete3DPayment(ctx context.Context, callbackState *provider.CallbackState, data map[string]string) (*provider.PaymentResponse, error) {
	if !p.verifySignature(data) {
		return nil, fmt.Errorf("garanti: %w", provider.ErrCallbackForgery)
	}

	orderId := data["orderid"]
	if orderId != "" && orderId != callbackState.OrderID {
		return nil, fmt.Errorf("garanti: callback order mismatch: got '%s', expected '%s'", orderId, callbackState.OrderID)
	}

	mdStatus := data["mdstatus"]
	procReturnCode := data["procreturncode"]
	success := mdStatusAuthenticated(mdStatus) && procReturnCode == approvedCode

	now := time.Now()
	response := &provider.PaymentResponse{
		Success:       success,
		OrderID:       callbackState.OrderID,
		TransactionID: data["transid"],
		AuthCode:      data["authcode"],
		RefNumber:     data["hostrefnum"],
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
		response.ErrorCode = procReturnCode
		if errMsg := data["errmsg"]; errMsg != "" {
			response.Message = errMsg
		} else if mdErr := data["mderrormessage"]; mdErr != "" {
			response.Message = mdErr
		} else {
			response.Message = "3D payment failed"
		}
	}

	return response, nil
}

// VerifyCallback recomputes the hashparams signature from the callback's own
// fields and checks the authentication status.
func (p *GarantiProvider) VerifyCallback(data map[string]string) bool {
	if !p.verifySignature(data) {
		return false
	}
	return mdStatusAuthenticated(data["mdstatus"]) && data["procreturncode"] == approvedCode
}

// verifySignature validates the gt3dengine callback: hashparams names the
// signed fields in order, and the signature is SHA-1 over their concatenated
// values plus the store key, base64 encoded.
func (p *GarantiProvider) verifySignature(data map[string]string) bool {
	receivedHash := data["hash"]
	hashParams := data["hashparams"]
	if receivedHash == "" || hashParams == "" {
		logger.Warn("Callback rejected: missing signature", logger.LogContext{
			Provider: "garanti",
			OrderID:  data["orderid"],
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

	if paramsVal, ok := data["hashparamsval"]; ok && paramsVal != signed.String() {
		logger.Error("Callback rejected: hashparamsval mismatch", nil, logger.LogContext{
			Provider: "garanti",
			OrderID:  data["orderid"],
		})
		return false
	}

	signed.WriteString(p.storeKey)
	digest := sha1.Sum([]byte(signed.String()))
	expectedHash := base64.StdEncoding.EncodeToString(digest[:])

	if !strings.EqualFold(receivedHash, expectedHash) {
		logger.Error("Callback rejected: signature mismatch", nil, logger.LogContext{
			Provider: "garanti",
			OrderID:  data["orderid"],
			Fields:   map[string]any{"mdstatus": data["mdstatus"]},
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
func (p *GarantiProvider) CancelPayment(ctx context.Context, request provider.CancelRequest) (*provider.CancelResponse, error) {
	if request.OrderID == "" {
		return nil, errors.New("garanti: orderId is required")
	}

	body, err := p.sendProvisionAdjustment(ctx, txnTypeVoid, request.OrderID, "", request.TransactionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	reasonCode := provider.ExtractXMLValue(body, "ReasonCode")
	success := reasonCode == approvedCode

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
		cancelResp.ErrorCode = reasonCode
		cancelResp.Message = errMessage(body)
	}

	return cancelResp, nil
}

// RefundPayment issues a refund. Garanti requires an explicit amount; a zero
// RefundAmount is rejected rather than guessed.
func (p *GarantiProvider) RefundPayment(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	if request.OrderID == "" {
		return nil, errors.New("garanti: orderId is required for refund")
	}
	if request.RefundAmount <= 0 {
		return nil, errors.New("garanti: refund amount must be greater than 0")
	}

	amount := provider.FormatAmountMinorUnits(request.RefundAmount, 2)
	body, err := p.sendProvisionAdjustment(ctx, txnTypeRefund, request.OrderID, amount, request.TransactionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	reasonCode := provider.ExtractXMLValue(body, "ReasonCode")
	success := reasonCode == approvedCode

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
		refundResp.RefundID = provider.ExtractXMLValue(body, "RetrefNum")
	} else {
		refundResp.Status = "failed"
		refundResp.ErrorCode = reasonCode
		refundResp.Message = errMessage(body)
	}

	return refundResp, nil
}

// sendProvisionAdjustment posts a void or refund envelope. Adjustments carry
// no card section; the hash covers the order, terminal and amount fields.
func (p *GarantiProvider) sendProvisionAdjustment(ctx context.Context, txnType, orderId, amount, retrefNum string) (string, error) {
	hashData := p.requestHash(orderId + p.terminalId + amount + currencyCodeTRY)

	var envelope strings.Builder
	envelope.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	envelope.WriteString("<GVPSRequest>")
	writeTag(&envelope, "Mode", p.mode())
	writeTag(&envelope, "Version", apiVersion)
	envelope.WriteString("<Terminal>")
	writeTag(&envelope, "ProvUserID", "PROVRFN")
	writeTag(&envelope, "HashData", hashData)
	writeTag(&envelope, "UserID", p.provUserId)
	writeTag(&envelope, "ID", p.terminalId)
	writeTag(&envelope, "MerchantID", p.merchantId)
	envelope.WriteString("</Terminal>")
	envelope.WriteString("<Order>")
	writeTag(&envelope, "OrderID", orderId)
	envelope.WriteString("</Order>")
	envelope.WriteString("<Transaction>")
	writeTag(&envelope, "Type", txnType)
	if amount != "" {
		writeTag(&envelope, "Amount", amount)
		writeTag(&envelope, "CurrencyCode", currencyCodeTRY)
	}
	if retrefNum != "" {
		writeTag(&envelope, "OriginalRetrefNum", retrefNum)
	}
	envelope.WriteString("</Transaction>")
	envelope.WriteString("</GVPSRequest>")

	return p.sendRequest(ctx, envelope.String())
}

// validatePaymentRequest validates the payment request
func (p *GarantiProvider) validatePaymentRequest(request provider.PaymentRequest, is3D bool) error {
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

// hashedPassword derives the terminal password hash that seeds every request
// hash: SHA-1 over the provision password plus the terminal ID left-padded
// with zeros to 9 characters, uppercase hex.
func (p *GarantiProvider) hashedPassword() string {
	paddedTerminalId := p.terminalId
	for len(paddedTerminalId) < terminalIDLength {
		paddedTerminalId = "0" + paddedTerminalId
	}

	digest := sha1.Sum([]byte(p.provisionPassword + paddedTerminalId))
	return strings.ToUpper(hex.EncodeToString(digest[:]))
}

// requestHash signs a provision request: SHA-256 over the per-operation field
// tuple plus the hashed password, uppercase hex.
func (p *GarantiProvider) requestHash(fields string) string {
	digest := sha256.Sum256([]byte(fields + p.hashedPassword()))
	return strings.ToUpper(hex.EncodeToString(digest[:]))
}

// secure3DHash signs the gt3dengine form: SHA-512 over the fixed field order
// plus the store key and hashed password, uppercase hex.
func (p *GarantiProvider) secure3DHash(orderId, amount, successURL, errorURL, txnType, installment string) string {
	plain := p.terminalId + orderId + amount + currencyCodeTRY + successURL + errorURL + txnType + installment + p.storeKey + p.hashedPassword()
	digest := sha512.Sum512([]byte(plain))
	return strings.ToUpper(hex.EncodeToString(digest[:]))
}

func (p *GarantiProvider) mode() string {
	if p.isProduction {
		return "PROD"
	}
	return "TEST"
}

// sendRequest posts a GVPSRequest envelope and returns the raw GVPSResponse body
func (p *GarantiProvider) sendRequest(ctx context.Context, envelope string) (string, error) {
	httpReq := &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: p.baseURL,
		Body:     envelope,
	}

	resp, err := p.httpClient.SendXML(ctx, httpReq)
	if err != nil {
		return "", fmt.Errorf("garanti: request failed: %w", err)
	}

	return resp.RawBody, nil
}

// mapPaymentResponse maps a GVPSResponse body to the common PaymentResponse
func (p *GarantiProvider) mapPaymentResponse(body, orderId string, amount float64, currency string) *provider.PaymentResponse {
	now := time.Now()
	paymentResp := &provider.PaymentResponse{
		OrderID:     orderId,
		Amount:      amount,
		Currency:    currency,
		SystemTime:  &now,
		RawResponse: body,
	}

	reasonCode := provider.ExtractXMLValue(body, "ReasonCode")
	success := reasonCode == approvedCode
	paymentResp.Success = success

	if respOrderId := provider.ExtractXMLValue(body, "OrderID"); respOrderId != "" {
		paymentResp.OrderID = respOrderId
	}

	if success {
		paymentResp.Status = provider.StatusSuccessful
		paymentResp.Message = "Payment successful"
		paymentResp.TransactionID = provider.ExtractXMLValue(body, "RetrefNum")
		paymentResp.AuthCode = provider.ExtractXMLValue(body, "AuthCode")
		paymentResp.RefNumber = provider.ExtractXMLValue(body, "RetrefNum")
	} else {
		paymentResp.Status = provider.StatusFailed
		paymentResp.ErrorCode = reasonCode
		paymentResp.Message = errMessage(body)
	}

	return paymentResp
}

func errMessage(body string) string {
	if errMsg := provider.ExtractXMLValue(body, "ErrorMsg"); errMsg != "" {
		return errMsg
	}
	if sysErr := provider.ExtractXMLValue(body, "SysErrMsg"); sysErr != "" {
		return sysErr
	}
	if message := provider.ExtractXMLValue(body, "Message"); message != "" {
		return message
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

func clientIP(request provider.PaymentRequest) string {
	if request.Customer.IPAddress != "" {
		return request.Customer.IPAddress
	}
	if request.ClientIP != "" {
		return request.ClientIP
	}
	return "127.0.0.1"
}

// generate3DSecureHTML generates the auto-submitting form for gt3dengine
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

// generateOrderId generates a unique order ID for callers that did not pass one
func generateOrderId() string {
	now := time.Now()
	return "VP" + now.Format("20060102150405") + fmt.Sprintf("%06d", now.Nanosecond()/1000)
}
