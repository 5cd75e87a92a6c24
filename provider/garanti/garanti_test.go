package garanti

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/odeapay/vpos/provider"
)

func validConfig() map[string]string {
	return map[string]string{
		"merchantId":        "7000679",
		"terminalId":        "30691297",
		"provUserId":        "PROVAUT",
		"provisionPassword": "123qweASD",
		"storeKey":          "12345678",
		"environment":       "sandbox",
	}
}

func validPaymentRequest() provider.PaymentRequest {
	return provider.PaymentRequest{
		OrderID:  "ORD-GRT-1",
		Amount:   10.50,
		Currency: "TRY",
		Customer: provider.Customer{
			Name:    "Test",
			Surname: "Customer",
			Email:   "test@example.com",
		},
		CardInfo: provider.CardInfo{
			CardHolderName: "Test Customer",
			CardNumber:     "4111111111111111",
			ExpireMonth:    "12",
			ExpireYear:     "2030",
			CVV:            "123",
		},
	}
}

func testProvider(t *testing.T) *GarantiProvider {
	t.Helper()
	p := NewProvider().(*GarantiProvider)
	if err := p.Initialize(validConfig()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return p
}

func pointAt(p *GarantiProvider, url string) {
	p.baseURL = url
	p.httpClient = provider.NewProviderHTTPClient(provider.CreateHTTPClientConfig(url, false))
}

type memStore struct {
	states map[string]provider.CallbackState
	next   int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]provider.CallbackState)}
}

func (s *memStore) SaveCallbackState(ctx context.Context, state provider.CallbackState) (string, error) {
	s.next++
	id := "s" + strings.Repeat("1", s.next)
	s.states[id] = state
	return id, nil
}

func (s *memStore) LoadCallbackState(ctx context.Context, stateID string) (*provider.CallbackState, error) {
	state, ok := s.states[stateID]
	if !ok {
		return nil, errors.New("callback state not found")
	}
	return &state, nil
}

func signCallback(storeKey string, data map[string]string, params ...string) {
	var signed strings.Builder
	for _, param := range params {
		signed.WriteString(data[param])
	}
	data["hashparams"] = strings.Join(params, ":")
	data["hashparamsval"] = signed.String()

	signed.WriteString(storeKey)
	digest := sha1.Sum([]byte(signed.String()))
	data["hash"] = base64.StdEncoding.EncodeToString(digest[:])
}

func TestNewProvider(t *testing.T) {
	p := NewProvider()
	if p == nil {
		t.Fatal("NewProvider() returned nil")
	}

	if _, ok := p.(*GarantiProvider); !ok {
		t.Fatal("NewProvider() did not return *GarantiProvider")
	}
}

func TestValidateConfig(t *testing.T) {
	p := NewProvider()

	tests := []struct {
		name    string
		mutate  func(map[string]string)
		wantErr bool
	}{
		{"valid config", func(map[string]string) {}, false},
		{"missing merchantId", func(c map[string]string) { delete(c, "merchantId") }, true},
		{"missing provisionPassword", func(c map[string]string) { delete(c, "provisionPassword") }, true},
		{"terminalId too long", func(c map[string]string) { c["terminalId"] = "1234567890" }, true},
		{"invalid environment", func(c map[string]string) { c["environment"] = "live" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := p.ValidateConfig(config)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHashedPassword(t *testing.T) {
	p := testProvider(t)

	// SHA-1 over provisionPassword + terminalId zero-padded to 9 characters,
	// uppercase hex.
	digest := sha1.Sum([]byte("123qweASD" + "030691297"))
	want := strings.ToUpper(hex.EncodeToString(digest[:]))

	if got := p.hashedPassword(); got != want {
		t.Errorf("hashedPassword() = %q, want %q", got, want)
	}
}

func TestHashedPasswordPadding(t *testing.T) {
	p := testProvider(t)

	p.terminalId = "123"
	withShortId := p.hashedPassword()

	digest := sha1.Sum([]byte(p.provisionPassword + "000000123"))
	want := strings.ToUpper(hex.EncodeToString(digest[:]))
	if withShortId != want {
		t.Errorf("hashedPassword() with short terminal id = %q, want %q", withShortId, want)
	}
}

func TestRequestHashSensitivity(t *testing.T) {
	p := testProvider(t)

	first := p.requestHash("ORD-1" + p.terminalId + "1050" + currencyCodeTRY)
	second := p.requestHash("ORD-1" + p.terminalId + "1050" + currencyCodeTRY)
	if first != second {
		t.Error("hash is not deterministic for identical input")
	}
	if first != strings.ToUpper(first) {
		t.Error("request hash must be uppercase hex")
	}

	if p.requestHash("ORD-1"+p.terminalId+"1051"+currencyCodeTRY) == first {
		t.Error("hash did not change when the amount changed")
	}
}

func TestSecure3DHashSensitivity(t *testing.T) {
	p := testProvider(t)

	first := p.secure3DHash("ORD-1", "1050", "https://cb", "https://cb", txnTypeSale, "")
	if first != p.secure3DHash("ORD-1", "1050", "https://cb", "https://cb", txnTypeSale, "") {
		t.Error("hash is not deterministic for identical input")
	}
	if len(first) != 128 {
		t.Errorf("SHA-512 hex digest length = %d, want 128", len(first))
	}

	if p.secure3DHash("ORD-2", "1050", "https://cb", "https://cb", txnTypeSale, "") == first {
		t.Error("hash did not change when the order id changed")
	}
}

func TestCreatePayment(t *testing.T) {
	var gotBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		_, _ = w.Write([]byte(`<GVPSResponse><Order><OrderID>ORD-GRT-1</OrderID></Order><Transaction><Response><Code>00</Code><ReasonCode>00</ReasonCode><Message>Approved</Message></Response><RetrefNum>227101000527</RetrefNum><AuthCode>701000</AuthCode></Transaction></GVPSResponse>`))
	}))
	defer server.Close()

	p := testProvider(t)
	pointAt(p, server.URL)

	resp, err := p.CreatePayment(context.Background(), validPaymentRequest())
	if err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}

	if !resp.Success || resp.Status != provider.StatusSuccessful {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.TransactionID != "227101000527" || resp.AuthCode != "701000" {
		t.Errorf("response fields not mapped: %+v", resp)
	}

	for _, want := range []string{
		"<GVPSRequest>",
		"<Mode>TEST</Mode>",
		"<MerchantID>7000679</MerchantID>",
		"<ID>30691297</ID>",
		"<Type>sales</Type>",
		"<Amount>1050</Amount>",
		"<CurrencyCode>949</CurrencyCode>",
		"<ExpireDate>1230</ExpireDate>",
		"<MotoInd>N</MotoInd>",
		"<HashData>",
	} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("request envelope missing %s\nenvelope: %s", want, gotBody)
		}
	}
}

func TestCreatePaymentDeclined(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<GVPSResponse><Transaction><Response><ReasonCode>12</ReasonCode><ErrorMsg>Gecersiz islem</ErrorMsg></Response></Transaction></GVPSResponse>`))
	}))
	defer server.Close()

	p := testProvider(t)
	pointAt(p, server.URL)

	resp, err := p.CreatePayment(context.Background(), validPaymentRequest())
	if err != nil {
		t.Fatalf("CreatePayment() error = %v; a decline is a response, not an error", err)
	}
	if resp.Success {
		t.Error("declined payment reported as successful")
	}
	if resp.ErrorCode != "12" || resp.Message != "Gecersiz islem" {
		t.Errorf("decline fields not mapped: %+v", resp)
	}
}

func TestCreatePaymentNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	p := testProvider(t)
	pointAt(p, server.URL)

	_, err := p.CreatePayment(context.Background(), validPaymentRequest())
	if !errors.Is(err, provider.ErrNetwork) {
		t.Errorf("error should wrap ErrNetwork, got: %v", err)
	}
}

func TestCreate3DPayment(t *testing.T) {
	provider.SetCallbackStore(newMemStore())
	defer provider.SetCallbackStore(nil)

	p := testProvider(t)

	req := validPaymentRequest()
	req.CallbackURL = "https://merchant.example.com/done"

	resp, err := p.Create3DPayment(context.Background(), req)
	if err != nil {
		t.Fatalf("Create3DPayment() error = %v", err)
	}

	if !resp.Success || resp.Status != provider.StatusPending {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !strings.Contains(resp.HTML, p.gatewayURL) {
		t.Error("HTML form does not post to gt3dengine")
	}

	params, ok := resp.RawResponse.(map[string]string)
	if !ok {
		t.Fatal("RawResponse should carry the form params")
	}
	if params["secure3dsecuritylevel"] != "3D_PAY" {
		t.Errorf("secure3dsecuritylevel = %q", params["secure3dsecuritylevel"])
	}
	if !strings.Contains(params["successurl"], "/callback/garanti?state=") {
		t.Errorf("successurl does not route through the callback endpoint: %q", params["successurl"])
	}
	if params["txnamount"] != "1050" {
		t.Errorf("txnamount = %q, want minor units", params["txnamount"])
	}

	wantHash := p.secure3DHash(params["orderid"], params["txnamount"], params["successurl"], params["errorurl"], txnTypeSale, params["txninstallmentcount"])
	if params["secure3dhash"] != wantHash {
		t.Error("form hash does not match the signed field set")
	}
}

func TestVerifyCallback(t *testing.T) {
	p := testProvider(t)

	makeCallback := func() map[string]string {
		data := map[string]string{
			"orderid":        "ORD-CB-1",
			"mdstatus":       "1",
			"procreturncode": "00",
			"transid":        "TX-CB-1",
		}
		signCallback(p.storeKey, data, "orderid", "mdstatus", "procreturncode")
		return data
	}

	t.Run("valid callback", func(t *testing.T) {
		if !p.VerifyCallback(makeCallback()) {
			t.Error("VerifyCallback() = false for a correctly signed callback")
		}
	})

	t.Run("tampered field", func(t *testing.T) {
		data := makeCallback()
		data["procreturncode"] = "00"
		data["mdstatus"] = "7"
		if p.VerifyCallback(data) {
			t.Error("VerifyCallback() = true for a tampered callback")
		}
	})

	t.Run("declined transaction", func(t *testing.T) {
		data := map[string]string{
			"orderid":        "ORD-CB-2",
			"mdstatus":       "1",
			"procreturncode": "12",
		}
		signCallback(p.storeKey, data, "orderid", "mdstatus", "procreturncode")
		if p.VerifyCallback(data) {
			t.Error("VerifyCallback() = true for a declined transaction")
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		data := makeCallback()
		delete(data, "hash")
		if p.VerifyCallback(data) {
			t.Error("VerifyCallback() = true without a signature")
		}
	})
}

func TestComplete3DPayment(t *testing.T) {
	p := testProvider(t)

	state := &provider.CallbackState{
		OrderID:  "ORD-3D-1",
		Provider: "garanti",
		Amount:   10.50,
		Currency: "TRY",
	}

	data := map[string]string{
		"orderid":        "ORD-3D-1",
		"mdstatus":       "1",
		"procreturncode": "00",
		"transid":        "TX-3D-1",
		"authcode":       "701001",
	}
	signCallback(p.storeKey, data, "orderid", "mdstatus", "procreturncode", "transid")

	resp, err := p.Complete3DPayment(context.Background(), state, data)
	if err != nil {
		t.Fatalf("Complete3DPayment() error = %v", err)
	}
	if !resp.Success || resp.TransactionID != "TX-3D-1" || resp.AuthCode != "701001" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestComplete3DPaymentForgery(t *testing.T) {
	p := testProvider(t)

	state := &provider.CallbackState{OrderID: "ORD-3D-2", Provider: "garanti"}
	data := map[string]string{
		"orderid":        "ORD-3D-2",
		"mdstatus":       "1",
		"procreturncode": "00",
		"hashparams":     "orderid:mdstatus:procreturncode",
		"hash":           "bogus",
	}

	_, err := p.Complete3DPayment(context.Background(), state, data)
	if !errors.Is(err, provider.ErrCallbackForgery) {
		t.Errorf("error should wrap ErrCallbackForgery, got: %v", err)
	}
}

func TestRefundPayment(t *testing.T) {
	var gotBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`<GVPSResponse><Transaction><Response><ReasonCode>00</ReasonCode></Response><RetrefNum>227101000528</RetrefNum></Transaction></GVPSResponse>`))
	}))
	defer server.Close()

	p := testProvider(t)
	pointAt(p, server.URL)

	resp, err := p.RefundPayment(context.Background(), provider.RefundRequest{
		OrderID:      "ORD-RF-1",
		RefundAmount: 5.25,
	})
	if err != nil {
		t.Fatalf("RefundPayment() error = %v", err)
	}
	if !resp.Success || resp.RefundID != "227101000528" {
		t.Errorf("unexpected response: %+v", resp)
	}

	for _, want := range []string{
		"<Type>refund</Type>",
		"<Amount>525</Amount>",
		"<ProvUserID>PROVRFN</ProvUserID>",
	} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("refund envelope missing %s\nenvelope: %s", want, gotBody)
		}
	}
}

func TestRefundPaymentRequiresAmount(t *testing.T) {
	p := testProvider(t)
	if _, err := p.RefundPayment(context.Background(), provider.RefundRequest{OrderID: "ORD-RF-2"}); err == nil {
		t.Fatal("RefundPayment() without an amount should fail")
	}
}

func TestCancelPayment(t *testing.T) {
	var gotBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`<GVPSResponse><Transaction><Response><ReasonCode>00</ReasonCode></Response></Transaction></GVPSResponse>`))
	}))
	defer server.Close()

	p := testProvider(t)
	pointAt(p, server.URL)

	resp, err := p.CancelPayment(context.Background(), provider.CancelRequest{
		OrderID:       "ORD-CN-1",
		TransactionID: "227101000529",
	})
	if err != nil {
		t.Fatalf("CancelPayment() error = %v", err)
	}
	if !resp.Success || resp.Status != "cancelled" {
		t.Errorf("unexpected response: %+v", resp)
	}

	if !strings.Contains(gotBody, "<Type>void</Type>") {
		t.Errorf("cancel envelope missing void type: %s", gotBody)
	}
	if !strings.Contains(gotBody, "<OriginalRetrefNum>227101000529</OriginalRetrefNum>") {
		t.Errorf("cancel envelope missing the original reference: %s", gotBody)
	}
}
