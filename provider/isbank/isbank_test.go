package isbank

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
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
		"clientId":    "700655000100",
		"username":    "ISBANKAPI",
		"password":    "ISBANK123",
		"storeKey":    "TRPS0200",
		"environment": "sandbox",
	}
}

func validPaymentRequest() provider.PaymentRequest {
	return provider.PaymentRequest{
		OrderID:  "ORD-ISB-1",
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

func testProvider(t *testing.T) *IsbankProvider {
	t.Helper()
	p := NewProvider().(*IsbankProvider)
	if err := p.Initialize(validConfig()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return p
}

func pointAt(p *IsbankProvider, url string) {
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

// signCallback signs callback data the way est3Dgate does: SHA-1 over the
// HASHPARAMS field values plus the store key, base64 encoded.
func signCallback(storeKey string, data map[string]string, params ...string) {
	var signed strings.Builder
	for _, param := range params {
		signed.WriteString(data[param])
	}
	data["HASHPARAMS"] = strings.Join(params, ":")
	data["HASHPARAMSVAL"] = signed.String()

	signed.WriteString(storeKey)
	digest := sha1.Sum([]byte(signed.String()))
	data["HASH"] = base64.StdEncoding.EncodeToString(digest[:])
}

func TestNewProvider(t *testing.T) {
	p := NewProvider()
	if p == nil {
		t.Fatal("NewProvider() returned nil")
	}

	if _, ok := p.(*IsbankProvider); !ok {
		t.Fatal("NewProvider() did not return *IsbankProvider")
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
		{"missing clientId", func(c map[string]string) { delete(c, "clientId") }, true},
		{"missing storeKey", func(c map[string]string) { delete(c, "storeKey") }, true},
		{"empty password", func(c map[string]string) { c["password"] = "" }, true},
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

func TestInitializeEnvironments(t *testing.T) {
	p := NewProvider().(*IsbankProvider)
	config := validConfig()
	if err := p.Initialize(config); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if p.baseURL != apiSandboxURL || p.gatewayURL != gatewaySandbox3DURL {
		t.Errorf("sandbox URLs = %q, %q", p.baseURL, p.gatewayURL)
	}

	config["environment"] = "production"
	if err := p.Initialize(config); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if p.baseURL != apiProductionURL || p.gatewayURL != gatewayProduction3DURL {
		t.Errorf("production URLs = %q, %q", p.baseURL, p.gatewayURL)
	}
}

func TestCalculate3DHash(t *testing.T) {
	p := testProvider(t)

	first := p.calculate3DHash("ORD-1", "10.50", "https://cb", "https://cb", "Auth", "", "rnd123")
	second := p.calculate3DHash("ORD-1", "10.50", "https://cb", "https://cb", "Auth", "", "rnd123")
	if first != second {
		t.Error("hash is not deterministic for identical input")
	}

	changed := p.calculate3DHash("ORD-1", "10.51", "https://cb", "https://cb", "Auth", "", "rnd123")
	if changed == first {
		t.Error("hash did not change when the amount changed")
	}

	// The field order is fixed by the bank; the hash must be reproducible from
	// the plain concatenation.
	plain := p.clientId + "ORD-1" + "10.50" + "https://cb" + "https://cb" + "Auth" + "" + "rnd123" + p.storeKey
	digest := sha1.Sum([]byte(plain))
	if first != base64.StdEncoding.EncodeToString(digest[:]) {
		t.Error("hash does not match the documented field order")
	}
}

func TestCreatePayment(t *testing.T) {
	var gotBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		_, _ = w.Write([]byte(`<CC5Response><OrderId>ORD-ISB-1</OrderId><Response>Approved</Response><ProcReturnCode>00</ProcReturnCode><TransId>TX-ISB-1</TransId><AuthCode>654321</AuthCode><HostRefNum>REF-1</HostRefNum></CC5Response>`))
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
	if resp.TransactionID != "TX-ISB-1" || resp.AuthCode != "654321" || resp.RefNumber != "REF-1" {
		t.Errorf("response fields not mapped: %+v", resp)
	}

	for _, want := range []string{
		"<Type>Auth</Type>",
		"<OrderId>ORD-ISB-1</OrderId>",
		"<Total>10.50</Total>",
		"<Currency>949</Currency>",
		"<Expires>12/30</Expires>",
	} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("request envelope missing %s\nenvelope: %s", want, gotBody)
		}
	}
}

func TestCreatePaymentDeclined(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<CC5Response><Response>Declined</Response><ProcReturnCode>99</ProcReturnCode><ErrMsg>Genel Hata</ErrMsg></CC5Response>`))
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
	if resp.ErrorCode != "99" || resp.Message != "Genel Hata" {
		t.Errorf("decline fields not mapped: %+v", resp)
	}
}

func TestCreatePaymentMissingReturnCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>Service Unavailable</html>`))
	}))
	defer server.Close()

	p := testProvider(t)
	pointAt(p, server.URL)

	resp, err := p.CreatePayment(context.Background(), validPaymentRequest())
	if err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	if resp.Success {
		t.Error("a response without a ProcReturnCode must never read as approved")
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
		t.Error("HTML form does not post to est3Dgate")
	}

	params, ok := resp.RawResponse.(map[string]string)
	if !ok {
		t.Fatal("RawResponse should carry the form params")
	}
	if params["storetype"] != "3d_pay" {
		t.Errorf("storetype = %q", params["storetype"])
	}
	if !strings.Contains(params["okurl"], "/callback/isbank?state=") {
		t.Errorf("okurl does not route through the callback endpoint: %q", params["okurl"])
	}

	wantHash := p.calculate3DHash(params["oid"], params["amount"], params["okurl"], params["failUrl"], "Auth", params["taksit"], params["rnd"])
	if params["hash"] != wantHash {
		t.Error("form hash does not match the signed field set")
	}
}

func TestVerifyCallback(t *testing.T) {
	p := testProvider(t)

	makeCallback := func() map[string]string {
		data := map[string]string{
			"oid":      "ORD-CB-1",
			"mdStatus": "1",
			"Response": "Approved",
			"TransId":  "TX-CB-1",
			"clientid": p.clientId,
		}
		signCallback(p.storeKey, data, "clientid", "oid", "mdStatus", "Response")
		return data
	}

	t.Run("valid callback", func(t *testing.T) {
		if !p.VerifyCallback(makeCallback()) {
			t.Error("VerifyCallback() = false for a correctly signed callback")
		}
	})

	t.Run("tampered field", func(t *testing.T) {
		data := makeCallback()
		data["mdStatus"] = "5"
		if p.VerifyCallback(data) {
			t.Error("VerifyCallback() = true for a tampered callback")
		}
	})

	t.Run("hashparamsval mismatch", func(t *testing.T) {
		data := makeCallback()
		data["HASHPARAMSVAL"] = "something-else"
		if p.VerifyCallback(data) {
			t.Error("VerifyCallback() = true despite HASHPARAMSVAL disagreement")
		}
	})

	t.Run("failed authentication", func(t *testing.T) {
		data := map[string]string{
			"oid":      "ORD-CB-2",
			"mdStatus": "0",
			"Response": "Declined",
		}
		signCallback(p.storeKey, data, "oid", "mdStatus", "Response")
		if p.VerifyCallback(data) {
			t.Error("VerifyCallback() = true for mdStatus 0")
		}
	})

	t.Run("half-secure mdStatus accepted", func(t *testing.T) {
		data := map[string]string{
			"oid":      "ORD-CB-3",
			"mdStatus": "4",
			"Response": "Approved",
		}
		signCallback(p.storeKey, data, "oid", "mdStatus", "Response")
		if !p.VerifyCallback(data) {
			t.Error("VerifyCallback() = false for mdStatus 4")
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		data := makeCallback()
		delete(data, "HASH")
		if p.VerifyCallback(data) {
			t.Error("VerifyCallback() = true without a signature")
		}
	})
}

func TestComplete3DPayment(t *testing.T) {
	p := testProvider(t)

	state := &provider.CallbackState{
		OrderID:  "ORD-3D-1",
		Provider: "isbank",
		Amount:   10.50,
		Currency: "TRY",
	}

	data := map[string]string{
		"oid":      "ORD-3D-1",
		"mdStatus": "1",
		"Response": "Approved",
		"TransId":  "TX-3D-1",
		"AuthCode": "112233",
	}
	signCallback(p.storeKey, data, "oid", "mdStatus", "Response", "TransId")

	resp, err := p.Complete3DPayment(context.Background(), state, data)
	if err != nil {
		t.Fatalf("Complete3DPayment() error = %v", err)
	}
	if !resp.Success || resp.TransactionID != "TX-3D-1" || resp.AuthCode != "112233" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestComplete3DPaymentForgery(t *testing.T) {
	p := testProvider(t)

	state := &provider.CallbackState{OrderID: "ORD-3D-2", Provider: "isbank"}
	data := map[string]string{
		"oid":        "ORD-3D-2",
		"mdStatus":   "1",
		"Response":   "Approved",
		"HASHPARAMS": "oid:mdStatus:Response",
		"HASH":       "bogus",
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
		_, _ = w.Write([]byte(`<CC5Response><Response>Approved</Response><ProcReturnCode>00</ProcReturnCode><TransId>TX-RF-1</TransId></CC5Response>`))
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
	if !resp.Success || resp.RefundID != "TX-RF-1" {
		t.Errorf("unexpected response: %+v", resp)
	}

	if !strings.Contains(gotBody, "<Type>Credit</Type>") {
		t.Errorf("refund envelope missing Credit type: %s", gotBody)
	}
	if !strings.Contains(gotBody, "<Total>5.25</Total>") {
		t.Errorf("partial refund envelope missing Total: %s", gotBody)
	}
}

func TestRefundPaymentFullAmount(t *testing.T) {
	var gotBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`<CC5Response><Response>Approved</Response><ProcReturnCode>00</ProcReturnCode></CC5Response>`))
	}))
	defer server.Close()

	p := testProvider(t)
	pointAt(p, server.URL)

	if _, err := p.RefundPayment(context.Background(), provider.RefundRequest{OrderID: "ORD-RF-2"}); err != nil {
		t.Fatalf("RefundPayment() error = %v", err)
	}
	if strings.Contains(gotBody, "<Total>") {
		t.Errorf("full refund must omit the Total field: %s", gotBody)
	}
}

func TestCancelPayment(t *testing.T) {
	var gotBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`<CC5Response><Response>Approved</Response><ProcReturnCode>00</ProcReturnCode></CC5Response>`))
	}))
	defer server.Close()

	p := testProvider(t)
	pointAt(p, server.URL)

	resp, err := p.CancelPayment(context.Background(), provider.CancelRequest{OrderID: "ORD-CN-1"})
	if err != nil {
		t.Fatalf("CancelPayment() error = %v", err)
	}
	if !resp.Success || resp.Status != "cancelled" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !strings.Contains(gotBody, "<Type>Void</Type>") {
		t.Errorf("cancel envelope missing Void type: %s", gotBody)
	}
}

func TestXMLEscapingInEnvelope(t *testing.T) {
	var gotBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`<CC5Response><Response>Approved</Response><ProcReturnCode>00</ProcReturnCode></CC5Response>`))
	}))
	defer server.Close()

	p := testProvider(t)
	pointAt(p, server.URL)

	req := validPaymentRequest()
	req.Customer.Email = "a&b<c>@example.com"

	if _, err := p.CreatePayment(context.Background(), req); err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	if !strings.Contains(gotBody, "a&amp;b&lt;c&gt;@example.com") {
		t.Errorf("special characters not escaped in envelope: %s", gotBody)
	}
}
