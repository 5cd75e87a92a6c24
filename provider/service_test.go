package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type mockProvider struct {
	initialized bool
	lastConfig  map[string]string
}

func (m *mockProvider) Initialize(config map[string]string) error {
	m.initialized = true
	m.lastConfig = config
	return nil
}

func (m *mockProvider) GetRequiredConfig(environment string) []ConfigField {
	return []ConfigField{
		{Key: "apiKey", Required: true, Type: "string"},
		{Key: "environment", Required: true, Type: "string", Pattern: "^(sandbox|production)$"},
	}
}

func (m *mockProvider) ValidateConfig(config map[string]string) error {
	return ValidateConfigFields("mock", config, m.GetRequiredConfig(config["environment"]))
}

func (m *mockProvider) CreatePayment(ctx context.Context, request PaymentRequest) (*PaymentResponse, error) {
	return &PaymentResponse{Success: true, Status: StatusSuccessful, OrderID: request.OrderID}, nil
}

func (m *mockProvider) Create3DPayment(ctx context.Context, request PaymentRequest) (*PaymentResponse, error) {
	return &PaymentResponse{Success: true, Status: StatusPending, HTML: "<form></form>"}, nil
}

func (m *mockProvider) Complete3DPayment(ctx context.Context, state *CallbackState, data map[string]string) (*PaymentResponse, error) {
	return &PaymentResponse{Success: true, Status: StatusSuccessful, OrderID: state.OrderID}, nil
}

func (m *mockProvider) VerifyCallback(data map[string]string) bool { return true }

func (m *mockProvider) CancelPayment(ctx context.Context, request CancelRequest) (*CancelResponse, error) {
	return &CancelResponse{Success: true, OrderID: request.OrderID}, nil
}

func (m *mockProvider) RefundPayment(ctx context.Context, request RefundRequest) (*RefundResponse, error) {
	return &RefundResponse{Success: true, OrderID: request.OrderID}, nil
}

func registerMock(t *testing.T, name string) *mockProvider {
	t.Helper()
	m := &mockProvider{}
	Register(name, func() PaymentProvider { return m })
	return m
}

func validMockConfig() map[string]string {
	return map[string]string{"apiKey": "key", "environment": "sandbox"}
}

func TestAddProvider(t *testing.T) {
	m := registerMock(t, "mockbank")
	service := NewPaymentService(nil)

	if err := service.AddProvider("mockbank", validMockConfig()); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}
	if !m.initialized {
		t.Error("provider was not initialized")
	}
}

func TestAddProviderInvalidConfig(t *testing.T) {
	registerMock(t, "mockbank-invalid")
	service := NewPaymentService(nil)

	err := service.AddProvider("mockbank-invalid", map[string]string{"environment": "sandbox"})
	if err == nil {
		t.Fatal("AddProvider() with missing apiKey should fail")
	}
}

func TestAddProviderUnregistered(t *testing.T) {
	service := NewPaymentService(nil)
	if err := service.AddProvider("no-such-bank", validMockConfig()); err == nil {
		t.Fatal("AddProvider() with unregistered provider should fail")
	}
}

func TestCreatePaymentUnknownProvider(t *testing.T) {
	registerMock(t, "mockbank-known")
	service := NewPaymentService(nil)
	if err := service.AddProvider("mockbank-known", validMockConfig()); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}

	_, err := service.CreatePayment(context.Background(), "unknown-bank", PaymentRequest{})
	if err == nil {
		t.Fatal("CreatePayment() with unknown provider should fail")
	}
	if !strings.Contains(err.Error(), "unknown-bank") {
		t.Errorf("error should name the unknown provider, got: %v", err)
	}
}

func TestCreatePaymentCaseInsensitiveName(t *testing.T) {
	registerMock(t, "mockbank-case")
	service := NewPaymentService(nil)
	if err := service.AddProvider("MockBank-Case", validMockConfig()); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}

	resp, err := service.CreatePayment(context.Background(), "MOCKBANK-CASE", PaymentRequest{OrderID: "ORD-C"})
	if err != nil {
		t.Fatalf("CreatePayment() with differently cased name error = %v", err)
	}
	if !resp.Success {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestProviderNamesSorted(t *testing.T) {
	registerMock(t, "mockbank-zz")
	registerMock(t, "mockbank-aa")
	service := NewPaymentService(nil)
	for _, name := range []string{"mockbank-zz", "mockbank-aa"} {
		if err := service.AddProvider(name, validMockConfig()); err != nil {
			t.Fatalf("AddProvider(%s) error = %v", name, err)
		}
	}

	names := service.ProviderNames()
	if len(names) != 2 || names[0] != "mockbank-aa" || names[1] != "mockbank-zz" {
		t.Errorf("ProviderNames() = %v, want sorted order", names)
	}
}

func TestCreatePaymentNoDefault(t *testing.T) {
	service := NewPaymentService(nil)
	_, err := service.CreatePayment(context.Background(), "", PaymentRequest{})
	if err == nil {
		t.Fatal("CreatePayment() with no provider and no default should fail")
	}
}

func TestDefaultProvider(t *testing.T) {
	registerMock(t, "mockbank-default")
	service := NewPaymentService(nil)
	if err := service.AddProvider("mockbank-default", validMockConfig()); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}

	if err := service.SetDefaultProvider("missing"); err == nil {
		t.Error("SetDefaultProvider() with unknown provider should fail")
	}

	if err := service.SetDefaultProvider("mockbank-default"); err != nil {
		t.Fatalf("SetDefaultProvider() error = %v", err)
	}

	resp, err := service.CreatePayment(context.Background(), "", PaymentRequest{OrderID: "ORD-1"})
	if err != nil {
		t.Fatalf("CreatePayment() via default provider error = %v", err)
	}
	if !resp.Success || resp.OrderID != "ORD-1" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

type memStore struct {
	states map[string]CallbackState
	next   int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]CallbackState)}
}

func (s *memStore) SaveCallbackState(ctx context.Context, state CallbackState) (string, error) {
	s.next++
	id := "state-" + string(rune('0'+s.next))
	s.states[id] = state
	return id, nil
}

func (s *memStore) LoadCallbackState(ctx context.Context, stateID string) (*CallbackState, error) {
	state, ok := s.states[stateID]
	if !ok {
		return nil, errors.New("callback state not found")
	}
	delete(s.states, stateID)
	return &state, nil
}

func TestComplete3DPaymentProviderMismatch(t *testing.T) {
	registerMock(t, "mockbank-3d")
	service := NewPaymentService(nil)
	if err := service.AddProvider("mockbank-3d", validMockConfig()); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}

	store := newMemStore()
	SetCallbackStore(store)
	defer SetCallbackStore(nil)

	stateID, err := store.SaveCallbackState(context.Background(), CallbackState{
		OrderID:  "ORD-3D",
		Provider: "mockbank-3d",
	})
	if err != nil {
		t.Fatalf("SaveCallbackState() error = %v", err)
	}

	_, err = service.Complete3DPayment(context.Background(), "other-bank", stateID, nil)
	if err == nil {
		t.Fatal("Complete3DPayment() with mismatched provider should fail")
	}
}

func TestComplete3DPayment(t *testing.T) {
	registerMock(t, "mockbank-3d-ok")
	service := NewPaymentService(nil)
	if err := service.AddProvider("mockbank-3d-ok", validMockConfig()); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}

	store := newMemStore()
	SetCallbackStore(store)
	defer SetCallbackStore(nil)

	stateID, err := store.SaveCallbackState(context.Background(), CallbackState{
		OrderID:  "ORD-3D-OK",
		Provider: "mockbank-3d-ok",
	})
	if err != nil {
		t.Fatalf("SaveCallbackState() error = %v", err)
	}

	resp, err := service.Complete3DPayment(context.Background(), "", stateID, map[string]string{"mdStatus": "1"})
	if err != nil {
		t.Fatalf("Complete3DPayment() error = %v", err)
	}
	if resp.OrderID != "ORD-3D-OK" {
		t.Errorf("OrderID = %q, want ORD-3D-OK", resp.OrderID)
	}
}

func TestCreateCallbackURL(t *testing.T) {
	store := newMemStore()
	SetCallbackStore(store)
	defer SetCallbackStore(nil)

	url, err := CreateCallbackURL(context.Background(), "https://pay.example.com", "akbank", CallbackState{
		OrderID:  "ORD-CB",
		Provider: "akbank",
	})
	if err != nil {
		t.Fatalf("CreateCallbackURL() error = %v", err)
	}
	if !strings.HasPrefix(url, "https://pay.example.com/callback/akbank?state=") {
		t.Errorf("unexpected callback URL: %q", url)
	}
}

func TestCreateCallbackURLNoStore(t *testing.T) {
	SetCallbackStore(nil)
	if _, err := CreateCallbackURL(context.Background(), "http://localhost", "akbank", CallbackState{}); err == nil {
		t.Fatal("CreateCallbackURL() without a store should fail")
	}
}
