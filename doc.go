// Package vpos is a virtual-POS payment gateway for Turkish banks. It puts
// the bank-specific protocols (JSON transaction APIs, CC5/GVP XML envelopes,
// hosted 3D Secure pages, signed callbacks) behind one provider interface so
// applications integrate once and switch banks by configuration.
//
// # Architecture
//
// Each bank lives in its own package under provider/ and registers itself
// through a blank import:
//
//	import (
//	    "github.com/odeapay/vpos/provider"
//	    _ "github.com/odeapay/vpos/provider/akbank"
//	)
//
//	service := provider.NewPaymentService(nil)
//	err := service.AddProvider("akbank", map[string]string{
//	    "merchantSafeId": "...",
//	    "terminalSafeId": "...",
//	    "secretKey":      "...",
//	    "environment":    "sandbox",
//	})
//
//	resp, err := service.CreatePayment(ctx, "akbank", provider.PaymentRequest{
//	    Amount:   100.50,
//	    Currency: "TRY",
//	    Customer: provider.Customer{Name: "John", Surname: "Doe", Email: "john@example.com"},
//	    CardInfo: provider.CardInfo{
//	        CardNumber:  "4111111111111111",
//	        ExpireMonth: "12",
//	        ExpireYear:  "2030",
//	        CVV:         "123",
//	    },
//	})
//
// # 3D Secure
//
// Create3DPayment returns an auto-submitting HTML form targeting the bank's
// hosted authentication page. The bank redirects the cardholder back to
// /callback/{provider}?state=..., where the signed parameters are verified
// and the payment is completed with Complete3DPayment. Callback state is
// single-use and expires after 30 minutes.
//
// # Supported banks
//
//   - Akbank (JSON transaction API)
//   - İşbank (EST / CC5 XML)
//   - Garanti (GVP XML)
//
// # HTTP API
//
// cmd/ wires the service into a REST API:
//
//	POST /v1/payments/{provider}          non-3D sale
//	POST /v1/payments/{provider}/3d       start 3D Secure
//	POST /v1/payments/{provider}/cancel   same-day void
//	POST /v1/payments/{provider}/refund   refund (partial or full)
//	GET  /v1/providers                    configured banks
//
// Credentials come from environment variables named after each provider's
// required config keys, upper-cased and joined with the provider name:
// AKBANK_MERCHANTSAFEID, ISBANK_STOREKEY, GARANTI_TERMINALID, ...
//
// To add a new bank, implement provider.PaymentProvider under
// provider/{bank}/ and register it in that package's register.go.
package vpos
