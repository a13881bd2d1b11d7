package x402http

import (
	"context"
	"fmt"
	"testing"

	x402 "github.com/x402labs/go-x402"
)

const testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

type stubSchemeServer struct{}

func (stubSchemeServer) Scheme() string { return "exact" }

func (stubSchemeServer) ParsePrice(price x402.Price, network x402.Network) (x402.AssetAmount, error) {
	switch p := price.(type) {
	case string:
		return x402.AssetAmount{Asset: "0xA0b8", Amount: "10000"}, nil
	case x402.AssetAmount:
		return p, nil
	default:
		return x402.AssetAmount{}, fmt.Errorf("unsupported price %T", price)
	}
}

func (stubSchemeServer) EnhancePaymentRequirements(ctx context.Context, requirements *x402.PaymentRequirements, kind x402.SupportedKind, extensions []string) error {
	return nil
}

type stubFacilitator struct {
	verifyResponse *x402.VerifyResponse
	verifyErr      error
	settleResponse *x402.SettleResponse
	settleErr      error

	verifyCalls int
	settleCalls int
}

func (f *stubFacilitator) Verify(ctx context.Context, payload, requirements []byte) (*x402.VerifyResponse, error) {
	f.verifyCalls++
	if f.verifyResponse == nil && f.verifyErr == nil {
		return &x402.VerifyResponse{IsValid: true, Payer: "0x857b"}, nil
	}
	return f.verifyResponse, f.verifyErr
}

func (f *stubFacilitator) Settle(ctx context.Context, payload, requirements []byte) (*x402.SettleResponse, error) {
	f.settleCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.settleResponse == nil && f.settleErr == nil {
		return &x402.SettleResponse{Success: true, Transaction: "0xabc", Network: x402.NetworkBase, Payer: "0x857b"}, nil
	}
	return f.settleResponse, f.settleErr
}

func (f *stubFacilitator) GetSupported(ctx context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{Kinds: []x402.SupportedKind{
		{X402Version: 2, Scheme: "exact", Network: x402.NetworkBase},
		{X402Version: 1, Scheme: "exact", Network: x402.NetworkBase},
	}}, nil
}

type fakeAdapter struct {
	headers map[string]string
	method  string
	path    string
	url     string
}

func (a *fakeAdapter) GetHeader(name string) string { return a.headers[name] }
func (a *fakeAdapter) GetMethod() string            { return a.method }
func (a *fakeAdapter) GetPath() string              { return a.path }
func (a *fakeAdapter) GetURL() string               { return a.url }
func (a *fakeAdapter) GetAcceptHeader() string      { return a.headers["Accept"] }
func (a *fakeAdapter) GetUserAgent() string         { return a.headers["User-Agent"] }

func testRoutes() RoutesConfig {
	return RoutesConfig{
		"GET /premium": {Network: x402.NetworkBase, PayTo: testPayTo, Price: "$0.01", Description: "premium data"},
		"/any-method":  {Network: x402.NetworkBase, PayTo: testPayTo, Price: "$0.01"},
		"GET /docs/*":  {Network: x402.NetworkBase, PayTo: testPayTo, Price: "$0.01"},
	}
}

func newTestService(t *testing.T, facilitator x402.FacilitatorClient) *Service {
	t.Helper()
	service := NewService(testRoutes(),
		x402.WithFacilitatorClient(facilitator),
		x402.WithSchemeServer(x402.Network("eip155:*"), stubSchemeServer{}),
	)
	if err := service.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return service
}

func requestContext(method, path string, headers map[string]string) HTTPRequestContext {
	if headers == nil {
		headers = map[string]string{}
	}
	url := "https://api.example.com" + path
	return HTTPRequestContext{
		Adapter: &fakeAdapter{headers: headers, method: method, path: path, url: url},
		Method:  method,
		Path:    path,
		URL:     url,
	}
}

// paymentHeaderFor builds a payload echoing the service's own challenge, the
// way a conforming client would.
func paymentHeaderFor(t *testing.T, service *Service, reqCtx HTTPRequestContext) string {
	t.Helper()
	result := service.ProcessHTTPRequest(context.Background(), reqCtx)
	if result.Type != ResultPaymentRequired {
		t.Fatalf("expected a challenge, got %v", result.Type)
	}
	required := result.PaymentRequired
	accepted := required.Accepts[0]
	payload := x402.PaymentPayload{
		X402Version: x402.X402Version2,
		Accepted:    &accepted,
		Resource:    required.Resource,
		Payload:     map[string]interface{}{"signature": "0xsigned"},
	}
	header, err := x402.EncodePaymentHeader(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return header
}

func TestFindRoute(t *testing.T) {
	service := NewService(testRoutes())

	cases := []struct {
		method, path string
		want         bool
	}{
		{"GET", "/premium", true},
		{"POST", "/premium", false},
		{"GET", "/free", false},
		{"POST", "/any-method", true},
		{"DELETE", "/any-method", true},
		{"GET", "/docs", true},
		{"GET", "/docs/v1/page", true},
		{"GET", "/docsextra", false},
	}
	for _, c := range cases {
		if _, ok := service.FindRoute(c.method, c.path); ok != c.want {
			t.Errorf("FindRoute(%s %s) = %v, want %v", c.method, c.path, ok, c.want)
		}
	}
}

func TestProcessRequestUnpricedRoute(t *testing.T) {
	service := newTestService(t, &stubFacilitator{})

	result := service.ProcessHTTPRequest(context.Background(), requestContext("GET", "/free", nil))
	if result.Type != ResultNoPaymentRequired {
		t.Errorf("type = %v", result.Type)
	}
}

func TestProcessRequestChallenge(t *testing.T) {
	service := newTestService(t, &stubFacilitator{})

	result := service.ProcessHTTPRequest(context.Background(), requestContext("GET", "/premium", nil))
	if result.Type != ResultPaymentRequired {
		t.Fatalf("type = %v", result.Type)
	}
	required := result.PaymentRequired
	if required.X402Version != x402.X402Version2 {
		t.Errorf("version = %d", required.X402Version)
	}
	if len(required.Accepts) == 0 {
		t.Fatal("challenge offers no payment options")
	}
	if required.Accepts[0].PayTo != testPayTo || required.Accepts[0].Amount != "10000" {
		t.Errorf("accepts[0] = %+v", required.Accepts[0])
	}
	if required.Resource == nil || required.Resource.URL != "https://api.example.com/premium" {
		t.Errorf("resource = %+v", required.Resource)
	}
}

func TestProcessRequestMalformedHeader(t *testing.T) {
	service := newTestService(t, &stubFacilitator{})

	result := service.ProcessHTTPRequest(context.Background(), requestContext("GET", "/premium", map[string]string{
		x402.PaymentHeader: "definitely not base64!!!",
	}))
	if result.Type != ResultPaymentRequired {
		t.Fatalf("type = %v", result.Type)
	}
	if result.PaymentRequired.Error == "" {
		t.Error("challenge should explain the malformed header")
	}
}

func TestProcessRequestVerified(t *testing.T) {
	facilitator := &stubFacilitator{}
	service := newTestService(t, facilitator)
	reqCtx := requestContext("GET", "/premium", nil)
	header := paymentHeaderFor(t, service, reqCtx)

	paid := requestContext("GET", "/premium", map[string]string{x402.PaymentHeader: header})
	result := service.ProcessHTTPRequest(context.Background(), paid)
	if result.Type != ResultPaymentVerified {
		t.Fatalf("type = %v, verify = %+v", result.Type, result.VerifyResponse)
	}
	if facilitator.verifyCalls != 1 {
		t.Errorf("verify calls = %d", facilitator.verifyCalls)
	}
	if facilitator.settleCalls != 0 {
		t.Error("verification must not settle")
	}
	if result.Requirements.PayTo != testPayTo {
		t.Errorf("requirements = %+v", result.Requirements)
	}
}

func TestProcessRequestLegacyHeaderName(t *testing.T) {
	service := newTestService(t, &stubFacilitator{})
	reqCtx := requestContext("GET", "/premium", nil)
	header := paymentHeaderFor(t, service, reqCtx)

	paid := requestContext("GET", "/premium", map[string]string{x402.PaymentHeaderLegacy: header})
	result := service.ProcessHTTPRequest(context.Background(), paid)
	if result.Type != ResultPaymentVerified {
		t.Errorf("type = %v", result.Type)
	}
}

func TestProcessRequestRejectedPayment(t *testing.T) {
	facilitator := &stubFacilitator{
		verifyResponse: x402.InvalidVerify(x402.ReasonInsufficientFunds, map[string]interface{}{
			"available": "0", "cost": "10000", "unit": "base units",
		}),
	}
	service := newTestService(t, facilitator)
	reqCtx := requestContext("GET", "/premium", nil)
	header := paymentHeaderFor(t, service, reqCtx)

	paid := requestContext("GET", "/premium", map[string]string{x402.PaymentHeader: header})
	result := service.ProcessHTTPRequest(context.Background(), paid)
	if result.Type != ResultPaymentInvalid {
		t.Fatalf("type = %v", result.Type)
	}
	if result.VerifyResponse.InvalidReason != x402.ReasonInsufficientFunds {
		t.Errorf("reason = %q", result.VerifyResponse.InvalidReason)
	}
	if result.PaymentRequired == nil || result.PaymentRequired.Error == "" {
		t.Error("rejection must carry a fresh challenge with the error")
	}
}

func TestProcessRequestTamperedEcho(t *testing.T) {
	// Echoed requirements that match nothing the server offers are rejected
	// before any facilitator call.
	facilitator := &stubFacilitator{}
	service := newTestService(t, facilitator)

	tampered := x402.PaymentRequirements{
		Scheme:  "exact",
		Network: x402.NetworkBase,
		Asset:   "0xA0b8",
		PayTo:   testPayTo,
		Amount:  "1",
	}
	payload := x402.PaymentPayload{
		X402Version: x402.X402Version2,
		Accepted:    &tampered,
		Payload:     map[string]interface{}{"signature": "0xsigned"},
	}
	header, err := x402.EncodePaymentHeader(payload)
	if err != nil {
		t.Fatal(err)
	}

	result := service.ProcessHTTPRequest(context.Background(), requestContext("GET", "/premium", map[string]string{x402.PaymentHeader: header}))
	if result.Type != ResultPaymentInvalid {
		t.Fatalf("type = %v", result.Type)
	}
	if result.VerifyResponse.InvalidReason != x402.ReasonNoMatchingRequirements {
		t.Errorf("reason = %q", result.VerifyResponse.InvalidReason)
	}
	if facilitator.verifyCalls != 0 {
		t.Error("facilitator must not see unmatched payloads")
	}
}

func TestProcessSettlement(t *testing.T) {
	facilitator := &stubFacilitator{}
	service := newTestService(t, facilitator)
	reqCtx := requestContext("GET", "/premium", nil)
	header := paymentHeaderFor(t, service, reqCtx)

	paid := requestContext("GET", "/premium", map[string]string{x402.PaymentHeader: header})
	result := service.ProcessHTTPRequest(context.Background(), paid)
	if result.Type != ResultPaymentVerified {
		t.Fatalf("type = %v", result.Type)
	}

	settle, encoded, err := service.ProcessSettlement(context.Background(), result.Payload, result.Requirements)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settle.Success || facilitator.settleCalls != 1 {
		t.Errorf("settle = %+v, calls = %d", settle, facilitator.settleCalls)
	}
	decoded, err := x402.DecodeSettleHeader(encoded)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if decoded.Transaction != "0xabc" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestChallengeForRoute(t *testing.T) {
	service := newTestService(t, &stubFacilitator{})
	reqCtx := requestContext("GET", "/premium", nil)

	required := service.ChallengeForRoute(context.Background(), x402.X402Version2, reqCtx, "settlement failed")
	if required.Error != "settlement failed" {
		t.Errorf("error = %q", required.Error)
	}
	if len(required.Accepts) == 0 {
		t.Error("challenge must still price the route")
	}
}
