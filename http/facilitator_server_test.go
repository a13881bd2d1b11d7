package x402http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	x402 "github.com/x402labs/go-x402"
)

type echoSchemeFacilitator struct{}

func (echoSchemeFacilitator) Scheme() string { return "exact" }

func (echoSchemeFacilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	return &x402.VerifyResponse{IsValid: true, Payer: "0x857b"}, nil
}

func (echoSchemeFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	return &x402.SettleResponse{Success: true, Transaction: "0xabc", Network: requirements.Network, Payer: "0x857b"}, nil
}

func (echoSchemeFacilitator) GetExtra(network x402.Network) map[string]interface{} { return nil }
func (echoSchemeFacilitator) GetSigners(network x402.Network) []string             { return []string{"0xfee"} }

func facilitatorTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	facilitator := x402.NewFacilitator().Register(x402.X402Version2, x402.Network("eip155:*"), echoSchemeFacilitator{})
	server := httptest.NewServer(NewFacilitatorServer(facilitator).Handler())
	t.Cleanup(server.Close)
	return server
}

func envelope(t *testing.T) []byte {
	t.Helper()
	payloadBytes, requirementsBytes := verifyRequestBody(t)
	body, err := json.Marshal(x402.VerifyRequest{
		X402Version:         x402.X402Version2,
		PaymentPayload:      payloadBytes,
		PaymentRequirements: requirementsBytes,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestFacilitatorServerVerify(t *testing.T) {
	server := facilitatorTestServer(t)

	resp, err := http.Post(server.URL+"/verify", "application/json", bytes.NewReader(envelope(t)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var verify x402.VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verify); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !verify.IsValid || verify.Payer != "0x857b" {
		t.Errorf("verify = %+v", verify)
	}
}

func TestFacilitatorServerVerifyBadEnvelope(t *testing.T) {
	server := facilitatorTestServer(t)

	resp, err := http.Post(server.URL+"/verify", "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var verify x402.VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verify); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if verify.IsValid || verify.InvalidReason != x402.ReasonInvalidPayload {
		t.Errorf("verify = %+v", verify)
	}
}

func TestFacilitatorServerSettle(t *testing.T) {
	server := facilitatorTestServer(t)

	resp, err := http.Post(server.URL+"/settle", "application/json", bytes.NewReader(envelope(t)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var settle x402.SettleResponse
	if err := json.NewDecoder(resp.Body).Decode(&settle); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !settle.Success || settle.Transaction != "0xabc" {
		t.Errorf("settle = %+v", settle)
	}
}

func TestFacilitatorServerSupported(t *testing.T) {
	server := facilitatorTestServer(t)

	resp, err := http.Get(server.URL + "/supported")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var supported x402.SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supported); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(supported.Kinds) != 1 || supported.Kinds[0].Network != x402.Network("eip155:*") {
		t.Errorf("supported = %+v", supported)
	}
}

func TestFacilitatorEndToEnd(t *testing.T) {
	// A resource service pointed at a real HTTP facilitator: challenge,
	// pay, verify, settle.
	facilitatorServer := facilitatorTestServer(t)
	facilitatorClient := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: facilitatorServer.URL})

	service := NewService(testRoutes(),
		x402.WithFacilitatorClient(facilitatorClient),
		x402.WithSchemeServer(x402.Network("eip155:*"), stubSchemeServer{}),
	)
	if err := service.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	resourceServer := httptest.NewServer(Middleware(service)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("premium content"))
	})))
	defer resourceServer.Close()

	client := NewPaymentClient(paymentClient(), nil)
	resp, err := client.Get(context.Background(), resourceServer.URL+"/premium")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	settle, err := GetSettleResponse(resp)
	if err != nil {
		t.Fatalf("settle response: %v", err)
	}
	if !settle.Success || settle.Payer != "0x857b" {
		t.Errorf("settle = %+v", settle)
	}
}
