package x402http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	x402 "github.com/x402labs/go-x402"
)

func verifyRequestBody(t *testing.T) ([]byte, []byte) {
	t.Helper()
	requirements := x402.PaymentRequirements{
		Scheme:  "exact",
		Network: x402.NetworkBase,
		Asset:   "0xA0b8",
		PayTo:   testPayTo,
		Amount:  "10000",
	}
	payload := x402.PaymentPayload{
		X402Version: x402.X402Version2,
		Accepted:    &requirements,
		Payload:     map[string]interface{}{"signature": "0xsigned"},
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	requirementsBytes, err := json.Marshal(requirements)
	if err != nil {
		t.Fatal(err)
	}
	return payloadBytes, requirementsBytes
}

func TestHTTPFacilitatorClientVerify(t *testing.T) {
	var received x402.VerifyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true, Payer: "0x857b"})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	payloadBytes, requirementsBytes := verifyRequestBody(t)
	response, err := client.Verify(context.Background(), payloadBytes, requirementsBytes)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !response.IsValid || response.Payer != "0x857b" {
		t.Errorf("response = %+v", response)
	}
	if received.X402Version != x402.X402Version2 {
		t.Errorf("request version = %d", received.X402Version)
	}
	if len(received.PaymentPayload) == 0 || len(received.PaymentRequirements) == 0 {
		t.Error("request must carry payload and requirements")
	}
}

func TestHTTPFacilitatorClientVerifyRejection(t *testing.T) {
	// Facilitators answer invalid payments with a 4xx status but a
	// structured body; the reason must come through, not an error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(x402.InvalidVerify(x402.ReasonInsufficientFunds, nil))
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	payloadBytes, requirementsBytes := verifyRequestBody(t)
	response, err := client.Verify(context.Background(), payloadBytes, requirementsBytes)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if response.IsValid || response.InvalidReason != x402.ReasonInsufficientFunds {
		t.Errorf("response = %+v", response)
	}
}

func TestHTTPFacilitatorClientVerifyServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	payloadBytes, requirementsBytes := verifyRequestBody(t)
	if _, err := client.Verify(context.Background(), payloadBytes, requirementsBytes); err == nil {
		t.Error("non-JSON error bodies must surface as errors")
	}
}

func TestHTTPFacilitatorClientSettle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(x402.SettleResponse{Success: true, Transaction: "0xabc", Network: x402.NetworkBase})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	payloadBytes, requirementsBytes := verifyRequestBody(t)
	response, err := client.Settle(context.Background(), payloadBytes, requirementsBytes)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !response.Success || response.Transaction != "0xabc" {
		t.Errorf("response = %+v", response)
	}
}

func TestHTTPFacilitatorClientGetSupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/supported" || r.Method != http.MethodGet {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(x402.SupportedResponse{
			Kinds: []x402.SupportedKind{{X402Version: 2, Scheme: "exact", Network: x402.NetworkBase}},
		})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	supported, err := client.GetSupported(context.Background())
	if err != nil {
		t.Fatalf("supported: %v", err)
	}
	if len(supported.Kinds) != 1 || supported.Kinds[0].Scheme != "exact" {
		t.Errorf("supported = %+v", supported)
	}
}

func TestHTTPFacilitatorClientAuthHeaders(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL:          server.URL,
		AuthProvider: staticAuth{token: "Bearer verify-token"},
	})
	payloadBytes, requirementsBytes := verifyRequestBody(t)
	if _, err := client.Verify(context.Background(), payloadBytes, requirementsBytes); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if gotAuth != "Bearer verify-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

type staticAuth struct{ token string }

func (a staticAuth) GetAuthHeaders(ctx context.Context) (AuthHeaders, error) {
	return AuthHeaders{Verify: map[string]string{"Authorization": a.token}}, nil
}
