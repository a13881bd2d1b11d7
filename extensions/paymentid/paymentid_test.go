package paymentid

import (
	"context"
	"strings"
	"testing"

	x402 "github.com/x402labs/go-x402"
)

func TestGeneratePaymentID(t *testing.T) {
	id := GeneratePaymentID("")
	if !strings.HasPrefix(id, "pay_") {
		t.Errorf("id = %q, want default prefix", id)
	}
	if !IsValidPaymentID(id) {
		t.Errorf("generated id %q must validate", id)
	}
	if GeneratePaymentID("") == id {
		t.Error("identifiers must not repeat")
	}

	custom := GeneratePaymentID("order_")
	if !strings.HasPrefix(custom, "order_") {
		t.Errorf("id = %q", custom)
	}
}

func TestIsValidPaymentID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"generated", GeneratePaymentID(""), true},
		{"minimum length", strings.Repeat("a", MinIDLength), true},
		{"too short", strings.Repeat("a", MinIDLength-1), false},
		{"too long", strings.Repeat("a", MaxIDLength+1), false},
		{"hyphens and underscores", "pay_abc-123_DEF-456", true},
		{"whitespace", "pay 0123456789abcdef", false},
		{"punctuation", "pay.0123456789abcdef", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidPaymentID(tt.id); got != tt.want {
				t.Errorf("IsValidPaymentID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestPayloadFingerprint(t *testing.T) {
	payload := x402.PaymentPayload{
		X402Version: 2,
		Payload:     map[string]interface{}{"signature": "0xsigned"},
	}
	first, err := PayloadFingerprint(payload)
	if err != nil {
		t.Fatal(err)
	}
	second, err := PayloadFingerprint(payload)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("equal payloads must fingerprint identically")
	}

	payload.Payload["signature"] = "0xother"
	changed, err := PayloadFingerprint(payload)
	if err != nil {
		t.Fatal(err)
	}
	if changed == first {
		t.Error("different payloads must fingerprint differently")
	}
}

func TestExtractPaymentID(t *testing.T) {
	id := GeneratePaymentID("")
	payload := x402.PaymentPayload{
		Extensions: map[string]interface{}{Key: Extension{Info: Info{Required: true, ID: id}}},
	}
	got, err := ExtractPaymentID(payload)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != id {
		t.Errorf("id = %q, want %q", got, id)
	}

	if got, err := ExtractPaymentID(x402.PaymentPayload{}); err != nil || got != "" {
		t.Errorf("absent extension: id = %q, err = %v", got, err)
	}

	malformed := x402.PaymentPayload{
		Extensions: map[string]interface{}{Key: Extension{Info: Info{ID: "bad id!"}}},
	}
	if _, err := ExtractPaymentID(malformed); err == nil {
		t.Error("malformed identifiers must be rejected")
	}
}

func TestServerDeclares(t *testing.T) {
	declared := NewServerExtension(true).Declare(context.Background(), x402.ResourceConfig{})
	ext, ok := declared.(Extension)
	if !ok {
		t.Fatalf("declared type = %T", declared)
	}
	if !ext.Info.Required {
		t.Error("declaration must carry the requirement flag")
	}
	if ext.Info.ID != "" {
		t.Error("the server never declares an identifier")
	}
}

func TestClientAttachesIdentifier(t *testing.T) {
	client := NewClientExtension("")
	client.newID = func() string { return "pay_fixed0123456789" }
	required := x402.PaymentRequired{
		Extensions: map[string]interface{}{Key: Extension{Info: Info{Required: true}}},
	}

	payload, err := client.EnrichPaymentPayload(context.Background(), x402.PaymentPayload{X402Version: 2}, required)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	id, err := ExtractPaymentID(payload)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if id != "pay_fixed0123456789" {
		t.Errorf("id = %q", id)
	}
}

func TestClientSkipsUndeclared(t *testing.T) {
	payload, err := NewClientExtension("").EnrichPaymentPayload(context.Background(), x402.PaymentPayload{}, x402.PaymentRequired{})
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if payload.Extensions != nil {
		t.Error("payload must stay untouched when the server did not declare the extension")
	}
}

func TestFacilitatorCheckPayload(t *testing.T) {
	withID := x402.PaymentPayload{
		Extensions: map[string]interface{}{Key: Extension{Info: Info{ID: GeneratePaymentID("")}}},
	}
	withoutID := x402.PaymentPayload{X402Version: 2}
	malformed := x402.PaymentPayload{
		Extensions: map[string]interface{}{Key: Extension{Info: Info{ID: "short"}}},
	}

	tests := []struct {
		name     string
		required bool
		payload  x402.PaymentPayload
		rejected bool
	}{
		{"required and present", true, withID, false},
		{"required and absent", true, withoutID, true},
		{"optional and absent", false, withoutID, false},
		{"optional but malformed", false, malformed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewFacilitatorExtension(tt.required)
			response := gate.CheckPayload(context.Background(), tt.payload, x402.PaymentRequirements{})
			if tt.rejected {
				if response == nil {
					t.Fatal("expected rejection")
				}
				if response.InvalidReason != x402.ReasonInvalidPayload {
					t.Errorf("reason = %q", response.InvalidReason)
				}
			} else if response != nil {
				t.Errorf("unexpected rejection: %+v", response)
			}
		})
	}
}
