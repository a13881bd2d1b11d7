package x402http

import (
	"fmt"
	"regexp"

	x402 "github.com/x402labs/go-x402"
)

// Tolerates both standard and URL-safe alphabets; the decoder settles which.
var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/_-]+={0,2}$`)

// ExtractPaymentHeader pulls the payment header off a request, preferring
// X-PAYMENT and falling back to the legacy bare PAYMENT name.
func ExtractPaymentHeader(adapter HTTPAdapter) string {
	if v := adapter.GetHeader(x402.PaymentHeader); v != "" {
		return v
	}
	return adapter.GetHeader(x402.PaymentHeaderLegacy)
}

// ValidateAndDecodePaymentHeader validates shape before decoding so malformed
// headers yield a descriptive message instead of a JSON error.
func ValidateAndDecodePaymentHeader(header string) (x402.PaymentPayload, error) {
	if header == "" {
		return x402.PaymentPayload{}, fmt.Errorf("payment header is empty")
	}
	if !base64Pattern.MatchString(header) {
		return x402.PaymentPayload{}, fmt.Errorf("payment header is not valid base64")
	}
	payload, err := x402.DecodePaymentHeader(header)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	if err := x402.ValidatePaymentPayload(payload); err != nil {
		return x402.PaymentPayload{}, err
	}
	return payload, nil
}
