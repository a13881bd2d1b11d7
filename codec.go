package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Header names used on the wire. PaymentHeaderLegacy predates the protocol's
// X- prefix and is still accepted on inbound requests.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentHeaderLegacy   = "PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// versionProbe pulls only the version field so routing can happen before the
// full payload shape is known.
type versionProbe struct {
	X402Version int `json:"x402Version"`
}

// DetectVersion extracts x402Version from raw JSON bytes.
func DetectVersion(raw []byte) (int, error) {
	var p versionProbe
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, fmt.Errorf("detecting x402 version: %w", err)
	}
	if p.X402Version == 0 {
		return 0, fmt.Errorf("missing x402Version field")
	}
	return p.X402Version, nil
}

// EncodePaymentHeader serializes a PaymentPayload into the base64 form
// carried by the X-PAYMENT header.
func EncodePaymentHeader(payload PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader decodes an X-PAYMENT header value into a
// PaymentPayload. Both standard and URL-safe base64 alphabets are accepted;
// v1 payloads get their network alias normalized to CAIP-2.
func DecodePaymentHeader(header string) (PaymentPayload, error) {
	raw, err := decodeBase64(header)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("decoding payment header: %w", err)
	}
	return DecodePaymentPayload(raw)
}

// DecodePaymentPayload parses raw payload JSON, normalizing v1 network
// aliases.
func DecodePaymentPayload(raw []byte) (PaymentPayload, error) {
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return PaymentPayload{}, fmt.Errorf("parsing payment payload: %w", err)
	}
	if payload.Network != "" {
		n, err := ParseNetwork(string(payload.Network))
		if err != nil {
			return PaymentPayload{}, err
		}
		payload.Network = n
	}
	return payload, nil
}

// EncodeSettleHeader serializes a SettleResponse into the base64 form
// carried by the X-PAYMENT-RESPONSE header.
func EncodeSettleHeader(response SettleResponse) (string, error) {
	data, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("encoding settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettleHeader decodes an X-PAYMENT-RESPONSE header value.
func DecodeSettleHeader(header string) (SettleResponse, error) {
	raw, err := decodeBase64(header)
	if err != nil {
		return SettleResponse{}, fmt.Errorf("decoding settle header: %w", err)
	}
	var response SettleResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return SettleResponse{}, fmt.Errorf("parsing settle response: %w", err)
	}
	return response, nil
}

func decodeBase64(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
