// Package paymentid implements the payment-identifier extension: a
// client-supplied idempotency key the server can use to deduplicate retried
// settlements.
package paymentid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	x402 "github.com/x402labs/go-x402"
)

// Key is the extension identifier.
const Key = "payment-identifier"

const (
	MinIDLength = 16
	MaxIDLength = 128
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Extension is the wire shape under extensions[Key].
type Extension struct {
	Info Info `json:"info"`
}

// Info carries the server's requirement flag and the client's identifier.
type Info struct {
	Required bool   `json:"required"`
	ID       string `json:"id,omitempty"`
}

// GeneratePaymentID creates a fresh identifier: prefix plus a hyphenless
// UUID. An empty prefix defaults to "pay_".
func GeneratePaymentID(prefix string) string {
	if prefix == "" {
		prefix = "pay_"
	}
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsValidPaymentID checks length and character set.
func IsValidPaymentID(id string) bool {
	if len(id) < MinIDLength || len(id) > MaxIDLength {
		return false
	}
	return idPattern.MatchString(id)
}

// PayloadFingerprint hashes a payload so retries with the same identifier
// but different content can be told apart.
func PayloadFingerprint(payload x402.PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ExtractPaymentID pulls the identifier from a payload's extensions, or
// returns empty when absent. V1 payloads never carry extensions.
func ExtractPaymentID(payload x402.PaymentPayload) (string, error) {
	raw, ok := payload.Extensions[Key]
	if !ok {
		return "", nil
	}
	ext, err := decodeExtension(raw)
	if err != nil {
		return "", err
	}
	if ext.Info.ID != "" && !IsValidPaymentID(ext.Info.ID) {
		return "", fmt.Errorf("invalid payment identifier format")
	}
	return ext.Info.ID, nil
}

func decodeExtension(raw interface{}) (Extension, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Extension{}, fmt.Errorf("marshaling extension: %w", err)
	}
	var ext Extension
	if err := json.Unmarshal(data, &ext); err != nil {
		return Extension{}, fmt.Errorf("decoding payment-identifier extension: %w", err)
	}
	return ext, nil
}

// ServerExtension declares the payment-identifier requirement in 402
// challenges.
type ServerExtension struct {
	required bool
}

// NewServerExtension declares the extension; required rejects payloads
// without an identifier at verify time.
func NewServerExtension(required bool) *ServerExtension {
	return &ServerExtension{required: required}
}

func (e *ServerExtension) Key() string { return Key }

func (e *ServerExtension) Declare(ctx context.Context, config x402.ResourceConfig) interface{} {
	return Extension{Info: Info{Required: e.required}}
}

func (e *ServerExtension) EnrichDeclaration(declaration interface{}, transportContext interface{}) interface{} {
	return declaration
}

// ClientExtension attaches an identifier to outgoing payloads when the
// challenge declares the extension.
type ClientExtension struct {
	prefix string
	// newID is swappable for tests.
	newID func() string
}

// NewClientExtension generates identifiers with the given prefix.
func NewClientExtension(prefix string) *ClientExtension {
	c := &ClientExtension{prefix: prefix}
	c.newID = func() string { return GeneratePaymentID(c.prefix) }
	return c
}

func (e *ClientExtension) Key() string { return Key }

func (e *ClientExtension) EnrichPaymentPayload(ctx context.Context, payload x402.PaymentPayload, required x402.PaymentRequired) (x402.PaymentPayload, error) {
	declared, ok := required.Extensions[Key]
	if !ok {
		return payload, nil
	}
	ext, err := decodeExtension(declared)
	if err != nil {
		return payload, err
	}
	if payload.Extensions == nil {
		payload.Extensions = make(map[string]interface{})
	}
	payload.Extensions[Key] = Extension{Info: Info{Required: ext.Info.Required, ID: e.newID()}}
	return payload, nil
}

// FacilitatorExtension gates verification when the identifier is required.
type FacilitatorExtension struct {
	required bool
}

// NewFacilitatorExtension builds the verify gate.
func NewFacilitatorExtension(required bool) *FacilitatorExtension {
	return &FacilitatorExtension{required: required}
}

func (e *FacilitatorExtension) Key() string { return Key }

// CheckPayload rejects payloads that omit or malform a required identifier.
// Returns nil when the payload passes.
func (e *FacilitatorExtension) CheckPayload(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) *x402.VerifyResponse {
	id, err := ExtractPaymentID(payload)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{
			"extension": Key, "detail": err.Error(),
		})
	}
	if e.required && id == "" {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{
			"extension": Key, "detail": "payment identifier required but not provided",
		})
	}
	return nil
}
