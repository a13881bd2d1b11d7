// Package siwx implements the sign-in-with-x extension: a CAIP-122 wallet
// authentication challenge embedded in the 402 response, with the signed
// proof carried back in the payment payload.
package siwx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	x402 "github.com/x402labs/go-x402"
)

// Key is the extension identifier.
const Key = "sign-in-with-x"

// Info is the CAIP-122 challenge. The server fills everything except the
// client's address and signature.
type Info struct {
	Domain    string   `json:"domain"`
	URI       string   `json:"uri,omitempty"`
	Version   string   `json:"version"`
	Statement string   `json:"statement,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
	IssuedAt  string   `json:"issuedAt,omitempty"`
	ChainID   string   `json:"chainId,omitempty"`
	Resources []string `json:"resources,omitempty"`

	// Client-populated.
	Address   string `json:"address,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Extension is the wire shape under extensions[Key].
type Extension struct {
	Info Info `json:"info"`
}

// urlContext is satisfied by the HTTP adapters.
type urlContext interface {
	GetURL() string
}

// ServerExtension issues per-request sign-in challenges.
type ServerExtension struct {
	domain    string
	statement string
	// now and newNonce are swappable for tests.
	now      func() time.Time
	newNonce func() string
}

// NewServerExtension declares sign-in for a serving domain.
func NewServerExtension(domain, statement string) *ServerExtension {
	return &ServerExtension{
		domain:    domain,
		statement: statement,
		now:       time.Now,
		newNonce:  func() string { return strings.ReplaceAll(uuid.New().String(), "-", "") },
	}
}

func (e *ServerExtension) Key() string { return Key }

func (e *ServerExtension) Declare(ctx context.Context, config x402.ResourceConfig) interface{} {
	return Extension{Info: Info{
		Domain:    e.domain,
		Version:   "1",
		Statement: e.statement,
		ChainID:   string(config.Network),
	}}
}

// EnrichDeclaration binds the challenge to this request: fresh nonce, issue
// time, and the resource URI.
func (e *ServerExtension) EnrichDeclaration(declaration interface{}, transportContext interface{}) interface{} {
	ext, ok := declaration.(Extension)
	if !ok {
		return declaration
	}
	ext.Info.Nonce = e.newNonce()
	ext.Info.IssuedAt = e.now().UTC().Format(time.RFC3339)
	if tc, ok := transportContext.(urlContext); ok {
		uri := tc.GetURL()
		ext.Info.URI = uri
		ext.Info.Resources = []string{uri}
	}
	return ext
}

// BuildMessage renders the CAIP-122 signing text for a challenge.
func BuildMessage(info Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your account:\n%s\n", info.Domain, info.Address)
	if info.Statement != "" {
		fmt.Fprintf(&b, "\n%s\n", info.Statement)
	}
	fmt.Fprintf(&b, "\nURI: %s\nVersion: %s\nChain ID: %s\nNonce: %s\nIssued At: %s",
		info.URI, info.Version, info.ChainID, info.Nonce, info.IssuedAt)
	if len(info.Resources) > 0 {
		b.WriteString("\nResources:")
		for _, resource := range info.Resources {
			fmt.Fprintf(&b, "\n- %s", resource)
		}
	}
	return b.String()
}

// MessageSigner produces the wallet proof for a rendered challenge.
type MessageSigner interface {
	Address() string
	SignMessage(ctx context.Context, message string) ([]byte, error)
}

// ClientExtension answers sign-in challenges on outgoing payloads.
type ClientExtension struct {
	signer MessageSigner
}

// NewClientExtension wraps a message signer.
func NewClientExtension(signer MessageSigner) *ClientExtension {
	return &ClientExtension{signer: signer}
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
	ext.Info.Address = e.signer.Address()
	signature, err := e.signer.SignMessage(ctx, BuildMessage(ext.Info))
	if err != nil {
		return payload, fmt.Errorf("signing sign-in challenge: %w", err)
	}
	ext.Info.Signature = fmt.Sprintf("0x%x", signature)
	if payload.Extensions == nil {
		payload.Extensions = make(map[string]interface{})
	}
	payload.Extensions[Key] = ext
	return payload, nil
}

// ExtractProof reads the signed challenge back out of a payload.
func ExtractProof(payload x402.PaymentPayload) (Info, bool, error) {
	raw, ok := payload.Extensions[Key]
	if !ok {
		return Info{}, false, nil
	}
	ext, err := decodeExtension(raw)
	if err != nil {
		return Info{}, false, err
	}
	if ext.Info.Address == "" || ext.Info.Signature == "" {
		return Info{}, false, fmt.Errorf("sign-in extension lacks address or signature")
	}
	return ext.Info, true, nil
}

func decodeExtension(raw interface{}) (Extension, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Extension{}, fmt.Errorf("marshaling extension: %w", err)
	}
	var ext Extension
	if err := json.Unmarshal(data, &ext); err != nil {
		return Extension{}, fmt.Errorf("decoding sign-in-with-x extension: %w", err)
	}
	return ext, nil
}
