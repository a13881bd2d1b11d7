// Package gassponsor implements the erc20-approval-gas-sponsoring extension.
// Tokens without EIP-2612 cannot grant Permit2 an allowance off-chain, so
// the client attaches a signed but unbroadcast approve(Permit2, amount)
// transaction and the facilitator broadcasts it before settling.
package gassponsor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	x402 "github.com/x402labs/go-x402"
)

// Key is the extension identifier.
const Key = "erc20-approval-gas-sponsoring"

// Version is the current schema version for the extension info.
const Version = "1"

var (
	addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	numericPattern = regexp.MustCompile(`^[0-9]+$`)
	hexPattern     = regexp.MustCompile(`^0x[a-fA-F0-9]+$`)
	versionPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)
)

// Info is the client-populated extension body: a signed approve transaction
// the facilitator broadcasts on the payer's behalf.
type Info struct {
	// From is the token owner signing the approval.
	From string `json:"from"`
	// Asset is the ERC-20 contract being approved.
	Asset string `json:"asset"`
	// Spender is the approved address, canonically Permit2.
	Spender string `json:"spender"`
	// Amount is the approval amount as a decimal uint256 string.
	Amount string `json:"amount"`
	// SignedTransaction is the RLP-encoded signed transaction, 0x-prefixed.
	SignedTransaction string `json:"signedTransaction"`
	Version           string `json:"version"`
}

// ServerInfo is the declaration body in 402 challenges; the client fills
// the rest.
type ServerInfo struct {
	Description string `json:"description"`
	Version     string `json:"version"`
}

// Extension is the wire shape under extensions[Key].
type Extension struct {
	Info   interface{}            `json:"info"`
	Schema map[string]interface{} `json:"schema,omitempty"`
}

// InfoSchema is the JSON schema the declaration embeds.
func InfoSchema() map[string]interface{} {
	return map[string]interface{}{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
		"properties": map[string]interface{}{
			"from": map[string]interface{}{
				"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$",
			},
			"asset": map[string]interface{}{
				"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$",
			},
			"spender": map[string]interface{}{
				"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$",
			},
			"amount": map[string]interface{}{
				"type": "string", "pattern": "^[0-9]+$",
			},
			"signedTransaction": map[string]interface{}{
				"type": "string", "pattern": "^0x[a-fA-F0-9]+$",
			},
			"version": map[string]interface{}{
				"type": "string", "pattern": `^[0-9]+(\.[0-9]+)*$`,
			},
		},
		"required": []string{
			"from", "asset", "spender", "amount", "signedTransaction", "version",
		},
	}
}

// ExtractInfo pulls the client-populated info from a payload's extensions.
// Returns nil when the extension is absent or incomplete.
func ExtractInfo(extensions map[string]interface{}) (*Info, error) {
	if extensions == nil {
		return nil, nil
	}
	raw, ok := extensions[Key]
	if !ok {
		return nil, nil
	}
	extJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshaling gas sponsoring extension: %w", err)
	}
	var ext Extension
	if err := json.Unmarshal(extJSON, &ext); err != nil {
		return nil, fmt.Errorf("decoding gas sponsoring extension: %w", err)
	}
	infoJSON, err := json.Marshal(ext.Info)
	if err != nil {
		return nil, fmt.Errorf("marshaling gas sponsoring info: %w", err)
	}
	var info Info
	if err := json.Unmarshal(infoJSON, &info); err != nil {
		return nil, fmt.Errorf("decoding gas sponsoring info: %w", err)
	}
	if info.From == "" || info.Asset == "" || info.Spender == "" ||
		info.Amount == "" || info.SignedTransaction == "" || info.Version == "" {
		return nil, nil
	}
	return &info, nil
}

// ValidateInfo checks every field's format.
func ValidateInfo(info *Info) bool {
	return addressPattern.MatchString(info.From) &&
		addressPattern.MatchString(info.Asset) &&
		addressPattern.MatchString(info.Spender) &&
		numericPattern.MatchString(info.Amount) &&
		hexPattern.MatchString(info.SignedTransaction) &&
		versionPattern.MatchString(info.Version)
}

// ServerExtension declares gas sponsoring support in 402 challenges.
type ServerExtension struct{}

// NewServerExtension builds the declaration extension.
func NewServerExtension() *ServerExtension { return &ServerExtension{} }

func (e *ServerExtension) Key() string { return Key }

func (e *ServerExtension) Declare(ctx context.Context, config x402.ResourceConfig) interface{} {
	return Extension{
		Info: ServerInfo{
			Description: "Accepts a pre-signed ERC-20 approve(Permit2, amount) transaction for tokens without EIP-2612 support.",
			Version:     Version,
		},
		Schema: InfoSchema(),
	}
}

func (e *ServerExtension) EnrichDeclaration(declaration interface{}, transportContext interface{}) interface{} {
	return declaration
}

// ApprovalBuilder creates the signed approve transaction on the client.
// Returning nil info skips the extension, e.g. when the allowance already
// covers the payment.
type ApprovalBuilder interface {
	BuildApproval(ctx context.Context, requirements x402.PaymentRequirements) (*Info, error)
}

// ClientExtension attaches a signed approval when the challenge declares
// sponsoring support.
type ClientExtension struct {
	builder ApprovalBuilder
}

// NewClientExtension wraps an approval builder.
func NewClientExtension(builder ApprovalBuilder) *ClientExtension {
	return &ClientExtension{builder: builder}
}

func (e *ClientExtension) Key() string { return Key }

func (e *ClientExtension) EnrichPaymentPayload(ctx context.Context, payload x402.PaymentPayload, required x402.PaymentRequired) (x402.PaymentPayload, error) {
	if _, ok := required.Extensions[Key]; !ok {
		return payload, nil
	}
	if payload.Accepted == nil {
		return payload, nil
	}
	info, err := e.builder.BuildApproval(ctx, *payload.Accepted)
	if err != nil {
		return payload, fmt.Errorf("building sponsored approval: %w", err)
	}
	if info == nil {
		return payload, nil
	}
	if info.Version == "" {
		info.Version = Version
	}
	if payload.Extensions == nil {
		payload.Extensions = make(map[string]interface{})
	}
	payload.Extensions[Key] = Extension{Info: info}
	return payload, nil
}

// Broadcaster pushes a pre-signed transaction to the chain.
type Broadcaster interface {
	SendRawTransaction(ctx context.Context, signedTx string) (string, error)
}

// ReceiptWaiter is optionally implemented by broadcasters that can block
// until the approval mines. When available the facilitator waits so the
// allowance is visible before settlement reads it.
type ReceiptWaiter interface {
	WaitForApproval(ctx context.Context, txHash string) error
}

// FacilitatorExtension broadcasts sponsored approvals before settlement.
// It implements the pre-settle hook.
type FacilitatorExtension struct {
	broadcaster Broadcaster
}

// NewFacilitatorExtension wraps a broadcaster.
func NewFacilitatorExtension(broadcaster Broadcaster) *FacilitatorExtension {
	return &FacilitatorExtension{broadcaster: broadcaster}
}

func (e *FacilitatorExtension) Key() string { return Key }

// BeforeSettle broadcasts the sponsored approval when the payload carries
// one. Payloads without the extension pass through.
func (e *FacilitatorExtension) BeforeSettle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) error {
	info, err := ExtractInfo(payload.Extensions)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	if !ValidateInfo(info) {
		return fmt.Errorf("malformed gas sponsoring info")
	}
	if !strings.EqualFold(info.Asset, requirements.Asset) {
		return fmt.Errorf("sponsored approval asset %s does not match requirements asset %s", info.Asset, requirements.Asset)
	}
	txHash, err := e.broadcaster.SendRawTransaction(ctx, info.SignedTransaction)
	if err != nil {
		return fmt.Errorf("broadcasting sponsored approval: %w", err)
	}
	if waiter, ok := e.broadcaster.(ReceiptWaiter); ok {
		if err := waiter.WaitForApproval(ctx, txHash); err != nil {
			return fmt.Errorf("waiting for sponsored approval %s: %w", txHash, err)
		}
	}
	return nil
}
