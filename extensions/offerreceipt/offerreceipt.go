// Package offerreceipt implements the offer-receipt extension: the server
// signs each payment option in the 402 challenge (an offer) and, after
// settlement, signs a receipt binding the accepted offer to the on-chain
// transaction. Signing covers RFC 8785 canonical JSON so both sides hash
// identical bytes.
package offerreceipt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	jose "gopkg.in/square/go-jose.v2"

	x402 "github.com/x402labs/go-x402"
)

// Key is the extension identifier.
const Key = "offer-receipt"

// Signature formats.
const (
	FormatJWS    = "jws"
	FormatEIP712 = "eip-712"
)

// Offer is the signed body for one accepts entry.
type Offer struct {
	Resource     string                   `json:"resource,omitempty"`
	Requirements x402.PaymentRequirements `json:"requirements"`
	IssuedAt     string                   `json:"issuedAt"`
	ExpiresAt    string                   `json:"expiresAt,omitempty"`
}

// SignedOffer pairs an offer with its detached signature.
type SignedOffer struct {
	Offer     Offer  `json:"offer"`
	Format    string `json:"format"`
	Signature string `json:"signature"`
}

// Receipt is the signed post-settlement body. RequirementsHash is the
// canonical hash of the accepted requirements, linking the receipt back to
// the offer that carried them.
type Receipt struct {
	RequirementsHash string       `json:"requirementsHash,omitempty"`
	Transaction      string       `json:"transaction"`
	Network          x402.Network `json:"network"`
	Payer            string       `json:"payer,omitempty"`
	SettledAt        string       `json:"settledAt"`
}

// SignedReceipt pairs a receipt with its detached signature.
type SignedReceipt struct {
	Receipt   Receipt `json:"receipt"`
	Format    string  `json:"format"`
	Signature string  `json:"signature"`
}

// Extension is the wire shape under extensions[Key] in the 402 challenge.
type Extension struct {
	Offers []SignedOffer `json:"offers"`
}

// Canonicalize renders a value as RFC 8785 canonical JSON. Structurally
// equal values canonicalize to identical bytes.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling for canonicalization: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing: %w", err)
	}
	return canonical, nil
}

// HashCanonical returns the hex sha256 of a value's canonical form.
func HashCanonical(v interface{}) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Signer produces detached signatures over canonical bytes.
type Signer interface {
	Format() string
	Sign(ctx context.Context, canonical []byte) (string, error)
}

// JWSSigner signs as a compact JWS.
type JWSSigner struct {
	signer jose.Signer
}

// NewJWSSigner wraps a signing key. The key type must match the algorithm
// (ed25519.PrivateKey for EdDSA, *ecdsa.PrivateKey for ES256).
func NewJWSSigner(algorithm jose.SignatureAlgorithm, key interface{}) (*JWSSigner, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: algorithm, Key: key}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating JWS signer: %w", err)
	}
	return &JWSSigner{signer: signer}, nil
}

func (s *JWSSigner) Format() string { return FormatJWS }

func (s *JWSSigner) Sign(ctx context.Context, canonical []byte) (string, error) {
	object, err := s.signer.Sign(canonical)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	compact, err := object.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serializing JWS: %w", err)
	}
	return compact, nil
}

// VerifyJWS checks a compact JWS against the expected canonical bytes.
func VerifyJWS(signature string, verificationKey interface{}, expectedCanonical []byte) error {
	object, err := jose.ParseSigned(signature)
	if err != nil {
		return fmt.Errorf("parsing JWS: %w", err)
	}
	payload, err := object.Verify(verificationKey)
	if err != nil {
		return fmt.Errorf("verifying JWS: %w", err)
	}
	if string(payload) != string(expectedCanonical) {
		return fmt.Errorf("JWS payload does not match canonical offer")
	}
	return nil
}

// SignerFunc adapts a function to the Signer interface; the EIP-712 format
// uses this with a wallet that hashes the canonical bytes into typed data.
type SignerFunc struct {
	FormatName string
	SignFunc   func(ctx context.Context, canonical []byte) (string, error)
}

func (s SignerFunc) Format() string { return s.FormatName }

func (s SignerFunc) Sign(ctx context.Context, canonical []byte) (string, error) {
	return s.SignFunc(ctx, canonical)
}

// ServerExtension signs offers into challenges and receipts onto settlement
// responses. Offers need the full accepts list, so the work happens in
// FinalizeChallenge rather than Declare.
type ServerExtension struct {
	signer   Signer
	offerTTL time.Duration
	// now is swappable for tests.
	now func() time.Time
}

// NewServerExtension wraps a signer; offerTTL bounds offer validity, zero
// means no expiry.
func NewServerExtension(signer Signer, offerTTL time.Duration) *ServerExtension {
	return &ServerExtension{signer: signer, offerTTL: offerTTL, now: time.Now}
}

func (e *ServerExtension) Key() string { return Key }

// Declare announces the extension; the offers are filled in later by
// FinalizeChallenge once the accepts list exists.
func (e *ServerExtension) Declare(ctx context.Context, config x402.ResourceConfig) interface{} {
	return Extension{}
}

func (e *ServerExtension) EnrichDeclaration(declaration interface{}, transportContext interface{}) interface{} {
	return declaration
}

// FinalizeChallenge signs one offer per accepts entry of the assembled 402
// body.
func (e *ServerExtension) FinalizeChallenge(ctx context.Context, required x402.PaymentRequired) (interface{}, error) {
	ext, err := e.SignOffers(ctx, required)
	if err != nil {
		return nil, err
	}
	return ext, nil
}

// SignOffers builds and signs offers for a challenge.
func (e *ServerExtension) SignOffers(ctx context.Context, required x402.PaymentRequired) (Extension, error) {
	issuedAt := e.now().UTC()
	var resource string
	if required.Resource != nil {
		resource = required.Resource.URL
	}
	offers := make([]SignedOffer, 0, len(required.Accepts))
	for _, requirements := range required.Accepts {
		offer := Offer{
			Resource:     resource,
			Requirements: requirements,
			IssuedAt:     issuedAt.Format(time.RFC3339),
		}
		if e.offerTTL > 0 {
			offer.ExpiresAt = issuedAt.Add(e.offerTTL).Format(time.RFC3339)
		}
		canonical, err := Canonicalize(offer)
		if err != nil {
			return Extension{}, err
		}
		signature, err := e.signer.Sign(ctx, canonical)
		if err != nil {
			return Extension{}, fmt.Errorf("signing offer: %w", err)
		}
		offers = append(offers, SignedOffer{
			Offer:     offer,
			Format:    e.signer.Format(),
			Signature: signature,
		})
	}
	return Extension{Offers: offers}, nil
}

// OnSettle attaches a signed receipt to successful settlements. The receipt
// binds the settled requirements hash to the transaction.
func (e *ServerExtension) OnSettle(ctx context.Context, payload x402.PaymentPayload, response *x402.SettleResponse) error {
	if response == nil || !response.Success {
		return nil
	}
	requirementsHash := ""
	if payload.Accepted != nil {
		hash, err := HashCanonical(*payload.Accepted)
		if err != nil {
			return err
		}
		requirementsHash = hash
	}
	receipt := Receipt{
		RequirementsHash: requirementsHash,
		Transaction:      response.Transaction,
		Network:          response.Network,
		Payer:            response.Payer,
		SettledAt:        e.now().UTC().Format(time.RFC3339),
	}
	canonical, err := Canonicalize(receipt)
	if err != nil {
		return err
	}
	signature, err := e.signer.Sign(ctx, canonical)
	if err != nil {
		return fmt.Errorf("signing receipt: %w", err)
	}
	if response.Extensions == nil {
		response.Extensions = make(map[string]interface{})
	}
	response.Extensions[Key] = SignedReceipt{
		Receipt:   receipt,
		Format:    e.signer.Format(),
		Signature: signature,
	}
	return nil
}

// ExtractReceipt reads the signed receipt from a settlement response.
func ExtractReceipt(response x402.SettleResponse) (SignedReceipt, bool, error) {
	raw, ok := response.Extensions[Key]
	if !ok {
		return SignedReceipt{}, false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return SignedReceipt{}, false, fmt.Errorf("marshaling receipt extension: %w", err)
	}
	var receipt SignedReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return SignedReceipt{}, false, fmt.Errorf("decoding receipt extension: %w", err)
	}
	return receipt, true, nil
}
