package x402

import (
	"bytes"
	"encoding/json"
)

// Protocol versions understood by this package.
const (
	X402Version1 = 1
	X402Version2 = 2
)

// SchemeExact is the only scheme defined by the core protocol.
const SchemeExact = "exact"

// DefaultMaxTimeoutSeconds bounds how long a signed authorization stays
// acceptable when the resource does not specify its own window.
const DefaultMaxTimeoutSeconds = 300

// Price is what a resource charges. Accepted forms:
//   - string money shorthand: "$0.001"
//   - AssetAmount for a specific token and atomic amount
//   - map[string]interface{} with "amount"/"asset" keys (decoded JSON)
//
// Scheme servers turn a Price into concrete PaymentRequirements via
// ParsePrice.
type Price interface{}

// AssetAmount is an exact atomic amount of a specific asset.
type AssetAmount struct {
	Asset  string                 `json:"asset"`
	Amount string                 `json:"amount"`
	Extra  map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequirements describes one way a client may pay for a resource.
// One entry of the accepts array in a 402 challenge.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount,omitempty"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`

	// V1 compatibility fields, absent on the v2 wire.
	MaxAmountRequired string           `json:"maxAmountRequired,omitempty"`
	Resource          string           `json:"resource,omitempty"`
	Description       string           `json:"description,omitempty"`
	MimeType          string           `json:"mimeType,omitempty"`
	OutputSchema      *json.RawMessage `json:"outputSchema,omitempty"`
}

// EffectiveAmount returns the required atomic amount regardless of protocol
// version.
func (r PaymentRequirements) EffectiveAmount() string {
	if r.Amount != "" {
		return r.Amount
	}
	return r.MaxAmountRequired
}

// Equal compares the fields that identify a payment option. Used to match a
// payload's accepted echo against the server's accepts list.
func (r PaymentRequirements) Equal(other PaymentRequirements) bool {
	return r.Scheme == other.Scheme &&
		r.Network == other.Network &&
		r.Asset == other.Asset &&
		r.PayTo == other.PayTo &&
		r.EffectiveAmount() == other.EffectiveAmount()
}

// ResourceInfo identifies the paid resource in v2 messages.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentPayload is the decoded X-PAYMENT header: the client's signed
// authorization for one accepted payment option.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Payload     map[string]interface{} `json:"payload"`

	// V2: exact copy of the chosen accepts entry.
	Accepted   *PaymentRequirements   `json:"accepted,omitempty"`
	Resource   *ResourceInfo          `json:"resource,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`

	// V1: scheme and network ride at the top level instead.
	Scheme  string  `json:"scheme,omitempty"`
	Network Network `json:"network,omitempty"`
}

// SchemeAndNetwork resolves the payload's scheme and network for either
// protocol version.
func (p PaymentPayload) SchemeAndNetwork() (string, Network) {
	if p.Accepted != nil {
		return p.Accepted.Scheme, p.Accepted.Network
	}
	return p.Scheme, p.Network
}

// PaymentRequired is the 402 response body: why payment is required and the
// ways to pay.
type PaymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// VerifyRequest is the facilitator /verify (and /settle) request body.
type VerifyRequest struct {
	X402Version         int             `json:"x402Version"`
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements"`
}

// VerifyResponse reports whether a payment payload is acceptable without
// executing it.
type VerifyResponse struct {
	IsValid            bool                   `json:"isValid"`
	InvalidReason      string                 `json:"invalidReason,omitempty"`
	InvalidDescription string                 `json:"invalidDescription,omitempty"`
	Context            map[string]interface{} `json:"context,omitempty"`
	Payer              string                 `json:"payer,omitempty"`
	Extensions         map[string]interface{} `json:"extensions,omitempty"`
}

// SettleResponse reports the outcome of executing a payment. Encoded into
// the X-PAYMENT-RESPONSE header on success.
type SettleResponse struct {
	Success            bool                   `json:"success"`
	ErrorReason        string                 `json:"errorReason,omitempty"`
	InvalidDescription string                 `json:"invalidDescription,omitempty"`
	Context            map[string]interface{} `json:"context,omitempty"`
	Transaction        string                 `json:"transaction"`
	Network            Network                `json:"network"`
	Payer              string                 `json:"payer,omitempty"`
	Extensions         map[string]interface{} `json:"extensions,omitempty"`
}

// SupportedKind is one (version, scheme, network) triple a facilitator can
// verify and settle, with network-specific extra such as the SVM fee payer.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is the facilitator /supported body.
type SupportedResponse struct {
	Kinds      []SupportedKind `json:"kinds"`
	Extensions []string        `json:"extensions,omitempty"`
}

// ResourceConfig declares how one protected resource is paid for. The
// resource-server runtime expands it into concrete PaymentRequirements.
type ResourceConfig struct {
	Scheme            string
	Network           Network
	PayTo             string
	Price             Price
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
	// Extra is merged into the generated requirements' extra map.
	Extra map[string]interface{}
}

// MatchPayloadToRequirements selects the accepts entry the payload pays for.
// V2 payloads carry an accepted echo that must equal one entry; v1 payloads
// match on (scheme, network) alone.
func MatchPayloadToRequirements(accepts []PaymentRequirements, payload PaymentPayload) (PaymentRequirements, bool) {
	if payload.Accepted != nil {
		for _, r := range accepts {
			if r.Equal(*payload.Accepted) {
				return r, true
			}
		}
		return PaymentRequirements{}, false
	}
	for _, r := range accepts {
		if r.Scheme == payload.Scheme && r.Network.Match(payload.Network) {
			return r, true
		}
	}
	return PaymentRequirements{}, false
}

// jsonEqual compares two values by their canonical JSON encoding.
func jsonEqual(a, b interface{}) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
