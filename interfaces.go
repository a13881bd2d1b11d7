package x402

import "context"

// SchemeNetworkClient creates signed payment payloads for one scheme on the
// networks it was registered for.
type SchemeNetworkClient interface {
	Scheme() string
	// CreatePaymentPayload signs an authorization for the requirements,
	// shaped for the given protocol version.
	CreatePaymentPayload(ctx context.Context, version int, requirements PaymentRequirements) (PaymentPayload, error)
}

// ClientExtension mutates an outgoing payload, typically echoing data from
// the 402 challenge back to the server (payment identifiers, sign-in
// proofs).
type ClientExtension interface {
	Key() string
	EnrichPaymentPayload(ctx context.Context, payload PaymentPayload, required PaymentRequired) (PaymentPayload, error)
}

// SchemeNetworkServer expands resource prices into requirements for one
// scheme.
type SchemeNetworkServer interface {
	Scheme() string
	// ParsePrice turns a Price into an exact asset amount on the network.
	ParsePrice(price Price, network Network) (AssetAmount, error)
	// EnhancePaymentRequirements fills scheme-specific extra fields, using
	// the facilitator's supported-kind extra (e.g. the SVM fee payer).
	EnhancePaymentRequirements(ctx context.Context, requirements *PaymentRequirements, kind SupportedKind, extensions []string) error
}

// SchemeNetworkFacilitator verifies and settles payments for one scheme.
// Implementations return failed responses for taxonomy errors and reserve
// the error return for transport or signer faults.
type SchemeNetworkFacilitator interface {
	Scheme() string
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
	// GetExtra returns network-specific data advertised in /supported.
	GetExtra(network Network) map[string]interface{}
	// GetSigners returns the settlement signer addresses for a network.
	GetSigners(network Network) []string
}

// FacilitatorClient is the resource server's view of a facilitator. Payload
// and requirements travel as raw JSON so the client stays agnostic to
// protocol versions it does not understand.
type FacilitatorClient interface {
	Verify(ctx context.Context, paymentPayload, paymentRequirements []byte) (*VerifyResponse, error)
	Settle(ctx context.Context, paymentPayload, paymentRequirements []byte) (*SettleResponse, error)
	GetSupported(ctx context.Context) (*SupportedResponse, error)
}

// ResourceServerExtension contributes a declaration to 402 challenges.
type ResourceServerExtension interface {
	Key() string
	// Declare returns the extension object placed under extensions[key] in
	// PaymentRequired, or nil to skip this request.
	Declare(ctx context.Context, config ResourceConfig) interface{}
	// EnrichDeclaration lets the extension adjust its declaration with
	// transport context (HTTP method, URL). transportContext is
	// transport-specific; implementations type-assert what they need.
	EnrichDeclaration(declaration interface{}, transportContext interface{}) interface{}
}

// ChallengeFinalizerExtension is an optional extra interface for extensions
// that need the fully assembled 402 body, e.g. to sign one offer per accepts
// entry. FinalizeChallenge runs after Declare and EnrichDeclaration; its
// return replaces the extension's declaration, nil removes it.
type ChallengeFinalizerExtension interface {
	ResourceServerExtension
	FinalizeChallenge(ctx context.Context, required PaymentRequired) (interface{}, error)
}

// SettleObserverExtension is an optional extra interface for resource-server
// extensions that contribute to the settlement response, e.g. signed
// receipts.
type SettleObserverExtension interface {
	ResourceServerExtension
	OnSettle(ctx context.Context, payload PaymentPayload, response *SettleResponse) error
}

// FacilitatorExtension marks facilitator-side extension handlers. Concrete
// behavior is negotiated through further type assertions by the scheme
// facilitators that know about the extension.
type FacilitatorExtension interface {
	Key() string
}

// VerifyGateExtension is a facilitator extension consulted before scheme
// verification, e.g. a required payment-identifier check.
type VerifyGateExtension interface {
	FacilitatorExtension
	CheckPayload(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) *VerifyResponse
}

// PreSettleExtension runs right before scheme settlement, e.g. broadcasting
// a sponsored approval transaction.
type PreSettleExtension interface {
	FacilitatorExtension
	BeforeSettle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) error
}
