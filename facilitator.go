package x402

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/x402labs/go-x402/extensions/schema"
)

// Facilitator hosts scheme facilitators and routes raw verify/settle
// requests to them by protocol version, network, and scheme. It backs both
// in-process use and the HTTP facilitator server.
type Facilitator struct {
	byVersion    map[int]*schemeRegistry[SchemeNetworkFacilitator]
	extensions   map[string]FacilitatorExtension
	extensionOrd []string
	logger       *slog.Logger
}

// FacilitatorOption configures a Facilitator.
type FacilitatorOption func(*Facilitator)

// WithFacilitatorLogger overrides the slog logger.
func WithFacilitatorLogger(logger *slog.Logger) FacilitatorOption {
	return func(f *Facilitator) { f.logger = logger }
}

// NewFacilitator builds an empty facilitator; register scheme handlers with
// Register.
func NewFacilitator(opts ...FacilitatorOption) *Facilitator {
	f := &Facilitator{
		byVersion: map[int]*schemeRegistry[SchemeNetworkFacilitator]{
			X402Version1: newSchemeRegistry[SchemeNetworkFacilitator](),
			X402Version2: newSchemeRegistry[SchemeNetworkFacilitator](),
		},
		extensions: make(map[string]FacilitatorExtension),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register adds a scheme facilitator for a protocol version and network
// (wildcards allowed); chainable.
func (f *Facilitator) Register(version int, network Network, handler SchemeNetworkFacilitator) *Facilitator {
	registry, ok := f.byVersion[version]
	if !ok {
		registry = newSchemeRegistry[SchemeNetworkFacilitator]()
		f.byVersion[version] = registry
	}
	registry.add(network, handler.Scheme(), handler)
	return f
}

// RegisterExtension adds a facilitator extension; chainable.
func (f *Facilitator) RegisterExtension(ext FacilitatorExtension) *Facilitator {
	if _, seen := f.extensions[ext.Key()]; !seen {
		f.extensionOrd = append(f.extensionOrd, ext.Key())
	}
	f.extensions[ext.Key()] = ext
	return f
}

// Extension returns a registered extension by key.
func (f *Facilitator) Extension(key string) (FacilitatorExtension, bool) {
	ext, ok := f.extensions[key]
	return ext, ok
}

// decodeRequest parses and cross-checks the raw payload and requirements.
// A non-nil VerifyResponse means the request failed a format rule.
func (f *Facilitator) decodeRequest(paymentPayload, paymentRequirements []byte) (PaymentPayload, PaymentRequirements, SchemeNetworkFacilitator, *VerifyResponse) {
	version, err := DetectVersion(paymentPayload)
	if err != nil {
		return PaymentPayload{}, PaymentRequirements{}, nil, InvalidVerify(ReasonInvalidPayload, map[string]interface{}{"detail": err.Error()})
	}
	registry, ok := f.byVersion[version]
	if !ok {
		return PaymentPayload{}, PaymentRequirements{}, nil, InvalidVerify(ReasonInvalidX402Version, map[string]interface{}{"version": version})
	}
	payload, err := DecodePaymentPayload(paymentPayload)
	if err != nil {
		return PaymentPayload{}, PaymentRequirements{}, nil, InvalidVerify(ReasonInvalidPayload, map[string]interface{}{"detail": err.Error()})
	}
	if err := ValidatePaymentPayload(payload); err != nil {
		return PaymentPayload{}, PaymentRequirements{}, nil, InvalidVerify(ReasonInvalidPayload, map[string]interface{}{"detail": err.Error()})
	}
	var requirements PaymentRequirements
	if err := json.Unmarshal(paymentRequirements, &requirements); err != nil {
		return PaymentPayload{}, PaymentRequirements{}, nil, InvalidVerify(ReasonInvalidRequirements, map[string]interface{}{"detail": err.Error()})
	}
	if n, err := ParseNetwork(string(requirements.Network)); err == nil {
		requirements.Network = n
	}
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return PaymentPayload{}, PaymentRequirements{}, nil, InvalidVerify(ReasonInvalidRequirements, map[string]interface{}{"detail": err.Error()})
	}
	scheme, network := payload.SchemeAndNetwork()
	if scheme != requirements.Scheme {
		return PaymentPayload{}, PaymentRequirements{}, nil, InvalidVerify(ReasonInvalidScheme, map[string]interface{}{
			"payloadScheme": scheme, "requirementsScheme": requirements.Scheme,
		})
	}
	if !requirements.Network.Match(network) {
		return PaymentPayload{}, PaymentRequirements{}, nil, InvalidVerify(ReasonInvalidNetwork, map[string]interface{}{
			"payloadNetwork": string(network), "requirementsNetwork": string(requirements.Network),
		})
	}
	handler, ok := registry.find(requirements.Network, scheme)
	if !ok {
		return PaymentPayload{}, PaymentRequirements{}, nil, InvalidVerify(ReasonUnsupportedScheme, map[string]interface{}{
			"scheme": scheme, "network": string(requirements.Network),
		})
	}
	return payload, requirements, handler, nil
}

// validateExtensionPayloads drops payload extension entries that fail their
// own embedded schema. Failures are logged and the entry ignored, never
// fatal; the payment proceeds without the extension.
func (f *Facilitator) validateExtensionPayloads(payload *PaymentPayload) {
	for key, value := range payload.Extensions {
		if !schema.WarnOnInvalid(f.logger, key, value) {
			delete(payload.Extensions, key)
		}
	}
}

// Verify checks a payment payload against requirements without executing it.
func (f *Facilitator) Verify(ctx context.Context, paymentPayload, paymentRequirements []byte) (*VerifyResponse, error) {
	payload, requirements, handler, invalid := f.decodeRequest(paymentPayload, paymentRequirements)
	if invalid != nil {
		return invalid, nil
	}
	f.validateExtensionPayloads(&payload)
	for _, key := range f.extensionOrd {
		if gate, ok := f.extensions[key].(VerifyGateExtension); ok {
			if rejection := gate.CheckPayload(ctx, payload, requirements); rejection != nil {
				return rejection, nil
			}
		}
	}
	response, err := handler.Verify(ctx, payload, requirements)
	if err != nil {
		f.logger.Warn("scheme verify failed", "scheme", handler.Scheme(), "error", err)
		return InvalidVerify(ReasonUnexpectedVerifyError, map[string]interface{}{"detail": err.Error()}), nil
	}
	return response, nil
}

// Settle executes a payment payload. Verification is re-run by the scheme
// facilitator before any on-chain action.
func (f *Facilitator) Settle(ctx context.Context, paymentPayload, paymentRequirements []byte) (*SettleResponse, error) {
	payload, requirements, handler, invalid := f.decodeRequest(paymentPayload, paymentRequirements)
	if invalid != nil {
		return &SettleResponse{
			Success:            false,
			ErrorReason:        invalid.InvalidReason,
			InvalidDescription: invalid.InvalidDescription,
			Context:            invalid.Context,
			Network:            requirements.Network,
		}, nil
	}
	f.validateExtensionPayloads(&payload)
	for _, key := range f.extensionOrd {
		if gate, ok := f.extensions[key].(VerifyGateExtension); ok {
			if rejection := gate.CheckPayload(ctx, payload, requirements); rejection != nil {
				return &SettleResponse{
					Success:            false,
					ErrorReason:        rejection.InvalidReason,
					InvalidDescription: rejection.InvalidDescription,
					Context:            rejection.Context,
					Network:            requirements.Network,
				}, nil
			}
		}
	}
	for _, key := range f.extensionOrd {
		if pre, ok := f.extensions[key].(PreSettleExtension); ok {
			if err := pre.BeforeSettle(ctx, payload, requirements); err != nil {
				f.logger.Warn("pre-settle extension failed", "extension", key, "error", err)
				return FailedSettle(ReasonUnexpectedSettleError, requirements.Network, map[string]interface{}{"detail": err.Error()}), nil
			}
		}
	}
	response, err := handler.Settle(ctx, payload, requirements)
	if err != nil {
		f.logger.Warn("scheme settle failed", "scheme", handler.Scheme(), "error", err)
		return FailedSettle(ReasonUnexpectedSettleError, requirements.Network, map[string]interface{}{"detail": err.Error()}), nil
	}
	return response, nil
}

// GetSupported composes the kinds this facilitator can serve, one per
// (version, network, scheme), with per-network extra from each handler.
func (f *Facilitator) GetSupported(ctx context.Context) (*SupportedResponse, error) {
	var kinds []SupportedKind
	for version, registry := range f.byVersion {
		for _, network := range registry.networks() {
			for scheme, handler := range registry.schemes(network) {
				kind := SupportedKind{
					X402Version: version,
					Scheme:      scheme,
					Network:     network,
				}
				if extra := handler.GetExtra(network); len(extra) > 0 {
					kind.Extra = extra
				}
				kinds = append(kinds, kind)
			}
		}
	}
	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].X402Version != kinds[j].X402Version {
			return kinds[i].X402Version < kinds[j].X402Version
		}
		if kinds[i].Network != kinds[j].Network {
			return kinds[i].Network < kinds[j].Network
		}
		return kinds[i].Scheme < kinds[j].Scheme
	})
	response := &SupportedResponse{Kinds: kinds}
	response.Extensions = append(response.Extensions, f.extensionOrd...)
	return response, nil
}
