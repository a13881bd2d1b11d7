package evm

import (
	"context"
	"fmt"
	"strings"

	x402 "github.com/x402labs/go-x402"
)

// ExactEvmServer expands resource prices into exact-scheme requirements on
// EVM networks.
type ExactEvmServer struct{}

// NewExactEvmServer creates the server-side scheme handler.
func NewExactEvmServer() *ExactEvmServer {
	return &ExactEvmServer{}
}

func (s *ExactEvmServer) Scheme() string {
	return SchemeExact
}

// ParsePrice accepts "$0.10" money shorthand (network default asset), an
// AssetAmount, or a decoded {amount, asset} map with atomic units.
func (s *ExactEvmServer) ParsePrice(price x402.Price, network x402.Network) (x402.AssetAmount, error) {
	config, err := GetNetworkConfig(string(network))
	if err != nil {
		return x402.AssetAmount{}, err
	}
	switch p := price.(type) {
	case string:
		money := strings.TrimSpace(p)
		if !strings.HasPrefix(money, "$") {
			return x402.AssetAmount{}, fmt.Errorf("unsupported price string %q: expected $ prefix", p)
		}
		atomic, err := AmountToAtomic(strings.TrimPrefix(money, "$"), config.DefaultAsset.Decimals)
		if err != nil {
			return x402.AssetAmount{}, err
		}
		return x402.AssetAmount{
			Asset:  config.DefaultAsset.Address,
			Amount: atomic.String(),
			Extra: map[string]interface{}{
				"name":    config.DefaultAsset.Name,
				"version": config.DefaultAsset.Version,
			},
		}, nil
	case x402.AssetAmount:
		return p, nil
	case map[string]interface{}:
		amount, _ := p["amount"].(string)
		asset, _ := p["asset"].(string)
		if amount == "" || asset == "" {
			return x402.AssetAmount{}, fmt.Errorf("price map requires amount and asset")
		}
		out := x402.AssetAmount{Asset: asset, Amount: amount}
		if extra, ok := p["extra"].(map[string]interface{}); ok {
			out.Extra = extra
		}
		return out, nil
	default:
		return x402.AssetAmount{}, fmt.Errorf("unsupported price type %T", price)
	}
}

// EnhancePaymentRequirements fills the EIP-712 domain details the client
// needs, and defaults the transfer method.
func (s *ExactEvmServer) EnhancePaymentRequirements(ctx context.Context, requirements *x402.PaymentRequirements, kind x402.SupportedKind, extensions []string) error {
	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return err
	}
	if requirements.Extra == nil {
		requirements.Extra = make(map[string]interface{})
	}
	if _, ok := requirements.Extra["name"]; !ok && assetInfo.Name != "" {
		requirements.Extra["name"] = assetInfo.Name
	}
	if _, ok := requirements.Extra["version"]; !ok && assetInfo.Version != "" {
		requirements.Extra["version"] = assetInfo.Version
	}
	// Facilitators advertising a preferred transfer method win over the
	// default.
	if method, ok := kind.Extra[ExtraKeyAssetTransferMethod].(string); ok {
		if _, set := requirements.Extra[ExtraKeyAssetTransferMethod]; !set {
			requirements.Extra[ExtraKeyAssetTransferMethod] = method
		}
	}
	// Permit signers need to know the facilitator's settlement address.
	if spender, ok := kind.Extra[ExtraKeyPermitSpender].(string); ok {
		if _, set := requirements.Extra[ExtraKeyPermitSpender]; !set {
			requirements.Extra[ExtraKeyPermitSpender] = spender
		}
	}
	return nil
}
