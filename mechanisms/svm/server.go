package svm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	x402 "github.com/x402labs/go-x402"
)

// ExactSvmServer expands resource prices into exact-scheme requirements on
// Solana clusters.
type ExactSvmServer struct{}

// NewExactSvmServer creates the server-side scheme handler.
func NewExactSvmServer() *ExactSvmServer {
	return &ExactSvmServer{}
}

func (s *ExactSvmServer) Scheme() string {
	return SchemeExact
}

// ParsePrice accepts "$0.10" money shorthand (network default asset), an
// AssetAmount, or a decoded {amount, asset} map with base units.
func (s *ExactSvmServer) ParsePrice(price x402.Price, network x402.Network) (x402.AssetAmount, error) {
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
		base, err := ParseAmount(strings.TrimPrefix(money, "$"), config.DefaultAsset.Decimals)
		if err != nil {
			return x402.AssetAmount{}, err
		}
		return x402.AssetAmount{
			Asset:  config.DefaultAsset.Address,
			Amount: strconv.FormatUint(base, 10),
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

// EnhancePaymentRequirements copies the facilitator's fee payer into the
// requirements so the client can build the transaction around it.
func (s *ExactSvmServer) EnhancePaymentRequirements(ctx context.Context, requirements *x402.PaymentRequirements, kind x402.SupportedKind, extensions []string) error {
	feePayer, ok := kind.Extra[ExtraKeyFeePayer].(string)
	if !ok || feePayer == "" {
		return fmt.Errorf("facilitator advertises no fee payer for %s", requirements.Network)
	}
	if !ValidateAddress(feePayer) {
		return fmt.Errorf("invalid fee payer address: %s", feePayer)
	}
	if requirements.Extra == nil {
		requirements.Extra = make(map[string]interface{})
	}
	if _, set := requirements.Extra[ExtraKeyFeePayer]; !set {
		requirements.Extra[ExtraKeyFeePayer] = feePayer
	}
	return nil
}
