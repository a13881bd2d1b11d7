package svm

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

var base58Pattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// NormalizeNetwork maps a v1 network name to its CAIP-2 form. CAIP-2 inputs
// pass through unchanged.
func NormalizeNetwork(network string) string {
	if caip2, ok := V1ToV2NetworkMap[network]; ok {
		return caip2
	}
	return network
}

// GetNetworkConfig resolves a network, accepting v1 names and CAIP-2 ids.
func GetNetworkConfig(network string) (NetworkConfig, error) {
	config, ok := NetworkConfigs[NormalizeNetwork(network)]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("unsupported network: %s", network)
	}
	return config, nil
}

// IsValidNetwork reports whether a network resolves to a Solana cluster.
func IsValidNetwork(network string) bool {
	_, ok := NetworkConfigs[NormalizeNetwork(network)]
	return ok
}

// ValidateAddress checks base58 shape. It does not prove the address exists.
func ValidateAddress(address string) bool {
	return base58Pattern.MatchString(address)
}

// GetAssetInfo resolves an asset for a network. An empty asset means the
// network default; a bare mint address gets default decimals.
func GetAssetInfo(network, asset string) (AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return AssetInfo{}, err
	}
	if asset == "" || strings.EqualFold(asset, config.DefaultAsset.Address) {
		return config.DefaultAsset, nil
	}
	if !ValidateAddress(asset) {
		return AssetInfo{}, fmt.Errorf("invalid asset address: %s", asset)
	}
	return AssetInfo{Address: asset, Decimals: DefaultDecimals}, nil
}

// ParseAmount converts a decimal token amount to base units.
func ParseAmount(amount string, decimals int) (uint64, error) {
	f, ok := new(big.Float).SetString(amount)
	if !ok {
		return 0, fmt.Errorf("invalid amount: %s", amount)
	}
	if f.Sign() < 0 {
		return 0, fmt.Errorf("negative amount: %s", amount)
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Mul(f, scale)
	result, _ := f.Uint64()
	return result, nil
}

// FormatAmount renders base units as a decimal token amount.
func FormatAmount(amount uint64, decimals int) string {
	f := new(big.Float).SetUint64(amount)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Quo(f, scale)
	return f.Text('f', decimals)
}
