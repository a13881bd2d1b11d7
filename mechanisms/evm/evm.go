package evm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// GetNetworkConfig resolves a network (CAIP-2 or v1 alias) to its chain
// configuration.
func GetNetworkConfig(network string) (NetworkConfig, error) {
	config, ok := NetworkConfigs[network]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("unsupported EVM network: %s", network)
	}
	return config, nil
}

// IsValidNetwork reports whether the network has a configuration.
func IsValidNetwork(network string) bool {
	_, ok := NetworkConfigs[network]
	return ok
}

// GetAssetInfo resolves the asset address for a network. An empty asset
// selects the network's default stablecoin; a known address fills in its
// EIP-712 name and version.
func GetAssetInfo(network, asset string) (AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return AssetInfo{}, err
	}
	if asset == "" || strings.EqualFold(asset, config.DefaultAsset.Address) {
		return config.DefaultAsset, nil
	}
	// Unknown token: EIP-712 domain details must come from requirements
	// extra.
	return AssetInfo{Address: asset, Decimals: DefaultDecimals}, nil
}

// CreateNonce returns a random 32-byte nonce as 0x-prefixed hex.
func CreateNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}

// CreateValidityWindow returns (validAfter, validBefore) spanning from now
// until now+duration.
func CreateValidityWindow(duration time.Duration) (*big.Int, *big.Int) {
	now := time.Now().Unix()
	return big.NewInt(now), big.NewInt(now + int64(duration.Seconds()))
}

// HexToBytes decodes a 0x-prefixed or bare hex string.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// BytesToHex encodes bytes as 0x-prefixed hex.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// AmountToAtomic converts a decimal amount string ("0.001") to atomic units
// for a token with the given decimals.
func AmountToAtomic(amount string, decimals int) (*big.Int, error) {
	f, ok := new(big.Float).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Mul(f, scale)
	atomic, _ := f.Int(nil)
	if atomic.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative: %s", amount)
	}
	return atomic, nil
}
