package svm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// ErrBlockHeightExceeded is returned by wallet confirmation when the
// transaction's blockhash expired before the transaction landed.
var ErrBlockHeightExceeded = errors.New("transaction block height exceeded")

// ExactSvmPayload carries the client-built, partially signed transaction as
// base64.
type ExactSvmPayload struct {
	Transaction string `json:"transaction"`
}

// ToMap flattens the payload for the wire.
func (p *ExactSvmPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{"transaction": p.Transaction}
}

// PayloadFromMap parses a wire payload map.
func PayloadFromMap(data map[string]interface{}) (*ExactSvmPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload data: %w", err)
	}
	var payload ExactSvmPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshaling payload: %w", err)
	}
	if payload.Transaction == "" {
		return nil, fmt.Errorf("missing transaction field in payload")
	}
	return &payload, nil
}

// ClientSigner signs transactions on behalf of the payer.
type ClientSigner interface {
	Address() solana.PublicKey
	// SignTransaction adds the payer's signature in place.
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// FacilitatorWallet is the facilitator's cluster access: fee-payer signing,
// simulation, send, and confirmation.
type FacilitatorWallet interface {
	// GetAddresses lists the fee-payer addresses for a network.
	GetAddresses(ctx context.Context, network string) []solana.PublicKey
	// SignTransaction co-signs as feePayer in place.
	SignTransaction(ctx context.Context, tx *solana.Transaction, feePayer solana.PublicKey, network string) error
	SimulateTransaction(ctx context.Context, tx *solana.Transaction, network string) error
	SendTransaction(ctx context.Context, tx *solana.Transaction, network string) (solana.Signature, error)
	// ConfirmTransaction waits for confirmed commitment, returning
	// ErrBlockHeightExceeded if the transaction expired first.
	ConfirmTransaction(ctx context.Context, signature solana.Signature, network string) error
}

// AssetInfo describes an SPL token.
type AssetInfo struct {
	Address  string
	Symbol   string
	Decimals int
}

// NetworkConfig is the per-cluster configuration.
type NetworkConfig struct {
	Name         string
	CAIP2        string
	RPCURL       string
	DefaultAsset AssetInfo
}

// ClientConfig overrides client defaults, e.g. a private RPC endpoint.
type ClientConfig struct {
	RPCURL string
}
