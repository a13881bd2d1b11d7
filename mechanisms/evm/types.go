package evm

import (
	"context"
	"fmt"
	"math/big"
)

// EIP3009Authorization is the TransferWithAuthorization message. All numeric
// fields travel as decimal strings, the nonce as 0x-prefixed hex.
type EIP3009Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// EIP3009Payload is the exact-scheme payload for EIP-3009 transfers.
type EIP3009Payload struct {
	Signature     string               `json:"signature,omitempty"`
	Authorization EIP3009Authorization `json:"authorization"`
}

// Permit2TokenPermissions is the permitted token and amount in a Permit2
// signature.
type Permit2TokenPermissions struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// Permit2Witness is the x402 witness bound into the Permit2 signature and
// verified on-chain by the payment proxy. The upper time bound lives in
// Permit2's own deadline field.
type Permit2Witness struct {
	To         string `json:"to"`
	ValidAfter string `json:"validAfter"`
	Extra      string `json:"extra"`
}

// Permit2Authorization maps to PermitWitnessTransferFrom.
type Permit2Authorization struct {
	From      string                  `json:"from"`
	Permitted Permit2TokenPermissions `json:"permitted"`
	Spender   string                  `json:"spender"`
	Nonce     string                  `json:"nonce"`
	Deadline  string                  `json:"deadline"`
	Witness   Permit2Witness          `json:"witness"`
}

// Permit2Payload is the exact-scheme payload for Permit2 transfers.
type Permit2Payload struct {
	Signature            string               `json:"signature"`
	Permit2Authorization Permit2Authorization `json:"permit2Authorization"`
}

// PermitAuthorization is the ERC-2612 Permit message. Value, nonce and
// deadline travel as decimal strings; the nonce is the token's sequential
// nonces(owner) counter.
type PermitAuthorization struct {
	Owner    string `json:"owner"`
	Spender  string `json:"spender"`
	Value    string `json:"value"`
	Nonce    string `json:"nonce"`
	Deadline string `json:"deadline"`
}

// PermitPayload is the exact-scheme payload for ERC-2612 permit transfers.
// The spender must be a facilitator settlement address; settlement calls
// permit then transferFrom.
type PermitPayload struct {
	Signature           string              `json:"signature"`
	PermitAuthorization PermitAuthorization `json:"permitAuthorization"`
}

// IsEIP3009Payload reports whether a scheme payload map carries an EIP-3009
// authorization.
func IsEIP3009Payload(data map[string]interface{}) bool {
	_, ok := data["authorization"]
	return ok
}

// IsPermit2Payload reports whether a scheme payload map carries a Permit2
// authorization.
func IsPermit2Payload(data map[string]interface{}) bool {
	_, ok := data["permit2Authorization"]
	return ok
}

// IsPermitPayload reports whether a scheme payload map carries an ERC-2612
// permit authorization.
func IsPermitPayload(data map[string]interface{}) bool {
	_, ok := data["permitAuthorization"]
	return ok
}

// ToMap flattens the payload for the wire.
func (p *EIP3009Payload) ToMap() map[string]interface{} {
	out := map[string]interface{}{
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
	if p.Signature != "" {
		out["signature"] = p.Signature
	}
	return out
}

// EIP3009PayloadFromMap parses a wire payload map.
func EIP3009PayloadFromMap(data map[string]interface{}) (*EIP3009Payload, error) {
	payload := &EIP3009Payload{}
	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}
	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing authorization field")
	}
	fields := map[string]*string{
		"from":        &payload.Authorization.From,
		"to":          &payload.Authorization.To,
		"value":       &payload.Authorization.Value,
		"validAfter":  &payload.Authorization.ValidAfter,
		"validBefore": &payload.Authorization.ValidBefore,
		"nonce":       &payload.Authorization.Nonce,
	}
	for name, dst := range fields {
		v, ok := auth[name].(string)
		if !ok {
			return nil, fmt.Errorf("missing or invalid authorization.%s field", name)
		}
		*dst = v
	}
	return payload, nil
}

// ToMap flattens the payload for the wire.
func (p *Permit2Payload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"permit2Authorization": map[string]interface{}{
			"from": p.Permit2Authorization.From,
			"permitted": map[string]interface{}{
				"token":  p.Permit2Authorization.Permitted.Token,
				"amount": p.Permit2Authorization.Permitted.Amount,
			},
			"spender":  p.Permit2Authorization.Spender,
			"nonce":    p.Permit2Authorization.Nonce,
			"deadline": p.Permit2Authorization.Deadline,
			"witness": map[string]interface{}{
				"to":         p.Permit2Authorization.Witness.To,
				"validAfter": p.Permit2Authorization.Witness.ValidAfter,
				"extra":      p.Permit2Authorization.Witness.Extra,
			},
		},
	}
}

// Permit2PayloadFromMap parses a wire payload map.
func Permit2PayloadFromMap(data map[string]interface{}) (*Permit2Payload, error) {
	payload := &Permit2Payload{}
	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}
	auth, ok := data["permit2Authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing permit2Authorization field")
	}
	strField := func(m map[string]interface{}, name string, dst *string) error {
		v, ok := m[name].(string)
		if !ok {
			return fmt.Errorf("missing or invalid %s field", name)
		}
		*dst = v
		return nil
	}
	if err := strField(auth, "from", &payload.Permit2Authorization.From); err != nil {
		return nil, err
	}
	if err := strField(auth, "spender", &payload.Permit2Authorization.Spender); err != nil {
		return nil, err
	}
	if err := strField(auth, "nonce", &payload.Permit2Authorization.Nonce); err != nil {
		return nil, err
	}
	if err := strField(auth, "deadline", &payload.Permit2Authorization.Deadline); err != nil {
		return nil, err
	}
	permitted, ok := auth["permitted"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing permitted field")
	}
	if err := strField(permitted, "token", &payload.Permit2Authorization.Permitted.Token); err != nil {
		return nil, err
	}
	if err := strField(permitted, "amount", &payload.Permit2Authorization.Permitted.Amount); err != nil {
		return nil, err
	}
	witness, ok := auth["witness"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing witness field")
	}
	if err := strField(witness, "to", &payload.Permit2Authorization.Witness.To); err != nil {
		return nil, err
	}
	if err := strField(witness, "validAfter", &payload.Permit2Authorization.Witness.ValidAfter); err != nil {
		return nil, err
	}
	if extra, ok := witness["extra"].(string); ok {
		payload.Permit2Authorization.Witness.Extra = extra
	} else {
		payload.Permit2Authorization.Witness.Extra = "0x"
	}
	return payload, nil
}

// ToMap flattens the payload for the wire.
func (p *PermitPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"permitAuthorization": map[string]interface{}{
			"owner":    p.PermitAuthorization.Owner,
			"spender":  p.PermitAuthorization.Spender,
			"value":    p.PermitAuthorization.Value,
			"nonce":    p.PermitAuthorization.Nonce,
			"deadline": p.PermitAuthorization.Deadline,
		},
	}
}

// PermitPayloadFromMap parses a wire payload map.
func PermitPayloadFromMap(data map[string]interface{}) (*PermitPayload, error) {
	payload := &PermitPayload{}
	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}
	auth, ok := data["permitAuthorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing permitAuthorization field")
	}
	fields := map[string]*string{
		"owner":    &payload.PermitAuthorization.Owner,
		"spender":  &payload.PermitAuthorization.Spender,
		"value":    &payload.PermitAuthorization.Value,
		"nonce":    &payload.PermitAuthorization.Nonce,
		"deadline": &payload.PermitAuthorization.Deadline,
	}
	for name, dst := range fields {
		v, ok := auth[name].(string)
		if !ok {
			return nil, fmt.Errorf("missing or invalid permitAuthorization.%s field", name)
		}
		*dst = v
	}
	return payload, nil
}

// TypedDataDomain is the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField is one field of an EIP-712 type.
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt is the mined-transaction summary the facilitator needs.
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// AssetInfo describes an ERC-20 token for EIP-712 domains.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig is the per-chain configuration.
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

// ContractReader is the optional read-only chain access a client signer can
// expose. Permit payload creation asserts it to fetch the token's sequential
// nonce.
type ContractReader interface {
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)
}

// ClientSigner signs EIP-712 typed data on behalf of the payer.
type ClientSigner interface {
	Address() string
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)
}

// FacilitatorWallet is the facilitator's chain access: reads, writes, and
// signature verification against one EVM network.
type FacilitatorWallet interface {
	// GetAddresses lists the settlement addresses, enabling rotation.
	GetAddresses() []string
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)
	VerifyTypedData(ctx context.Context, address string, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error)
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)
	GetChainID(ctx context.Context) (*big.Int, error)
	// GetCode distinguishes smart wallets from EOAs; empty means EOA.
	GetCode(ctx context.Context, address string) ([]byte, error)
}

// ERC6492Signature is a parsed ERC-6492 wrapper around a smart wallet
// signature, carrying the deployment needed before EIP-1271 validation.
type ERC6492Signature struct {
	Factory         string
	FactoryCalldata []byte
	InnerSignature  []byte
}
