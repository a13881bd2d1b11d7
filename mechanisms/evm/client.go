package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402labs/go-x402"
)

// ExactEvmClient signs exact-scheme payment payloads with a ClientSigner.
// The transfer method comes from requirements extra; EIP-3009 is the
// default.
type ExactEvmClient struct {
	signer ClientSigner
}

// NewExactEvmClient creates the client-side scheme handler.
func NewExactEvmClient(signer ClientSigner) *ExactEvmClient {
	return &ExactEvmClient{signer: signer}
}

func (c *ExactEvmClient) Scheme() string {
	return SchemeExact
}

// CreatePaymentPayload builds and signs the scheme payload for the
// requirements. The runtime fills accepted/resource/extensions afterwards.
func (c *ExactEvmClient) CreatePaymentPayload(ctx context.Context, version int, requirements x402.PaymentRequirements) (x402.PaymentPayload, error) {
	networkStr := string(requirements.Network)
	if !IsValidNetwork(networkStr) {
		return x402.PaymentPayload{}, fmt.Errorf("unsupported network: %s", requirements.Network)
	}
	method := TransferMethodEIP3009
	if m, ok := requirements.Extra[ExtraKeyAssetTransferMethod].(string); ok && m != "" {
		method = m
	}
	switch method {
	case TransferMethodEIP3009:
		return c.createEIP3009Payload(ctx, version, requirements)
	case TransferMethodPermit:
		return c.createPermitPayload(ctx, version, requirements)
	case TransferMethodPermit2:
		return c.createPermit2Payload(ctx, version, requirements)
	default:
		return x402.PaymentPayload{}, fmt.Errorf("unsupported asset transfer method: %s", method)
	}
}

func (c *ExactEvmClient) createEIP3009Payload(ctx context.Context, version int, requirements x402.PaymentRequirements) (x402.PaymentPayload, error) {
	config, err := GetNetworkConfig(string(requirements.Network))
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	value, ok := new(big.Int).SetString(requirements.EffectiveAmount(), 10)
	if !ok {
		return x402.PaymentPayload{}, fmt.Errorf("invalid amount: %s", requirements.EffectiveAmount())
	}
	nonce, err := CreateNonce()
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	window := time.Duration(DefaultValidityPeriod) * time.Second
	if requirements.MaxTimeoutSeconds > 0 {
		window = time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	}
	validAfter, validBefore := CreateValidityWindow(window)

	tokenName, tokenVersion := assetInfo.Name, assetInfo.Version
	if name, ok := requirements.Extra["name"].(string); ok {
		tokenName = name
	}
	if v, ok := requirements.Extra["version"].(string); ok {
		tokenVersion = v
	}

	authorization := EIP3009Authorization{
		From:        c.signer.Address(),
		To:          requirements.PayTo,
		Value:       value.String(),
		ValidAfter:  validAfter.String(),
		ValidBefore: validBefore.String(),
		Nonce:       nonce,
	}
	message, err := EIP3009Message(authorization)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	domain := TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           config.ChainID,
		VerifyingContract: assetInfo.Address,
	}
	signature, err := c.signer.SignTypedData(ctx, domain, EIP3009Types(), "TransferWithAuthorization", message)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("signing authorization: %w", err)
	}
	payload := &EIP3009Payload{
		Signature:     BytesToHex(signature),
		Authorization: authorization,
	}
	return x402.PaymentPayload{X402Version: version, Payload: payload.ToMap()}, nil
}

func (c *ExactEvmClient) createPermitPayload(ctx context.Context, version int, requirements x402.PaymentRequirements) (x402.PaymentPayload, error) {
	config, err := GetNetworkConfig(string(requirements.Network))
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	value, ok := new(big.Int).SetString(requirements.EffectiveAmount(), 10)
	if !ok {
		return x402.PaymentPayload{}, fmt.Errorf("invalid amount: %s", requirements.EffectiveAmount())
	}
	// The facilitator calls transferFrom after consuming the permit, so the
	// signature must name its settlement address as spender.
	spender, ok := requirements.Extra[ExtraKeyPermitSpender].(string)
	if !ok || spender == "" {
		return x402.PaymentPayload{}, fmt.Errorf("permit requires a %s entry in requirements extra", ExtraKeyPermitSpender)
	}

	nonce, err := c.permitNonce(ctx, requirements, assetInfo.Address)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	window := time.Duration(DefaultValidityPeriod) * time.Second
	if requirements.MaxTimeoutSeconds > 0 {
		window = time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	}
	_, deadline := CreateValidityWindow(window)

	tokenName, tokenVersion := assetInfo.Name, assetInfo.Version
	if name, ok := requirements.Extra["name"].(string); ok {
		tokenName = name
	}
	if v, ok := requirements.Extra["version"].(string); ok {
		tokenVersion = v
	}

	authorization := PermitAuthorization{
		Owner:    c.signer.Address(),
		Spender:  spender,
		Value:    value.String(),
		Nonce:    nonce.String(),
		Deadline: deadline.String(),
	}
	message, err := PermitMessage(authorization)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	domain := TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           config.ChainID,
		VerifyingContract: assetInfo.Address,
	}
	signature, err := c.signer.SignTypedData(ctx, domain, EIP2612Types(), "Permit", message)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("signing permit: %w", err)
	}
	payload := &PermitPayload{
		Signature:           BytesToHex(signature),
		PermitAuthorization: authorization,
	}
	return x402.PaymentPayload{X402Version: version, Payload: payload.ToMap()}, nil
}

// permitNonce resolves the token's sequential nonce: a value the resource
// pinned in requirements extra wins, otherwise it is read from the token
// when the signer exposes chain access.
func (c *ExactEvmClient) permitNonce(ctx context.Context, requirements x402.PaymentRequirements, tokenAddress string) (*big.Int, error) {
	if pinned, ok := requirements.Extra["permitNonce"].(string); ok && pinned != "" {
		nonce, ok := new(big.Int).SetString(pinned, 10)
		if !ok {
			return nil, fmt.Errorf("invalid permitNonce: %s", pinned)
		}
		return nonce, nil
	}
	reader, ok := c.signer.(ContractReader)
	if !ok {
		return nil, fmt.Errorf("permit requires a permitNonce entry or a signer with chain access")
	}
	result, err := reader.ReadContract(ctx, tokenAddress, EIP2612NoncesABI, FunctionNonces, common.HexToAddress(c.signer.Address()))
	if err != nil {
		return nil, fmt.Errorf("reading permit nonce: %w", err)
	}
	nonce, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonces result type %T", result)
	}
	return nonce, nil
}

func (c *ExactEvmClient) createPermit2Payload(ctx context.Context, version int, requirements x402.PaymentRequirements) (x402.PaymentPayload, error) {
	config, err := GetNetworkConfig(string(requirements.Network))
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	amount, ok := new(big.Int).SetString(requirements.EffectiveAmount(), 10)
	if !ok {
		return x402.PaymentPayload{}, fmt.Errorf("invalid amount: %s", requirements.EffectiveAmount())
	}
	// Permit2 nonces are unordered uint256 values; a random 32-byte nonce
	// avoids coordination.
	nonceHex, err := CreateNonce()
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	nonceBytes, err := HexToBytes(nonceHex)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	nonce := new(big.Int).SetBytes(nonceBytes)

	window := time.Duration(DefaultValidityPeriod) * time.Second
	if requirements.MaxTimeoutSeconds > 0 {
		window = time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	}
	validAfter, deadline := CreateValidityWindow(window)

	spender := ExactPermit2ProxyAddress
	if s, ok := requirements.Extra["permit2Spender"].(string); ok && s != "" {
		spender = s
	}
	authorization := Permit2Authorization{
		From: c.signer.Address(),
		Permitted: Permit2TokenPermissions{
			Token:  requirements.Asset,
			Amount: amount.String(),
		},
		Spender:  spender,
		Nonce:    nonce.String(),
		Deadline: deadline.String(),
		Witness: Permit2Witness{
			To:         requirements.PayTo,
			ValidAfter: validAfter.String(),
			Extra:      "0x",
		},
	}
	message, err := Permit2Message(authorization)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	domain := TypedDataDomain{
		Name:              "Permit2",
		ChainID:           config.ChainID,
		VerifyingContract: Permit2Address,
	}
	signature, err := c.signer.SignTypedData(ctx, domain, Permit2EIP712Types(), "PermitWitnessTransferFrom", message)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("signing permit: %w", err)
	}
	payload := &Permit2Payload{
		Signature:            BytesToHex(signature),
		Permit2Authorization: authorization,
	}
	return x402.PaymentPayload{X402Version: version, Payload: payload.ToMap()}, nil
}
