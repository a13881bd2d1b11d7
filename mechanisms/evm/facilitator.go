package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402labs/go-x402"
)

// ExactEvmFacilitator verifies and settles exact-scheme payments on EVM
// networks through a FacilitatorWallet.
type ExactEvmFacilitator struct {
	wallet FacilitatorWallet
}

// NewExactEvmFacilitator creates the facilitator-side scheme handler.
func NewExactEvmFacilitator(wallet FacilitatorWallet) *ExactEvmFacilitator {
	return &ExactEvmFacilitator{wallet: wallet}
}

func (f *ExactEvmFacilitator) Scheme() string {
	return SchemeExact
}

// GetExtra advertises the transfer methods this facilitator settles and the
// settlement address permit signatures must name as spender.
func (f *ExactEvmFacilitator) GetExtra(network x402.Network) map[string]interface{} {
	extra := map[string]interface{}{
		"supportedTransferMethods": []string{TransferMethodEIP3009, TransferMethodPermit, TransferMethodPermit2},
	}
	if addresses := f.wallet.GetAddresses(); len(addresses) > 0 {
		extra[ExtraKeyPermitSpender] = addresses[0]
	}
	return extra
}

func (f *ExactEvmFacilitator) GetSigners(network x402.Network) []string {
	return f.wallet.GetAddresses()
}

// Verify runs the deterministic rule chain against the payload. Rules check
// cheapest first; the first miss decides the reason.
func (f *ExactEvmFacilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if payload.X402Version != x402.X402Version1 && payload.X402Version != x402.X402Version2 {
		return x402.InvalidVerify(x402.ReasonInvalidX402Version, map[string]interface{}{"version": payload.X402Version}), nil
	}
	scheme, network := payload.SchemeAndNetwork()
	if scheme != SchemeExact {
		return x402.InvalidVerify(x402.ReasonInvalidScheme, map[string]interface{}{"scheme": scheme}), nil
	}
	if !requirements.Network.Match(network) {
		return x402.InvalidVerify(x402.ReasonInvalidNetwork, map[string]interface{}{
			"payloadNetwork": string(network), "requirementsNetwork": string(requirements.Network),
		}), nil
	}
	switch {
	case IsEIP3009Payload(payload.Payload):
		return f.verifyEIP3009(ctx, payload, requirements)
	case IsPermit2Payload(payload.Payload):
		return f.verifyPermit2(ctx, payload, requirements)
	case IsPermitPayload(payload.Payload):
		return f.verifyPermit(ctx, payload, requirements)
	default:
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": "unrecognized exact evm payload shape"}), nil
	}
}

func (f *ExactEvmFacilitator) verifyEIP3009(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	evmPayload, err := EIP3009PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": err.Error()}), nil
	}
	if evmPayload.Signature == "" {
		return x402.InvalidVerify(x402.ReasonEvmSignature, map[string]interface{}{"detail": "missing signature"}), nil
	}
	config, err := GetNetworkConfig(string(requirements.Network))
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidNetwork, map[string]interface{}{"network": string(requirements.Network)}), nil
	}
	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return nil, err
	}

	auth := evmPayload.Authorization
	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return x402.InvalidVerify(x402.ReasonEvmRecipientMismatch, map[string]interface{}{
			"expected": requirements.PayTo, "actual": auth.To,
		}), nil
	}

	authValue, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": "non-numeric authorization value"}), nil
	}
	requiredValue, ok := new(big.Int).SetString(requirements.EffectiveAmount(), 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidRequirements, map[string]interface{}{"detail": "non-numeric required amount"}), nil
	}
	if authValue.Cmp(requiredValue) < 0 {
		return x402.InvalidVerify(x402.ReasonEvmValue, map[string]interface{}{
			"available": authValue.String(), "cost": requiredValue.String(), "unit": "atomic",
		}), nil
	}

	now := time.Now().Unix()
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": "non-numeric validAfter"}), nil
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": "non-numeric validBefore"}), nil
	}
	timeContext := map[string]interface{}{
		"validAfter": auth.ValidAfter, "validBefore": auth.ValidBefore, "now": now,
	}
	if validAfter.Cmp(big.NewInt(now)) > 0 {
		return x402.InvalidVerify(x402.ReasonEvmValidAfter, timeContext), nil
	}
	if validBefore.Cmp(big.NewInt(now+ValidBeforeBuffer)) <= 0 {
		return x402.InvalidVerify(x402.ReasonEvmValidBefore, timeContext), nil
	}

	used, err := f.checkNonceUsed(ctx, auth.From, auth.Nonce, assetInfo.Address)
	if err != nil {
		return nil, fmt.Errorf("checking nonce state: %w", err)
	}
	if used {
		return x402.InvalidVerify(x402.ReasonInvalidTransactionState, map[string]interface{}{"nonce": auth.Nonce}), nil
	}

	balance, err := f.wallet.GetBalance(ctx, auth.From, assetInfo.Address)
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}
	if balance.Cmp(authValue) < 0 {
		return x402.InvalidVerify(x402.ReasonInsufficientFunds, map[string]interface{}{
			"available": balance.String(), "cost": authValue.String(), "unit": "atomic",
		}), nil
	}

	tokenName, tokenVersion := assetInfo.Name, assetInfo.Version
	if name, ok := requirements.Extra["name"].(string); ok {
		tokenName = name
	}
	if v, ok := requirements.Extra["version"].(string); ok {
		tokenVersion = v
	}
	signature, err := HexToBytes(evmPayload.Signature)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonEvmSignature, map[string]interface{}{"detail": "malformed signature hex"}), nil
	}
	domain := TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           config.ChainID,
		VerifyingContract: assetInfo.Address,
	}
	message, err := EIP3009Message(auth)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": err.Error()}), nil
	}
	valid, reason, err := f.verifySignature(ctx, auth.From, domain, EIP3009Types(), "TransferWithAuthorization", message, signature)
	if err != nil {
		return nil, fmt.Errorf("verifying signature: %w", err)
	}
	if !valid {
		return x402.InvalidVerify(reason, nil), nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: auth.From}, nil
}

func (f *ExactEvmFacilitator) verifyPermit2(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	permit2Payload, err := Permit2PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": err.Error()}), nil
	}
	if permit2Payload.Signature == "" {
		return x402.InvalidVerify(x402.ReasonEvmSignature, map[string]interface{}{"detail": "missing signature"}), nil
	}
	config, err := GetNetworkConfig(string(requirements.Network))
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidNetwork, map[string]interface{}{"network": string(requirements.Network)}), nil
	}

	auth := permit2Payload.Permit2Authorization
	if !strings.EqualFold(auth.Witness.To, requirements.PayTo) {
		return x402.InvalidVerify(x402.ReasonEvmRecipientMismatch, map[string]interface{}{
			"expected": requirements.PayTo, "actual": auth.Witness.To,
		}), nil
	}
	if !strings.EqualFold(auth.Permitted.Token, requirements.Asset) {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{
			"detail": "permitted token does not match required asset",
		}), nil
	}
	if !strings.EqualFold(auth.Spender, ExactPermit2ProxyAddress) {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{
			"detail": "spender is not the payment proxy",
		}), nil
	}

	amount, ok := new(big.Int).SetString(auth.Permitted.Amount, 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": "non-numeric permitted amount"}), nil
	}
	requiredValue, ok := new(big.Int).SetString(requirements.EffectiveAmount(), 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidRequirements, map[string]interface{}{"detail": "non-numeric required amount"}), nil
	}
	if amount.Cmp(requiredValue) < 0 {
		return x402.InvalidVerify(x402.ReasonEvmValue, map[string]interface{}{
			"available": amount.String(), "cost": requiredValue.String(), "unit": "atomic",
		}), nil
	}

	now := time.Now().Unix()
	validAfter, ok := new(big.Int).SetString(auth.Witness.ValidAfter, 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": "non-numeric witness validAfter"}), nil
	}
	deadline, ok := new(big.Int).SetString(auth.Deadline, 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": "non-numeric deadline"}), nil
	}
	timeContext := map[string]interface{}{
		"validAfter": auth.Witness.ValidAfter, "validBefore": auth.Deadline, "now": now,
	}
	if validAfter.Cmp(big.NewInt(now)) > 0 {
		return x402.InvalidVerify(x402.ReasonEvmValidAfter, timeContext), nil
	}
	if deadline.Cmp(big.NewInt(now+Permit2DeadlineBuffer)) <= 0 {
		return x402.InvalidVerify(x402.ReasonEvmValidBefore, timeContext), nil
	}

	// Replay check against Permit2's unordered nonce bitmap.
	nonce, ok := new(big.Int).SetString(auth.Nonce, 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": "non-numeric nonce"}), nil
	}
	used, err := f.checkPermit2NonceUsed(ctx, auth.From, nonce)
	if err != nil {
		return nil, fmt.Errorf("checking permit2 nonce: %w", err)
	}
	if used {
		return x402.InvalidVerify(x402.ReasonInvalidTransactionState, map[string]interface{}{"nonce": auth.Nonce}), nil
	}

	// Permit2 pulls through an ERC-20 allowance; without it settle reverts.
	allowance, err := f.wallet.ReadContract(ctx, auth.Permitted.Token, ERC20AllowanceABI, "allowance",
		common.HexToAddress(auth.From), common.HexToAddress(Permit2Address))
	if err != nil {
		return nil, fmt.Errorf("reading allowance: %w", err)
	}
	if allowanceValue, ok := allowance.(*big.Int); ok && allowanceValue.Cmp(amount) < 0 {
		return x402.InvalidVerify(x402.ReasonInsufficientFunds, map[string]interface{}{
			"available": allowanceValue.String(), "cost": amount.String(), "unit": "allowance",
		}), nil
	}
	balance, err := f.wallet.GetBalance(ctx, auth.From, auth.Permitted.Token)
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return x402.InvalidVerify(x402.ReasonInsufficientFunds, map[string]interface{}{
			"available": balance.String(), "cost": amount.String(), "unit": "atomic",
		}), nil
	}

	signature, err := HexToBytes(permit2Payload.Signature)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonEvmSignature, map[string]interface{}{"detail": "malformed signature hex"}), nil
	}
	domain := TypedDataDomain{
		Name:              "Permit2",
		ChainID:           config.ChainID,
		VerifyingContract: Permit2Address,
	}
	message, err := Permit2Message(auth)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": err.Error()}), nil
	}
	valid, reason, err := f.verifySignature(ctx, auth.From, domain, Permit2EIP712Types(), "PermitWitnessTransferFrom", message, signature)
	if err != nil {
		return nil, fmt.Errorf("verifying signature: %w", err)
	}
	if !valid {
		return x402.InvalidVerify(reason, nil), nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: auth.From}, nil
}

func (f *ExactEvmFacilitator) verifyPermit(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	permitPayload, err := PermitPayloadFromMap(payload.Payload)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": err.Error()}), nil
	}
	if permitPayload.Signature == "" {
		return x402.InvalidVerify(x402.ReasonEvmSignature, map[string]interface{}{"detail": "missing signature"}), nil
	}
	config, err := GetNetworkConfig(string(requirements.Network))
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidNetwork, map[string]interface{}{"network": string(requirements.Network)}), nil
	}
	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return nil, err
	}

	// Permit only grants an allowance; the transfer to payTo happens in a
	// second settlement call, so the spender must be one of this
	// facilitator's settlement addresses.
	auth := permitPayload.PermitAuthorization
	spenderHeld := false
	for _, address := range f.wallet.GetAddresses() {
		if strings.EqualFold(auth.Spender, address) {
			spenderHeld = true
			break
		}
	}
	if !spenderHeld {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{
			"detail": "spender is not a settlement address",
		}), nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": "non-numeric permit value"}), nil
	}
	requiredValue, ok := new(big.Int).SetString(requirements.EffectiveAmount(), 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidRequirements, map[string]interface{}{"detail": "non-numeric required amount"}), nil
	}
	if value.Cmp(requiredValue) < 0 {
		return x402.InvalidVerify(x402.ReasonEvmValue, map[string]interface{}{
			"available": value.String(), "cost": requiredValue.String(), "unit": "atomic",
		}), nil
	}

	now := time.Now().Unix()
	deadline, ok := new(big.Int).SetString(auth.Deadline, 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": "non-numeric deadline"}), nil
	}
	if deadline.Cmp(big.NewInt(now+ValidBeforeBuffer)) <= 0 {
		return x402.InvalidVerify(x402.ReasonEvmValidBefore, map[string]interface{}{
			"validBefore": auth.Deadline, "now": now,
		}), nil
	}

	// ERC-2612 nonces are sequential; anything but the current counter
	// value would revert at settle time.
	nonce, ok := new(big.Int).SetString(auth.Nonce, 10)
	if !ok {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": "non-numeric nonce"}), nil
	}
	currentNonce, err := f.readPermitNonce(ctx, assetInfo.Address, auth.Owner)
	if err != nil {
		return nil, fmt.Errorf("reading permit nonce: %w", err)
	}
	if nonce.Cmp(currentNonce) != 0 {
		return x402.InvalidVerify(x402.ReasonInvalidTransactionState, map[string]interface{}{
			"expected": currentNonce.String(), "actual": auth.Nonce,
		}), nil
	}

	balance, err := f.wallet.GetBalance(ctx, auth.Owner, assetInfo.Address)
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}
	if balance.Cmp(value) < 0 {
		return x402.InvalidVerify(x402.ReasonInsufficientFunds, map[string]interface{}{
			"available": balance.String(), "cost": value.String(), "unit": "atomic",
		}), nil
	}

	tokenName, tokenVersion := assetInfo.Name, assetInfo.Version
	if name, ok := requirements.Extra["name"].(string); ok {
		tokenName = name
	}
	if v, ok := requirements.Extra["version"].(string); ok {
		tokenVersion = v
	}
	signature, err := HexToBytes(permitPayload.Signature)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonEvmSignature, map[string]interface{}{"detail": "malformed signature hex"}), nil
	}
	domain := TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           config.ChainID,
		VerifyingContract: assetInfo.Address,
	}
	message, err := PermitMessage(auth)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": err.Error()}), nil
	}
	valid, reason, err := f.verifySignature(ctx, auth.Owner, domain, EIP2612Types(), "Permit", message, signature)
	if err != nil {
		return nil, fmt.Errorf("verifying signature: %w", err)
	}
	if !valid {
		return x402.InvalidVerify(reason, nil), nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: auth.Owner}, nil
}

// verifySignature validates EOA, deployed smart wallet (EIP-1271), and
// ERC-6492 wrapped signatures. Returns the taxonomy reason on rejection.
func (f *ExactEvmFacilitator) verifySignature(
	ctx context.Context,
	payer string,
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
	signature []byte,
) (bool, string, error) {
	wrapped, isWrapped := ParseERC6492Signature(signature)
	code, err := f.wallet.GetCode(ctx, payer)
	if err != nil {
		return false, "", fmt.Errorf("reading code: %w", err)
	}

	if len(code) > 0 {
		digest, err := HashTypedData(domain, types, primaryType, message)
		if err != nil {
			return false, "", err
		}
		inner := signature
		if isWrapped {
			inner = wrapped.InnerSignature
		}
		valid, err := VerifyEIP1271Signature(ctx, f.wallet, payer, [32]byte(digest), inner)
		if err != nil {
			return false, "", err
		}
		if !valid {
			return false, x402.ReasonEvmSignature, nil
		}
		return true, "", nil
	}

	if isWrapped {
		// Counterfactual wallet: the signature can only be validated after
		// deployment, which happens during settlement.
		return false, x402.ReasonEvmUndeployedSmartWallet, nil
	}

	valid, err := f.wallet.VerifyTypedData(ctx, payer, domain, types, primaryType, message, signature)
	if err != nil {
		return false, "", err
	}
	if !valid {
		return false, x402.ReasonEvmSignature, nil
	}
	return true, "", nil
}

// Settle re-verifies, then executes the transfer on-chain and waits for the
// receipt.
func (f *ExactEvmFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	verifyResponse, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !verifyResponse.IsValid {
		return &x402.SettleResponse{
			Success:            false,
			ErrorReason:        verifyResponse.InvalidReason,
			InvalidDescription: verifyResponse.InvalidDescription,
			Context:            verifyResponse.Context,
			Network:            requirements.Network,
		}, nil
	}
	switch {
	case IsPermit2Payload(payload.Payload):
		return f.settlePermit2(ctx, payload, requirements, verifyResponse.Payer)
	case IsPermitPayload(payload.Payload):
		return f.settlePermit(ctx, payload, requirements, verifyResponse.Payer)
	default:
		return f.settleEIP3009(ctx, payload, requirements, verifyResponse.Payer)
	}
}

func (f *ExactEvmFacilitator) settleEIP3009(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements, payer string) (*x402.SettleResponse, error) {
	evmPayload, err := EIP3009PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.FailedSettle(x402.ReasonInvalidPayload, requirements.Network, map[string]interface{}{"detail": err.Error()}), nil
	}
	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return nil, err
	}
	auth := evmPayload.Authorization
	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonceBytes, err := HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return x402.FailedSettle(x402.ReasonInvalidPayload, requirements.Network, map[string]interface{}{"detail": "malformed nonce"}), nil
	}
	signature, err := HexToBytes(evmPayload.Signature)
	if err != nil {
		return x402.FailedSettle(x402.ReasonEvmSignature, requirements.Network, nil), nil
	}

	from := common.HexToAddress(auth.From)
	to := common.HexToAddress(auth.To)

	var txHash string
	if len(signature) == 65 {
		r := [32]byte(signature[0:32])
		s := [32]byte(signature[32:64])
		v := signature[64]
		txHash, err = f.wallet.WriteContract(ctx, assetInfo.Address, TransferWithAuthorizationABI,
			FunctionTransferWithAuthorization, from, to, value, validAfter, validBefore, [32]byte(nonceBytes), v, r, s)
	} else {
		// Smart wallet signatures go through the bytes overload.
		txHash, err = f.wallet.WriteContract(ctx, assetInfo.Address, TransferWithAuthorizationBytesABI,
			FunctionTransferWithAuthorization, from, to, value, validAfter, validBefore, [32]byte(nonceBytes), signature)
	}
	if err != nil {
		return x402.FailedSettle(x402.ReasonUnexpectedSettleError, requirements.Network, map[string]interface{}{"detail": err.Error()}), nil
	}
	return f.awaitReceipt(ctx, txHash, requirements.Network, payer)
}

func (f *ExactEvmFacilitator) settlePermit2(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements, payer string) (*x402.SettleResponse, error) {
	permit2Payload, err := Permit2PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.FailedSettle(x402.ReasonInvalidPayload, requirements.Network, map[string]interface{}{"detail": err.Error()}), nil
	}
	auth := permit2Payload.Permit2Authorization
	amount, _ := new(big.Int).SetString(auth.Permitted.Amount, 10)
	nonce, _ := new(big.Int).SetString(auth.Nonce, 10)
	deadline, _ := new(big.Int).SetString(auth.Deadline, 10)
	validAfter, _ := new(big.Int).SetString(auth.Witness.ValidAfter, 10)
	extra, err := HexToBytes(auth.Witness.Extra)
	if err != nil {
		return x402.FailedSettle(x402.ReasonInvalidPayload, requirements.Network, map[string]interface{}{"detail": "malformed witness extra"}), nil
	}
	signature, err := HexToBytes(permit2Payload.Signature)
	if err != nil {
		return x402.FailedSettle(x402.ReasonEvmSignature, requirements.Network, nil), nil
	}

	permit := struct {
		Permitted struct {
			Token  common.Address
			Amount *big.Int
		}
		Nonce    *big.Int
		Deadline *big.Int
	}{
		Permitted: struct {
			Token  common.Address
			Amount *big.Int
		}{Token: common.HexToAddress(auth.Permitted.Token), Amount: amount},
		Nonce:    nonce,
		Deadline: deadline,
	}
	witness := struct {
		To         common.Address
		ValidAfter *big.Int
		Extra      []byte
	}{
		To:         common.HexToAddress(auth.Witness.To),
		ValidAfter: validAfter,
		Extra:      extra,
	}

	txHash, err := f.wallet.WriteContract(ctx, ExactPermit2ProxyAddress, ExactPermit2ProxySettleABI,
		FunctionSettle, permit, common.HexToAddress(auth.From), witness, signature)
	if err != nil {
		return x402.FailedSettle(x402.ReasonUnexpectedSettleError, requirements.Network, map[string]interface{}{"detail": err.Error()}), nil
	}
	return f.awaitReceipt(ctx, txHash, requirements.Network, payer)
}

// settlePermit consumes the permit to grant the allowance, then pulls the
// funds to payTo with transferFrom. Two transactions, both waited on.
func (f *ExactEvmFacilitator) settlePermit(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements, payer string) (*x402.SettleResponse, error) {
	permitPayload, err := PermitPayloadFromMap(payload.Payload)
	if err != nil {
		return x402.FailedSettle(x402.ReasonInvalidPayload, requirements.Network, map[string]interface{}{"detail": err.Error()}), nil
	}
	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return nil, err
	}
	auth := permitPayload.PermitAuthorization
	value, _ := new(big.Int).SetString(auth.Value, 10)
	deadline, _ := new(big.Int).SetString(auth.Deadline, 10)
	signature, err := HexToBytes(permitPayload.Signature)
	if err != nil {
		return x402.FailedSettle(x402.ReasonEvmSignature, requirements.Network, nil), nil
	}
	// permit takes v, r, s directly, so only 65-byte EOA signatures settle.
	if len(signature) != 65 {
		return x402.FailedSettle(x402.ReasonEvmSignature, requirements.Network, map[string]interface{}{
			"detail": "permit requires a 65-byte signature",
		}), nil
	}
	r := [32]byte(signature[0:32])
	s := [32]byte(signature[32:64])
	v := signature[64]

	owner := common.HexToAddress(auth.Owner)
	spender := common.HexToAddress(auth.Spender)

	permitTx, err := f.wallet.WriteContract(ctx, assetInfo.Address, ERC20PermitABI,
		FunctionPermit, owner, spender, value, deadline, v, r, s)
	if err != nil {
		return x402.FailedSettle(x402.ReasonUnexpectedSettleError, requirements.Network, map[string]interface{}{"detail": err.Error()}), nil
	}
	permitReceipt, err := f.wallet.WaitForTransactionReceipt(ctx, permitTx)
	if err != nil {
		response := x402.FailedSettle(x402.ReasonUnexpectedSettleError, requirements.Network, map[string]interface{}{"detail": err.Error()})
		response.Transaction = permitTx
		return response, nil
	}
	if permitReceipt.Status != TxStatusSuccess {
		response := x402.FailedSettle(x402.ReasonInvalidTransactionState, requirements.Network, map[string]interface{}{"blockNumber": permitReceipt.BlockNumber})
		response.Transaction = permitTx
		return response, nil
	}

	transferTx, err := f.wallet.WriteContract(ctx, assetInfo.Address, ERC20TransferFromABI,
		FunctionTransferFrom, owner, common.HexToAddress(requirements.PayTo), value)
	if err != nil {
		return x402.FailedSettle(x402.ReasonUnexpectedSettleError, requirements.Network, map[string]interface{}{"detail": err.Error()}), nil
	}
	return f.awaitReceipt(ctx, transferTx, requirements.Network, payer)
}

func (f *ExactEvmFacilitator) awaitReceipt(ctx context.Context, txHash string, network x402.Network, payer string) (*x402.SettleResponse, error) {
	receipt, err := f.wallet.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		response := x402.FailedSettle(x402.ReasonUnexpectedSettleError, network, map[string]interface{}{"detail": err.Error()})
		response.Transaction = txHash
		return response, nil
	}
	if receipt.Status != TxStatusSuccess {
		response := x402.FailedSettle(x402.ReasonInvalidTransactionState, network, map[string]interface{}{"blockNumber": receipt.BlockNumber})
		response.Transaction = txHash
		return response, nil
	}
	return &x402.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     network,
		Payer:       payer,
	}, nil
}

func (f *ExactEvmFacilitator) checkNonceUsed(ctx context.Context, from, nonce, tokenAddress string) (bool, error) {
	nonceBytes, err := HexToBytes(nonce)
	if err != nil || len(nonceBytes) != 32 {
		return false, fmt.Errorf("malformed nonce %q", nonce)
	}
	result, err := f.wallet.ReadContract(ctx, tokenAddress, AuthorizationStateABI,
		FunctionAuthorizationState, common.HexToAddress(from), [32]byte(nonceBytes))
	if err != nil {
		return false, err
	}
	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result type %T", result)
	}
	return used, nil
}

func (f *ExactEvmFacilitator) readPermitNonce(ctx context.Context, tokenAddress, owner string) (*big.Int, error) {
	result, err := f.wallet.ReadContract(ctx, tokenAddress, EIP2612NoncesABI,
		FunctionNonces, common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	nonce, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonces result type %T", result)
	}
	return nonce, nil
}

func (f *ExactEvmFacilitator) checkPermit2NonceUsed(ctx context.Context, owner string, nonce *big.Int) (bool, error) {
	wordPos := new(big.Int).Rsh(nonce, 8)
	bitPos := uint(nonce.Uint64() & 0xff)
	result, err := f.wallet.ReadContract(ctx, Permit2Address, Permit2NonceBitmapABI,
		"nonceBitmap", common.HexToAddress(owner), wordPos)
	if err != nil {
		return false, err
	}
	bitmap, ok := result.(*big.Int)
	if !ok {
		return false, fmt.Errorf("unexpected nonceBitmap result type %T", result)
	}
	return bitmap.Bit(int(bitPos)) == 1, nil
}
