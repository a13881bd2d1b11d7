package svm

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	solana "github.com/gagliardetto/solana-go"

	x402 "github.com/x402labs/go-x402"
)

// ExactSvmFacilitator verifies and settles exact-scheme payments on Solana
// clusters through a FacilitatorWallet. Verification deconstructs the
// client-built transaction instruction by instruction; nothing about the
// transaction is taken on trust.
type ExactSvmFacilitator struct {
	wallet FacilitatorWallet
}

// NewExactSvmFacilitator creates the facilitator-side scheme handler.
func NewExactSvmFacilitator(wallet FacilitatorWallet) *ExactSvmFacilitator {
	return &ExactSvmFacilitator{wallet: wallet}
}

func (f *ExactSvmFacilitator) Scheme() string {
	return SchemeExact
}

// GetExtra advertises the fee payer clients must build around.
func (f *ExactSvmFacilitator) GetExtra(network x402.Network) map[string]interface{} {
	addresses := f.wallet.GetAddresses(context.Background(), string(network))
	if len(addresses) == 0 {
		return nil
	}
	return map[string]interface{}{ExtraKeyFeePayer: addresses[0].String()}
}

func (f *ExactSvmFacilitator) GetSigners(network x402.Network) []string {
	addresses := f.wallet.GetAddresses(context.Background(), string(network))
	signers := make([]string, len(addresses))
	for i, address := range addresses {
		signers[i] = address.String()
	}
	return signers
}

// Verify runs the deterministic deconstruction chain against the payload.
// Rules check cheapest first; the first miss decides the reason.
func (f *ExactSvmFacilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
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
	if !IsValidNetwork(string(requirements.Network)) {
		return x402.InvalidVerify(x402.ReasonInvalidNetwork, map[string]interface{}{"network": string(requirements.Network)}), nil
	}

	svmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidPayload, map[string]interface{}{"detail": err.Error()}), nil
	}
	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonSvmNotDecodable, map[string]interface{}{"detail": err.Error()}), nil
	}
	response, _, err := f.verifyTransaction(ctx, tx, requirements)
	return response, err
}

// verifyTransaction applies the instruction-sequence rules and returns the
// deconstructed transfer alongside the verdict.
func (f *ExactSvmFacilitator) verifyTransaction(ctx context.Context, tx *solana.Transaction, requirements x402.PaymentRequirements) (*x402.VerifyResponse, *TransferCheckedDetails, error) {
	instructions := tx.Message.Instructions

	// Layout is [cuLimit, cuPrice, transferChecked] with an optional
	// createIdempotent ATA instruction before the transfer.
	if len(instructions) != 3 && len(instructions) != 4 {
		return x402.InvalidVerify(x402.ReasonSvmInstructionsLength, map[string]interface{}{
			"count": len(instructions),
		}), nil, nil
	}

	if _, err := ParseComputeUnitLimit(tx, instructions[0]); err != nil {
		return x402.InvalidVerify(x402.ReasonSvmComputeLimit, map[string]interface{}{"detail": err.Error()}), nil, nil
	}
	price, err := ParseComputeUnitPrice(tx, instructions[1])
	if err != nil {
		return x402.InvalidVerify(x402.ReasonSvmComputePrice, map[string]interface{}{"detail": err.Error()}), nil, nil
	}
	if price > MaxComputeUnitPriceMicrolamports {
		return x402.InvalidVerify(x402.ReasonSvmComputePriceTooHigh, map[string]interface{}{
			"price": price, "max": uint64(MaxComputeUnitPriceMicrolamports),
		}), nil, nil
	}
	var create *CreateATADetails
	if len(instructions) == 4 {
		create, err = ParseCreateATAIdempotent(tx, instructions[2])
		if err != nil {
			return x402.InvalidVerify(x402.ReasonSvmInstructionsLength, map[string]interface{}{
				"detail": "instruction 2 is not createAssociatedTokenAccountIdempotent",
			}), nil, nil
		}
	}
	transfer, err := ParseTransferChecked(tx, instructions[len(instructions)-1])
	if err != nil {
		return x402.InvalidVerify(x402.ReasonSvmNoTransfer, map[string]interface{}{"detail": err.Error()}), nil, nil
	}

	feePayer, err := FeePayerFromTransaction(tx)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonSvmNotDecodable, map[string]interface{}{"detail": err.Error()}), nil, nil
	}
	expectedFeePayer, ok := requirements.Extra[ExtraKeyFeePayer].(string)
	if !ok || expectedFeePayer == "" {
		return x402.InvalidVerify(x402.ReasonInvalidRequirements, map[string]interface{}{
			"detail": "requirements missing feePayer extra",
		}), nil, nil
	}
	if feePayer.String() != expectedFeePayer {
		return x402.InvalidVerify(x402.ReasonSvmFeePayerMismatch, map[string]interface{}{
			"expected": expectedFeePayer, "actual": feePayer.String(),
		}), nil, nil
	}
	if transfer.Owner.Equals(feePayer) {
		return x402.InvalidVerify(x402.ReasonSvmFeePayerTransferring, map[string]interface{}{
			"feePayer": feePayer.String(),
		}), nil, nil
	}

	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidRequirements, map[string]interface{}{"detail": err.Error()}), nil, nil
	}
	if transfer.Mint.String() != assetInfo.Address {
		return x402.InvalidVerify(x402.ReasonSvmMintMismatch, map[string]interface{}{
			"expected": assetInfo.Address, "actual": transfer.Mint.String(),
		}), nil, nil
	}

	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidRequirements, map[string]interface{}{
			"detail": fmt.Sprintf("invalid payTo: %v", err),
		}), nil, nil
	}
	expectedATA, err := FindAssociatedTokenAddress(payTo, transfer.Mint, transfer.TokenProgram)
	if err != nil {
		return nil, nil, err
	}
	if !transfer.Destination.Equals(expectedATA) {
		return x402.InvalidVerify(x402.ReasonSvmIncorrectATA, map[string]interface{}{
			"expected": expectedATA.String(), "actual": transfer.Destination.String(),
		}), nil, nil
	}
	// An optional create instruction may only open the payee's ATA for the
	// required mint, funded by the fee payer or the paying owner.
	if create != nil {
		if !create.Owner.Equals(payTo) || create.Mint.String() != assetInfo.Address || !create.ATA.Equals(expectedATA) {
			return x402.InvalidVerify(x402.ReasonSvmCreateATAMismatch, map[string]interface{}{
				"owner": create.Owner.String(), "mint": create.Mint.String(), "ata": create.ATA.String(),
				"expectedOwner": payTo.String(), "expectedMint": assetInfo.Address, "expectedAta": expectedATA.String(),
			}), nil, nil
		}
		if !create.Payer.Equals(feePayer) && !create.Payer.Equals(transfer.Owner) {
			return x402.InvalidVerify(x402.ReasonSvmCreateATAMismatch, map[string]interface{}{
				"detail": "create account funded by an account that is neither the fee payer nor the token payer",
			}), nil, nil
		}
	}

	required, err := strconv.ParseUint(requirements.EffectiveAmount(), 10, 64)
	if err != nil {
		return x402.InvalidVerify(x402.ReasonInvalidRequirements, map[string]interface{}{
			"detail": fmt.Sprintf("invalid amount %q", requirements.EffectiveAmount()),
		}), nil, nil
	}
	if transfer.Amount < required {
		return x402.InvalidVerify(x402.ReasonSvmAmountInsufficient, map[string]interface{}{
			"available": strconv.FormatUint(transfer.Amount, 10),
			"cost":      strconv.FormatUint(required, 10),
			"unit":      "base units",
		}), nil, nil
	}

	if err := f.wallet.SimulateTransaction(ctx, tx, string(requirements.Network)); err != nil {
		return x402.InvalidVerify(x402.ReasonSvmSimulationFailed, map[string]interface{}{"detail": err.Error()}), nil, nil
	}

	return &x402.VerifyResponse{IsValid: true, Payer: transfer.Owner.String()}, transfer, nil
}

// Settle re-verifies, co-signs as fee payer, broadcasts, and waits for
// confirmed commitment.
func (f *ExactSvmFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	svmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.FailedSettle(x402.ReasonInvalidPayload, requirements.Network, map[string]interface{}{"detail": err.Error()}), nil
	}
	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return x402.FailedSettle(x402.ReasonSvmNotDecodable, requirements.Network, map[string]interface{}{"detail": err.Error()}), nil
	}

	verifyResponse, transfer, err := f.verifyTransaction(ctx, tx, requirements)
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

	feePayer, err := FeePayerFromTransaction(tx)
	if err != nil {
		return nil, err
	}
	network := string(requirements.Network)
	if err := f.wallet.SignTransaction(ctx, tx, feePayer, network); err != nil {
		return nil, fmt.Errorf("co-signing as fee payer: %w", err)
	}
	signature, err := f.wallet.SendTransaction(ctx, tx, network)
	if err != nil {
		return x402.FailedSettle(x402.ReasonInvalidTransactionState, requirements.Network, map[string]interface{}{
			"detail": err.Error(),
		}), nil
	}
	if err := f.wallet.ConfirmTransaction(ctx, signature, network); err != nil {
		if errors.Is(err, ErrBlockHeightExceeded) {
			return x402.FailedSettle(x402.ReasonSvmBlockHeightExceeded, requirements.Network, map[string]interface{}{
				"transaction": signature.String(),
			}), nil
		}
		return x402.FailedSettle(x402.ReasonInvalidTransactionState, requirements.Network, map[string]interface{}{
			"transaction": signature.String(), "detail": err.Error(),
		}), nil
	}

	return &x402.SettleResponse{
		Success:     true,
		Transaction: signature.String(),
		Network:     requirements.Network,
		Payer:       transfer.Owner.String(),
	}, nil
}
