package svm

import (
	"context"
	"fmt"
	"strconv"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/x402labs/go-x402"
)

// ExactSvmClient builds and part-signs exact-scheme payment transactions.
// The facilitator's fee payer completes the signature set at settle time.
type ExactSvmClient struct {
	signer ClientSigner
	config ClientConfig
}

// NewExactSvmClient creates the client-side scheme handler.
func NewExactSvmClient(signer ClientSigner, config ...ClientConfig) *ExactSvmClient {
	c := &ExactSvmClient{signer: signer}
	if len(config) > 0 {
		c.config = config[0]
	}
	return c
}

func (c *ExactSvmClient) Scheme() string {
	return SchemeExact
}

func (c *ExactSvmClient) rpcClient(network string) (*rpc.Client, error) {
	if c.config.RPCURL != "" {
		return rpc.New(c.config.RPCURL), nil
	}
	networkConfig, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	return rpc.New(networkConfig.RPCURL), nil
}

// CreatePaymentPayload assembles the compute budget, optional destination
// ATA create, and transferChecked instructions, then signs as the payer.
func (c *ExactSvmClient) CreatePaymentPayload(ctx context.Context, version int, requirements x402.PaymentRequirements) (x402.PaymentPayload, error) {
	networkStr := string(requirements.Network)
	if !IsValidNetwork(networkStr) {
		return x402.PaymentPayload{}, fmt.Errorf("unsupported network: %s", requirements.Network)
	}
	feePayerStr, ok := requirements.Extra[ExtraKeyFeePayer].(string)
	if !ok || feePayerStr == "" {
		return x402.PaymentPayload{}, fmt.Errorf("requirements missing feePayer extra")
	}
	feePayer, err := solana.PublicKeyFromBase58(feePayerStr)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("invalid fee payer: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("invalid asset mint: %w", err)
	}
	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("invalid payTo: %w", err)
	}
	amount, err := strconv.ParseUint(requirements.EffectiveAmount(), 10, 64)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("invalid amount %q: %w", requirements.EffectiveAmount(), err)
	}

	client, err := c.rpcClient(networkStr)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	// The mint account tells us the owning token program and decimals.
	mintAccount, err := client.GetAccountInfoWithOpts(ctx, mint, &rpc.GetAccountInfoOpts{Commitment: DefaultCommitment})
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("fetching mint account: %w", err)
	}
	tokenProgram := mintAccount.Value.Owner
	var mintState token.Mint
	if err := bin.NewBinDecoder(mintAccount.Value.Data.GetBinary()).Decode(&mintState); err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("decoding mint account: %w", err)
	}

	payer := c.signer.Address()
	sourceATA, err := FindAssociatedTokenAddress(payer, mint, tokenProgram)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	destATA, err := FindAssociatedTokenAddress(payTo, mint, tokenProgram)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	blockhash, err := client.GetLatestBlockhash(ctx, DefaultCommitment)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("fetching blockhash: %w", err)
	}

	instructions := []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstructionBuilder().
			SetUnits(DefaultComputeUnitLimit).Build(),
		computebudget.NewSetComputeUnitPriceInstructionBuilder().
			SetMicroLamports(DefaultComputeUnitPriceMicrolamports).Build(),
	}

	// Create the destination ATA idempotently when it is missing. The fee
	// payer covers the rent.
	if _, err := client.GetAccountInfoWithOpts(ctx, destATA, &rpc.GetAccountInfoOpts{Commitment: DefaultCommitment}); err != nil {
		instructions = append(instructions, newCreateATAIdempotentInstruction(feePayer, destATA, payTo, mint, tokenProgram))
	}

	transfer := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(mintState.Decimals).
		SetSourceAccount(sourceATA).
		SetMintAccount(mint).
		SetDestinationAccount(destATA).
		SetOwnerAccount(payer).
		Build()
	instructions = append(instructions, transfer)

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("building transaction: %w", err)
	}
	if err := c.signer.SignTransaction(ctx, tx); err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("signing transaction: %w", err)
	}

	encoded, err := EncodeTransaction(tx)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	payload := &ExactSvmPayload{Transaction: encoded}
	return x402.PaymentPayload{X402Version: version, Payload: payload.ToMap()}, nil
}

// newCreateATAIdempotentInstruction builds the associated token program's
// createIdempotent, which tolerates both token programs.
func newCreateATAIdempotentInstruction(payer, ata, owner, mint, tokenProgram solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(ata).WRITE(),
			solana.Meta(owner),
			solana.Meta(mint),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(tokenProgram),
		},
		[]byte{ataIxCreateIdempotent},
	)
}
