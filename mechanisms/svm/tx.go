package svm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// Compute budget program instruction discriminators.
const (
	computeBudgetIxSetUnitLimit = 2
	computeBudgetIxSetUnitPrice = 3
)

// SPL token program transferChecked discriminator.
const tokenIxTransferChecked = 12

// Associated token program createIdempotent discriminator.
const ataIxCreateIdempotent = 1

// TransferCheckedDetails is the deconstructed transferChecked instruction.
type TransferCheckedDetails struct {
	Source       solana.PublicKey
	Mint         solana.PublicKey
	Destination  solana.PublicKey
	Owner        solana.PublicKey
	Amount       uint64
	Decimals     uint8
	TokenProgram solana.PublicKey
}

// DecodeTransaction parses a base64 wire transaction.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("deserializing transaction: %w", err)
	}
	return tx, nil
}

// EncodeTransaction serializes a transaction to base64.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serializing transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func resolveProgram(tx *solana.Transaction, ix solana.CompiledInstruction) (solana.PublicKey, error) {
	if int(ix.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
		return solana.PublicKey{}, fmt.Errorf("program id index out of range")
	}
	return tx.Message.AccountKeys[ix.ProgramIDIndex], nil
}

func resolveAccount(tx *solana.Transaction, ix solana.CompiledInstruction, pos int) (solana.PublicKey, error) {
	if pos >= len(ix.Accounts) {
		return solana.PublicKey{}, fmt.Errorf("instruction account %d missing", pos)
	}
	idx := int(ix.Accounts[pos])
	if idx >= len(tx.Message.AccountKeys) {
		return solana.PublicKey{}, fmt.Errorf("account index %d out of range", idx)
	}
	return tx.Message.AccountKeys[idx], nil
}

// ParseComputeUnitLimit extracts the limit from a setComputeUnitLimit
// instruction, or fails if the instruction is something else.
func ParseComputeUnitLimit(tx *solana.Transaction, ix solana.CompiledInstruction) (uint32, error) {
	program, err := resolveProgram(tx, ix)
	if err != nil {
		return 0, err
	}
	if !program.Equals(solana.ComputeBudget) {
		return 0, fmt.Errorf("expected compute budget program, got %s", program)
	}
	if len(ix.Data) != 5 || ix.Data[0] != computeBudgetIxSetUnitLimit {
		return 0, fmt.Errorf("not a setComputeUnitLimit instruction")
	}
	return binary.LittleEndian.Uint32(ix.Data[1:5]), nil
}

// ParseComputeUnitPrice extracts the microlamport price from a
// setComputeUnitPrice instruction.
func ParseComputeUnitPrice(tx *solana.Transaction, ix solana.CompiledInstruction) (uint64, error) {
	program, err := resolveProgram(tx, ix)
	if err != nil {
		return 0, err
	}
	if !program.Equals(solana.ComputeBudget) {
		return 0, fmt.Errorf("expected compute budget program, got %s", program)
	}
	if len(ix.Data) != 9 || ix.Data[0] != computeBudgetIxSetUnitPrice {
		return 0, fmt.Errorf("not a setComputeUnitPrice instruction")
	}
	return binary.LittleEndian.Uint64(ix.Data[1:9]), nil
}

// CreateATADetails is the deconstructed createAssociatedTokenAccountIdempotent
// instruction. Accounts are [payer, ata, owner, mint, systemProgram,
// tokenProgram].
type CreateATADetails struct {
	Payer        solana.PublicKey
	ATA          solana.PublicKey
	Owner        solana.PublicKey
	Mint         solana.PublicKey
	TokenProgram solana.PublicKey
}

// ParseCreateATAIdempotent deconstructs an associated token program
// createIdempotent instruction, or fails if the instruction is something
// else.
func ParseCreateATAIdempotent(tx *solana.Transaction, ix solana.CompiledInstruction) (*CreateATADetails, error) {
	program, err := resolveProgram(tx, ix)
	if err != nil {
		return nil, err
	}
	if !program.Equals(solana.SPLAssociatedTokenAccountProgramID) {
		return nil, fmt.Errorf("expected associated token program, got %s", program)
	}
	if len(ix.Data) != 1 || ix.Data[0] != ataIxCreateIdempotent {
		return nil, fmt.Errorf("not a createIdempotent instruction")
	}
	details := &CreateATADetails{}
	if details.Payer, err = resolveAccount(tx, ix, 0); err != nil {
		return nil, err
	}
	if details.ATA, err = resolveAccount(tx, ix, 1); err != nil {
		return nil, err
	}
	if details.Owner, err = resolveAccount(tx, ix, 2); err != nil {
		return nil, err
	}
	if details.Mint, err = resolveAccount(tx, ix, 3); err != nil {
		return nil, err
	}
	if details.TokenProgram, err = resolveAccount(tx, ix, 5); err != nil {
		return nil, err
	}
	return details, nil
}

// IsCreateATAIdempotent reports whether the instruction is a well-formed
// associated token account createIdempotent.
func IsCreateATAIdempotent(tx *solana.Transaction, ix solana.CompiledInstruction) bool {
	_, err := ParseCreateATAIdempotent(tx, ix)
	return err == nil
}

// ParseTransferChecked deconstructs a token program transferChecked
// instruction. Accounts are [source, mint, destination, owner, ...].
func ParseTransferChecked(tx *solana.Transaction, ix solana.CompiledInstruction) (*TransferCheckedDetails, error) {
	program, err := resolveProgram(tx, ix)
	if err != nil {
		return nil, err
	}
	if !program.Equals(solana.TokenProgramID) && !program.Equals(solana.Token2022ProgramID) {
		return nil, fmt.Errorf("expected token program, got %s", program)
	}
	if len(ix.Data) != 10 || ix.Data[0] != tokenIxTransferChecked {
		return nil, fmt.Errorf("not a transferChecked instruction")
	}
	details := &TransferCheckedDetails{
		Amount:       binary.LittleEndian.Uint64(ix.Data[1:9]),
		Decimals:     ix.Data[9],
		TokenProgram: program,
	}
	if details.Source, err = resolveAccount(tx, ix, 0); err != nil {
		return nil, err
	}
	if details.Mint, err = resolveAccount(tx, ix, 1); err != nil {
		return nil, err
	}
	if details.Destination, err = resolveAccount(tx, ix, 2); err != nil {
		return nil, err
	}
	if details.Owner, err = resolveAccount(tx, ix, 3); err != nil {
		return nil, err
	}
	return details, nil
}

// FindTransferChecked locates the transferChecked instruction in a payment
// transaction. There must be exactly one.
func FindTransferChecked(tx *solana.Transaction) (*TransferCheckedDetails, error) {
	var found *TransferCheckedDetails
	for _, ix := range tx.Message.Instructions {
		details, err := ParseTransferChecked(tx, ix)
		if err != nil {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("multiple transferChecked instructions")
		}
		found = details
	}
	if found == nil {
		return nil, fmt.Errorf("no transferChecked instruction")
	}
	return found, nil
}

// FindAssociatedTokenAddress derives the ATA for a wallet and mint under the
// given token program. Token-2022 mints derive differently from classic SPL.
func FindAssociatedTokenAddress(wallet, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := solana.FindProgramAddress(
		[][]byte{wallet.Bytes(), tokenProgram.Bytes(), mint.Bytes()},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("deriving associated token address: %w", err)
	}
	return address, nil
}

// TokenPayerFromTransaction extracts the paying owner from the transaction's
// transferChecked instruction.
func TokenPayerFromTransaction(tx *solana.Transaction) (solana.PublicKey, error) {
	details, err := FindTransferChecked(tx)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return details.Owner, nil
}

// FeePayerFromTransaction returns the transaction fee payer, which is the
// first static account key.
func FeePayerFromTransaction(tx *solana.Transaction) (solana.PublicKey, error) {
	if len(tx.Message.AccountKeys) == 0 {
		return solana.PublicKey{}, fmt.Errorf("transaction has no account keys")
	}
	return tx.Message.AccountKeys[0], nil
}
