package svm

import (
	"testing"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
)

func TestTransactionRoundTrip(t *testing.T) {
	fixture := newTxFixture(t)
	tx := fixture.buildTx(t, txOptions{})

	encoded, err := EncodeTransaction(tx)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeTransaction(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Message.Instructions) != len(tx.Message.Instructions) {
		t.Errorf("instructions = %d, want %d", len(decoded.Message.Instructions), len(tx.Message.Instructions))
	}

	if _, err := DecodeTransaction("!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := DecodeTransaction("aGVsbG8="); err == nil {
		t.Error("expected error for non-transaction bytes")
	}
}

func TestParseComputeBudgetInstructions(t *testing.T) {
	fixture := newTxFixture(t)
	tx := fixture.buildTx(t, txOptions{price: 42})

	limit, err := ParseComputeUnitLimit(tx, tx.Message.Instructions[0])
	if err != nil {
		t.Fatalf("limit: %v", err)
	}
	if limit != DefaultComputeUnitLimit {
		t.Errorf("limit = %d", limit)
	}

	price, err := ParseComputeUnitPrice(tx, tx.Message.Instructions[1])
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 42 {
		t.Errorf("price = %d", price)
	}

	// Mismatched parsers reject each other's instructions.
	if _, err := ParseComputeUnitLimit(tx, tx.Message.Instructions[1]); err == nil {
		t.Error("limit parser accepted a price instruction")
	}
	if _, err := ParseComputeUnitPrice(tx, tx.Message.Instructions[0]); err == nil {
		t.Error("price parser accepted a limit instruction")
	}
	if _, err := ParseComputeUnitLimit(tx, tx.Message.Instructions[2]); err == nil {
		t.Error("limit parser accepted a token instruction")
	}
}

func TestParseTransferChecked(t *testing.T) {
	fixture := newTxFixture(t)
	tx := fixture.buildTx(t, txOptions{amount: 777})

	details, err := ParseTransferChecked(tx, tx.Message.Instructions[2])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if details.Amount != 777 || details.Decimals != DefaultDecimals {
		t.Errorf("details = %+v", details)
	}
	if !details.Owner.Equals(fixture.payer) || !details.Mint.Equals(fixture.mint) {
		t.Errorf("details = %+v", details)
	}
	expectedDest, err := FindAssociatedTokenAddress(fixture.payTo, fixture.mint, solana.TokenProgramID)
	if err != nil {
		t.Fatal(err)
	}
	if !details.Destination.Equals(expectedDest) {
		t.Errorf("destination = %s", details.Destination)
	}
}

func TestFindTransferChecked(t *testing.T) {
	fixture := newTxFixture(t)

	t.Run("exactly one", func(t *testing.T) {
		tx := fixture.buildTx(t, txOptions{})
		details, err := FindTransferChecked(tx)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if details.Amount != 10000 {
			t.Errorf("details = %+v", details)
		}
	})

	t.Run("none", func(t *testing.T) {
		tx := fixture.buildTx(t, txOptions{instructions: []solana.Instruction{
			computebudget.NewSetComputeUnitLimitInstructionBuilder().SetUnits(DefaultComputeUnitLimit).Build(),
		}})
		if _, err := FindTransferChecked(tx); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("multiple", func(t *testing.T) {
		sourceATA, _ := FindAssociatedTokenAddress(fixture.payer, fixture.mint, solana.TokenProgramID)
		destATA, _ := FindAssociatedTokenAddress(fixture.payTo, fixture.mint, solana.TokenProgramID)
		transfer := func() solana.Instruction {
			return token.NewTransferCheckedInstructionBuilder().
				SetAmount(1).SetDecimals(DefaultDecimals).
				SetSourceAccount(sourceATA).SetMintAccount(fixture.mint).
				SetDestinationAccount(destATA).SetOwnerAccount(fixture.payer).Build()
		}
		tx := fixture.buildTx(t, txOptions{instructions: []solana.Instruction{transfer(), transfer()}})
		if _, err := FindTransferChecked(tx); err == nil {
			t.Error("expected error for duplicated transfers")
		}
	})
}

func TestFindAssociatedTokenAddress(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	mint := solana.MustPublicKeyFromBase58(USDCDevnetAddress)

	classic, err := FindAssociatedTokenAddress(wallet, mint, solana.TokenProgramID)
	if err != nil {
		t.Fatal(err)
	}
	again, err := FindAssociatedTokenAddress(wallet, mint, solana.TokenProgramID)
	if err != nil {
		t.Fatal(err)
	}
	if !classic.Equals(again) {
		t.Error("derivation must be deterministic")
	}

	token2022, err := FindAssociatedTokenAddress(wallet, mint, solana.Token2022ProgramID)
	if err != nil {
		t.Fatal(err)
	}
	if classic.Equals(token2022) {
		t.Error("token-2022 mints must derive a different ATA")
	}
}

func TestFeePayerFromTransaction(t *testing.T) {
	fixture := newTxFixture(t)
	tx := fixture.buildTx(t, txOptions{})

	feePayer, err := FeePayerFromTransaction(tx)
	if err != nil {
		t.Fatalf("fee payer: %v", err)
	}
	if !feePayer.Equals(fixture.feePayer) {
		t.Errorf("fee payer = %s", feePayer)
	}

	payer, err := TokenPayerFromTransaction(tx)
	if err != nil {
		t.Fatalf("token payer: %v", err)
	}
	if !payer.Equals(fixture.payer) {
		t.Errorf("token payer = %s", payer)
	}
}

func TestIsCreateATAIdempotent(t *testing.T) {
	fixture := newTxFixture(t)
	tx := fixture.buildTx(t, txOptions{withATACreate: true})

	if !IsCreateATAIdempotent(tx, tx.Message.Instructions[2]) {
		t.Error("createIdempotent not recognized")
	}
	if IsCreateATAIdempotent(tx, tx.Message.Instructions[0]) {
		t.Error("compute budget instruction misrecognized")
	}
}
