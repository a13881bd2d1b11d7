package signers

import (
	"context"
	"testing"

	solana "github.com/gagliardetto/solana-go"

	x402 "github.com/x402labs/go-x402"
	evm "github.com/x402labs/go-x402/mechanisms/evm"
)

type fakeEvmSigner struct{}

func (fakeEvmSigner) Address() string { return "0x857b06519E91e3A54538791bDbb0E22373e36b66" }

func (fakeEvmSigner) SignTypedData(ctx context.Context, domain evm.TypedDataDomain, types map[string][]evm.TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error) {
	return make([]byte, 65), nil
}

type fakeSvmSigner struct {
	key solana.PublicKey
}

func (f fakeSvmSigner) Address() solana.PublicKey { return f.key }

func (fakeSvmSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return nil
}

func TestMultiNetworkSignerDispatch(t *testing.T) {
	signer := NewMultiNetworkSigner(fakeEvmSigner{}, fakeSvmSigner{key: solana.NewWallet().PublicKey()})

	if !signer.Supports(x402.NetworkBase) || !signer.Supports(x402.NetworkSolana) {
		t.Error("both namespaces must be supported")
	}
	if signer.Supports(x402.Network("cosmos:cosmoshub-4")) {
		t.Error("unknown namespaces must not be supported")
	}
	if _, err := signer.EVM(); err != nil {
		t.Errorf("evm signer: %v", err)
	}
	if _, err := signer.SVM(); err != nil {
		t.Errorf("svm signer: %v", err)
	}
}

func TestMultiNetworkSignerPartial(t *testing.T) {
	signer := NewMultiNetworkSigner(fakeEvmSigner{}, nil)

	if signer.Supports(x402.NetworkSolana) {
		t.Error("solana must not be supported without an svm signer")
	}
	if _, err := signer.SVM(); err == nil {
		t.Error("expected error for the missing svm signer")
	}
}

func TestMultiNetworkSignerRegisterSchemes(t *testing.T) {
	signer := NewMultiNetworkSigner(fakeEvmSigner{}, fakeSvmSigner{key: solana.NewWallet().PublicKey()})
	client := signer.RegisterSchemes(x402.NewClient())

	evmAccepts := []x402.PaymentRequirements{{
		Scheme: "exact", Network: x402.NetworkBase, Asset: "0x0", Amount: "1", PayTo: "0x1",
	}}
	svmAccepts := []x402.PaymentRequirements{{
		Scheme: "exact", Network: x402.NetworkSolanaDevnet, Asset: "m", Amount: "1", PayTo: "p",
	}}
	if !client.CanPay(x402.X402Version2, evmAccepts) {
		t.Error("evm networks must be payable")
	}
	if !client.CanPay(x402.X402Version2, svmAccepts) {
		t.Error("svm networks must be payable")
	}
	if !client.CanPay(x402.X402Version1, evmAccepts) {
		t.Error("v1 registrations must be present")
	}

	evmOnly := NewMultiNetworkSigner(fakeEvmSigner{}, nil).RegisterSchemes(x402.NewClient())
	if evmOnly.CanPay(x402.X402Version2, svmAccepts) {
		t.Error("svm networks must not be payable without an svm signer")
	}
}
