package evm

import (
	"context"
	"testing"

	x402 "github.com/x402labs/go-x402"
)

func TestParsePriceMoneyShorthand(t *testing.T) {
	server := NewExactEvmServer()

	amount, err := server.ParsePrice("$0.10", x402.NetworkBase)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if amount.Asset != testUSDC {
		t.Errorf("asset = %q", amount.Asset)
	}
	if amount.Amount != "100000" {
		t.Errorf("amount = %q, want 100000 atomic units", amount.Amount)
	}
	if amount.Extra["name"] != "USD Coin" || amount.Extra["version"] != "2" {
		t.Errorf("extra = %v", amount.Extra)
	}
}

func TestParsePricePassthrough(t *testing.T) {
	server := NewExactEvmServer()

	in := x402.AssetAmount{Asset: testUSDC, Amount: "42"}
	out, err := server.ParsePrice(in, x402.NetworkBase)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Asset != in.Asset || out.Amount != in.Amount {
		t.Errorf("out = %+v", out)
	}

	fromMap, err := server.ParsePrice(map[string]interface{}{"amount": "42", "asset": testUSDC}, x402.NetworkBase)
	if err != nil {
		t.Fatalf("parse map: %v", err)
	}
	if fromMap.Amount != "42" || fromMap.Asset != testUSDC {
		t.Errorf("fromMap = %+v", fromMap)
	}
}

func TestParsePriceErrors(t *testing.T) {
	server := NewExactEvmServer()

	if _, err := server.ParsePrice("0.10", x402.NetworkBase); err == nil {
		t.Error("expected error for missing $ prefix")
	}
	if _, err := server.ParsePrice("$0.10", x402.Network("eip155:1")); err == nil {
		t.Error("expected error for unconfigured network")
	}
	if _, err := server.ParsePrice(map[string]interface{}{"amount": "42"}, x402.NetworkBase); err == nil {
		t.Error("expected error for map without asset")
	}
	if _, err := server.ParsePrice(3.14, x402.NetworkBase); err == nil {
		t.Error("expected error for unsupported price type")
	}
}

func TestEnhancePaymentRequirements(t *testing.T) {
	server := NewExactEvmServer()
	requirements := evmRequirements()

	kind := x402.SupportedKind{
		Scheme:  SchemeExact,
		Network: x402.NetworkBase,
		Extra: map[string]interface{}{
			ExtraKeyAssetTransferMethod: TransferMethodPermit2,
			ExtraKeyPermitSpender:       "0xFEE0000000000000000000000000000000000001",
		},
	}
	if err := server.EnhancePaymentRequirements(context.Background(), &requirements, kind, nil); err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if requirements.Extra["name"] != "USD Coin" || requirements.Extra["version"] != "2" {
		t.Errorf("extra = %v", requirements.Extra)
	}
	if requirements.Extra[ExtraKeyAssetTransferMethod] != TransferMethodPermit2 {
		t.Errorf("transfer method = %v", requirements.Extra[ExtraKeyAssetTransferMethod])
	}
	if requirements.Extra[ExtraKeyPermitSpender] != "0xFEE0000000000000000000000000000000000001" {
		t.Errorf("permit spender = %v", requirements.Extra[ExtraKeyPermitSpender])
	}
}

func TestEnhancePaymentRequirementsKeepsExplicitExtra(t *testing.T) {
	server := NewExactEvmServer()
	requirements := evmRequirements()
	requirements.Extra = map[string]interface{}{"name": "Custom Token", ExtraKeyAssetTransferMethod: TransferMethodEIP3009}

	kind := x402.SupportedKind{Extra: map[string]interface{}{ExtraKeyAssetTransferMethod: TransferMethodPermit2}}
	if err := server.EnhancePaymentRequirements(context.Background(), &requirements, kind, nil); err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if requirements.Extra["name"] != "Custom Token" {
		t.Errorf("explicit name overwritten: %v", requirements.Extra)
	}
	if requirements.Extra[ExtraKeyAssetTransferMethod] != TransferMethodEIP3009 {
		t.Errorf("explicit transfer method overwritten: %v", requirements.Extra)
	}
}
