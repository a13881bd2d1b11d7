package evm

import (
	"testing"
	"time"
)

func TestAmountToAtomic(t *testing.T) {
	cases := []struct {
		amount   string
		decimals int
		want     string
	}{
		{"0.10", 6, "100000"},
		{"1", 6, "1000000"},
		{"0.000001", 6, "1"},
		{"2.5", 2, "250"},
		{"0", 6, "0"},
	}
	for _, c := range cases {
		got, err := AmountToAtomic(c.amount, c.decimals)
		if err != nil {
			t.Fatalf("AmountToAtomic(%q, %d): %v", c.amount, c.decimals, err)
		}
		if got.String() != c.want {
			t.Errorf("AmountToAtomic(%q, %d) = %s, want %s", c.amount, c.decimals, got, c.want)
		}
	}
	if _, err := AmountToAtomic("abc", 6); err == nil {
		t.Error("expected error for non-numeric amount")
	}
	if _, err := AmountToAtomic("-1", 6); err == nil {
		t.Error("expected error for negative amount")
	}
}

func TestGetAssetInfo(t *testing.T) {
	info, err := GetAssetInfo("eip155:8453", "")
	if err != nil {
		t.Fatalf("default asset: %v", err)
	}
	if info.Address != testUSDC || info.Name != "USD Coin" {
		t.Errorf("info = %+v", info)
	}

	// Case-insensitive match on the default asset keeps its domain details.
	info, err = GetAssetInfo("eip155:8453", "0x833589FCD6EDB6E08F4C7C32D4F71B54BDA02913")
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "USD Coin" {
		t.Errorf("info = %+v", info)
	}

	// Unknown tokens come back bare.
	info, err = GetAssetInfo("eip155:8453", testPayTo)
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "" || info.Address != testPayTo {
		t.Errorf("info = %+v", info)
	}

	if _, err := GetAssetInfo("eip155:1", ""); err == nil {
		t.Error("expected error for unconfigured network")
	}
}

func TestCreateNonce(t *testing.T) {
	nonce, err := CreateNonce()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := HexToBytes(nonce)
	if err != nil || len(decoded) != 32 {
		t.Errorf("nonce = %q", nonce)
	}
	other, _ := CreateNonce()
	if nonce == other {
		t.Error("nonces must not repeat")
	}
}

func TestCreateValidityWindow(t *testing.T) {
	before := time.Now().Unix()
	validAfter, validBefore := CreateValidityWindow(10 * time.Minute)
	if validAfter.Int64() < before {
		t.Errorf("validAfter = %d, before = %d", validAfter.Int64(), before)
	}
	if got := validBefore.Int64() - validAfter.Int64(); got != 600 {
		t.Errorf("window = %d seconds, want 600", got)
	}
}

func TestHexRoundTrip(t *testing.T) {
	b, err := HexToBytes("0xdeadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if BytesToHex(b) != "0xdeadbeef" {
		t.Errorf("roundtrip = %q", BytesToHex(b))
	}
	// Bare hex and odd length are tolerated.
	if _, err := HexToBytes("abc"); err != nil {
		t.Errorf("odd-length hex: %v", err)
	}
	if _, err := HexToBytes("0xzz"); err == nil {
		t.Error("expected error for invalid hex")
	}
}
