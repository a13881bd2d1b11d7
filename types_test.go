package x402

import "testing"

func TestParseNetwork(t *testing.T) {
	cases := []struct {
		in      string
		want    Network
		wantErr bool
	}{
		{"base", NetworkBase, false},
		{"Base", NetworkBase, false},
		{"base-sepolia", NetworkBaseSepolia, false},
		{"solana-devnet", NetworkSolanaDevnet, false},
		{"eip155:8453", NetworkBase, false},
		{"eip155:1", Network("eip155:1"), false},
		{"solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", NetworkSolana, false},
		{"mainnet", "", true},
		{"eip155:", "", true},
		{":8453", "", true},
	}
	for _, c := range cases {
		got, err := ParseNetwork(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseNetwork(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseNetwork(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseNetwork(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNetworkMatch(t *testing.T) {
	if !NetworkBase.Match(NetworkBase) {
		t.Error("concrete network must match itself")
	}
	if NetworkBase.Match(NetworkBaseSepolia) {
		t.Error("distinct concrete networks must not match")
	}
	wildcard := Network("eip155:*")
	if !wildcard.Match(NetworkBase) || !wildcard.Match(NetworkBaseSepolia) {
		t.Error("wildcard must match its namespace")
	}
	if wildcard.Match(NetworkSolana) {
		t.Error("wildcard must not cross namespaces")
	}
	if !NetworkBase.Match(wildcard) {
		t.Error("match must be symmetric for wildcards")
	}
}

func TestNetworkLegacyName(t *testing.T) {
	if NetworkBase.LegacyName() != "base" {
		t.Errorf("LegacyName = %q", NetworkBase.LegacyName())
	}
	custom := Network("eip155:10")
	if custom.LegacyName() != "eip155:10" {
		t.Errorf("unknown networks fall back to CAIP-2, got %q", custom.LegacyName())
	}
}

func TestEffectiveAmount(t *testing.T) {
	v2 := PaymentRequirements{Amount: "10000"}
	if v2.EffectiveAmount() != "10000" {
		t.Errorf("v2 amount = %q", v2.EffectiveAmount())
	}
	v1 := PaymentRequirements{MaxAmountRequired: "10000"}
	if v1.EffectiveAmount() != "10000" {
		t.Errorf("v1 amount = %q", v1.EffectiveAmount())
	}
}

func baseRequirements() PaymentRequirements {
	return PaymentRequirements{
		Scheme:  SchemeExact,
		Network: NetworkBase,
		Asset:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Amount:  "10000",
		PayTo:   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
	}
}

func TestMatchPayloadToRequirementsV2(t *testing.T) {
	requirements := baseRequirements()
	other := requirements
	other.Network = NetworkBaseSepolia
	accepts := []PaymentRequirements{other, requirements}

	accepted := requirements
	payload := PaymentPayload{X402Version: X402Version2, Accepted: &accepted}
	matched, ok := MatchPayloadToRequirements(accepts, payload)
	if !ok {
		t.Fatal("expected match")
	}
	if matched.Network != NetworkBase {
		t.Errorf("matched wrong entry: %+v", matched)
	}

	// An echo the server never offered must not match.
	foreign := requirements
	foreign.Amount = "999999"
	payload.Accepted = &foreign
	if _, ok := MatchPayloadToRequirements(accepts, payload); ok {
		t.Error("tampered accepted echo must not match")
	}
}

func TestMatchPayloadToRequirementsV1(t *testing.T) {
	requirements := baseRequirements()
	accepts := []PaymentRequirements{requirements}
	payload := PaymentPayload{
		X402Version: X402Version1,
		Scheme:      SchemeExact,
		Network:     NetworkBase,
	}
	if _, ok := MatchPayloadToRequirements(accepts, payload); !ok {
		t.Error("v1 payload should match on scheme and network")
	}
	payload.Network = NetworkBaseSepolia
	if _, ok := MatchPayloadToRequirements(accepts, payload); ok {
		t.Error("wrong network must not match")
	}
}

func TestValidatePaymentPayload(t *testing.T) {
	accepted := baseRequirements()
	valid := PaymentPayload{
		X402Version: X402Version2,
		Payload:     map[string]interface{}{"signature": "0xabc"},
		Accepted:    &accepted,
	}
	if err := ValidatePaymentPayload(valid); err != nil {
		t.Errorf("valid v2 payload rejected: %v", err)
	}

	missingAccepted := valid
	missingAccepted.Accepted = nil
	if err := ValidatePaymentPayload(missingAccepted); err == nil {
		t.Error("v2 payload without accepted echo must fail")
	}

	v1 := PaymentPayload{
		X402Version: X402Version1,
		Scheme:      SchemeExact,
		Network:     NetworkBase,
		Payload:     map[string]interface{}{"signature": "0xabc"},
	}
	if err := ValidatePaymentPayload(v1); err != nil {
		t.Errorf("valid v1 payload rejected: %v", err)
	}

	badVersion := v1
	badVersion.X402Version = 7
	if err := ValidatePaymentPayload(badVersion); err == nil {
		t.Error("unknown version must fail")
	}
}
