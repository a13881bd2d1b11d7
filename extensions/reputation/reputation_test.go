package reputation

import (
	"context"
	"testing"
	"time"

	x402 "github.com/x402labs/go-x402"
)

func testIdentity() AgentIdentity {
	return AgentIdentity{
		Registry:    "0x8004000000000000000000000000000000000001",
		AgentID:     "42",
		AgentDomain: "agent.example.com",
	}
}

func TestDeclareFillsChainID(t *testing.T) {
	extension := NewServerExtension(testIdentity())
	declared := extension.Declare(context.Background(), x402.ResourceConfig{Network: x402.NetworkBase})
	ext, ok := declared.(Extension)
	if !ok {
		t.Fatalf("declared type = %T", declared)
	}
	if ext.Info.ChainID != "eip155:8453" {
		t.Errorf("chainId = %q", ext.Info.ChainID)
	}
	if ext.Info.Registry != testIdentity().Registry || ext.Info.AgentID != "42" {
		t.Errorf("info = %+v", ext.Info)
	}
}

func TestDeclareKeepsExplicitChainID(t *testing.T) {
	identity := testIdentity()
	identity.ChainID = "eip155:1"
	declared := NewServerExtension(identity).Declare(context.Background(), x402.ResourceConfig{Network: x402.NetworkBase})
	if declared.(Extension).Info.ChainID != "eip155:1" {
		t.Error("an explicit chain id must not be overwritten")
	}
}

func TestExtractIdentity(t *testing.T) {
	required := x402.PaymentRequired{
		Extensions: map[string]interface{}{Key: Extension{Info: testIdentity()}},
	}
	identity, ok, err := ExtractIdentity(required)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !ok || identity.AgentID != "42" {
		t.Errorf("identity = %+v, ok = %v", identity, ok)
	}

	if _, ok, err := ExtractIdentity(x402.PaymentRequired{}); err != nil || ok {
		t.Errorf("absent extension: ok = %v, err = %v", ok, err)
	}

	incomplete := x402.PaymentRequired{
		Extensions: map[string]interface{}{Key: Extension{Info: AgentIdentity{Registry: "0x8004"}}},
	}
	if _, _, err := ExtractIdentity(incomplete); err == nil {
		t.Error("an identity without an agent id must be rejected")
	}
}

type stubAttestationSigner struct {
	signed []byte
}

func (s *stubAttestationSigner) Sign(ctx context.Context, message []byte) (string, error) {
	s.signed = message
	return "0xattested", nil
}

func TestObserverAttestsSuccessfulSettlement(t *testing.T) {
	signer := &stubAttestationSigner{}
	observer := NewObserverExtension(testIdentity(), signer)
	observer.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}

	response := &x402.SettleResponse{
		Success:     true,
		Transaction: "0xabc",
		Network:     x402.NetworkBase,
		Payer:       "0x857b",
	}
	if err := observer.OnSettle(context.Background(), x402.PaymentPayload{}, response); err != nil {
		t.Fatalf("on settle: %v", err)
	}

	attestation, ok := response.Extensions[Key].(Attestation)
	if !ok {
		t.Fatalf("extension type = %T", response.Extensions[Key])
	}
	if attestation.Transaction != "0xabc" || attestation.Payer != "0x857b" {
		t.Errorf("attestation = %+v", attestation)
	}
	if attestation.SettledAt != "2026-03-01T12:00:00Z" {
		t.Errorf("settledAt = %q", attestation.SettledAt)
	}
	if attestation.Signature != "0xattested" {
		t.Errorf("signature = %q", attestation.Signature)
	}
	if len(signer.signed) == 0 {
		t.Error("signer must see the attestation body")
	}
}

func TestObserverUnsignedWithoutSigner(t *testing.T) {
	observer := NewObserverExtension(testIdentity(), nil)
	response := &x402.SettleResponse{Success: true, Transaction: "0xabc", Network: x402.NetworkBase}
	if err := observer.OnSettle(context.Background(), x402.PaymentPayload{}, response); err != nil {
		t.Fatalf("on settle: %v", err)
	}
	attestation := response.Extensions[Key].(Attestation)
	if attestation.Signature != "" {
		t.Errorf("signature = %q, want unsigned", attestation.Signature)
	}
}

func TestObserverSkipsFailedSettlement(t *testing.T) {
	observer := NewObserverExtension(testIdentity(), &stubAttestationSigner{})
	response := x402.FailedSettle(x402.ReasonInvalidTransactionState, x402.NetworkBase, nil)
	if err := observer.OnSettle(context.Background(), x402.PaymentPayload{}, response); err != nil {
		t.Fatalf("on settle: %v", err)
	}
	if _, ok := response.Extensions[Key]; ok {
		t.Error("failed settlements must not be attested")
	}
}

func TestAggregatorSubmitAndAggregate(t *testing.T) {
	aggregator := NewAggregator()
	agent := testIdentity()

	submissions := []Feedback{
		{Agent: agent, Client: "0xaaa", Score: 80, Tag: "inference", Transaction: "0x1"},
		{Agent: agent, Client: "0xbbb", Score: 100, Tag: "inference", Transaction: "0x2"},
		{Agent: agent, Client: "0xccc", Score: 60, Transaction: "0x3"},
	}
	for i, feedback := range submissions {
		if err := aggregator.Submit(feedback); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	summary := aggregator.Aggregate(agent)
	if summary.Count != 3 {
		t.Errorf("count = %d", summary.Count)
	}
	if summary.AverageScore != 80 {
		t.Errorf("average = %f", summary.AverageScore)
	}
	if summary.CountByTag["inference"] != 2 {
		t.Errorf("countByTag = %v", summary.CountByTag)
	}
}

func TestAggregatorResubmissionReplaces(t *testing.T) {
	aggregator := NewAggregator()
	agent := testIdentity()

	if err := aggregator.Submit(Feedback{Agent: agent, Client: "0xaaa", Score: 20, Transaction: "0x1"}); err != nil {
		t.Fatal(err)
	}
	if err := aggregator.Submit(Feedback{Agent: agent, Client: "0xaaa", Score: 90, Transaction: "0x1"}); err != nil {
		t.Fatal(err)
	}

	summary := aggregator.Aggregate(agent)
	if summary.Count != 1 || summary.AverageScore != 90 {
		t.Errorf("summary = %+v, resubmission must replace the earlier score", summary)
	}
}

func TestAggregatorRejections(t *testing.T) {
	aggregator := NewAggregator()
	agent := testIdentity()

	tests := []struct {
		name     string
		feedback Feedback
	}{
		{"missing client", Feedback{Agent: agent, Score: 50}},
		{"score too high", Feedback{Agent: agent, Client: "0xaaa", Score: 101}},
		{"negative score", Feedback{Agent: agent, Client: "0xaaa", Score: -1}},
		{"missing agent", Feedback{Client: "0xaaa", Score: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := aggregator.Submit(tt.feedback); err == nil {
				t.Error("expected rejection")
			}
		})
	}
	if summary := aggregator.Aggregate(agent); summary.Count != 0 {
		t.Errorf("rejected feedback must not aggregate, count = %d", summary.Count)
	}
}

func TestAggregateUnknownAgent(t *testing.T) {
	summary := NewAggregator().Aggregate(testIdentity())
	if summary.Count != 0 || summary.AverageScore != 0 {
		t.Errorf("summary = %+v", summary)
	}
}
