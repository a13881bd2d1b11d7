// Package reputation implements the 8004-reputation extension: ERC-8004
// agent-registry identity declared in 402 challenges, an optional
// facilitator attestation on settlement receipts, and client feedback
// aggregation keyed by agent.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	x402 "github.com/x402labs/go-x402"
)

// Key is the extension identifier.
const Key = "8004-reputation"

// AgentIdentity locates an agent in an ERC-8004 identity registry.
type AgentIdentity struct {
	// Registry is the identity registry contract address.
	Registry string `json:"registry"`
	// AgentID is the agent's token id in the registry, as a decimal string.
	AgentID string `json:"agentId"`
	// AgentDomain is the agent's advertised domain.
	AgentDomain string `json:"agentDomain,omitempty"`
	// ChainID is the CAIP-2 network the registry lives on.
	ChainID string `json:"chainId,omitempty"`
}

// Extension is the wire shape under extensions[Key] in the challenge.
type Extension struct {
	Info AgentIdentity `json:"info"`
}

// Attestation is the facilitator's signed statement that a settlement
// happened, attached to the settlement response.
type Attestation struct {
	Agent       AgentIdentity `json:"agent"`
	Transaction string        `json:"transaction"`
	Network     x402.Network  `json:"network"`
	Payer       string        `json:"payer,omitempty"`
	SettledAt   string        `json:"settledAt"`
	Signature   string        `json:"signature,omitempty"`
}

// ServerExtension declares the serving agent's identity in challenges.
type ServerExtension struct {
	identity AgentIdentity
}

// NewServerExtension declares an agent identity.
func NewServerExtension(identity AgentIdentity) *ServerExtension {
	return &ServerExtension{identity: identity}
}

func (e *ServerExtension) Key() string { return Key }

func (e *ServerExtension) Declare(ctx context.Context, config x402.ResourceConfig) interface{} {
	identity := e.identity
	if identity.ChainID == "" {
		identity.ChainID = string(config.Network)
	}
	return Extension{Info: identity}
}

func (e *ServerExtension) EnrichDeclaration(declaration interface{}, transportContext interface{}) interface{} {
	return declaration
}

// AttestationSigner signs attestation bytes; optional.
type AttestationSigner interface {
	Sign(ctx context.Context, message []byte) (string, error)
}

// ObserverExtension attaches a settlement attestation for the serving
// agent. A nil signer produces unsigned attestations.
type ObserverExtension struct {
	*ServerExtension
	signer AttestationSigner
	now    func() time.Time
}

// NewObserverExtension wraps the identity declaration with settlement
// attestations.
func NewObserverExtension(identity AgentIdentity, signer AttestationSigner) *ObserverExtension {
	return &ObserverExtension{
		ServerExtension: NewServerExtension(identity),
		signer:          signer,
		now:             time.Now,
	}
}

// OnSettle attaches the attestation to successful settlements.
func (e *ObserverExtension) OnSettle(ctx context.Context, payload x402.PaymentPayload, response *x402.SettleResponse) error {
	if response == nil || !response.Success {
		return nil
	}
	attestation := Attestation{
		Agent:       e.identity,
		Transaction: response.Transaction,
		Network:     response.Network,
		Payer:       response.Payer,
		SettledAt:   e.now().UTC().Format(time.RFC3339),
	}
	if e.signer != nil {
		body, err := json.Marshal(attestation)
		if err != nil {
			return fmt.Errorf("marshaling attestation: %w", err)
		}
		signature, err := e.signer.Sign(ctx, body)
		if err != nil {
			return fmt.Errorf("signing attestation: %w", err)
		}
		attestation.Signature = signature
	}
	if response.Extensions == nil {
		response.Extensions = make(map[string]interface{})
	}
	response.Extensions[Key] = attestation
	return nil
}

// ExtractIdentity reads the agent identity from a challenge.
func ExtractIdentity(required x402.PaymentRequired) (AgentIdentity, bool, error) {
	raw, ok := required.Extensions[Key]
	if !ok {
		return AgentIdentity{}, false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return AgentIdentity{}, false, fmt.Errorf("marshaling reputation extension: %w", err)
	}
	var ext Extension
	if err := json.Unmarshal(data, &ext); err != nil {
		return AgentIdentity{}, false, fmt.Errorf("decoding reputation extension: %w", err)
	}
	if ext.Info.Registry == "" || ext.Info.AgentID == "" {
		return AgentIdentity{}, false, fmt.Errorf("reputation extension lacks registry or agent id")
	}
	return ext.Info, true, nil
}

// Feedback is one client's rating of an agent after a paid interaction.
type Feedback struct {
	Agent AgentIdentity `json:"agent"`
	// Client identifies the rater, typically the payer address.
	Client string `json:"client"`
	// Score is in [0, 100].
	Score int `json:"score"`
	// Tag groups feedback by capability, e.g. "inference" or "data".
	Tag string `json:"tag,omitempty"`
	// Transaction ties the feedback to a settled payment.
	Transaction string `json:"transaction,omitempty"`
	SubmittedAt string `json:"submittedAt,omitempty"`
}

// Summary aggregates feedback for one agent.
type Summary struct {
	Agent        AgentIdentity  `json:"agent"`
	Count        int            `json:"count"`
	AverageScore float64        `json:"averageScore"`
	CountByTag   map[string]int `json:"countByTag,omitempty"`
}

func agentKey(agent AgentIdentity) string {
	return agent.Registry + "/" + agent.AgentID
}

// Aggregator accumulates feedback in memory. One entry per (agent, client,
// transaction); resubmission replaces the earlier score.
type Aggregator struct {
	mu      sync.RWMutex
	entries map[string]map[string]Feedback
}

// NewAggregator builds an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{entries: make(map[string]map[string]Feedback)}
}

// Submit records feedback. Scores outside [0, 100] and feedback without a
// client are rejected.
func (a *Aggregator) Submit(feedback Feedback) error {
	if feedback.Client == "" {
		return fmt.Errorf("feedback requires a client")
	}
	if feedback.Score < 0 || feedback.Score > 100 {
		return fmt.Errorf("score %d out of range [0, 100]", feedback.Score)
	}
	if feedback.Agent.Registry == "" || feedback.Agent.AgentID == "" {
		return fmt.Errorf("feedback requires an agent identity")
	}
	if feedback.SubmittedAt == "" {
		feedback.SubmittedAt = time.Now().UTC().Format(time.RFC3339)
	}
	key := agentKey(feedback.Agent)
	entryKey := feedback.Client + "/" + feedback.Transaction

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.entries[key] == nil {
		a.entries[key] = make(map[string]Feedback)
	}
	a.entries[key][entryKey] = feedback
	return nil
}

// Aggregate summarizes the feedback recorded for an agent.
func (a *Aggregator) Aggregate(agent AgentIdentity) Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	summary := Summary{Agent: agent}
	entries := a.entries[agentKey(agent)]
	if len(entries) == 0 {
		return summary
	}
	total := 0
	byTag := make(map[string]int)
	for _, feedback := range entries {
		total += feedback.Score
		if feedback.Tag != "" {
			byTag[feedback.Tag]++
		}
	}
	summary.Count = len(entries)
	summary.AverageScore = float64(total) / float64(len(entries))
	if len(byTag) > 0 {
		summary.CountByTag = byTag
	}
	return summary
}
