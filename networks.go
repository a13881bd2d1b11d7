package x402

import (
	"fmt"
	"strings"
)

// Network is a CAIP-2 chain identifier, e.g. "eip155:8453" or
// "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp". The reference part may be the
// wildcard "*" when registering a handler for a whole namespace.
type Network string

const (
	NamespaceEVM = "eip155"
	NamespaceSVM = "solana"
)

// Well-known networks.
const (
	NetworkBase          Network = "eip155:8453"
	NetworkBaseSepolia   Network = "eip155:84532"
	NetworkSolana        Network = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	NetworkSolanaDevnet  Network = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	NetworkSolanaTestnet Network = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"
)

// networkAliases maps v1-era human names to CAIP-2 identifiers.
var networkAliases = map[string]Network{
	"base":           NetworkBase,
	"base-sepolia":   NetworkBaseSepolia,
	"solana":         NetworkSolana,
	"solana-devnet":  NetworkSolanaDevnet,
	"solana-testnet": NetworkSolanaTestnet,
}

// networkNames is the reverse of networkAliases, used when emitting v1 wire
// structures that predate CAIP-2 identifiers.
var networkNames = func() map[Network]string {
	m := make(map[Network]string, len(networkAliases))
	for name, n := range networkAliases {
		m[n] = name
	}
	return m
}()

// ParseNetwork normalizes a network string to a CAIP-2 Network. Human
// aliases such as "base" or "solana-devnet" are translated; already-CAIP-2
// values pass through after shape validation.
func ParseNetwork(s string) (Network, error) {
	if n, ok := networkAliases[strings.ToLower(s)]; ok {
		return n, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid network %q: expected CAIP-2 namespace:reference", s)
	}
	return Network(s), nil
}

// Namespace returns the CAIP-2 namespace ("eip155", "solana"), or "" if the
// value is malformed.
func (n Network) Namespace() string {
	if i := strings.IndexByte(string(n), ':'); i > 0 {
		return string(n[:i])
	}
	return ""
}

// Reference returns the CAIP-2 reference part.
func (n Network) Reference() string {
	if i := strings.IndexByte(string(n), ':'); i >= 0 {
		return string(n[i+1:])
	}
	return ""
}

// IsWildcard reports whether the network matches a whole namespace, e.g.
// "eip155:*".
func (n Network) IsWildcard() bool {
	return n.Reference() == "*"
}

// Match reports whether n accepts other. A wildcard network matches every
// network in its namespace; concrete networks match only themselves.
func (n Network) Match(other Network) bool {
	if n == other {
		return true
	}
	if n.IsWildcard() {
		return n.Namespace() == other.Namespace()
	}
	if other.IsWildcard() {
		return other.Namespace() == n.Namespace()
	}
	return false
}

// LegacyName returns the v1 human alias for well-known networks, falling
// back to the CAIP-2 string.
func (n Network) LegacyName() string {
	if name, ok := networkNames[n]; ok {
		return name
	}
	return string(n)
}
