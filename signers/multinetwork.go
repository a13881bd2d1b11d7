// Package signers ties the chain-specific signer implementations together so
// one value can pay on every network a client supports.
package signers

import (
	"fmt"

	x402 "github.com/x402labs/go-x402"
	evm "github.com/x402labs/go-x402/mechanisms/evm"
	svm "github.com/x402labs/go-x402/mechanisms/svm"
)

// MultiNetworkSigner holds one signer per chain family and dispatches by the
// CAIP-2 namespace of the network being paid on.
type MultiNetworkSigner struct {
	evmSigner evm.ClientSigner
	svmSigner svm.ClientSigner
}

// NewMultiNetworkSigner combines the family signers. Either may be nil when
// the client only pays on one family.
func NewMultiNetworkSigner(evmSigner evm.ClientSigner, svmSigner svm.ClientSigner) *MultiNetworkSigner {
	return &MultiNetworkSigner{evmSigner: evmSigner, svmSigner: svmSigner}
}

// EVM returns the eip155 signer.
func (s *MultiNetworkSigner) EVM() (evm.ClientSigner, error) {
	if s.evmSigner == nil {
		return nil, fmt.Errorf("no signer for namespace %s", x402.NamespaceEVM)
	}
	return s.evmSigner, nil
}

// SVM returns the solana signer.
func (s *MultiNetworkSigner) SVM() (svm.ClientSigner, error) {
	if s.svmSigner == nil {
		return nil, fmt.Errorf("no signer for namespace %s", x402.NamespaceSVM)
	}
	return s.svmSigner, nil
}

// Supports reports whether a signer is held for the network's namespace.
func (s *MultiNetworkSigner) Supports(network x402.Network) bool {
	switch network.Namespace() {
	case x402.NamespaceEVM:
		return s.evmSigner != nil
	case x402.NamespaceSVM:
		return s.svmSigner != nil
	default:
		return false
	}
}

// RegisterSchemes registers an exact-scheme client for each held signer
// under its namespace wildcard, for both protocol versions. Chainable.
func (s *MultiNetworkSigner) RegisterSchemes(client *x402.Client) *x402.Client {
	if s.evmSigner != nil {
		schemeClient := evm.NewExactEvmClient(s.evmSigner)
		client.RegisterScheme(x402.Network(x402.NamespaceEVM+":*"), schemeClient)
		client.RegisterSchemeV1(x402.Network(x402.NamespaceEVM+":*"), schemeClient)
	}
	if s.svmSigner != nil {
		schemeClient := svm.NewExactSvmClient(s.svmSigner)
		client.RegisterScheme(x402.Network(x402.NamespaceSVM+":*"), schemeClient)
		client.RegisterSchemeV1(x402.Network(x402.NamespaceSVM+":*"), schemeClient)
	}
	return client
}
