// Package svmsigner provides Ed25519-backed implementations of the Solana
// signing interfaces: a client signer for payment transactions and an
// RPC-backed facilitator wallet.
package svmsigner

import (
	"context"
	"fmt"
	"sync"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402svm "github.com/x402labs/go-x402/mechanisms/svm"
)

// SignTransactionFunc signs a transaction in place, for delegating to
// external key management.
type SignTransactionFunc func(ctx context.Context, tx *solana.Transaction) error

// ClientSigner part-signs payment transactions as the paying owner.
type ClientSigner struct {
	publicKey solana.PublicKey
	signFunc  SignTransactionFunc
}

// NewClientSigner builds a signer around a signing callback.
func NewClientSigner(publicKey solana.PublicKey, signFunc SignTransactionFunc) (*ClientSigner, error) {
	if publicKey.IsZero() {
		return nil, fmt.Errorf("public key is required")
	}
	if signFunc == nil {
		return nil, fmt.Errorf("sign callback is required")
	}
	return &ClientSigner{publicKey: publicKey, signFunc: signFunc}, nil
}

// NewClientSignerFromPrivateKey builds a signer from a base58 private key.
func NewClientSignerFromPrivateKey(privateKeyBase58 string) (*ClientSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewClientSigner(privateKey.PublicKey(), func(ctx context.Context, tx *solana.Transaction) error {
		return signWithPrivateKey(privateKey, tx)
	})
}

func (s *ClientSigner) Address() solana.PublicKey {
	return s.publicKey
}

func (s *ClientSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return s.signFunc(ctx, tx)
}

// signWithPrivateKey places the key's signature at its account index,
// leaving other signature slots untouched.
func signWithPrivateKey(privateKey solana.PrivateKey, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	signature, err := privateKey.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("signing message: %w", err)
	}
	index, err := tx.GetAccountIndex(privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("finding signer account: %w", err)
	}
	if len(tx.Signatures) <= int(index) {
		signatures := make([]solana.Signature, index+1)
		copy(signatures, tx.Signatures)
		tx.Signatures = signatures
	}
	tx.Signatures[index] = signature
	return nil
}

// FacilitatorWallet is the facilitator's cluster access: fee-payer signing,
// simulation, broadcast, and confirmation over JSON-RPC.
type FacilitatorWallet struct {
	privateKey solana.PrivateKey
	rpcURLs    map[string]string

	mu      sync.Mutex
	clients map[string]*rpc.Client
	// pending remembers each broadcast transaction's blockhash so
	// confirmation can detect expiry.
	pending map[solana.Signature]solana.Hash
}

// NewFacilitatorWallet builds a wallet from a base58 private key. rpcURLs
// overrides the public endpoints per CAIP-2 network; nil uses defaults.
func NewFacilitatorWallet(privateKeyBase58 string, rpcURLs map[string]string) (*FacilitatorWallet, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &FacilitatorWallet{
		privateKey: privateKey,
		rpcURLs:    rpcURLs,
		clients:    make(map[string]*rpc.Client),
		pending:    make(map[solana.Signature]solana.Hash),
	}, nil
}

func (w *FacilitatorWallet) rpcClient(network string) (*rpc.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if client, ok := w.clients[network]; ok {
		return client, nil
	}
	url := w.rpcURLs[network]
	if url == "" {
		config, err := x402svm.GetNetworkConfig(network)
		if err != nil {
			return nil, err
		}
		url = config.RPCURL
	}
	client := rpc.New(url)
	w.clients[network] = client
	return client, nil
}

func (w *FacilitatorWallet) GetAddresses(ctx context.Context, network string) []solana.PublicKey {
	return []solana.PublicKey{w.privateKey.PublicKey()}
}

// SignTransaction co-signs as the fee payer.
func (w *FacilitatorWallet) SignTransaction(ctx context.Context, tx *solana.Transaction, feePayer solana.PublicKey, network string) error {
	if !feePayer.Equals(w.privateKey.PublicKey()) {
		return fmt.Errorf("fee payer %s is not this wallet", feePayer)
	}
	return signWithPrivateKey(w.privateKey, tx)
}

// SimulateTransaction dry-runs the transaction. Signature verification is
// skipped since the fee payer has not signed yet at verify time.
func (w *FacilitatorWallet) SimulateTransaction(ctx context.Context, tx *solana.Transaction, network string) error {
	client, err := w.rpcClient(network)
	if err != nil {
		return err
	}
	result, err := client.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		Commitment:             x402svm.DefaultCommitment,
		ReplaceRecentBlockhash: true,
	})
	if err != nil {
		return fmt.Errorf("simulating transaction: %w", err)
	}
	if result.Value.Err != nil {
		return fmt.Errorf("simulation failed: %v", result.Value.Err)
	}
	return nil
}

func (w *FacilitatorWallet) SendTransaction(ctx context.Context, tx *solana.Transaction, network string) (solana.Signature, error) {
	client, err := w.rpcClient(network)
	if err != nil {
		return solana.Signature{}, err
	}
	signature, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: x402svm.DefaultCommitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sending transaction: %w", err)
	}
	w.mu.Lock()
	w.pending[signature] = tx.Message.RecentBlockhash
	w.mu.Unlock()
	return signature, nil
}

// ConfirmTransaction polls for confirmed commitment. When the transaction's
// blockhash expires first, it returns x402svm.ErrBlockHeightExceeded.
func (w *FacilitatorWallet) ConfirmTransaction(ctx context.Context, signature solana.Signature, network string) error {
	client, err := w.rpcClient(network)
	if err != nil {
		return err
	}
	w.mu.Lock()
	blockhash, tracked := w.pending[signature]
	delete(w.pending, signature)
	w.mu.Unlock()

	for attempt := 0; attempt < x402svm.MaxConfirmAttempts; attempt++ {
		statuses, err := client.GetSignatureStatuses(ctx, true, signature)
		if err == nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed on-chain: %v", status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}
		if tracked {
			valid, validErr := client.IsBlockhashValid(ctx, blockhash, x402svm.DefaultCommitment)
			if validErr == nil && !valid.Value {
				return x402svm.ErrBlockHeightExceeded
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(x402svm.ConfirmRetryDelay):
		}
	}
	return fmt.Errorf("transaction %s not confirmed after %d attempts", signature, x402svm.MaxConfirmAttempts)
}
