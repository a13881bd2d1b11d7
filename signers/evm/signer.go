// Package evmsigner provides ECDSA-backed implementations of the EVM signing
// interfaces: a client signer for payment payloads and an ethclient-backed
// facilitator wallet.
package evmsigner

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402evm "github.com/x402labs/go-x402/mechanisms/evm"
)

// ClientSigner signs EIP-712 payloads with a raw ECDSA key.
type ClientSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewClientSigner parses a hex private key, with or without 0x prefix.
func NewClientSigner(privateKeyHex string) (*ClientSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &ClientSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

func (s *ClientSigner) Address() string {
	return s.address.Hex()
}

// SignTypedData signs the EIP-712 digest, returning a 65-byte r||s||v
// signature with v in {27, 28}.
func (s *ClientSigner) SignTypedData(ctx context.Context, domain x402evm.TypedDataDomain, dataTypes map[string][]x402evm.TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error) {
	digest, err := x402evm.HashTypedData(domain, dataTypes, primaryType, message)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing digest: %w", err)
	}
	signature[64] += 27
	return signature, nil
}

// ChainClientSigner is a ClientSigner with read access to the network. Permit
// payload creation uses it to fetch the token's ERC-2612 nonce.
type ChainClientSigner struct {
	*ClientSigner
	client *ethclient.Client
}

// NewChainClientSigner parses the key and dials the RPC endpoint.
func NewChainClientSigner(privateKeyHex, rpcURL string) (*ChainClientSigner, error) {
	signer, err := NewClientSigner(privateKeyHex)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}
	return &ChainClientSigner{ClientSigner: signer, client: client}, nil
}

// ReadContract packs an eth_call, executes it, and unpacks the outputs.
func (s *ChainClientSigner) ReadContract(ctx context.Context, address string, abiBytes []byte, functionName string, args ...interface{}) (interface{}, error) {
	return readContract(ctx, s.client, address, abiBytes, functionName, args...)
}

// Close releases the RPC connection.
func (s *ChainClientSigner) Close() {
	s.client.Close()
}

// FacilitatorWallet implements the facilitator's chain access over an
// ethclient connection. One wallet serves one network.
type FacilitatorWallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client

	chainID *big.Int
}

// NewFacilitatorWallet dials the RPC endpoint and prepares the settlement
// account.
func NewFacilitatorWallet(privateKeyHex, rpcURL string) (*FacilitatorWallet, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}
	return &FacilitatorWallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		client:     client,
	}, nil
}

func (w *FacilitatorWallet) GetAddresses() []string {
	return []string{w.address.Hex()}
}

func (w *FacilitatorWallet) GetChainID(ctx context.Context) (*big.Int, error) {
	if w.chainID != nil {
		return w.chainID, nil
	}
	chainID, err := w.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain id: %w", err)
	}
	w.chainID = chainID
	return chainID, nil
}

func (w *FacilitatorWallet) GetCode(ctx context.Context, address string) ([]byte, error) {
	return w.client.CodeAt(ctx, common.HexToAddress(address), nil)
}

// GetBalance returns the ERC-20 balance when tokenAddress is set, otherwise
// the native balance.
func (w *FacilitatorWallet) GetBalance(ctx context.Context, address, tokenAddress string) (*big.Int, error) {
	if tokenAddress == "" {
		return w.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	}
	result, err := w.ReadContract(ctx, tokenAddress, x402evm.ERC20BalanceOfABI, "balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", result)
	}
	return balance, nil
}

// ReadContract packs an eth_call, executes it, and unpacks the outputs. A
// single output comes back unwrapped.
func (w *FacilitatorWallet) ReadContract(ctx context.Context, address string, abiBytes []byte, functionName string, args ...interface{}) (interface{}, error) {
	return readContract(ctx, w.client, address, abiBytes, functionName, args...)
}

func readContract(ctx context.Context, client *ethclient.Client, address string, abiBytes []byte, functionName string, args ...interface{}) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("parsing ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", functionName, err)
	}
	to := common.HexToAddress(address)
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", functionName, err)
	}
	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", functionName, err)
	}
	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

// VerifyTypedData recovers the EOA signer of an EIP-712 signature and
// compares it to the expected address.
func (w *FacilitatorWallet) VerifyTypedData(ctx context.Context, address string, domain x402evm.TypedDataDomain, dataTypes map[string][]x402evm.TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error) {
	if len(signature) != 65 {
		return false, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	digest, err := x402evm.HashTypedData(domain, dataTypes, primaryType, message)
	if err != nil {
		return false, err
	}
	// crypto.SigToPub wants the recovery id in {0, 1}.
	recoverable := make([]byte, 65)
	copy(recoverable, signature)
	if recoverable[64] >= 27 {
		recoverable[64] -= 27
	}
	publicKey, err := crypto.SigToPub(digest, recoverable)
	if err != nil {
		return false, fmt.Errorf("recovering signer: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*publicKey)
	return strings.EqualFold(recovered.Hex(), address), nil
}

// WriteContract packs, signs, and broadcasts a state-changing call,
// returning the transaction hash.
func (w *FacilitatorWallet) WriteContract(ctx context.Context, address string, abiBytes []byte, functionName string, args ...interface{}) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("parsing ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("packing %s: %w", functionName, err)
	}

	chainID, err := w.GetChainID(ctx)
	if err != nil {
		return "", err
	}
	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return "", fmt.Errorf("fetching nonce: %w", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggesting gas price: %w", err)
	}
	to := common.HexToAddress(address)
	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From: w.address, To: &to, Data: data, GasPrice: gasPrice,
	})
	if err != nil {
		return "", fmt.Errorf("estimating gas: %w", err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing transaction: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("sending transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// SendRawTransaction broadcasts a pre-signed RLP-encoded transaction, as
// produced by a client for sponsored ERC-20 approvals.
func (w *FacilitatorWallet) SendRawTransaction(ctx context.Context, signedTx string) (string, error) {
	raw, err := hexutil.Decode(signedTx)
	if err != nil {
		return "", fmt.Errorf("decoding signed transaction: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("parsing signed transaction: %w", err)
	}
	if err := w.client.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("broadcasting transaction: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// WaitForApproval blocks until a broadcast approval mines successfully.
func (w *FacilitatorWallet) WaitForApproval(ctx context.Context, txHash string) error {
	receipt, err := w.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return err
	}
	if receipt.Status != 1 {
		return fmt.Errorf("approval transaction %s reverted", txHash)
	}
	return nil
}

// WaitForTransactionReceipt polls until the transaction lands or the context
// expires.
func (w *FacilitatorWallet) WaitForTransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &x402evm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		if err != ethereum.NotFound {
			return nil, fmt.Errorf("fetching receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the RPC connection.
func (w *FacilitatorWallet) Close() {
	w.client.Close()
}
