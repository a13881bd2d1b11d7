package evm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ParseERC6492Signature detects and unwraps an ERC-6492 signature. The
// wrapper is abi.encode(factory, factoryCalldata, innerSignature) followed
// by a 32-byte magic suffix.
func ParseERC6492Signature(signature []byte) (*ERC6492Signature, bool) {
	magic, err := HexToBytes(ERC6492MagicSuffix)
	if err != nil || len(signature) < len(magic) {
		return nil, false
	}
	if !bytes.Equal(signature[len(signature)-len(magic):], magic) {
		return nil, false
	}
	wrapped := signature[:len(signature)-len(magic)]

	addressType, _ := abi.NewType("address", "", nil)
	bytesType, _ := abi.NewType("bytes", "", nil)
	args := abi.Arguments{
		{Type: addressType},
		{Type: bytesType},
		{Type: bytesType},
	}
	values, err := args.Unpack(wrapped)
	if err != nil || len(values) != 3 {
		return nil, false
	}
	factory, ok := values[0].(common.Address)
	if !ok {
		return nil, false
	}
	calldata, ok := values[1].([]byte)
	if !ok {
		return nil, false
	}
	inner, ok := values[2].([]byte)
	if !ok {
		return nil, false
	}
	return &ERC6492Signature{
		Factory:         factory.Hex(),
		FactoryCalldata: calldata,
		InnerSignature:  inner,
	}, true
}

// VerifyEIP1271Signature asks a deployed contract wallet whether it accepts
// the digest and signature.
func VerifyEIP1271Signature(ctx context.Context, wallet FacilitatorWallet, walletAddress string, digest [32]byte, signature []byte) (bool, error) {
	result, err := wallet.ReadContract(ctx, walletAddress, EIP1271ABI, FunctionIsValidSignature, digest, signature)
	if err != nil {
		return false, fmt.Errorf("isValidSignature call: %w", err)
	}
	magic, err := HexToBytes(EIP1271MagicValue)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case [4]byte:
		return bytes.Equal(v[:], magic), nil
	case []byte:
		return bytes.Equal(v, magic), nil
	default:
		return false, fmt.Errorf("unexpected isValidSignature result type %T", result)
	}
}
