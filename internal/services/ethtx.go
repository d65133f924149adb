package services

import (
	"context"
	"fmt"
	"math/big"

	bridgetypes "gasless-bridge/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// TxParams are the EIP-1559 fields the settlement engine controls.
type TxParams struct {
	ChainID     uint64
	Nonce       uint64
	To          string
	ValueWei    uint64
	GasLimit    uint64
	GasTipCap   uint64 // wei per gas
	GasFeeCap   uint64 // wei per gas
	Data        []byte
}

// SignedTx carries the broadcastable payload and its hash.
type SignedTx struct {
	RawHex string
	Hash   string
	Nonce  uint64
	FeeCap uint64
	TipCap uint64
}

// TxBuilder assembles, hashes and signs typed dynamic-fee transactions.
type TxBuilder struct {
	signer Signer
}

func NewTxBuilder(signer Signer) *TxBuilder {
	return &TxBuilder{signer: signer}
}

// From is the address the built transactions spend from.
func (b *TxBuilder) From() string {
	return b.signer.EthereumAddress()
}

// Build constructs the typed transaction, obtains a signature over its
// signing hash and reassembles the signed envelope.
func (b *TxBuilder) Build(ctx context.Context, params TxParams) (*SignedTx, error) {
	if !common.IsHexAddress(params.To) {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeValidation, "invalid destination address %q", params.To)
	}
	if params.GasFeeCap < params.GasTipCap {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeValidation, "max fee %d below priority fee %d", params.GasFeeCap, params.GasTipCap)
	}

	to := common.HexToAddress(params.To)
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(params.ChainID),
		Nonce:     params.Nonce,
		GasTipCap: new(big.Int).SetUint64(params.GasTipCap),
		GasFeeCap: new(big.Int).SetUint64(params.GasFeeCap),
		Gas:       params.GasLimit,
		To:        &to,
		Value:     new(big.Int).SetUint64(params.ValueWei),
		Data:      params.Data,
	})

	chainSigner := ethtypes.LatestSignerForChainID(new(big.Int).SetUint64(params.ChainID))
	digest := chainSigner.Hash(tx)

	var digest32 [32]byte
	copy(digest32[:], digest.Bytes())
	sig, err := b.signer.Sign(ctx, digest32)
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeSignerRejected, "signer returned %d bytes, expected 65", len(sig))
	}

	signed, err := tx.WithSignature(chainSigner, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to attach signature: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	return &SignedTx{
		RawHex: hexutil.Encode(raw),
		Hash:   signed.Hash().Hex(),
		Nonce:  params.Nonce,
		FeeCap: params.GasFeeCap,
		TipCap: params.GasTipCap,
	}, nil
}

// BumpFees raises both fee fields by at least 12.5 percent, the minimum
// replacement increment nodes accept for a same-nonce resubmission.
func BumpFees(feeCap, tipCap uint64) (uint64, uint64) {
	bumpedFee := feeCap + feeCap/8
	if bumpedFee == feeCap {
		bumpedFee = feeCap + 1
	}
	bumpedTip := tipCap + tipCap/8
	if bumpedTip == tipCap {
		bumpedTip = tipCap + 1
	}
	return bumpedFee, bumpedTip
}
