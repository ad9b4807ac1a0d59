package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"echo-vault/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKeySigner local key signing, for development outside the enclave
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewPrivateKeySigner parses a hex private key, with or without 0x
func NewPrivateKeySigner(hexKey string) (*PrivateKeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &PrivateKeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Name signing strategy name
func (s *PrivateKeySigner) Name() string {
	return "PrivateKey"
}

// Address controlled address
func (s *PrivateKeySigner) Address(ctx context.Context) (common.Address, error) {
	return s.address, nil
}

// SignTransaction signs an EIP-1559 transaction with the local key
func (s *PrivateKeySigner) SignTransaction(ctx context.Context, req *models.SignTxRequest) (*models.SignedTx, error) {
	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   req.ChainID,
		Nonce:     req.Nonce,
		GasTipCap: req.MaxPriorityFeePerGas,
		GasFeeCap: req.MaxFeePerGas,
		Gas:       req.GasLimit,
		To:        &to,
		Value:     req.Value,
		Data:      req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(req.ChainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	return &models.SignedTx{RawTransaction: raw, TxHash: signed.Hash()}, nil
}
