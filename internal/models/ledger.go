package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerTransaction the subset of a block transaction the engine needs
type LedgerTransaction struct {
	Hash  common.Hash
	From  common.Address
	To    *common.Address // nil for contract creation
	Value *big.Int
}

// FeeEstimate EIP-1559 fee parameters
type FeeEstimate struct {
	PriorityFee *big.Int // max_priority_fee_per_gas
	MaxFee      *big.Int // max_fee_per_gas
}

// TxReceipt inclusion result of a transaction
type TxReceipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Success     bool // false when the transaction was included but reverted
}

// SignTxRequest structured transaction handed to the signer
type SignTxRequest struct {
	ChainID              *big.Int
	Nonce                uint64
	MaxPriorityFeePerGas *big.Int
	MaxFeePerGas         *big.Int
	GasLimit             uint64
	To                   common.Address
	Value                *big.Int
	Data                 []byte
}

// SignedTx signer output
type SignedTx struct {
	RawTransaction []byte
	TxHash         common.Hash
}

// TransferEvent published on every record transition
type TransferEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Record    *TransferRecord `json:"record"`
	Timestamp int64           `json:"timestamp"`
}
