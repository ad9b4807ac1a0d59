package interfaces

import (
	"context"
	"math/big"

	"echo-vault/internal/models"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerGateway read and broadcast access to the ledger.
// Errors are *clients.LedgerError values tagged with a kind.
type LedgerGateway interface {
	ChainID(ctx context.Context) (*big.Int, error)
	LatestBlock(ctx context.Context) (uint64, error)
	BlockTransactions(ctx context.Context, number uint64) ([]models.LedgerTransaction, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	Nonce(ctx context.Context, addr common.Address) (uint64, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*models.TxReceipt, error)
	EstimateFees(ctx context.Context) (*models.FeeEstimate, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
}

// TransactionSigner the identity that owns the controlled address
type TransactionSigner interface {
	Address(ctx context.Context) (common.Address, error)
	SignTransaction(ctx context.Context, req *models.SignTxRequest) (*models.SignedTx, error)
	Name() string
}

// BlobStore opaque durable key-value storage.
// Get returns ok=false when the key does not exist.
type BlobStore interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// EventPublisher receives every transfer record transition
type EventPublisher interface {
	PublishTransferEvent(ctx context.Context, event *models.TransferEvent) error
}
