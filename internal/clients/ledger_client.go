package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"echo-vault/internal/config"
	"echo-vault/internal/models"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// LedgerClient EVM JSON-RPC ledger gateway
type LedgerClient struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	limiter *rate.Limiter
	chainID *big.Int // fixed by config, nil = ask the node
	logger  *logrus.Logger
}

// rpcBlock only the fields the scanner reads from eth_getBlockByNumber
type rpcBlock struct {
	Number       hexutil.Uint64   `json:"number"`
	Transactions []rpcTransaction `json:"transactions"`
}

type rpcTransaction struct {
	Hash  common.Hash     `json:"hash"`
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
}

// DialLedgerClient connects to the configured RPC endpoint
func DialLedgerClient(ctx context.Context, cfg config.LedgerConfig, logger *logrus.Logger) (*LedgerClient, error) {
	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger rpc %s: %w", cfg.RPCURL, err)
	}
	logger.WithField("endpoint", cfg.RPCURL).Info("🔌 [Ledger] RPC client created")
	return NewLedgerClient(rpcClient, cfg, logger), nil
}

// NewLedgerClient wraps an existing rpc client
func NewLedgerClient(rpcClient *rpc.Client, cfg config.LedgerConfig, logger *logrus.Logger) *LedgerClient {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}
	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	}
	return &LedgerClient{
		rpc:     rpcClient,
		eth:     ethclient.NewClient(rpcClient),
		limiter: limiter,
		chainID: chainID,
		logger:  logger,
	}
}

// Close releases the underlying connection
func (c *LedgerClient) Close() {
	c.rpc.Close()
}

func (c *LedgerClient) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return classifyLedgerError(op, err, false)
	}
	return nil
}

// WaitReady blocks until the node answers with a non-zero head and is not syncing
func (c *LedgerClient) WaitReady(ctx context.Context, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = timeout

	attempt := 0
	op := func() error {
		attempt++
		head, err := c.LatestBlock(ctx)
		if err != nil {
			c.logger.WithError(err).WithField("attempt", attempt).Info("⏳ [Ledger] Waiting for RPC...")
			return err
		}
		if head == 0 {
			return fmt.Errorf("ledger head is still 0")
		}
		progress, err := c.eth.SyncProgress(ctx)
		if err == nil && progress != nil {
			c.logger.WithFields(logrus.Fields{
				"current": progress.CurrentBlock,
				"highest": progress.HighestBlock,
			}).Info("⏳ [Ledger] Node is syncing")
			return fmt.Errorf("ledger node is syncing")
		}
		c.logger.WithField("block", head).Info("✅ [Ledger] RPC ready")
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("ledger rpc not ready after %s: %w", timeout, err)
	}
	return nil
}

// ChainID chain id from config or node
func (c *LedgerClient) ChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	if err := c.wait(ctx, "chain_id"); err != nil {
		return nil, err
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, classifyLedgerError("chain_id", err, false)
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// LatestBlock current head height
func (c *LedgerClient) LatestBlock(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx, "block_number"); err != nil {
		return 0, err
	}
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, classifyLedgerError("block_number", err, false)
	}
	return n, nil
}

// BlockTransactions transactions of block number.
// Decoded from raw JSON so that chain-specific transaction types do not break decoding.
func (c *LedgerClient) BlockTransactions(ctx context.Context, number uint64) ([]models.LedgerTransaction, error) {
	op := "get_block"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.rpc.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true); err != nil {
		return nil, classifyLedgerError(op, err, false)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, NewLedgerError(LedgerErrorTransient, op, fmt.Errorf("block %d not found", number))
	}
	var block rpcBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, NewLedgerError(LedgerErrorFatal, op, fmt.Errorf("failed to decode block %d: %w", number, err))
	}

	txs := make([]models.LedgerTransaction, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		value := new(big.Int)
		if tx.Value != nil {
			value = tx.Value.ToInt()
		}
		txs = append(txs, models.LedgerTransaction{
			Hash:  tx.Hash,
			From:  tx.From,
			To:    tx.To,
			Value: value,
		})
	}
	return txs, nil
}

// Balance latest balance of addr
func (c *LedgerClient) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := c.wait(ctx, "get_balance"); err != nil {
		return nil, err
	}
	bal, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, classifyLedgerError("get_balance", err, false)
	}
	return bal, nil
}

// Nonce confirmed transaction count of addr, the nonces already included on the ledger
func (c *LedgerClient) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	if err := c.wait(ctx, "get_nonce"); err != nil {
		return 0, err
	}
	n, err := c.eth.NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, classifyLedgerError("get_nonce", err, false)
	}
	return n, nil
}

// PendingNonce next nonce as the node sees it, counting transactions of addr
// still waiting in its pool
func (c *LedgerClient) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	if err := c.wait(ctx, "get_pending_nonce"); err != nil {
		return 0, err
	}
	n, err := c.eth.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, classifyLedgerError("get_pending_nonce", err, false)
	}
	return n, nil
}

// TransactionReceipt inclusion result of hash, nil while it is not mined
func (c *LedgerClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*models.TxReceipt, error) {
	if err := c.wait(ctx, "get_receipt"); err != nil {
		return nil, err
	}
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyLedgerError("get_receipt", err, false)
	}
	out := &models.TxReceipt{
		TxHash:  receipt.TxHash,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// EstimateFees EIP-1559 fees: max fee = 2 * base fee + priority fee
func (c *LedgerClient) EstimateFees(ctx context.Context) (*models.FeeEstimate, error) {
	op := "estimate_fees"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, classifyLedgerError(op, err, false)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classifyLedgerError(op, err, false)
	}
	if head.BaseFee == nil {
		// pre-London chain, fall back to the legacy gas price
		price, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, classifyLedgerError(op, err, false)
		}
		if tip.Cmp(price) > 0 {
			tip = new(big.Int).Set(price)
		}
		return &models.FeeEstimate{PriorityFee: tip, MaxFee: price}, nil
	}
	maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return &models.FeeEstimate{PriorityFee: tip, MaxFee: maxFee}, nil
}

// SendRawTransaction broadcasts a signed transaction
func (c *LedgerClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	op := "send_raw_transaction"
	if err := c.wait(ctx, op); err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return common.Hash{}, classifyLedgerError(op, err, true)
	}
	return hash, nil
}
