package services

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"echo-vault/internal/clients"
	"echo-vault/internal/config"
	"echo-vault/internal/interfaces"
	"echo-vault/internal/metrics"
	"echo-vault/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// EchoService reconciliation loop: scans blocks for incoming transfers and
// echoes each one back to its sender minus a gas margin.
// It is the only writer of the EngineState it owns.
type EchoService struct {
	ledger      interfaces.LedgerGateway
	signer      interfaces.TransactionSigner
	persistence *PersistenceService
	events      *TransferEventBus
	state       *models.EngineState
	cfg         config.EngineConfig
	logger      *logrus.Logger

	address common.Address
	chainID *big.Int

	backoffMu sync.Mutex
	backoffs  map[string]*recordBackoff

	running atomic.Bool
	now     func() time.Time
}

// recordBackoff retry window of a failed record
type recordBackoff struct {
	policy *backoff.ExponentialBackOff
	next   time.Time
}

// NewEchoService Create reconciliation engine
func NewEchoService(
	ledger interfaces.LedgerGateway,
	signer interfaces.TransactionSigner,
	persistence *PersistenceService,
	events *TransferEventBus,
	cfg config.EngineConfig,
	logger *logrus.Logger,
) *EchoService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 21000
	}
	if cfg.GasMarginPct <= 0 {
		cfg.GasMarginPct = 110
	}
	return &EchoService{
		ledger:      ledger,
		signer:      signer,
		persistence: persistence,
		events:      events,
		state:       persistence.State(),
		cfg:         cfg,
		logger:      logger,
		backoffs:    make(map[string]*recordBackoff),
		now:         time.Now,
	}
}

// State engine state, readers must use Snapshot()
func (s *EchoService) State() *models.EngineState {
	return s.state
}

// Address controlled address, valid after Init
func (s *EchoService) Address() common.Address {
	return s.address
}

// IsRunning reports whether Run is active
func (s *EchoService) IsRunning() bool {
	return s.running.Load()
}

// Init resolves the controlled identity and chain and recovers durable state.
// It must complete before Run.
func (s *EchoService) Init(ctx context.Context) error {
	callCtx, cancel := s.callContext(ctx)
	addr, err := s.signer.Address(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to resolve controlled address: %w", err)
	}
	s.address = addr

	callCtx, cancel = s.callContext(ctx)
	chainID, err := s.ledger.ChainID(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to resolve chain id: %w", err)
	}
	s.chainID = chainID

	source, err := s.persistence.Recover(ctx, s.latestBlock)
	if err != nil {
		return fmt.Errorf("failed to recover engine state: %w", err)
	}

	snap := s.state.Snapshot()
	s.updateGauges()
	s.logger.WithFields(logrus.Fields{
		"address":    addr.Hex(),
		"chain_id":   chainID.String(),
		"signer":     s.signer.Name(),
		"source":     source,
		"last_block": snap.LastBlock,
		"pending":    snap.PendingCount,
		"processed":  snap.ProcessedCount,
	}).Info("✅ [EchoService] initialized")
	return nil
}

// Run loops until ctx is cancelled, then makes a final persist
func (s *EchoService) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.WithFields(logrus.Fields{
		"address":       s.address.Hex(),
		"poll_interval": s.cfg.PollInterval.String(),
	}).Info("🚀 [EchoService] reconciliation loop started")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-timer.C:
		}
		s.RunOnce(ctx)
		timer.Reset(s.cfg.PollInterval)
	}
}

// RunOnce one reconciliation iteration. Errors are logged and counted,
// never returned: the next iteration retries.
func (s *EchoService) RunOnce(ctx context.Context) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopErrors.WithLabelValues("panic", "fatal").Inc()
			s.logger.WithField("panic", r).Error("❌ [EchoService] iteration panicked")
		}
		metrics.LoopDuration.Observe(time.Since(started).Seconds())
		s.updateGauges()
	}()

	found, err := s.scanBlocks(ctx)
	if err != nil {
		s.loopError("scan", err)
	}

	broadcasts, err := s.resolvePending(ctx)
	if err != nil {
		s.loopError("resolve", err)
	}

	if broadcasts > 0 {
		if err := s.persistence.PersistNow(ctx); err != nil {
			s.loopError("persist", err)
		}
		return
	}
	s.persistence.CheckpointIfIdle(found)
	if _, err := s.persistence.PersistIfDue(ctx); err != nil {
		s.loopError("persist", err)
	}
}

// scanBlocks detects qualifying transfers in last_block+1..head
func (s *EchoService) scanBlocks(ctx context.Context) (int, error) {
	head, err := s.latestBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block: %w", err)
	}
	last := s.state.LastBlock()
	if head <= last {
		return 0, nil
	}
	target := head
	if s.cfg.MaxBlocksPerLoop > 0 && head-last > s.cfg.MaxBlocksPerLoop {
		target = last + s.cfg.MaxBlocksPerLoop
	}

	found := 0
	for number := last + 1; number <= target; number++ {
		if ctx.Err() != nil {
			return found, nil
		}
		callCtx, cancel := s.callContext(ctx)
		txs, err := s.ledger.BlockTransactions(callCtx, number)
		cancel()
		if err != nil {
			if clients.IsHistoryLimit(err) {
				s.skipUnscannable(number, head, err)
				return found, nil
			}
			return found, fmt.Errorf("failed to scan block %d: %w", number, err)
		}

		for _, tx := range txs {
			if !s.qualifies(tx) {
				continue
			}
			rec := models.NewTransferRecord(tx.Hash.Hex(), tx.From.Hex(), tx.Value, number, s.now())
			if !s.state.AddRecord(rec) {
				continue
			}
			found++
			metrics.TransfersDetected.Inc()
			s.logger.WithFields(logrus.Fields{
				"block":         number,
				"incoming_hash": rec.IncomingHash,
				"from":          rec.From,
				"value":         rec.Value.String(),
			}).Info("📥 [EchoService] incoming transfer detected")
			s.events.Publish(ctx, rec)
		}
		s.state.SetLastBlock(number)
		metrics.BlocksScanned.Inc()
	}
	return found, nil
}

// skipUnscannable jumps the frontier to head when the node no longer serves block from
func (s *EchoService) skipUnscannable(from, head uint64, cause error) {
	metrics.BlocksSkipped.Add(float64(head - from + 1))
	s.logger.WithError(cause).WithFields(logrus.Fields{
		"from_block": from,
		"to_block":   head,
		"skipped":    head - from + 1,
	}).Error("❌ [EchoService] blocks outside the node's history window, permanently unscanned")
	s.state.SetLastBlock(head)
}

// qualifies incoming value transfer to the controlled address from someone else
func (s *EchoService) qualifies(tx models.LedgerTransaction) bool {
	if tx.To == nil || *tx.To != s.address {
		return false
	}
	if tx.Value == nil || tx.Value.Sign() <= 0 {
		return false
	}
	if tx.From == s.address {
		return false
	}
	return !s.state.Knows(tx.Hash.Hex())
}

// resolvePending resolves every pending record, signing with consecutive
// nonces from the node's pending count.
// Returns the number of echoes handed to the ledger.
func (s *EchoService) resolvePending(ctx context.Context) (int, error) {
	pending := s.state.PendingRecords()
	if len(pending) == 0 {
		return 0, nil
	}

	callCtx, cancel := s.callContext(ctx)
	mined, err := s.ledger.Nonce(callCtx, s.address)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	// echoes accepted in earlier iterations may still sit in the pool
	callCtx, cancel = s.callContext(ctx)
	next, err := s.ledger.PendingNonce(callCtx, s.address)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce: %w", err)
	}

	batch := newEchoBatch(mined, next)
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		if s.inBackoff(rec) {
			continue
		}
		if s.resolveRecord(ctx, rec, batch) == resolutionDefer {
			s.logger.WithFields(logrus.Fields{
				"incoming_hash": rec.IncomingHash,
				"remaining":     len(pending) - batch.seen,
			}).Info("⏸️ [EchoService] batch deferred")
			break
		}
		batch.seen++
	}
	return batch.broadcasts, nil
}

func (s *EchoService) latestBlock(ctx context.Context) (uint64, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	return s.ledger.LatestBlock(callCtx)
}

func (s *EchoService) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

func (s *EchoService) loopError(stage string, err error) {
	kind := clients.LedgerErrorKindOf(err)
	metrics.LoopErrors.WithLabelValues(stage, string(kind)).Inc()
	s.logger.WithError(err).WithFields(logrus.Fields{
		"stage": stage,
		"kind":  kind,
	}).Warn("⚠️ [EchoService] iteration error, retrying next loop")
}

func (s *EchoService) updateGauges() {
	snap := s.state.Snapshot()
	metrics.LastBlock.Set(float64(snap.LastBlock))
	metrics.PersistedBlock.Set(float64(snap.PersistedBlock))
	metrics.PendingTransfers.Set(float64(snap.PendingCount))
	metrics.ProcessedCount.Set(float64(snap.ProcessedCount))
}

// shutdown final persist with a fresh context, the loop context is already done
func (s *EchoService) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()
	if s.state.IsDirty() {
		if err := s.persistence.PersistNow(ctx); err != nil {
			s.logger.WithError(err).Error("❌ [EchoService] final persist failed")
		}
	}
	s.logger.WithField("last_block", s.state.LastBlock()).Info("🛑 [EchoService] reconciliation loop stopped")
}
