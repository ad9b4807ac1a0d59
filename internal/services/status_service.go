package services

import (
	"context"
	"math/big"
	"time"

	"echo-vault/internal/interfaces"
	"echo-vault/internal/metrics"
	"echo-vault/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// balanceUnknown reported when the live balance lookup fails
const balanceUnknown = "unknown"

// EchoStatus status projection of the engine
type EchoStatus struct {
	Address        string `json:"address"`
	Balance        string `json:"balance"`
	ProcessedCount uint64 `json:"processed_count"`
	LastBlock      uint64 `json:"last_block"`
	PersistedBlock uint64 `json:"persisted_block"`
	PendingCount   int    `json:"pending_count"`
	Dirty          bool   `json:"dirty"`
	Running        bool   `json:"running"`
}

// addressSource the engine's identity, resolved during Init
type addressSource interface {
	Address() common.Address
	IsRunning() bool
}

// StatusService read-only accessor over EngineState snapshots.
// It never takes the engine loop's path, so a slow loop cannot block it.
type StatusService struct {
	state   *models.EngineState
	engine  addressSource
	ledger  interfaces.LedgerGateway
	timeout time.Duration
	logger  *logrus.Logger
}

// NewStatusService Create status projection
func NewStatusService(state *models.EngineState, engine addressSource, ledger interfaces.LedgerGateway, timeout time.Duration, logger *logrus.Logger) *StatusService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StatusService{
		state:   state,
		engine:  engine,
		ledger:  ledger,
		timeout: timeout,
		logger:  logger,
	}
}

// Status current projection with the live balance of the controlled address
func (s *StatusService) Status(ctx context.Context) *EchoStatus {
	snap := s.state.Snapshot()
	addr := s.engine.Address()
	return &EchoStatus{
		Address:        addr.Hex(),
		Balance:        s.balance(ctx, addr),
		ProcessedCount: snap.ProcessedCount,
		LastBlock:      snap.LastBlock,
		PersistedBlock: snap.PersistedBlock,
		PendingCount:   snap.PendingCount,
		Dirty:          snap.Dirty,
		Running:        s.engine.IsRunning(),
	}
}

// History bounded history, newest first
func (s *StatusService) History() []*models.TransferRecord {
	return s.state.Snapshot().History
}

// Pending every non-terminal record in resolution order
func (s *StatusService) Pending() []*models.TransferRecord {
	return s.state.PendingRecords()
}

func (s *StatusService) balance(ctx context.Context, addr common.Address) string {
	if addr == (common.Address{}) {
		return balanceUnknown
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	bal, err := s.ledger.Balance(ctx, addr)
	if err != nil {
		s.logger.WithError(err).WithField("address", addr.Hex()).Warn("⚠️ [Status] balance lookup failed")
		return balanceUnknown
	}
	f, _ := new(big.Float).SetInt(bal).Float64()
	metrics.ControlledBalance.WithLabelValues(addr.Hex()).Set(f)
	return bal.String()
}
