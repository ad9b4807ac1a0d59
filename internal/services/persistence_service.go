package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"echo-vault/internal/config"
	"echo-vault/internal/interfaces"
	"echo-vault/internal/metrics"
	"echo-vault/internal/models"

	"github.com/sirupsen/logrus"
)

// Recovery sources reported by Recover
const (
	RecoverySnapshot = "snapshot"
	RecoveryLegacy   = "legacy"
	RecoveryFresh    = "fresh"
)

// legacyLastBlockKey plain-text block number written by the per-record layout
const legacyLastBlockKey = "last_block"

// HeadFunc returns the current ledger height
type HeadFunc func(ctx context.Context) (uint64, error)

// PersistenceService snapshots EngineState to the blob store and rebuilds it at startup
type PersistenceService struct {
	store  interfaces.BlobStore
	state  *models.EngineState
	cfg    config.PersistenceConfig
	logger *logrus.Logger

	mu          sync.Mutex // serializes snapshot writes
	lastPersist time.Time
	now         func() time.Time
}

// NewPersistenceService Create persistence manager for state
func NewPersistenceService(store interfaces.BlobStore, state *models.EngineState, cfg config.PersistenceConfig, logger *logrus.Logger) *PersistenceService {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.IdleBlocks == 0 {
		cfg.IdleBlocks = 200
	}
	if cfg.SnapshotKey == "" {
		cfg.SnapshotKey = config.DefaultSnapshotKey
	}
	if cfg.LegacyPrefix == "" {
		cfg.LegacyPrefix = config.DefaultLegacyPrefix
	}
	p := &PersistenceService{
		store:  store,
		state:  state,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	p.lastPersist = p.now()
	return p
}

// State the engine state this manager persists
func (p *PersistenceService) State() *models.EngineState {
	return p.state
}

// CheckpointIfIdle marks the state dirty when an idle scan has moved the
// frontier far past the last snapshot
func (p *PersistenceService) CheckpointIfIdle(found int) bool {
	if found > 0 {
		return false
	}
	last, persisted := p.state.LastBlock(), p.state.PersistedBlock()
	if last > persisted && last-persisted > p.cfg.IdleBlocks {
		p.state.MarkDirty()
		return true
	}
	return false
}

// PersistIfDue writes a snapshot when the state is dirty and the interval elapsed
func (p *PersistenceService) PersistIfDue(ctx context.Context) (bool, error) {
	if !p.state.IsDirty() {
		return false, nil
	}
	p.mu.Lock()
	due := p.now().Sub(p.lastPersist) >= p.cfg.Interval
	p.mu.Unlock()
	if !due {
		return false, nil
	}
	if err := p.PersistNow(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// PersistNow writes the consolidated snapshot unconditionally
func (p *PersistenceService) PersistNow(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	started := time.Now()
	snapshot, gen := p.state.Export(p.now())
	data, err := json.Marshal(snapshot)
	if err != nil {
		metrics.SnapshotWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := p.store.Put(ctx, p.cfg.SnapshotKey, data); err != nil {
		metrics.SnapshotWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	p.state.MarkPersisted(snapshot.LastBlock, gen)
	p.lastPersist = p.now()

	metrics.SnapshotWrites.WithLabelValues("ok").Inc()
	metrics.SnapshotDuration.Observe(time.Since(started).Seconds())
	metrics.PersistedBlock.Set(float64(snapshot.LastBlock))
	p.logger.WithFields(logrus.Fields{
		"last_block": snapshot.LastBlock,
		"history":    len(snapshot.History),
		"pending":    len(snapshot.PendingHashes),
		"bytes":      len(data),
	}).Debug("💾 [Persistence] snapshot written")
	return nil
}

// Recover rebuilds the state: consolidated snapshot first, then the legacy
// per-record layout (migrated immediately), else a fresh start at the head.
// A store error aborts recovery rather than starting from an empty state.
func (p *PersistenceService) Recover(ctx context.Context, head HeadFunc) (string, error) {
	loaders := []snapshotLoader{
		&consolidatedLoader{store: p.store, key: p.cfg.SnapshotKey},
		&legacyLoader{store: p.store, prefix: p.cfg.LegacyPrefix, logger: p.logger},
	}
	for _, loader := range loaders {
		ps, ok, err := loader.Load(ctx)
		if err != nil {
			return "", fmt.Errorf("%s recovery failed: %w", loader.Name(), err)
		}
		if !ok {
			continue
		}
		if ps.LastBlock == 0 {
			height, err := head(ctx)
			if err != nil {
				return "", fmt.Errorf("failed to get latest block: %w", err)
			}
			ps.LastBlock = height
		}
		if orphans := p.state.Restore(ps); len(orphans) > 0 {
			p.logger.WithField("orphans", orphans).Warn("⚠️ [Persistence] pending hashes without a record were dropped")
		}
		p.logger.WithFields(logrus.Fields{
			"source":     loader.Name(),
			"last_block": ps.LastBlock,
			"history":    len(ps.History),
			"processed":  ps.ProcessedCount,
		}).Info("♻️ [Persistence] state recovered")

		if loader.Name() == RecoveryLegacy {
			if err := p.PersistNow(ctx); err != nil {
				return "", fmt.Errorf("failed to write migrated snapshot: %w", err)
			}
			p.logger.WithField("key", p.cfg.SnapshotKey).Info("✅ [Persistence] legacy records migrated to snapshot")
		}
		return loader.Name(), nil
	}

	height, err := head(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get latest block: %w", err)
	}
	p.state.Restore(&models.PersistedState{LastBlock: height})
	p.state.MarkDirty()
	p.logger.WithField("last_block", height).Info("🆕 [Persistence] no saved state, starting at current height")
	return RecoveryFresh, nil
}

// snapshotLoader one persisted layout, tried in order during recovery
type snapshotLoader interface {
	Name() string
	Load(ctx context.Context) (*models.PersistedState, bool, error)
}

// consolidatedLoader single-blob snapshot
type consolidatedLoader struct {
	store interfaces.BlobStore
	key   string
}

func (l *consolidatedLoader) Name() string { return RecoverySnapshot }

func (l *consolidatedLoader) Load(ctx context.Context) (*models.PersistedState, bool, error) {
	data, ok, err := l.store.Get(ctx, l.key)
	if err != nil || !ok {
		return nil, false, err
	}
	var ps models.PersistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, false, fmt.Errorf("snapshot %s is corrupt: %w", l.key, err)
	}
	if ps.Version > models.SnapshotVersion {
		return nil, false, fmt.Errorf("snapshot version %d is newer than supported %d", ps.Version, models.SnapshotVersion)
	}
	return &ps, true, nil
}

// legacyLoader one blob per record under prefix, plus an optional last_block blob
type legacyLoader struct {
	store  interfaces.BlobStore
	prefix string
	logger *logrus.Logger
}

func (l *legacyLoader) Name() string { return RecoveryLegacy }

func (l *legacyLoader) Load(ctx context.Context) (*models.PersistedState, bool, error) {
	keys, err := l.store.List(ctx, l.prefix)
	if err != nil {
		return nil, false, err
	}
	if len(keys) == 0 {
		return nil, false, nil
	}

	records := make([]*models.TransferRecord, 0, len(keys))
	for _, key := range keys {
		data, ok, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		var rec models.TransferRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			l.logger.WithError(err).WithField("key", key).Warn("⚠️ [Persistence] unreadable legacy record skipped")
			continue
		}
		if rec.IncomingHash == "" {
			rec.IncomingHash = strings.TrimSuffix(strings.TrimPrefix(key, l.prefix), ".json")
		}
		if rec.Status == "" {
			rec.Status = models.TransferStatusReceived
		}
		records = append(records, &rec)
	}
	if len(records) == 0 {
		return nil, false, nil
	}

	ps := buildLegacyState(records)
	if data, ok, err := l.store.Get(ctx, legacyLastBlockKey); err != nil {
		return nil, false, err
	} else if ok {
		if block, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); err == nil && block > ps.LastBlock {
			ps.LastBlock = block
		}
	}
	return ps, true, nil
}

// buildLegacyState history newest first, every non-terminal record pending.
// The history cap is applied by EngineState.Restore.
func buildLegacyState(records []*models.TransferRecord) *models.PersistedState {
	sortNewestFirst(records)
	ps := &models.PersistedState{
		Version: models.SnapshotVersion,
		History: records,
	}
	for _, rec := range records {
		if rec.BlockNumber > ps.LastBlock {
			ps.LastBlock = rec.BlockNumber
		}
		switch {
		case rec.Status == models.TransferStatusSuccess:
			ps.ProcessedCount++
		case !rec.Status.IsTerminal():
			ps.PendingHashes = append(ps.PendingHashes, rec.IncomingHash)
		}
	}
	return ps
}

func sortNewestFirst(records []*models.TransferRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Timestamp != records[j].Timestamp {
			return records[i].Timestamp > records[j].Timestamp
		}
		return records[i].BlockNumber > records[j].BlockNumber
	})
}
