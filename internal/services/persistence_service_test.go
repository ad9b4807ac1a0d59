package services

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"echo-vault/internal/config"
	"echo-vault/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSnapshot(t *testing.T, store *flakyStore, ps *models.PersistedState) {
	t.Helper()
	data, err := json.Marshal(ps)
	require.NoError(t, err)
	require.NoError(t, store.MemoryBlobStore.Put(context.Background(), config.DefaultSnapshotKey, data))
}

func seedLegacyRecord(t *testing.T, store *flakyStore, rec *models.TransferRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, store.MemoryBlobStore.Put(context.Background(), config.DefaultLegacyPrefix+rec.IncomingHash+".json", data))
}

func fixedHead(height uint64) HeadFunc {
	return func(ctx context.Context) (uint64, error) { return height, nil }
}

func newTestPersistence(store *flakyStore) *PersistenceService {
	return NewPersistenceService(store, models.NewEngineState(0), testPersistenceConfig(), quietLogger())
}

func legacyRecord(n int, status models.TransferStatus, block uint64, ts int64) *models.TransferRecord {
	rec := models.NewTransferRecord(txHash(n).Hex(), senderA.Hex(), big.NewInt(1_000_000), block, time.Unix(ts, 0))
	rec.Status = status
	return rec
}

func TestPersistence_RecoverFresh(t *testing.T) {
	p := newTestPersistence(newFlakyStore())

	source, err := p.Recover(context.Background(), fixedHead(1234))

	require.NoError(t, err)
	assert.Equal(t, RecoveryFresh, source)
	assert.Equal(t, uint64(1234), p.State().LastBlock())
	assert.True(t, p.State().IsDirty())
}

func TestPersistence_RecoverSnapshot(t *testing.T) {
	store := newFlakyStore()
	pending := legacyRecord(1, models.TransferStatusFailed, 90, 1700000100)
	done := legacyRecord(2, models.TransferStatusSuccess, 80, 1700000000)
	seedSnapshot(t, store, &models.PersistedState{
		Version:        models.SnapshotVersion,
		LastBlock:      95,
		ProcessedCount: 4,
		History:        []*models.TransferRecord{pending, done},
		PendingHashes:  []string{pending.IncomingHash, "0xdeadbeef"},
	})
	p := newTestPersistence(store)

	source, err := p.Recover(context.Background(), fixedHead(1000))

	require.NoError(t, err)
	assert.Equal(t, RecoverySnapshot, source)
	snap := p.State().Snapshot()
	assert.Equal(t, uint64(95), snap.LastBlock)
	assert.Equal(t, uint64(95), snap.PersistedBlock)
	assert.Equal(t, uint64(4), snap.ProcessedCount)
	require.Len(t, snap.History, 2)
	assert.Equal(t, pending.IncomingHash, snap.History[0].IncomingHash)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, pending.IncomingHash, snap.Pending[0].IncomingHash)
	assert.False(t, snap.Dirty)
}

func TestPersistence_RecoverSnapshotWithoutBlockUsesHead(t *testing.T) {
	store := newFlakyStore()
	seedSnapshot(t, store, &models.PersistedState{ProcessedCount: 2})
	p := newTestPersistence(store)

	source, err := p.Recover(context.Background(), fixedHead(777))

	require.NoError(t, err)
	assert.Equal(t, RecoverySnapshot, source)
	assert.Equal(t, uint64(777), p.State().LastBlock())
	assert.Equal(t, uint64(2), p.State().Snapshot().ProcessedCount)
}

func TestPersistence_RecoverRejectsBadSnapshots(t *testing.T) {
	t.Run("corrupt", func(t *testing.T) {
		store := newFlakyStore()
		require.NoError(t, store.Put(context.Background(), config.DefaultSnapshotKey, []byte("{not json")))
		_, err := newTestPersistence(store).Recover(context.Background(), fixedHead(1))
		assert.ErrorContains(t, err, "corrupt")
	})
	t.Run("newer version", func(t *testing.T) {
		store := newFlakyStore()
		seedSnapshot(t, store, &models.PersistedState{Version: models.SnapshotVersion + 1, LastBlock: 5})
		_, err := newTestPersistence(store).Recover(context.Background(), fixedHead(1))
		assert.ErrorContains(t, err, "newer than supported")
	})
	t.Run("store unavailable", func(t *testing.T) {
		store := newFlakyStore()
		store.failGet = true
		p := newTestPersistence(store)
		_, err := p.Recover(context.Background(), fixedHead(1))
		require.Error(t, err)
		// never fall back to an empty state on a read error
		assert.Zero(t, p.State().LastBlock())
	})
	t.Run("head unavailable", func(t *testing.T) {
		head := func(ctx context.Context) (uint64, error) { return 0, errors.New("rpc down") }
		_, err := newTestPersistence(newFlakyStore()).Recover(context.Background(), head)
		assert.ErrorContains(t, err, "rpc down")
	})
}

func TestPersistence_RecoverLegacyMigrates(t *testing.T) {
	store := newFlakyStore()
	seedLegacyRecord(t, store, legacyRecord(1, models.TransferStatusSuccess, 100, 1700000000))
	seedLegacyRecord(t, store, legacyRecord(2, models.TransferStatusFailed, 120, 1700000200))
	seedLegacyRecord(t, store, legacyRecord(3, models.TransferStatusReceived, 110, 1700000100))
	seedLegacyRecord(t, store, legacyRecord(4, models.TransferStatusSkipped, 105, 1700000050))
	require.NoError(t, store.Put(context.Background(), config.DefaultLegacyPrefix+"broken.json", []byte("garbage")))
	require.NoError(t, store.Put(context.Background(), legacyLastBlockKey, []byte("150\n")))
	p := newTestPersistence(store)

	source, err := p.Recover(context.Background(), fixedHead(1000))

	require.NoError(t, err)
	assert.Equal(t, RecoveryLegacy, source)
	snap := p.State().Snapshot()
	assert.Equal(t, uint64(150), snap.LastBlock)
	assert.Equal(t, uint64(1), snap.ProcessedCount)
	require.Len(t, snap.History, 4)
	assert.Equal(t, txHash(2).Hex(), snap.History[0].IncomingHash)
	assert.Equal(t, txHash(1).Hex(), snap.History[3].IncomingHash)
	require.Len(t, snap.Pending, 2)
	assert.Equal(t, txHash(3).Hex(), snap.Pending[0].IncomingHash)
	assert.Equal(t, txHash(2).Hex(), snap.Pending[1].IncomingHash)

	// migrated immediately; the next start reads the consolidated snapshot
	data, ok, err := store.Get(context.Background(), config.DefaultSnapshotKey)
	require.NoError(t, err)
	require.True(t, ok)
	var ps models.PersistedState
	require.NoError(t, json.Unmarshal(data, &ps))
	assert.Equal(t, models.SnapshotVersion, ps.Version)
	assert.Equal(t, uint64(150), ps.LastBlock)
	assert.False(t, snap.Dirty)

	source, err = newTestPersistence(store).Recover(context.Background(), fixedHead(1000))
	require.NoError(t, err)
	assert.Equal(t, RecoverySnapshot, source)
}

func TestPersistence_RecoverLegacyWithoutLastBlockUsesRecords(t *testing.T) {
	store := newFlakyStore()
	seedLegacyRecord(t, store, legacyRecord(1, models.TransferStatusReceived, 321, 1700000000))
	p := newTestPersistence(store)

	_, err := p.Recover(context.Background(), fixedHead(1000))

	require.NoError(t, err)
	assert.Equal(t, uint64(321), p.State().LastBlock())
}

func TestPersistence_SnapshotPreferredOverLegacy(t *testing.T) {
	store := newFlakyStore()
	seedLegacyRecord(t, store, legacyRecord(1, models.TransferStatusReceived, 100, 1700000000))
	seedSnapshot(t, store, &models.PersistedState{Version: models.SnapshotVersion, LastBlock: 500})
	p := newTestPersistence(store)

	source, err := p.Recover(context.Background(), fixedHead(1000))

	require.NoError(t, err)
	assert.Equal(t, RecoverySnapshot, source)
	assert.Empty(t, p.State().Snapshot().History)
}

func TestPersistence_PersistIfDue(t *testing.T) {
	store := newFlakyStore()
	p := newTestPersistence(store)
	clock := time.Unix(1700000000, 0)
	p.now = func() time.Time { return clock }
	p.lastPersist = clock
	_, err := p.Recover(context.Background(), fixedHead(10))
	require.NoError(t, err)

	wrote, err := p.PersistIfDue(context.Background())
	require.NoError(t, err)
	assert.False(t, wrote, "interval not elapsed")

	clock = clock.Add(2 * time.Hour)
	wrote, err = p.PersistIfDue(context.Background())
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.False(t, p.State().IsDirty())
	assert.Equal(t, uint64(10), p.State().PersistedBlock())

	clock = clock.Add(2 * time.Hour)
	wrote, err = p.PersistIfDue(context.Background())
	require.NoError(t, err)
	assert.False(t, wrote, "clean state is not rewritten")
}

func TestPersistence_PersistNowFailureKeepsDirty(t *testing.T) {
	store := newFlakyStore()
	p := newTestPersistence(store)
	_, err := p.Recover(context.Background(), fixedHead(10))
	require.NoError(t, err)
	store.setFailPut(true)

	require.Error(t, p.PersistNow(context.Background()))

	assert.True(t, p.State().IsDirty())
}

func TestPersistence_CheckpointIfIdle(t *testing.T) {
	state := models.NewEngineState(0)
	state.Restore(&models.PersistedState{LastBlock: 100})
	p := NewPersistenceService(newFlakyStore(), state, testPersistenceConfig(), quietLogger())

	state.SetLastBlock(250)
	assert.False(t, p.CheckpointIfIdle(0), "150 blocks is within the idle window")

	state.SetLastBlock(301)
	require.NoError(t, p.PersistNow(context.Background()))
	assert.False(t, p.CheckpointIfIdle(0))

	// frontier moved without a snapshot
	state.SetLastBlock(502)
	state.MarkPersisted(301, 0)
	assert.False(t, p.CheckpointIfIdle(3), "detections are persisted by the regular cadence")
	assert.True(t, p.CheckpointIfIdle(0))
	assert.True(t, state.IsDirty())
}
