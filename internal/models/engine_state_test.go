package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(n int, block uint64) *TransferRecord {
	return NewTransferRecord(fmt.Sprintf("0x%064X", n), "0x000000000000000000000000000000000000000a", big.NewInt(int64(1000+n)), block, time.Unix(1700000000+int64(n), 0))
}

func TestEngineState_AddRecordNormalizesAndDeduplicates(t *testing.T) {
	s := NewEngineState(0)
	rec := testRecord(1, 10)

	require.True(t, s.AddRecord(rec))
	assert.False(t, s.AddRecord(testRecord(1, 11)))
	assert.True(t, s.Knows(fmt.Sprintf("0x%064x", 1)))

	snap := s.Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, fmt.Sprintf("0x%064x", 1), snap.History[0].IncomingHash)
	assert.Equal(t, 1, snap.PendingCount)
	assert.True(t, snap.Dirty)
}

func TestEngineState_TerminalRecordsAreFrozen(t *testing.T) {
	s := NewEngineState(0)
	rec := testRecord(1, 10)
	s.AddRecord(rec)

	require.True(t, s.Update(rec.IncomingHash, func(r *TransferRecord) {
		r.Status = TransferStatusSuccess
		r.SetEchoHash("0xecho")
	}))
	assert.Empty(t, s.PendingRecords())

	assert.False(t, s.Update(rec.IncomingHash, func(r *TransferRecord) {
		r.Status = TransferStatusFailed
	}))
	got, ok := s.Record(rec.IncomingHash)
	require.True(t, ok)
	assert.Equal(t, TransferStatusSuccess, got.Status)
	assert.Equal(t, "0xecho", got.EchoHash)

	assert.False(t, s.Update("0xunknown", func(r *TransferRecord) {}))
}

func TestEngineState_FailedStaysPending(t *testing.T) {
	s := NewEngineState(0)
	rec := testRecord(1, 10)
	s.AddRecord(rec)

	s.Update(rec.IncomingHash, func(r *TransferRecord) { r.Status = TransferStatusFailed })

	pending := s.PendingRecords()
	require.Len(t, pending, 1)
	assert.Equal(t, TransferStatusFailed, pending[0].Status)
}

func TestEngineState_PendingOrder(t *testing.T) {
	s := NewEngineState(0)
	s.AddRecord(testRecord(1, 12))
	s.AddRecord(testRecord(2, 10))
	s.AddRecord(testRecord(3, 10))
	s.AddRecord(testRecord(4, 11))

	var order []string
	for _, rec := range s.PendingRecords() {
		order = append(order, rec.IncomingHash)
	}

	assert.Equal(t, []string{
		testRecord(2, 0).IncomingHash,
		testRecord(3, 0).IncomingHash,
		testRecord(4, 0).IncomingHash,
		testRecord(1, 0).IncomingHash,
	}, order)
}

func TestEngineState_HistoryCapEvictsOldestTerminal(t *testing.T) {
	s := NewEngineState(3)
	for i := 1; i <= 3; i++ {
		rec := testRecord(i, uint64(i))
		s.AddRecord(rec)
		if i != 2 {
			s.Update(rec.IncomingHash, func(r *TransferRecord) { r.Status = TransferStatusSkipped })
		}
	}

	s.AddRecord(testRecord(4, 4))
	s.AddRecord(testRecord(5, 5))

	snap := s.Snapshot()
	require.Len(t, snap.History, 3)
	assert.Equal(t, testRecord(5, 0).IncomingHash, snap.History[0].IncomingHash)
	assert.Equal(t, testRecord(4, 0).IncomingHash, snap.History[1].IncomingHash)
	assert.Equal(t, testRecord(2, 0).IncomingHash, snap.History[2].IncomingHash)
	// evicted records are forgotten
	assert.False(t, s.Knows(testRecord(1, 0).IncomingHash))
}

func TestEngineState_HistoryCapNeverDropsPending(t *testing.T) {
	s := NewEngineState(2)
	for i := 1; i <= 4; i++ {
		s.AddRecord(testRecord(i, uint64(i)))
	}

	snap := s.Snapshot()
	assert.Len(t, snap.History, 4)
	assert.Equal(t, 4, snap.PendingCount)
}

func TestEngineState_SetLastBlockMonotonic(t *testing.T) {
	s := NewEngineState(0)
	s.SetLastBlock(100)
	s.MarkPersisted(100, 1)

	s.SetLastBlock(90)

	assert.Equal(t, uint64(100), s.LastBlock())
	assert.False(t, s.IsDirty())
}

func TestEngineState_MarkPersistedGeneration(t *testing.T) {
	s := NewEngineState(0)
	s.SetLastBlock(100)
	ps, gen := s.Export(time.Unix(1700000000, 0))
	assert.Equal(t, uint64(100), ps.LastBlock)
	assert.Equal(t, SnapshotVersion, ps.Version)

	// mutated between export and write completion
	s.AddRecord(testRecord(1, 101))
	s.SetLastBlock(101)
	s.MarkPersisted(ps.LastBlock, gen)

	assert.True(t, s.IsDirty())
	assert.Equal(t, uint64(100), s.PersistedBlock())

	ps, gen = s.Export(time.Unix(1700000001, 0))
	s.MarkPersisted(ps.LastBlock, gen)
	assert.False(t, s.IsDirty())
	assert.Equal(t, uint64(101), s.PersistedBlock())
}

func TestEngineState_ExportRestoreRoundTrip(t *testing.T) {
	s := NewEngineState(0)
	for i := 1; i <= 3; i++ {
		s.AddRecord(testRecord(i, uint64(10+i)))
	}
	done := testRecord(2, 0).IncomingHash
	s.Update(done, func(r *TransferRecord) {
		r.Status = TransferStatusSuccess
		r.SetGasFee(big.NewInt(210000))
	})
	s.Update(testRecord(3, 0).IncomingHash, func(r *TransferRecord) {
		r.Status = TransferStatusProcessing
		r.Inflight = &InflightEcho{Nonce: 7, RawTx: "0x02", TxHash: "0xabc", EchoValue: WeiFromInt64(5), GasFee: WeiFromInt64(6)}
	})
	s.IncrementProcessed()
	s.SetLastBlock(20)

	ps, _ := s.Export(time.Unix(1700000000, 0))
	data, err := json.Marshal(ps)
	require.NoError(t, err)
	var decoded PersistedState
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored := NewEngineState(0)
	assert.Empty(t, restored.Restore(&decoded))

	before, after := s.Snapshot(), restored.Snapshot()
	assert.Equal(t, before.LastBlock, after.LastBlock)
	assert.Equal(t, before.ProcessedCount, after.ProcessedCount)
	assert.Equal(t, before.PendingCount, after.PendingCount)
	require.Len(t, after.History, 3)
	for i := range before.History {
		assert.Equal(t, before.History[i].IncomingHash, after.History[i].IncomingHash)
		assert.Equal(t, before.History[i].Status, after.History[i].Status)
	}
	rec, ok := restored.Record(testRecord(3, 0).IncomingHash)
	require.True(t, ok)
	require.NotNil(t, rec.Inflight)
	assert.Equal(t, uint64(7), rec.Inflight.Nonce)
	assert.Equal(t, "5", rec.Inflight.EchoValue.String())
	assert.False(t, restored.IsDirty())
}

func TestEngineState_RestoreRepairsPendingList(t *testing.T) {
	received := testRecord(1, 10)
	done := testRecord(2, 11)
	done.Status = TransferStatusSkipped

	s := NewEngineState(0)
	orphans := s.Restore(&PersistedState{
		LastBlock:     11,
		History:       []*TransferRecord{done, received},
		PendingHashes: []string{done.IncomingHash, "0xgone"},
	})

	assert.Equal(t, []string{"0xgone"}, orphans)
	pending := s.PendingRecords()
	require.Len(t, pending, 1)
	assert.Equal(t, received.IncomingHash, pending[0].IncomingHash)
}

func TestEngineState_SnapshotIsACopy(t *testing.T) {
	s := NewEngineState(0)
	s.AddRecord(testRecord(1, 10))

	snap := s.Snapshot()
	snap.History[0].Status = TransferStatusSuccess
	snap.History[0].Value.SetInt64(0)

	rec, _ := s.Record(testRecord(1, 0).IncomingHash)
	assert.Equal(t, TransferStatusReceived, rec.Status)
	assert.Equal(t, "1001", rec.Value.String())
}
