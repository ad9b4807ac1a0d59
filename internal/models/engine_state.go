package models

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultHistoryLimit number of records kept in history
const DefaultHistoryLimit = 100

// SnapshotVersion version of the consolidated persisted layout
const SnapshotVersion = 2

// PersistedState consolidated durable projection of EngineState
type PersistedState struct {
	Version        int               `json:"version,omitempty"`
	LastBlock      uint64            `json:"last_block"`
	ProcessedCount uint64            `json:"processed_count"`
	History        []*TransferRecord `json:"history"`
	PendingHashes  []string          `json:"pending_hashes"`
	UpdatedAt      int64             `json:"updated_at"`
}

// EngineSnapshot read-only copy of the engine state
type EngineSnapshot struct {
	LastBlock      uint64
	PersistedBlock uint64
	ProcessedCount uint64
	PendingCount   int
	Dirty          bool
	History        []*TransferRecord
	Pending        []*TransferRecord
}

// EngineState process-wide reconciliation state.
// Only the reconciliation loop mutates it; everyone else reads Snapshot().
type EngineState struct {
	mu sync.RWMutex

	lastBlock      uint64
	persistedBlock uint64
	processedCount uint64
	dirty          bool
	generation     uint64 // bumped on every mutation

	historyLimit int
	history      []*TransferRecord // newest first
	known        map[string]*TransferRecord
	pending      map[string]*TransferRecord
	seq          map[string]uint64 // detection order, for stable batch ordering
	nextSeq      uint64
}

// NewEngineState creates an empty state
func NewEngineState(historyLimit int) *EngineState {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &EngineState{
		historyLimit: historyLimit,
		known:        make(map[string]*TransferRecord),
		pending:      make(map[string]*TransferRecord),
		seq:          make(map[string]uint64),
	}
}

func normalizeHash(hash string) string {
	return strings.ToLower(hash)
}

// LastBlock last scanned block
func (s *EngineState) LastBlock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBlock
}

// PersistedBlock last block covered by a durable snapshot
func (s *EngineState) PersistedBlock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistedBlock
}

// IsDirty reports unsaved mutations
func (s *EngineState) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// MarkDirty flags the state for the next persist
func (s *EngineState) MarkDirty() {
	s.mu.Lock()
	s.touchLocked()
	s.mu.Unlock()
}

func (s *EngineState) touchLocked() {
	s.dirty = true
	s.generation++
}

// SetLastBlock advances the scan frontier. It never moves backwards.
func (s *EngineState) SetLastBlock(block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block > s.lastBlock {
		s.lastBlock = block
		s.touchLocked()
	}
}

// Knows reports whether a transfer is already tracked
func (s *EngineState) Knows(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.known[normalizeHash(hash)]
	return ok
}

// AddRecord tracks a new received record. Returns false for duplicates.
func (s *EngineState) AddRecord(rec *TransferRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := normalizeHash(rec.IncomingHash)
	if _, ok := s.known[hash]; ok {
		return false
	}
	rec.IncomingHash = hash
	s.insertHistoryLocked(rec)
	if !rec.Status.IsTerminal() {
		s.pending[hash] = rec
	}
	s.nextSeq++
	s.seq[hash] = s.nextSeq
	s.touchLocked()
	return true
}

// insertHistoryLocked prepends rec and evicts the oldest terminal records over the cap.
// Non-terminal records are never evicted, so the cap can be exceeded while
// more than historyLimit transfers are pending.
func (s *EngineState) insertHistoryLocked(rec *TransferRecord) {
	s.history = append([]*TransferRecord{rec}, s.history...)
	s.known[rec.IncomingHash] = rec
	for len(s.history) > s.historyLimit {
		idx := -1
		for i := len(s.history) - 1; i >= 0; i-- {
			if s.history[i].Status.IsTerminal() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		evicted := s.history[idx]
		s.history = append(s.history[:idx], s.history[idx+1:]...)
		delete(s.known, evicted.IncomingHash)
		delete(s.seq, evicted.IncomingHash)
	}
}

// Update applies fn to a copy of the tracked record and stores the result.
// Terminal records are frozen: the update is rejected and false returned.
// A record reaching a terminal status leaves the pending set.
func (s *EngineState) Update(hash string, fn func(rec *TransferRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.known[normalizeHash(hash)]
	if !ok || rec.Status.IsTerminal() {
		return false
	}
	next := rec.Clone()
	fn(next)
	next.IncomingHash = rec.IncomingHash
	*rec = *next
	if rec.Status.IsTerminal() {
		delete(s.pending, rec.IncomingHash)
	}
	s.touchLocked()
	return true
}

// Record copy of a tracked record
func (s *EngineState) Record(hash string) (*TransferRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.known[normalizeHash(hash)]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// IncrementProcessed bumps processed_count
func (s *EngineState) IncrementProcessed() {
	s.mu.Lock()
	s.processedCount++
	s.touchLocked()
	s.mu.Unlock()
}

// PendingRecords copies of every non-terminal record, oldest block first
func (s *EngineState) PendingRecords() []*TransferRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingLocked()
}

func (s *EngineState) pendingLocked() []*TransferRecord {
	out := make([]*TransferRecord, 0, len(s.pending))
	for _, rec := range s.pending {
		out = append(out, rec.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return s.seq[out[i].IncomingHash] < s.seq[out[j].IncomingHash]
	})
	return out
}

// Snapshot deep copy for readers
func (s *EngineState) Snapshot() EngineSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]*TransferRecord, len(s.history))
	for i, rec := range s.history {
		history[i] = rec.Clone()
	}
	return EngineSnapshot{
		LastBlock:      s.lastBlock,
		PersistedBlock: s.persistedBlock,
		ProcessedCount: s.processedCount,
		PendingCount:   len(s.pending),
		Dirty:          s.dirty,
		History:        history,
		Pending:        s.pendingLocked(),
	}
}

// Export builds the durable projection of the current state together with
// the mutation generation it reflects.
func (s *EngineState) Export(now time.Time) (*PersistedState, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]*TransferRecord, len(s.history))
	for i, rec := range s.history {
		history[i] = rec.Clone()
	}
	pending := make([]string, 0, len(s.pending))
	for _, rec := range s.pendingLocked() {
		pending = append(pending, rec.IncomingHash)
	}
	return &PersistedState{
		Version:        SnapshotVersion,
		LastBlock:      s.lastBlock,
		ProcessedCount: s.processedCount,
		History:        history,
		PendingHashes:  pending,
		UpdatedAt:      now.Unix(),
	}, s.generation
}

// MarkPersisted records a successful snapshot of generation gen covering block.
// The state stays dirty if it was mutated after the export.
func (s *EngineState) MarkPersisted(block, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block > s.lastBlock {
		block = s.lastBlock
	}
	if block > s.persistedBlock {
		s.persistedBlock = block
	}
	if gen == s.generation {
		s.dirty = false
	}
}

// Restore replaces the state with a durable projection.
// Pending hashes without a matching history record are returned as orphans.
func (s *EngineState) Restore(ps *PersistedState) (orphans []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = nil
	s.known = make(map[string]*TransferRecord)
	s.pending = make(map[string]*TransferRecord)
	s.seq = make(map[string]uint64)
	s.nextSeq = 0

	s.lastBlock = ps.LastBlock
	s.persistedBlock = ps.LastBlock
	s.processedCount = ps.ProcessedCount
	s.dirty = false

	// history is newest first; replay oldest first so detection order is kept
	for i := len(ps.History) - 1; i >= 0; i-- {
		rec := ps.History[i]
		if rec == nil || rec.IncomingHash == "" {
			continue
		}
		rec = rec.Clone()
		rec.IncomingHash = normalizeHash(rec.IncomingHash)
		if _, dup := s.known[rec.IncomingHash]; dup {
			continue
		}
		s.insertHistoryLocked(rec)
		s.nextSeq++
		s.seq[rec.IncomingHash] = s.nextSeq
	}

	for _, hash := range ps.PendingHashes {
		hash = normalizeHash(hash)
		rec, ok := s.known[hash]
		if !ok {
			orphans = append(orphans, hash)
			continue
		}
		if rec.Status.IsTerminal() {
			continue
		}
		s.pending[hash] = rec
	}
	// a non-terminal record in history is pending even if the list missed it
	for _, rec := range s.history {
		if !rec.Status.IsTerminal() {
			s.pending[rec.IncomingHash] = rec
		}
	}
	return orphans
}
