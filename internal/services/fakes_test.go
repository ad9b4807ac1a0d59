package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"echo-vault/internal/clients"
	"echo-vault/internal/config"
	"echo-vault/internal/models"
	"echo-vault/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	vaultAddr  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	senderA    = common.HexToAddress("0x000000000000000000000000000000000000000a")
	senderB    = common.HexToAddress("0x000000000000000000000000000000000000000b")
	otherAddr  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testPeriod = 10 * time.Millisecond
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func txHash(n int) common.Hash {
	return common.BigToHash(big.NewInt(int64(n)))
}

func transfer(n int, from common.Address, value int64) models.LedgerTransaction {
	to := vaultAddr
	return models.LedgerTransaction{
		Hash:  txHash(n),
		From:  from,
		To:    &to,
		Value: big.NewInt(value),
	}
}

// fakeLedger in-memory ledger gateway
type fakeLedger struct {
	mu sync.Mutex

	head       uint64
	headErr    error
	blocks     map[uint64][]models.LedgerTransaction
	blockErrs  map[uint64]error
	balance    *big.Int
	balanceErr error
	nonce      uint64 // mined transaction count
	fees       *models.FeeEstimate
	feesErr    error
	sendErrs   []error // consumed one per SendRawTransaction call
	receiptErr error

	pool     map[uint64]common.Hash // accepted, not yet mined, by nonce
	receipts map[common.Hash]*models.TxReceipt

	nonceCalls int
	sent       [][]byte
}

func newFakeLedger(head uint64) *fakeLedger {
	return &fakeLedger{
		head:      head,
		blocks:    make(map[uint64][]models.LedgerTransaction),
		blockErrs: make(map[uint64]error),
		balance:   big.NewInt(10_000_000),
		nonce:     7,
		fees:      &models.FeeEstimate{PriorityFee: big.NewInt(1), MaxFee: big.NewInt(10)},
		pool:      make(map[uint64]common.Hash),
		receipts:  make(map[common.Hash]*models.TxReceipt),
	}
}

func (l *fakeLedger) addBlock(number uint64, txs ...models.LedgerTransaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks[number] = append(l.blocks[number], txs...)
	if number > l.head {
		l.head = number
	}
}

func (l *fakeLedger) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(84532), nil
}

func (l *fakeLedger) LatestBlock(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, l.headErr
}

func (l *fakeLedger) BlockTransactions(ctx context.Context, number uint64) ([]models.LedgerTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.blockErrs[number]; err != nil {
		return nil, err
	}
	return l.blocks[number], nil
}

func (l *fakeLedger) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balanceErr != nil {
		return nil, l.balanceErr
	}
	return new(big.Int).Set(l.balance), nil
}

func (l *fakeLedger) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nonceCalls++
	return l.nonce, nil
}

func (l *fakeLedger) EstimateFees(ctx context.Context) (*models.FeeEstimate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fees, l.feesErr
}

func (l *fakeLedger) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.nonce
	for {
		if _, ok := l.pool[n]; !ok {
			return n, nil
		}
		n++
	}
}

func (l *fakeLedger) TransactionReceipt(ctx context.Context, hash common.Hash) (*models.TxReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.receiptErr != nil {
		return nil, l.receiptErr
	}
	return l.receipts[hash], nil
}

// SendRawTransaction accepts raw into the pool unless an error is queued.
// An "already known" answer means the pool has it too.
func (l *fakeLedger) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, append([]byte(nil), raw...))
	hash := crypto.Keccak256Hash(raw)
	if len(l.sendErrs) > 0 {
		err := l.sendErrs[0]
		l.sendErrs = l.sendErrs[1:]
		if err != nil {
			if clients.IsAlreadyKnown(err) {
				l.pool[rawNonce(raw)] = hash
			}
			return common.Hash{}, err
		}
	}
	l.pool[rawNonce(raw)] = hash
	return hash, nil
}

// mineAll includes every pooled transaction and advances the mined nonce
func (l *fakeLedger) mineAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for nonce, hash := range l.pool {
		l.receipts[hash] = &models.TxReceipt{TxHash: hash, BlockNumber: l.head, Success: true}
		if nonce+1 > l.nonce {
			l.nonce = nonce + 1
		}
	}
	l.pool = make(map[uint64]common.Hash)
}

// mineForeign consumes the next nonce with a transaction the engine never signed
func (l *fakeLedger) mineForeign() {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pool, l.nonce)
	l.nonce++
}

// include marks raw as mined without touching the nonce
func (l *fakeLedger) include(raw []byte, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hash := crypto.Keccak256Hash(raw)
	l.receipts[hash] = &models.TxReceipt{TxHash: hash, BlockNumber: l.head, Success: success}
}

func (l *fakeLedger) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

// rawNonce nonce encoded by fakeSigner
func rawNonce(raw []byte) uint64 {
	var nonce uint64
	fmt.Sscanf(string(raw), "echo:%d:", &nonce)
	return nonce
}

// fakeSigner deterministic signer, failing on the calls listed in failOn (1-based)
type fakeSigner struct {
	mu       sync.Mutex
	address  common.Address
	failOn   map[int]error
	requests []*models.SignTxRequest
}

func newFakeSigner() *fakeSigner {
	return &fakeSigner{address: vaultAddr, failOn: make(map[int]error)}
}

func (s *fakeSigner) Name() string { return "Fake" }

func (s *fakeSigner) Address(ctx context.Context) (common.Address, error) {
	return s.address, nil
}

func (s *fakeSigner) SignTransaction(ctx context.Context, req *models.SignTxRequest) (*models.SignedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if err := s.failOn[len(s.requests)]; err != nil {
		return nil, err
	}
	raw := []byte(fmt.Sprintf("echo:%d:%s:%s", req.Nonce, req.To.Hex(), req.Value))
	return &models.SignedTx{RawTransaction: raw, TxHash: crypto.Keccak256Hash(raw)}, nil
}

func (s *fakeSigner) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// recordingPublisher keeps every event it receives
type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.TransferEvent
}

func (p *recordingPublisher) PublishTransferEvent(ctx context.Context, event *models.TransferEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) typesFor(hash string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.Record.IncomingHash == hash {
			out = append(out, e.Type)
		}
	}
	return out
}

// flakyStore memory store whose writes can be switched off
type flakyStore struct {
	*repository.MemoryBlobStore
	mu      sync.Mutex
	failPut bool
	failGet bool
	puts    int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryBlobStore: repository.NewMemoryBlobStore()}
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	fail := s.failGet
	s.mu.Unlock()
	if fail {
		return nil, false, errors.New("store unavailable")
	}
	return s.MemoryBlobStore.Get(ctx, key)
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail := s.failPut
	s.puts++
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.MemoryBlobStore.Put(ctx, key, value)
}

func (s *flakyStore) setFailPut(fail bool) {
	s.mu.Lock()
	s.failPut = fail
	s.mu.Unlock()
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		PollInterval: testPeriod,
		CallTimeout:  time.Second,
		GasLimit:     21000,
		GasMarginPct: 100,
		HistoryLimit: models.DefaultHistoryLimit,
	}
}

func testPersistenceConfig() config.PersistenceConfig {
	return config.PersistenceConfig{
		Interval:     time.Hour,
		IdleBlocks:   200,
		SnapshotKey:  config.DefaultSnapshotKey,
		LegacyPrefix: config.DefaultLegacyPrefix,
	}
}

type testEngine struct {
	*EchoService
	ledger    *fakeLedger
	signer    *fakeSigner
	store     *flakyStore
	events    *recordingPublisher
	persister *PersistenceService
}

// newTestEngine builds an engine over fakes and recovers from store.
// Safe gas cost is 21000 * 10 * 100% = 210000 unless the config is changed.
func newTestEngine(t *testing.T, ledger *fakeLedger, store *flakyStore, mutate func(cfg *config.EngineConfig)) *testEngine {
	t.Helper()
	if store == nil {
		store = newFlakyStore()
	}
	cfg := testEngineConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := quietLogger()
	state := models.NewEngineState(cfg.HistoryLimit)
	persister := NewPersistenceService(store, state, testPersistenceConfig(), logger)
	events := &recordingPublisher{}
	signer := newFakeSigner()
	engine := NewEchoService(ledger, signer, persister, NewTransferEventBus(logger, events), cfg, logger)
	require.NoError(t, engine.Init(context.Background()))
	return &testEngine{
		EchoService: engine,
		ledger:      ledger,
		signer:      signer,
		store:       store,
		events:      events,
		persister:   persister,
	}
}

func (e *testEngine) record(t *testing.T, n int) *models.TransferRecord {
	t.Helper()
	rec, ok := e.State().Record(txHash(n).Hex())
	require.True(t, ok, "record %d not tracked", n)
	return rec
}

func (e *testEngine) storedSnapshot(t *testing.T) *models.PersistedState {
	t.Helper()
	ps, ok, err := (&consolidatedLoader{store: e.store, key: config.DefaultSnapshotKey}).Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "no snapshot written")
	return ps
}

func storedRecord(ps *models.PersistedState, n int) *models.TransferRecord {
	hash := txHash(n).Hex()
	for _, rec := range ps.History {
		if rec.IncomingHash == hash {
			return rec
		}
	}
	return nil
}

func ledgerErr(kind clients.LedgerErrorKind, msg string) error {
	return clients.NewLedgerError(kind, "test", errors.New(msg))
}
