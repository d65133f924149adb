package services

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gasless-bridge/internal/clients"
	"gasless-bridge/internal/config"
	"gasless-bridge/internal/models"
	bridgetypes "gasless-bridge/internal/types"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Hardhat dev key #0. Test use only.
const (
	testSignerKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testSignerAddress = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"

	testChain      = "base-sepolia"
	testCollector  = "bridge-collector"
	testUser       = "alice-principal"
	gwei           = uint64(1_000_000_000)
	testDestAddr   = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	reserveBalance = uint64(5_000_000_000_000_000_000) // 5 ETH
)

var testDBSeq atomic.Uint64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	err = db.AutoMigrate(
		&models.Quote{},
		&models.Settlement{},
		&models.UserTransaction{},
		&models.ReserveState{},
		&models.AuditEntry{},
		&models.UsedPaymentProof{},
		&models.ChainNonce{},
		&models.Admin{},
		&models.GlobalConfig{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func seedReserve(t *testing.T, db *gorm.DB, balance uint64) {
	t.Helper()
	now := time.Now().UTC()
	state := models.ReserveState{
		Key:               "main",
		Balance:           balance,
		ThresholdWarning:  500_000_000_000_000_000, // 0.5 ETH
		ThresholdCritical: 100_000_000_000_000_000, // 0.1 ETH
		DailyLimit:        10_000_000_000_000_000_000,
		DayAnchor:         time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		TotalDeposited:    balance,
	}
	if err := db.Create(&state).Error; err != nil {
		t.Fatalf("failed to seed reserve state: %v", err)
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Bridge: config.BridgeConfig{
			MinQuoteAmount:       1_000_000_000_000_000,     // 0.001 ETH
			MaxQuoteAmount:       1_000_000_000_000_000_000, // 1 ETH
			QuoteValidityMinutes: 15,
			MaxGasPrice:          200 * gwei,
			SafetyMarginPercent:  20,
			MinPriorityFee:       gwei,
			MaxRetries:           3,
			SourceChain:          "ICP",
			SourceTokenDecimals:  8,
			CollectionAccount:    testCollector,
		},
		Chains: map[string]config.ChainConfig{
			testChain: {
				ChainID:      84532,
				Name:         testChain,
				RPCEndpoints: []string{"http://localhost:8545"},
				GasLimit:     21_000,
			},
		},
	}
}

// defaultFeeHistory yields base 1 gwei (1.25 gwei projected) and a 2 gwei
// priority fee at the 60th-percentile column.
func defaultFeeHistory() *clients.FeeHistory {
	fh := &clients.FeeHistory{}
	for i := 0; i < 21; i++ {
		fh.BaseFees = append(fh.BaseFees, new(big.Int).SetUint64(gwei))
	}
	for i := 0; i < 20; i++ {
		fh.Rewards = append(fh.Rewards, []*big.Int{
			new(big.Int).SetUint64(gwei),
			new(big.Int).SetUint64(gwei + gwei/2),
			new(big.Int).SetUint64(2 * gwei),
			new(big.Int).SetUint64(3 * gwei),
			new(big.Int).SetUint64(4 * gwei),
		})
	}
	return fh
}

type sendResult struct {
	hash string
	err  error
}

// fakeRPC scripts the chain's responses for one test.
type fakeRPC struct {
	mu sync.Mutex

	chainID         uint64
	feeHistory      *clients.FeeHistory
	feeHistoryErr   error
	feeHistoryCalls int

	nonceQueue   []uint64
	lastNonce    uint64
	sendQueue    []sendResult
	sent         []string
	receipt      *ethtypes.Receipt
	receiptErr   error
	receiptDelay int
	receiptPolls int
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		chainID:    84532,
		feeHistory: defaultFeeHistory(),
		nonceQueue: []uint64{5},
		receipt:    successReceipt(21_000, gwei+gwei/2),
	}
}

func successReceipt(gasUsed uint64, effectiveGasPrice uint64) *ethtypes.Receipt {
	return &ethtypes.Receipt{
		Status:            ethtypes.ReceiptStatusSuccessful,
		GasUsed:           gasUsed,
		EffectiveGasPrice: new(big.Int).SetUint64(effectiveGasPrice),
	}
}

func (f *fakeRPC) ChainID(ctx context.Context) (uint64, error) {
	return f.chainID, nil
}

func (f *fakeRPC) BlockNumber(ctx context.Context) (uint64, error) {
	return 1000, nil
}

func (f *fakeRPC) FeeHistory(ctx context.Context, blocks uint64, percentiles []float64) (*clients.FeeHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeHistoryCalls++
	if f.feeHistoryErr != nil {
		return nil, f.feeHistoryErr
	}
	return f.feeHistory, nil
}

func (f *fakeRPC) GasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(gwei), nil
}

func (f *fakeRPC) PendingNonce(ctx context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.nonceQueue) > 0 {
		f.lastNonce = f.nonceQueue[0]
		f.nonceQueue = f.nonceQueue[1:]
	}
	return f.lastNonce, nil
}

func (f *fakeRPC) Balance(ctx context.Context, address string) (*big.Int, error) {
	return new(big.Int).SetUint64(reserveBalance), nil
}

func (f *fakeRPC) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, rawTx)
	if len(f.sendQueue) > 0 {
		next := f.sendQueue[0]
		f.sendQueue = f.sendQueue[1:]
		return next.hash, next.err
	}
	return fmt.Sprintf("0x%064x", len(f.sent)), nil
}

func (f *fakeRPC) TransactionReceipt(ctx context.Context, txHash string) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.receiptPolls < f.receiptDelay {
		f.receiptPolls++
		return nil, nil
	}
	return f.receipt, nil
}

// fakeOracle returns a fixed rate.
type fakeOracle struct {
	mu   sync.Mutex
	rate *clients.Rate
	err  error
}

func (f *fakeOracle) CurrentRate(ctx context.Context) (*clients.Rate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rate := *f.rate
	return &rate, nil
}

func (f *fakeOracle) Status(ctx context.Context) []clients.SourceStatus {
	return nil
}

// fakeLedger holds transfers keyed by proof.
type fakeLedger struct {
	mu        sync.Mutex
	transfers map[string]*clients.LedgerTransfer
	seq       int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{transfers: make(map[string]*clients.LedgerTransfer)}
}

func (f *fakeLedger) add(proof string, transfer clients.LedgerTransfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	transfer.ID = proof
	f.transfers[proof] = &transfer
}

func (f *fakeLedger) GetTransfer(ctx context.Context, proof string) (*clients.LedgerTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	transfer, ok := f.transfers[proof]
	if !ok {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodePaymentNotFound, "transfer %s not found", proof)
	}
	out := *transfer
	return &out, nil
}

func (f *fakeLedger) TransferFrom(ctx context.Context, from, to string, amount uint64, memo string) (*clients.LedgerTransfer, error) {
	f.mu.Lock()
	f.seq++
	proof := fmt.Sprintf("ledger_tx_%d", f.seq)
	transfer := &clients.LedgerTransfer{
		ID: proof, From: from, To: to, Amount: amount, Finalized: true, Memo: memo,
	}
	f.transfers[proof] = transfer
	f.mu.Unlock()
	out := *transfer
	return &out, nil
}

// fakeClock drives the settlement engine's deadlines without real sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Sleep(d)
}

type harness struct {
	db          *gorm.DB
	cfg         *config.Config
	rpc         *fakeRPC
	oracle      *fakeOracle
	ledger      *fakeLedger
	clock       *fakeClock
	audit       *AuditService
	reserve     *ReserveService
	quotes      *QuoteService
	payments    *PaymentService
	settlements *SettlementService
	builder     *TxBuilder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestDB(t)
	seedReserve(t, db, reserveBalance)

	cfg := testConfig()
	rpc := newFakeRPC()
	oracle := &fakeOracle{rate: &clients.Rate{ETHUSD: 2500, SourceUSD: 5, Timestamp: time.Now().UTC()}}
	ledger := newFakeLedger()

	audit := NewAuditService(db)
	reserve, err := NewReserveService(db, audit)
	if err != nil {
		t.Fatalf("failed to build reserve service: %v", err)
	}

	registry := NewChainRegistry()
	chainCfg := cfg.Chains[testChain]
	registry.Add(testChain, &ChainRuntime{
		Cfg:       chainCfg,
		RPC:       rpc,
		Estimator: NewGasEstimator(rpc, chainCfg, cfg.Bridge, cfg.QuoteValidity()),
	})

	signer, err := NewLocalSigner(testSignerKey)
	if err != nil {
		t.Fatalf("failed to build local signer: %v", err)
	}
	builder := NewTxBuilder(signer)

	quotes := NewQuoteService(db, reserve, oracle, registry, audit, cfg)
	payments := NewPaymentService(db, ledger, audit, cfg)
	settlements := NewSettlementService(db, reserve, quotes, payments, builder, registry, audit, cfg)

	clock := &fakeClock{now: time.Now().UTC()}
	settlements.clock = clock.Now
	settlements.sleep = clock.Sleep

	return &harness{
		db: db, cfg: cfg, rpc: rpc, oracle: oracle, ledger: ledger, clock: clock,
		audit: audit, reserve: reserve, quotes: quotes, payments: payments,
		settlements: settlements, builder: builder,
	}
}

// newQuote issues a quote through the real pricing path.
func (h *harness) newQuote(t *testing.T, amountWei uint64) *models.Quote {
	t.Helper()
	quote, err := h.quotes.RequestQuote(context.Background(), testUser, amountWei, testDestAddr, testChain)
	if err != nil {
		t.Fatalf("failed to request quote: %v", err)
	}
	return quote
}

// payQuote funds a finalized ledger transfer covering the quote.
func (h *harness) payQuote(quote *models.Quote, proof string) {
	h.ledger.add(proof, clients.LedgerTransfer{
		From:      quote.User,
		To:        testCollector,
		Amount:    quote.TotalCost,
		Finalized: true,
	})
}

func (h *harness) auditCount(t *testing.T, eventType string) int64 {
	t.Helper()
	var n int64
	if err := h.db.Model(&models.AuditEntry{}).Where("event_type = ?", eventType).Count(&n).Error; err != nil {
		t.Fatalf("failed to count audit entries: %v", err)
	}
	return n
}

func wantCode(t *testing.T, err error, code bridgetypes.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	if !bridgetypes.IsCode(err, code) {
		t.Fatalf("expected error code %s, got %v", code, err)
	}
}
