package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/veilbook/internal/cache/local"
	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/alanyoungcy/veilbook/internal/store/memory"
	"github.com/alanyoungcy/veilbook/internal/tracker"
	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var solUSDC = domain.Market{
	Pair:          "SOL/USDC",
	BaseMint:      "SOL",
	QuoteMint:     "USDC",
	BaseDecimals:  9,
	QuoteDecimals: 6,
	Address:       "0xmarket",
	PerpAddress:   "0xperp",
}

type fakeMarkets struct {
	ready    bool
	readyErr error
}

func (f *fakeMarkets) Market(_ context.Context, pair string) (domain.Market, error) {
	if pair != solUSDC.Pair {
		return domain.Market{}, domain.ErrUnknownMarket
	}
	return solUSDC, nil
}

func (f *fakeMarkets) MarketReady(context.Context, string) (bool, error) {
	return f.ready, f.readyErr
}

type fakeBalances struct {
	mu        sync.Mutex
	balances  map[string]domain.Balances
	err       error
	refreshes int
}

func (f *fakeBalances) Balances(_ context.Context, _ string, mint string) (domain.Balances, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Balances{}, f.err
	}
	return f.balances[mint], nil
}

func (f *fakeBalances) Refresh(context.Context, string) error {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	return nil
}

type fakeProver struct {
	calls int
	err   error
}

func (f *fakeProver) GenerateProof(context.Context, string) (domain.Proof, error) {
	f.calls++
	if f.err != nil {
		return domain.Proof{}, f.err
	}
	return domain.Proof{Proof: []byte("proof"), AuxiliaryRoot: []byte("root")}, nil
}

// fakeEncryptor fails the value at index failAt (counting calls), if set.
type fakeEncryptor struct {
	hybrid bool
	inits  int
	calls  int
	failAt int
	values []uint64
}

func (f *fakeEncryptor) Initialize(context.Context) error {
	f.inits++
	return nil
}

func (f *fakeEncryptor) EncryptValue(_ context.Context, v uint64) (domain.EncryptedField, error) {
	return f.encrypt(v, domain.FieldVersionPure)
}

func (f *fakeEncryptor) EncryptCollateral(_ context.Context, v uint64) (domain.EncryptedField, error) {
	if f.hybrid {
		return f.encrypt(v, domain.FieldVersionHybrid)
	}
	return f.encrypt(v, domain.FieldVersionPure)
}

func (f *fakeEncryptor) encrypt(v uint64, version domain.FieldVersion) (domain.EncryptedField, error) {
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return domain.EncryptedField{}, errors.New("enclave unavailable")
	}
	f.values = append(f.values, v)
	return domain.EncryptedField{Version: version, Bytes: []byte{byte(v), 0xAA}}, nil
}

func (f *fakeEncryptor) EphemeralPublicKey() []byte { return []byte("ephemeral") }

type fakeBuilder struct {
	calls      []domain.TxKind
	wrapAmount uint64
	nonce      uint64
	err        error
}

func (f *fakeBuilder) order(kind domain.TxKind) (domain.BuiltOrderTx, error) {
	f.calls = append(f.calls, kind)
	if f.err != nil {
		return domain.BuiltOrderTx{}, f.err
	}
	return domain.BuiltOrderTx{Tx: domain.Transaction{Kind: kind}, Nonce: f.nonce}, nil
}

func (f *fakeBuilder) BuildPlainOrder(context.Context, domain.PlainOrderParams) (domain.BuiltOrderTx, error) {
	return f.order(domain.TxKindPlainOrder)
}

func (f *fakeBuilder) BuildWrapAndOrder(_ context.Context, p domain.WrapAndOrderParams) (domain.BuiltOrderTx, error) {
	f.wrapAmount = p.WrapAmount
	return f.order(domain.TxKindWrapAndOrder)
}

func (f *fakeBuilder) BuildOpenPosition(context.Context, domain.OpenPositionParams) (domain.Transaction, error) {
	f.calls = append(f.calls, domain.TxKindOpenPosition)
	return domain.Transaction{Kind: domain.TxKindOpenPosition}, f.err
}

func (f *fakeBuilder) BuildVerifyEligibility(context.Context, domain.VerifyEligibilityParams) (domain.Transaction, error) {
	f.calls = append(f.calls, domain.TxKindVerifyEligibility)
	return domain.Transaction{Kind: domain.TxKindVerifyEligibility}, nil
}

func (f *fakeBuilder) BuildCancelOrder(context.Context, domain.CancelOrderParams) (domain.Transaction, error) {
	f.calls = append(f.calls, domain.TxKindCancelOrder)
	return domain.Transaction{Kind: domain.TxKindCancelOrder}, nil
}

// fakeLedger scripts per-kind results.
type fakeLedger struct {
	simulate   map[domain.TxKind]domain.SimulationResult
	simErr     error
	sendErr    map[domain.TxKind]error
	confirmErr error
	sent       []domain.TxKind
	confirmed  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		simulate: make(map[domain.TxKind]domain.SimulationResult),
		sendErr:  make(map[domain.TxKind]error),
	}
}

func (f *fakeLedger) Simulate(_ context.Context, tx domain.Transaction) (domain.SimulationResult, error) {
	if f.simErr != nil {
		return domain.SimulationResult{}, f.simErr
	}
	return f.simulate[tx.Kind], nil
}

func (f *fakeLedger) Send(_ context.Context, tx domain.Transaction) (string, error) {
	f.sent = append(f.sent, tx.Kind)
	if err := f.sendErr[tx.Kind]; err != nil {
		return "", err
	}
	return "sig-" + string(tx.Kind), nil
}

func (f *fakeLedger) Confirm(context.Context, string) error {
	f.confirmed++
	return f.confirmErr
}

type fakeBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string][][]byte)
	}
	f.messages[channel] = append(f.messages[channel], payload)
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (f *fakeBus) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[channel])
}

type progressLog struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *progressLog) record(ev domain.ProgressEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *progressLog) states() []domain.ProgressState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ProgressState, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.State)
	}
	return out
}

func (p *progressLog) last() domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type orderHarness struct {
	svc       *OrderService
	markets   *fakeMarkets
	balances  *fakeBalances
	prover    *fakeProver
	encryptor *fakeEncryptor
	builder   *fakeBuilder
	ledger    *fakeLedger
	cache     *local.OrderCache
	store     *memory.OrderStore
	tracker   *tracker.Tracker
	bus       *fakeBus
	audit     *memory.AuditStore
	progress  *progressLog
}

func newOrderHarness() *orderHarness {
	h := &orderHarness{
		markets: &fakeMarkets{ready: true},
		balances: &fakeBalances{balances: map[string]domain.Balances{
			"USDC": {Custodial: 150_000000, NonCustodial: 100_000000},
			"SOL":  {Custodial: 5_000_000_000},
		}},
		prover:    &fakeProver{},
		encryptor: &fakeEncryptor{},
		builder:   &fakeBuilder{nonce: 77},
		ledger:    newFakeLedger(),
		store:     memory.NewOrderStore(),
		tracker:   tracker.New(tracker.Config{CompareDuration: 5 * time.Second, FillDuration: 10 * time.Second}),
		bus:       &fakeBus{},
		audit:     memory.NewAuditStore(),
		progress:  &progressLog{},
	}
	h.cache = local.NewOrderCache(h.store, testLogger())
	h.svc = NewOrderService(
		OrderConfig{AutoWrap: true},
		h.markets, h.balances, h.prover, h.encryptor, h.builder, h.ledger,
		h.cache, h.tracker, testLogger(),
	).WithBus(h.bus).WithAudit(h.audit).WithDedup(NewDedup(time.Minute))
	h.svc.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func (h *orderHarness) limitBuy(qty, px string) SubmitRequest {
	p := decimal.RequireFromString(px)
	return SubmitRequest{
		Owner: "alice",
		Pair:  solUSDC.Pair,
		Intent: domain.OrderIntent{
			Side:       domain.OrderSideBuy,
			Kind:       domain.OrderKindLimit,
			Quantity:   decimal.RequireFromString(qty),
			LimitPrice: &p,
		},
		OnProgress: h.progress.record,
	}
}
