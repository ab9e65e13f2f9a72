package trade_runner

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/stl-trade/internal/adapters/outbound/memory"
	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/pkg/blockchain"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type submitCall struct {
	instr   *entity.TradeInstruction
	account common.Address
}

type fakeVenue struct {
	name   string
	tokens *blockchain.TokenRegistry

	mu       sync.Mutex
	calls    []submitCall
	failures map[common.Address]error
	alive    atomic.Bool
	closed   atomic.Int32
	block    chan struct{}
}

func newFakeVenue(name string) *fakeVenue {
	v := &fakeVenue{
		name:     name,
		tokens:   blockchain.NewTokenRegistry(blockchain.MainnetTokens()...),
		failures: make(map[common.Address]error),
	}
	v.alive.Store(true)
	return v
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) Token(symbol string) (entity.Token, error) { return v.tokens.Lookup(symbol) }

func (v *fakeVenue) Price(context.Context, entity.Token, entity.Token, *big.Int) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (v *fakeVenue) NeedsAllowance(context.Context, common.Address, entity.Token) (bool, error) {
	return false, nil
}

func (v *fakeVenue) RaiseAllowance(context.Context, *entity.UnlockedAccount, entity.Token) error {
	return nil
}

func (v *fakeVenue) BuildTrade(context.Context, *entity.TradeInstruction) (*entity.VenueTransaction, error) {
	return nil, errors.New("not used")
}

func (v *fakeVenue) Submit(ctx context.Context, instr *entity.TradeInstruction, account entity.LockedAccount) (common.Hash, error) {
	if v.block != nil {
		select {
		case <-v.block:
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, submitCall{instr: instr, account: account.Address})
	if err := v.failures[account.Address]; err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(account.Address.Bytes()), nil
}

func (v *fakeVenue) Alive() bool { return v.alive.Load() }

func (v *fakeVenue) Close() error {
	v.closed.Add(1)
	return nil
}

func (v *fakeVenue) submits() []submitCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]submitCall, len(v.calls))
	copy(out, v.calls)
	return out
}

type fakeSignals struct {
	mu      sync.Mutex
	byPair  map[entity.Pair]map[string]entity.AlgorithmSignal
	err     error
	calls   int
	lastKey signalKey
}

func (f *fakeSignals) Signals(_ context.Context, pair entity.Pair, interval int) (map[string]entity.AlgorithmSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastKey = signalKey{pair: pair, interval: interval}
	if f.err != nil {
		return nil, f.err
	}
	return f.byPair[pair], nil
}

func (f *fakeSignals) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[entity.OutcomeStatus]int
	passes   []error
}

func (m *recordingMetrics) RecordOutcome(_ context.Context, _ string, status entity.OutcomeStatus, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[entity.OutcomeStatus]int)
	}
	m.outcomes[status]++
}

func (m *recordingMetrics) RecordPass(_ context.Context, _ string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passes = append(m.passes, err)
}

func (m *recordingMetrics) RecordSidecarReady(context.Context, time.Duration, error) {}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

var (
	usdcWeth = entity.Pair{Base: "USDC", Other: "WETH"}
	fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	store     *memory.AccountStore
	catalog   *memory.AlgorithmCatalog
	signals   *fakeSignals
	venue     *fakeVenue
	outcomes  *memory.OutcomeSink
	metrics   *recordingMetrics
	factories atomic.Int32
	service   *Service
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewAccountStore(),
		catalog: memory.NewAlgorithmCatalog(
			entity.Algorithm{ID: "algo-buy", Name: "momentum"},
			entity.Algorithm{ID: "algo-idle", Name: "sleepy"},
		),
		signals: &fakeSignals{byPair: map[entity.Pair]map[string]entity.AlgorithmSignal{
			usdcWeth: {
				"momentum": {Algorithm: "momentum", Signal: entity.Buy, Amount: 10},
				"sleepy":   {Algorithm: "sleepy", Signal: entity.NoAction},
			},
		}},
		venue:    newFakeVenue("uniswap"),
		outcomes: memory.NewOutcomeSink(),
		metrics:  &recordingMetrics{},
	}

	cfg := Config{
		Publisher: f.outcomes,
		Metrics:   f.metrics,
		Now:       func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}

	factory := func(ctx context.Context, name string) (outbound.TradeVenue, error) {
		f.factories.Add(1)
		return f.venue, nil
	}
	svc, err := NewService(cfg, f.store, f.catalog, f.signals, factory)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	f.service = svc
	return f
}

func (f *fixture) addAccount(t *testing.T, b byte, algorithm string) entity.LockedAccount {
	t.Helper()
	account, err := entity.NewLockedAccount(entity.AccountInfo{
		ID:        string(rune('a' + b)),
		Address:   common.BytesToAddress([]byte{b}),
		Algorithm: algorithm,
		Status:    entity.RunStatusRunning,
		Venue:     "uniswap",
		Pair:      usdcWeth,
		Interval:  60,
	}, "00:00")
	if err != nil {
		t.Fatalf("NewLockedAccount: %v", err)
	}
	f.store.Add(account)
	return account
}

func statuses(outcomes []entity.TradeOutcome) []entity.OutcomeStatus {
	out := make([]entity.OutcomeStatus, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.Status
	}
	return out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRun_IsolatesAccountFailures(t *testing.T) {
	f := newFixture(t, nil)
	for i := byte(1); i <= 5; i++ {
		algorithm := "algo-buy"
		if i == 3 {
			algorithm = "algo-unknown"
		}
		f.addAccount(t, i, algorithm)
	}
	f.venue.failures[common.BytesToAddress([]byte{4})] = entity.ErrDecryptionFailure

	if err := f.service.Run(context.Background(), "uniswap"); err != nil {
		t.Fatalf("expected pass to succeed, got %v", err)
	}

	submits := f.venue.submits()
	if len(submits) != 4 {
		t.Fatalf("expected 4 submissions (all but #3), got %d", len(submits))
	}
	for i, want := range []byte{1, 2, 4, 5} {
		if submits[i].account != common.BytesToAddress([]byte{want}) {
			t.Errorf("submission %d: expected account %d, got %s", i, want, submits[i].account.Hex())
		}
	}

	outcomes := f.outcomes.Outcomes()
	if len(outcomes) != 5 {
		t.Fatalf("expected 5 outcomes, got %d", len(outcomes))
	}
	want := []entity.OutcomeStatus{
		entity.OutcomeExecuted, entity.OutcomeExecuted, entity.OutcomeFailed,
		entity.OutcomeFailed, entity.OutcomeExecuted,
	}
	for i, got := range statuses(outcomes) {
		if got != want[i] {
			t.Errorf("outcome %d: expected %s, got %s", i, want[i], got)
		}
	}
	if outcomes[2].Reason != "algorithm_lookup_miss" {
		t.Errorf("expected algorithm_lookup_miss, got %q", outcomes[2].Reason)
	}
	if outcomes[3].Reason != "decryption" {
		t.Errorf("expected decryption, got %q", outcomes[3].Reason)
	}
	if outcomes[0].TxHash == "" || outcomes[0].RunID == "" || outcomes[0].Venue != "uniswap" {
		t.Errorf("incomplete executed outcome: %+v", outcomes[0])
	}
	for _, o := range outcomes[1:] {
		if o.RunID != outcomes[0].RunID {
			t.Errorf("outcomes of one pass must share a run id")
		}
	}

	if f.metrics.outcomes[entity.OutcomeExecuted] != 3 || f.metrics.outcomes[entity.OutcomeFailed] != 2 {
		t.Errorf("unexpected metrics: %v", f.metrics.outcomes)
	}
	if len(f.metrics.passes) != 1 || f.metrics.passes[0] != nil {
		t.Errorf("expected one successful pass metric, got %v", f.metrics.passes)
	}
}

func TestRun_BuyInstruction(t *testing.T) {
	f := newFixture(t, nil)
	account := f.addAccount(t, 1, "algo-buy")

	if err := f.service.Run(context.Background(), "uniswap"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	submits := f.venue.submits()
	if len(submits) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(submits))
	}
	instr := submits[0].instr
	if instr.Account != account.Address || instr.Action != entity.Buy {
		t.Errorf("unexpected instruction: %+v", instr)
	}
	if instr.Base.Symbol != "USDC" || instr.Other.Symbol != "WETH" {
		t.Errorf("unexpected tokens %s/%s", instr.Base.Symbol, instr.Other.Symbol)
	}
	if !instr.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected amount 10, got %s", instr.Amount)
	}
	if got := instr.Base.ToBaseUnits(instr.Amount); got.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Errorf("expected 10 USDC in base units, got %s", got)
	}
	if !instr.Deadline.Equal(fixedNow.Add(10 * time.Minute)) {
		t.Errorf("expected deadline now+10m, got %v", instr.Deadline)
	}
	if f.signals.lastKey != (signalKey{pair: usdcWeth, interval: 60}) {
		t.Errorf("unexpected signal request %+v", f.signals.lastKey)
	}
}

func TestRun_NoActionNeverReachesVenue(t *testing.T) {
	f := newFixture(t, nil)
	f.addAccount(t, 1, "algo-idle")

	if err := f.service.Run(context.Background(), "uniswap"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(f.venue.submits()); n != 0 {
		t.Fatalf("expected no submissions, got %d", n)
	}
	outcomes := f.outcomes.Outcomes()
	if len(outcomes) != 1 || outcomes[0].Status != entity.OutcomeSkipped || outcomes[0].Reason != "no_action" {
		t.Errorf("unexpected outcome: %+v", outcomes)
	}
}

func TestRun_PerAccountFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fixture)
		wantReason string
	}{
		{
			name: "signal service down",
			setup: func(f *fixture) {
				f.signals.err = entity.ErrSignalServiceFailure
			},
			wantReason: "signal_service",
		},
		{
			name: "algorithm has no signal",
			setup: func(f *fixture) {
				f.signals.byPair[usdcWeth] = map[string]entity.AlgorithmSignal{}
			},
			wantReason: "signal_missing",
		},
		{
			name: "zero amount",
			setup: func(f *fixture) {
				f.signals.byPair[usdcWeth] = map[string]entity.AlgorithmSignal{
					"momentum": {Algorithm: "momentum", Signal: entity.Sell, Amount: 0},
				}
			},
			wantReason: "invalid_amount",
		},
		{
			name: "submission failure",
			setup: func(f *fixture) {
				for i := byte(1); i <= 2; i++ {
					f.venue.failures[common.BytesToAddress([]byte{i})] = entity.ErrSwapSubmissionFailure
				}
			},
			wantReason: "swap_submission",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.addAccount(t, 1, "algo-buy")
			f.addAccount(t, 2, "algo-buy")
			tt.setup(f)

			if err := f.service.Run(context.Background(), "uniswap"); err != nil {
				t.Fatalf("per-account failures must not fail the pass: %v", err)
			}
			outcomes := f.outcomes.Outcomes()
			if len(outcomes) != 2 {
				t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
			}
			for _, o := range outcomes {
				if o.Status != entity.OutcomeFailed || o.Reason != tt.wantReason || o.Error == "" {
					t.Errorf("unexpected outcome: %+v", o)
				}
			}
		})
	}
}

func TestRun_UnsupportedPair(t *testing.T) {
	f := newFixture(t, nil)
	account, err := entity.NewLockedAccount(entity.AccountInfo{
		ID:        "x",
		Address:   common.BytesToAddress([]byte{9}),
		Algorithm: "algo-buy",
		Status:    entity.RunStatusRunning,
		Venue:     "uniswap",
		Pair:      entity.Pair{Base: "USDC", Other: "DOGE"},
	}, "00:00")
	if err != nil {
		t.Fatalf("NewLockedAccount: %v", err)
	}
	f.store.Add(account)
	f.signals.byPair[account.Pair] = map[string]entity.AlgorithmSignal{
		"momentum": {Algorithm: "momentum", Signal: entity.Buy, Amount: 1},
	}

	if err := f.service.Run(context.Background(), "uniswap"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	outcomes := f.outcomes.Outcomes()
	if len(outcomes) != 1 || outcomes[0].Reason != "unsupported_token" {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	if f.signals.lastKey.interval != 60 {
		t.Errorf("expected default interval 60, got %d", f.signals.lastKey.interval)
	}
}

func TestRun_UndecodableRecordIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.addAccount(t, 1, "algo-buy")
	f.store.AddUndecodable("uniswap", errors.New("corrupt row"))
	f.addAccount(t, 2, "algo-buy")

	if err := f.service.Run(context.Background(), "uniswap"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := statuses(f.outcomes.Outcomes())
	want := []entity.OutcomeStatus{entity.OutcomeExecuted, entity.OutcomeFailed, entity.OutcomeExecuted}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("outcome %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRun_SetupFailuresPropagate(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		setup   func(f *fixture) VenueFactory
		wantErr error
	}{
		{
			name:    "catalog",
			setup:   func(f *fixture) VenueFactory { f.catalog.SetError(boom); return nil },
			wantErr: entity.ErrStoreQueryFailure,
		},
		{
			name:    "cursor",
			setup:   func(f *fixture) VenueFactory { f.store.SetOpenError(boom); return nil },
			wantErr: entity.ErrStoreQueryFailure,
		},
		{
			name: "venue construction",
			setup: func(f *fixture) VenueFactory {
				return func(context.Context, string) (outbound.TradeVenue, error) {
					return nil, entity.ErrSidecarReadinessTimeout
				}
			},
			wantErr: entity.ErrSidecarReadinessTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.addAccount(t, 1, "algo-buy")
			svc := f.service
			if factory := tt.setup(f); factory != nil {
				var err error
				svc, err = NewService(Config{Publisher: f.outcomes, Metrics: f.metrics}, f.store, f.catalog, f.signals, factory)
				if err != nil {
					t.Fatalf("NewService: %v", err)
				}
			}

			err := svc.Run(context.Background(), "uniswap")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if n := len(f.outcomes.Outcomes()); n != 0 {
				t.Errorf("expected no per-account outcomes, got %d", n)
			}
			if len(f.metrics.passes) != 1 || f.metrics.passes[0] == nil {
				t.Errorf("expected one failed pass metric, got %v", f.metrics.passes)
			}
		})
	}
}

func TestRun_MemoizesSignalsPerPass(t *testing.T) {
	f := newFixture(t, nil)
	for i := byte(1); i <= 3; i++ {
		f.addAccount(t, i, "algo-buy")
	}

	if err := f.service.Run(context.Background(), "uniswap"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := f.signals.callCount(); n != 1 {
		t.Errorf("expected 1 signal fetch for one pair, got %d", n)
	}
	if err := f.service.Run(context.Background(), "uniswap"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := f.signals.callCount(); n != 2 {
		t.Errorf("expected a fresh fetch per pass, got %d total", n)
	}
}

func TestRun_ReusesVenueUntilDead(t *testing.T) {
	f := newFixture(t, nil)
	f.addAccount(t, 1, "algo-buy")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.service.Run(ctx, "uniswap"); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if n := f.factories.Load(); n != 1 {
		t.Fatalf("expected venue to be built once, got %d", n)
	}

	f.venue.alive.Store(false)
	if err := f.service.Run(ctx, "uniswap"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := f.factories.Load(); n != 2 {
		t.Errorf("expected dead venue to be rebuilt, got %d builds", n)
	}
	if n := f.venue.closed.Load(); n != 1 {
		t.Errorf("expected dead venue to be closed once, got %d", n)
	}

	if err := f.service.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.service.IsReady() {
		t.Error("closed service must not be ready")
	}
	if err := f.service.Run(ctx, "uniswap"); err == nil {
		t.Error("expected error after Close")
	}
}

func TestRun_SerializesPassesPerVenue(t *testing.T) {
	f := newFixture(t, nil)
	f.addAccount(t, 1, "algo-buy")
	f.venue.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.service.Run(context.Background(), "uniswap") }()

	// Wait until the first pass holds the venue.
	deadline := time.After(2 * time.Second)
	for f.service.inflightCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first pass never started")
		case <-time.After(time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.service.Run(ctx, "uniswap"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second pass to wait and time out, got %v", err)
	}

	close(f.venue.block)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := f.service.Run(context.Background(), "uniswap"); err != nil {
		t.Fatalf("pass after release: %v", err)
	}
}

func TestRun_DistributedLockRejects(t *testing.T) {
	lock := memory.NewRunLock()
	f := newFixture(t, func(c *Config) { c.Locker = lock })
	f.addAccount(t, 1, "algo-buy")

	release, err := lock.Acquire(context.Background(), "uniswap")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := f.service.Run(context.Background(), "uniswap"); !errors.Is(err, entity.ErrBatchInProgress) {
		t.Fatalf("expected ErrBatchInProgress, got %v", err)
	}
	_ = release(context.Background())

	if err := f.service.Run(context.Background(), "uniswap"); err != nil {
		t.Fatalf("Run after release: %v", err)
	}
	if _, err := lock.Acquire(context.Background(), "uniswap"); err != nil {
		t.Errorf("expected pass to release the lock, got %v", err)
	}
}

func TestRun_PublishFailureDoesNotFailPass(t *testing.T) {
	f := newFixture(t, nil)
	f.addAccount(t, 1, "algo-buy")
	f.outcomes.SetError(errors.New("sns down"))

	if err := f.service.Run(context.Background(), "uniswap"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(f.venue.submits()); n != 1 {
		t.Errorf("expected the trade to go through, got %d submissions", n)
	}
}

func TestIsHealthy_StuckPass(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StuckAfter = time.Millisecond })
	if !f.service.IsHealthy() || !f.service.IsReady() {
		t.Fatal("idle service must be healthy and ready")
	}

	f.service.mu.Lock()
	f.service.inflight["uniswap"] = time.Now().Add(-time.Second)
	f.service.mu.Unlock()
	if f.service.IsHealthy() {
		t.Error("expected stuck pass to report unhealthy")
	}
}

func TestNewService_Validation(t *testing.T) {
	store := memory.NewAccountStore()
	catalog := memory.NewAlgorithmCatalog()
	signals := &fakeSignals{}
	factory := func(context.Context, string) (outbound.TradeVenue, error) { return nil, nil }

	tests := []struct {
		name string
		fn   func() (*Service, error)
	}{
		{"nil store", func() (*Service, error) { return NewService(Config{}, nil, catalog, signals, factory) }},
		{"nil catalog", func() (*Service, error) { return NewService(Config{}, store, nil, signals, factory) }},
		{"nil signals", func() (*Service, error) { return NewService(Config{}, store, catalog, nil, factory) }},
		{"nil factory", func() (*Service, error) { return NewService(Config{}, store, catalog, signals, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); err == nil {
				t.Error("expected error")
			}
		})
	}

	svc, err := NewService(Config{}, store, catalog, signals, factory)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.config.Deadline != 10*time.Minute || svc.config.DefaultInterval != 60 || svc.config.AccountTimeout != 5*time.Minute {
		t.Errorf("unexpected defaults: %+v", svc.config)
	}
	if err := svc.Run(context.Background(), ""); err == nil {
		t.Error("expected error for empty venue")
	}
}
