// Package trade_runner executes batch trade passes: for every running account
// assigned to a venue it resolves the account's algorithm signal, builds a
// trade instruction and submits it through the venue.
//
// A pass fails as a whole only when it cannot be set up (algorithm catalog,
// account cursor, venue construction). Everything that goes wrong for one
// account is logged with the account address, published as an outcome and
// counted in metrics; the pass then moves on to the next account.
package trade_runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/ports/inbound"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// tracerName is the instrumentation name for this service.
const tracerName = "github.com/archon-research/stl/stl-trade/internal/services/trade_runner"

// Compile-time checks
var (
	_ inbound.BatchRunner   = (*Service)(nil)
	_ inbound.HealthChecker = (*Service)(nil)
)

// Config holds configuration for the batch runner.
type Config struct {
	// FeeTier and Slippage are stamped on every instruction. Zero values
	// defer to the venue's own defaults.
	FeeTier  uint32
	Slippage decimal.Decimal

	// Deadline is how long a signed swap stays executable.
	Deadline time.Duration

	// DefaultInterval is the signal interval (minutes) for accounts that do
	// not carry one.
	DefaultInterval int

	// AccountTimeout bounds the work for a single account, including any
	// approval and receipt polling.
	AccountTimeout time.Duration

	// StuckAfter marks the service unhealthy when a pass runs longer.
	StuckAfter time.Duration

	// Publisher receives per-account outcomes. Optional.
	Publisher outbound.OutcomePublisher

	// Locker serializes passes across processes. Optional; passes are always
	// serialized within the process.
	Locker outbound.RunLocker

	// Metrics records outcomes and pass latency. Optional.
	Metrics outbound.TradeMetrics

	Logger *slog.Logger

	// Now is the clock used for deadlines and outcome timestamps.
	Now func() time.Time
}

func configDefaults() Config {
	return Config{
		Deadline:        entity.DefaultTradeDeadline,
		DefaultInterval: 60,
		AccountTimeout:  5 * time.Minute,
		StuckAfter:      30 * time.Minute,
		Logger:          slog.Default(),
		Now:             time.Now,
	}
}

// Service runs batch trade passes.
type Service struct {
	config  Config
	store   outbound.AccountStore
	catalog outbound.AlgorithmCatalog
	signals outbound.SignalProvider
	venues  *venueRegistry
	tracer  trace.Tracer
	logger  *slog.Logger

	mu       sync.Mutex
	slots    map[string]chan struct{}
	inflight map[string]time.Time
	closed   bool
}

// NewService creates a new batch runner.
func NewService(
	config Config,
	store outbound.AccountStore,
	catalog outbound.AlgorithmCatalog,
	signals outbound.SignalProvider,
	venues VenueFactory,
) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("account store cannot be nil")
	}
	if catalog == nil {
		return nil, fmt.Errorf("algorithm catalog cannot be nil")
	}
	if signals == nil {
		return nil, fmt.Errorf("signal provider cannot be nil")
	}
	if venues == nil {
		return nil, fmt.Errorf("venue factory cannot be nil")
	}

	defaults := configDefaults()
	if config.Deadline <= 0 {
		config.Deadline = defaults.Deadline
	}
	if config.DefaultInterval <= 0 {
		config.DefaultInterval = defaults.DefaultInterval
	}
	if config.AccountTimeout <= 0 {
		config.AccountTimeout = defaults.AccountTimeout
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = defaults.StuckAfter
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	logger := config.Logger.With("component", "trade-runner")

	return &Service{
		config:   config,
		store:    store,
		catalog:  catalog,
		signals:  signals,
		venues:   newVenueRegistry(venues, logger),
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
		slots:    make(map[string]chan struct{}),
		inflight: make(map[string]time.Time),
	}, nil
}

// Run executes one batch pass for venue.
func (s *Service) Run(ctx context.Context, venue string) (err error) {
	if venue == "" {
		return fmt.Errorf("venue name is required")
	}

	start := time.Now()
	runID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "trade.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("trade.venue", venue),
			attribute.String("trade.run_id", runID),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch pass failed")
		}
		span.End()
		if s.config.Metrics != nil {
			s.config.Metrics.RecordPass(context.WithoutCancel(ctx), venue, time.Since(start), err)
		}
	}()

	release, err := s.acquire(ctx, venue)
	if err != nil {
		return err
	}
	defer release()

	logger := s.logger.With("venue", venue, "run_id", runID)

	algorithms, err := s.catalog.AlgorithmNames(ctx)
	if err != nil {
		return fmt.Errorf("loading algorithm catalog: %w", err)
	}

	cursor, err := s.store.RunningAccounts(ctx, venue)
	if err != nil {
		return fmt.Errorf("opening account cursor: %w", err)
	}
	defer func() {
		if closeErr := cursor.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Warn("failed to close account cursor", "error", closeErr)
		}
	}()

	tradeVenue, err := s.venues.get(ctx, venue)
	if err != nil {
		return fmt.Errorf("constructing venue %s: %w", venue, err)
	}

	p := &pass{
		service:    s,
		runID:      runID,
		venue:      tradeVenue,
		algorithms: algorithms,
		signals:    make(map[signalKey]signalResult),
		logger:     logger,
	}

	logger.Info("batch pass started", "algorithms", len(algorithms))
	for cursor.Next(ctx) {
		account, decodeErr := cursor.Account()
		if decodeErr != nil {
			p.finish(ctx, entity.LockedAccount{}, entity.NoAction, common.Hash{}, decodeErr)
			continue
		}
		p.process(ctx, account)
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("iterating accounts after %d: %w", p.stats.total(), err)
	}

	span.SetAttributes(
		attribute.Int("trade.executed", p.stats.executed),
		attribute.Int("trade.skipped", p.stats.skipped),
		attribute.Int("trade.failed", p.stats.failed),
	)
	logger.Info("batch pass complete",
		"accounts", p.stats.total(),
		"executed", p.stats.executed,
		"skipped", p.stats.skipped,
		"failed", p.stats.failed,
		"duration", time.Since(start),
	)
	return nil
}

// acquire serializes passes per venue: first within the process, waiting
// for the running pass, then across processes via the optional locker,
// which rejects instead of waiting.
func (s *Service) acquire(ctx context.Context, venue string) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("batch runner is closed")
	}
	slot, ok := s.slots[venue]
	if !ok {
		slot = make(chan struct{}, 1)
		s.slots[venue] = slot
	}
	s.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for running pass on %s: %w", venue, ctx.Err())
	}

	var releaseLock func(context.Context) error
	if s.config.Locker != nil {
		var err error
		releaseLock, err = s.config.Locker.Acquire(ctx, venue)
		if err != nil {
			<-slot
			return nil, err
		}
	}

	s.mu.Lock()
	s.inflight[venue] = time.Now()
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.inflight, venue)
		s.mu.Unlock()

		if releaseLock != nil {
			if err := releaseLock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("failed to release run lock", "venue", venue, "error", err)
			}
		}
		<-slot
	}, nil
}

// IsReady reports whether the runner accepts passes.
func (s *Service) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// IsHealthy reports false while any pass has been running longer than
// StuckAfter.
func (s *Service) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, started := range s.inflight {
		if time.Since(started) > s.config.StuckAfter {
			return false
		}
	}
	return !s.closed
}

func (s *Service) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Close closes the cached venues, killing any settlement sidecar.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.venues.Close()
}

// passStats counts outcomes within a pass.
type passStats struct {
	executed, skipped, failed int
}

func (p passStats) total() int { return p.executed + p.skipped + p.failed }
