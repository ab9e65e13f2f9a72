package trade_runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

type signalKey struct {
	pair     entity.Pair
	interval int
}

// signalResult memoizes one signal fetch, failures included, so a dead
// signal service costs one request per pair and interval rather than one per
// account.
type signalResult struct {
	signals map[string]entity.AlgorithmSignal
	err     error
}

// pass holds the state of one batch pass.
type pass struct {
	service    *Service
	runID      string
	venue      outbound.TradeVenue
	algorithms map[string]string
	signals    map[signalKey]signalResult
	stats      passStats
	logger     *slog.Logger
}

// process handles one account. It never returns an error: every failure is
// scoped to the account and reported through finish.
func (p *pass) process(ctx context.Context, account entity.LockedAccount) {
	ctx, span := p.service.tracer.Start(ctx, "trade.account",
		trace.WithAttributes(
			attribute.String("trade.account", account.AddressHex()),
			attribute.String("trade.pair", account.Pair.String()),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.service.config.AccountTimeout)
	defer cancel()

	action, hash, err := p.trade(ctx, account)
	if err != nil && !errors.Is(err, entity.ErrNoActionSignal) {
		span.RecordError(err)
		span.SetStatus(codes.Error, entity.FailureReason(err))
	}
	p.finish(ctx, account, action, hash, err)
}

func (p *pass) trade(ctx context.Context, account entity.LockedAccount) (entity.TradeSignal, common.Hash, error) {
	name, ok := p.algorithms[account.Algorithm]
	if !ok {
		return entity.NoAction, common.Hash{}, fmt.Errorf("%w: id %q", entity.ErrAlgorithmLookupMiss, account.Algorithm)
	}

	interval := account.Interval
	if interval <= 0 {
		interval = p.service.config.DefaultInterval
	}
	signals, err := p.signalsFor(ctx, account.Pair, interval)
	if err != nil {
		return entity.NoAction, common.Hash{}, err
	}
	signal, ok := signals[name]
	if !ok {
		return entity.NoAction, common.Hash{}, fmt.Errorf("%w: %s on %s/%d", entity.ErrSignalMissing, name, account.Pair, interval)
	}

	base, baseErr := p.venue.Token(account.Pair.Base)
	other, otherErr := p.venue.Token(account.Pair.Other)

	cfg := p.service.config
	instr, err := entity.NewTradeInstruction(account.Address, signal, base, other, entity.InstructionParams{
		FeeTier:  cfg.FeeTier,
		Slippage: cfg.Slippage,
		Deadline: cfg.Deadline,
		Now:      cfg.Now(),
	})
	if err != nil {
		if tokenErr := errors.Join(baseErr, otherErr); tokenErr != nil && errors.Is(err, entity.ErrUnsupportedToken) {
			return signal.Signal, common.Hash{}, tokenErr
		}
		return signal.Signal, common.Hash{}, err
	}

	hash, err := p.venue.Submit(ctx, instr, account)
	return signal.Signal, hash, err
}

func (p *pass) signalsFor(ctx context.Context, pair entity.Pair, interval int) (map[string]entity.AlgorithmSignal, error) {
	key := signalKey{pair: pair, interval: interval}
	if cached, ok := p.signals[key]; ok {
		return cached.signals, cached.err
	}
	signals, err := p.service.signals.Signals(ctx, pair, interval)
	if err != nil && ctx.Err() != nil {
		// The account budget ran out; do not poison the pair for others.
		return nil, err
	}
	p.signals[key] = signalResult{signals: signals, err: err}
	return signals, err
}

// finish logs, publishes and counts the outcome of one account.
func (p *pass) finish(ctx context.Context, account entity.LockedAccount, action entity.TradeSignal, hash common.Hash, err error) {
	cfg := p.service.config
	outcome := entity.TradeOutcome{
		RunID:   p.runID,
		Venue:   p.venue.Name(),
		Account: account.Address,
		Action:  action,
		At:      cfg.Now(),
	}
	logger := p.logger.With("account", account.AddressHex())

	switch {
	case err == nil:
		outcome.Status = entity.OutcomeExecuted
		outcome.TxHash = hash.Hex()
		p.stats.executed++
		logger.Info("trade executed", "action", action.String(), "tx", outcome.TxHash)
	case errors.Is(err, entity.ErrNoActionSignal):
		outcome.Status = entity.OutcomeSkipped
		outcome.Reason = entity.FailureReason(err)
		p.stats.skipped++
		logger.Debug("no action for account")
	default:
		outcome.Status = entity.OutcomeFailed
		outcome.Reason = entity.FailureReason(err)
		outcome.Error = err.Error()
		p.stats.failed++
		logger.Error("account failed", "reason", outcome.Reason, "error", err)
	}

	// Outcomes are recorded even when the account's own budget expired.
	ctx = context.WithoutCancel(ctx)
	if cfg.Publisher != nil {
		if pubErr := cfg.Publisher.Publish(ctx, outcome); pubErr != nil {
			logger.Warn("failed to publish outcome", "error", pubErr)
		}
	}
	if cfg.Metrics != nil {
		cfg.Metrics.RecordOutcome(ctx, outcome.Venue, outcome.Status, outcome.Reason)
	}
}
