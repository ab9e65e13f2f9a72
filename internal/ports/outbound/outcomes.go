package outbound

import (
	"context"
	"time"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
)

// OutcomePublisher emits per-account trade outcomes. Publishing is best
// effort; callers log failures and continue.
type OutcomePublisher interface {
	Publish(ctx context.Context, outcome entity.TradeOutcome) error
}

// RunLocker serializes batch passes for a venue across processes.
type RunLocker interface {
	// Acquire returns entity.ErrBatchInProgress when another holder owns the
	// venue. The returned release func must be called once the pass ends.
	Acquire(ctx context.Context, venue string) (release func(context.Context) error, err error)
}

// TradeMetrics records pass and per-account outcomes.
type TradeMetrics interface {
	RecordOutcome(ctx context.Context, venue string, status entity.OutcomeStatus, reason string)
	RecordPass(ctx context.Context, venue string, duration time.Duration, err error)
	RecordSidecarReady(ctx context.Context, wait time.Duration, err error)
}
