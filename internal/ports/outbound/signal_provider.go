package outbound

import (
	"context"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
)

// SignalProvider fetches the current recommendations for a pair.
type SignalProvider interface {
	// Signals returns the signals for pair at the given interval (minutes),
	// keyed by algorithm name. Failures wrap entity.ErrSignalServiceFailure.
	Signals(ctx context.Context, pair entity.Pair, interval int) (map[string]entity.AlgorithmSignal, error)
}
