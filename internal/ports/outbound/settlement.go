package outbound

import (
	"context"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
)

// SettlementRouter turns a venue transaction into router calldata via an
// external settlement process.
type SettlementRouter interface {
	// Route sends the transaction and waits for the matching directive.
	Route(ctx context.Context, tx *entity.VenueTransaction) (entity.SidecarEntry, error)

	// Alive reports whether the process is still serving directives.
	Alive() bool

	// Close stops the process. It is idempotent.
	Close() error
}
