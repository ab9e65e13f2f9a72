// Package outbound defines the outbound port interfaces.
package outbound

import (
	"context"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
)

// AccountCursor iterates accounts one at a time so a pass never holds the
// whole table in memory.
type AccountCursor interface {
	// Next advances the cursor. It returns false when exhausted or on error;
	// check Err afterwards.
	Next(ctx context.Context) bool

	// Account decodes the current record. A decode error affects only this
	// record; the cursor stays usable.
	Account() (entity.LockedAccount, error)

	// Err returns the first iteration error, wrapping entity.ErrStoreQueryFailure.
	Err() error

	// Close releases the cursor.
	Close(ctx context.Context) error
}

// AccountStore is the read-only view of trading accounts the runner needs.
type AccountStore interface {
	// RunningAccounts opens a cursor over running accounts assigned to venue.
	// Open failures wrap entity.ErrStoreQueryFailure.
	RunningAccounts(ctx context.Context, venue string) (AccountCursor, error)
}

// AlgorithmCatalog maps stored algorithm ids to signal-service names.
type AlgorithmCatalog interface {
	// AlgorithmNames returns the full id → name catalog.
	AlgorithmNames(ctx context.Context) (map[string]string, error)
}
