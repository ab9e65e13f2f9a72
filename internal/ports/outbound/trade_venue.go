package outbound

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
)

// TradeVenue is a place trades execute. Implementations sign and submit
// transactions on behalf of an account and report success only once the
// transaction is confirmed.
type TradeVenue interface {
	// Name identifies the venue in logs, metrics and triggers.
	Name() string

	// Token resolves a symbol to a token known on this venue.
	Token(symbol string) (entity.Token, error)

	// Price quotes how much of tokenOut amountIn of tokenIn buys.
	Price(ctx context.Context, tokenIn, tokenOut entity.Token, amountIn *big.Int) (*big.Int, error)

	// NeedsAllowance reports whether owner must approve the venue's router
	// for token before trading.
	NeedsAllowance(ctx context.Context, owner common.Address, token entity.Token) (bool, error)

	// RaiseAllowance approves the router for the maximum amount and waits
	// for confirmation.
	RaiseAllowance(ctx context.Context, account *entity.UnlockedAccount, token entity.Token) error

	// BuildTrade converts an instruction into a bounded venue transaction.
	BuildTrade(ctx context.Context, instr *entity.TradeInstruction) (*entity.VenueTransaction, error)

	// Submit executes the instruction for the account and returns the swap
	// transaction hash once confirmed.
	Submit(ctx context.Context, instr *entity.TradeInstruction, account entity.LockedAccount) (common.Hash, error)

	// Alive reports whether the venue can keep serving passes.
	Alive() bool

	// Close releases venue resources, including any settlement sidecar.
	Close() error
}
