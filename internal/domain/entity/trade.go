package entity

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DefaultTradeDeadline bounds how long a signed swap stays executable.
const DefaultTradeDeadline = 10 * time.Minute

// Pair is a trading pair of token symbols. Base is the denomination of trade
// amounts; Other is the token being bought or sold.
type Pair struct {
	Base  string
	Other string
}

// ParsePair parses "BASE-OTHER" or "BASE/OTHER".
func ParsePair(raw string) (Pair, error) {
	sep := "-"
	if strings.Contains(raw, "/") {
		sep = "/"
	}
	parts := strings.Split(raw, sep)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return Pair{}, fmt.Errorf("invalid pair %q: expected BASE-OTHER", raw)
	}
	return Pair{
		Base:  strings.ToUpper(strings.TrimSpace(parts[0])),
		Other: strings.ToUpper(strings.TrimSpace(parts[1])),
	}, nil
}

// String renders the pair the way the signal service expects it.
func (p Pair) String() string {
	return p.Base + "-" + p.Other
}

// Token is an ERC20 token known to the deployment.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
	// Native marks the wrapped native token when swaps should pay in ETH.
	Native bool
}

// ToBaseUnits converts a human amount to the token's smallest unit,
// truncating anything below one unit.
func (t Token) ToBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(int32(t.Decimals)).Truncate(0).BigInt()
}

// FromBaseUnits converts an on-chain amount back to a human amount.
func (t Token) FromBaseUnits(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(t.Decimals))
}

// TradeInstruction is the resolved intent for one account and pair. It is
// built fresh per account per pass and consumed once by a venue.
type TradeInstruction struct {
	Account  common.Address
	Action   TradeSignal
	Pair     Pair
	Base     Token
	Other    Token
	Amount   decimal.Decimal // denominated in Base
	FeeTier  uint32
	Slippage decimal.Decimal // fraction, e.g. 0.005
	// SqrtPriceLimitX96 of zero means no price limit.
	SqrtPriceLimitX96 *big.Int
	Deadline          time.Time
}

// InstructionParams carries the venue parameters the runner applies to every
// instruction of a pass.
type InstructionParams struct {
	FeeTier  uint32
	Slippage decimal.Decimal
	Deadline time.Duration
	Now      time.Time
}

// NewTradeInstruction builds an instruction from a signal. NoAction and
// non-positive amounts are rejected before any venue is involved.
func NewTradeInstruction(account common.Address, signal AlgorithmSignal, base, other Token, params InstructionParams) (*TradeInstruction, error) {
	switch signal.Signal {
	case Buy, Sell:
	case NoAction:
		return nil, fmt.Errorf("%w for %s (algorithm %s)", ErrNoActionSignal, account.Hex(), signal.Algorithm)
	default:
		return nil, fmt.Errorf("unsupported signal %s for %s", signal.Signal, account.Hex())
	}

	amount := decimal.NewFromFloat(signal.Amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s for %s", ErrInvalidAmount, amount, account.Hex())
	}
	if base.Address == (common.Address{}) || other.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: pair %s-%s not resolved", ErrUnsupportedToken, base.Symbol, other.Symbol)
	}
	if base.Address == other.Address {
		return nil, fmt.Errorf("%w: base and other are both %s", ErrUnsupportedToken, base.Symbol)
	}

	deadline := params.Deadline
	if deadline <= 0 {
		deadline = DefaultTradeDeadline
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}

	return &TradeInstruction{
		Account:           account,
		Action:            signal.Signal,
		Pair:              Pair{Base: base.Symbol, Other: other.Symbol},
		Base:              base,
		Other:             other,
		Amount:            amount,
		FeeTier:           params.FeeTier,
		Slippage:          params.Slippage,
		SqrtPriceLimitX96: new(big.Int),
		Deadline:          now.Add(deadline),
	}, nil
}

// SwapKind selects which side of a swap is exact.
type SwapKind uint8

const (
	ExactInput SwapKind = iota + 1
	ExactOutput
)

func (k SwapKind) String() string {
	switch k {
	case ExactInput:
		return "exact_input"
	case ExactOutput:
		return "exact_output"
	default:
		return fmt.Sprintf("SwapKind(%d)", uint8(k))
	}
}

// VenueTransaction is a fully bounded swap ready for calldata encoding or for
// routing through the settlement sidecar.
type VenueTransaction struct {
	Kind      SwapKind
	TokenIn   Token
	TokenOut  Token
	FeeTier   uint32
	Recipient common.Address
	Deadline  time.Time
	// Amount is spent exactly (ExactInput) or received exactly (ExactOutput).
	Amount *big.Int
	// Limit is the minimum output (ExactInput) or maximum input (ExactOutput).
	Limit             *big.Int
	SqrtPriceLimitX96 *big.Int
	// Value is the native amount attached to the transaction.
	Value *big.Int
	// Router is the contract the transaction is sent to.
	Router common.Address
}

// SpendToken returns the token the router pulls from the account.
func (t *VenueTransaction) SpendToken() Token {
	return t.TokenIn
}

type venueTransactionJSON struct {
	Kind              string `json:"kind"`
	TokenIn           string `json:"tokenIn"`
	TokenOut          string `json:"tokenOut"`
	Fee               uint32 `json:"fee"`
	Recipient         string `json:"recipient"`
	Deadline          int64  `json:"deadline"`
	Amount            string `json:"amount"`
	Limit             string `json:"limit"`
	SqrtPriceLimitX96 string `json:"sqrtPriceLimitX96"`
	Value             string `json:"value"`
	Router            string `json:"router"`
}

// MarshalJSON encodes big integers as decimal strings so the settlement
// process does not lose precision.
func (t *VenueTransaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(venueTransactionJSON{
		Kind:              t.Kind.String(),
		TokenIn:           t.TokenIn.Address.Hex(),
		TokenOut:          t.TokenOut.Address.Hex(),
		Fee:               t.FeeTier,
		Recipient:         t.Recipient.Hex(),
		Deadline:          t.Deadline.Unix(),
		Amount:            bigString(t.Amount),
		Limit:             bigString(t.Limit),
		SqrtPriceLimitX96: bigString(t.SqrtPriceLimitX96),
		Value:             bigString(t.Value),
		Router:            t.Router.Hex(),
	})
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// SidecarEntry is one decoded settlement directive: router calldata plus the
// native value to attach.
type SidecarEntry struct {
	Calldata []byte
	Value    *big.Int
}
