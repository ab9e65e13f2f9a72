package blockchain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
)

// MainnetTokens are the tokens the venue trades on Ethereum mainnet. WETH is
// native: exact-input swaps spending it pay ETH as transaction value and the
// router wraps it.
func MainnetTokens() []entity.Token {
	return []entity.Token{
		{Symbol: "USDC", Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Decimals: 6},
		{Symbol: "USDT", Address: common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"), Decimals: 6},
		{Symbol: "DAI", Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), Decimals: 18},
		{Symbol: "WBTC", Address: common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"), Decimals: 8},
		{Symbol: "WETH", Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Decimals: 18, Native: true},
	}
}

// TokenRegistry resolves symbols to tokens. It is immutable after construction.
type TokenRegistry struct {
	bySymbol map[string]entity.Token
}

// NewTokenRegistry indexes tokens by upper-cased symbol. Later entries win.
func NewTokenRegistry(tokens ...entity.Token) *TokenRegistry {
	r := &TokenRegistry{bySymbol: make(map[string]entity.Token, len(tokens))}
	for _, t := range tokens {
		t.Symbol = strings.ToUpper(t.Symbol)
		r.bySymbol[t.Symbol] = t
	}
	return r
}

// Lookup returns the token for symbol or an error wrapping
// entity.ErrUnsupportedToken.
func (r *TokenRegistry) Lookup(symbol string) (entity.Token, error) {
	t, ok := r.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return entity.Token{}, fmt.Errorf("%w: %q", entity.ErrUnsupportedToken, symbol)
	}
	return t, nil
}

// Symbols lists the registered symbols in sorted order.
func (r *TokenRegistry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
