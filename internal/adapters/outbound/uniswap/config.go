package uniswap

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/stl-trade/internal/adapters/outbound/sidecar"
	"github.com/archon-research/stl/stl-trade/internal/pkg/blockchain"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

const (
	defaultName                = "uniswap"
	defaultReceiptPollInterval = time.Second
	defaultReceiptTimeout      = 3 * time.Minute
	defaultGasBufferPercent    = 20
)

// Config holds the configuration for the Uniswap V3 venue.
type Config struct {
	// Name identifies the venue. Defaults to "uniswap".
	Name string

	// ChainID must match the node's chain id. Required.
	ChainID int64

	// RPCURL is handed to the settlement sidecar.
	RPCURL string

	// Router is the SwapRouter address. Defaults to the mainnet deployment.
	Router common.Address

	// Quoter is the Quoter address. Defaults to the mainnet deployment.
	Quoter common.Address

	// Tokens resolves pair symbols. Defaults to the mainnet registry.
	Tokens *blockchain.TokenRegistry

	// FeeTier is used when an instruction carries none. Defaults to 3000.
	FeeTier uint32

	// Slippage is used when an instruction carries none. Defaults to 0.5%.
	Slippage decimal.Decimal

	// GasBufferPercent is added on top of the node's gas estimate.
	GasBufferPercent int64

	// ReceiptPollInterval and ReceiptTimeout bound confirmation waits.
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration

	// SidecarEnabled routes swap calldata through the settlement sidecar
	// instead of packing it locally.
	SidecarEnabled bool

	// Sidecar configures the process started when SidecarEnabled is set and
	// no router is injected. RPCURL and ChainID are filled from this config.
	Sidecar sidecar.Config

	// Metrics is optional.
	Metrics outbound.TradeMetrics

	Logger *slog.Logger
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.ChainID <= 0 {
		return errors.New("ChainID must be positive")
	}
	if c.Slippage.IsNegative() || c.Slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.New("Slippage must be in [0, 1)")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = defaultName
	}
	if c.Router == (common.Address{}) {
		c.Router = blockchain.UniswapV3SwapRouter
	}
	if c.Quoter == (common.Address{}) {
		c.Quoter = blockchain.UniswapV3Quoter
	}
	if c.Tokens == nil {
		c.Tokens = blockchain.NewTokenRegistry(blockchain.MainnetTokens()...)
	}
	if c.FeeTier == 0 {
		c.FeeTier = blockchain.DefaultFeeTier
	}
	if c.Slippage.IsZero() {
		c.Slippage = decimal.RequireFromString("0.005")
	}
	if c.GasBufferPercent == 0 {
		c.GasBufferPercent = defaultGasBufferPercent
	}
	if c.ReceiptPollInterval == 0 {
		c.ReceiptPollInterval = defaultReceiptPollInterval
	}
	if c.ReceiptTimeout == 0 {
		c.ReceiptTimeout = defaultReceiptTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
