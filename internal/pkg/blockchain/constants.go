// Package blockchain holds chain constants, the token registry and the
// allowance arithmetic shared by venues.
package blockchain

import "github.com/ethereum/go-ethereum/common"

const (
	MainnetChainID = 1

	UniswapV3SwapRouterAddress = "0xE592427A0AEce92De3Edee1F18E0157C05861564"
	UniswapV3QuoterAddress     = "0xb27308f9F90D607463bb33eA1BeBb41C27CE5AB6"

	// DefaultFeeTier is the 0.3% pool.
	DefaultFeeTier uint32 = 3000
)

var (
	UniswapV3SwapRouter = common.HexToAddress(UniswapV3SwapRouterAddress)
	UniswapV3Quoter     = common.HexToAddress(UniswapV3QuoterAddress)
)
