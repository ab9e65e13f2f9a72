package abis

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// GetSwapRouterABI returns the Uniswap V3 SwapRouter single-pool swap methods.
var GetSwapRouterABI = lazyABI("SwapRouter", `[
	{
		"inputs": [{
			"components": [
				{"name": "tokenIn", "type": "address"},
				{"name": "tokenOut", "type": "address"},
				{"name": "fee", "type": "uint24"},
				{"name": "recipient", "type": "address"},
				{"name": "deadline", "type": "uint256"},
				{"name": "amountIn", "type": "uint256"},
				{"name": "amountOutMinimum", "type": "uint256"},
				{"name": "sqrtPriceLimitX96", "type": "uint160"}
			],
			"name": "params",
			"type": "tuple"
		}],
		"name": "exactInputSingle",
		"outputs": [{"name": "amountOut", "type": "uint256"}],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [{
			"components": [
				{"name": "tokenIn", "type": "address"},
				{"name": "tokenOut", "type": "address"},
				{"name": "fee", "type": "uint24"},
				{"name": "recipient", "type": "address"},
				{"name": "deadline", "type": "uint256"},
				{"name": "amountOut", "type": "uint256"},
				{"name": "amountInMaximum", "type": "uint256"},
				{"name": "sqrtPriceLimitX96", "type": "uint160"}
			],
			"name": "params",
			"type": "tuple"
		}],
		"name": "exactOutputSingle",
		"outputs": [{"name": "amountIn", "type": "uint256"}],
		"stateMutability": "payable",
		"type": "function"
	}
]`)

// GetQuoterABI returns the Uniswap V3 Quoter (v1) single-pool quote methods.
// They are non-view on chain and are only ever invoked through eth_call.
var GetQuoterABI = lazyABI("Quoter", `[
	{
		"inputs": [
			{"name": "tokenIn", "type": "address"},
			{"name": "tokenOut", "type": "address"},
			{"name": "fee", "type": "uint24"},
			{"name": "amountIn", "type": "uint256"},
			{"name": "sqrtPriceLimitX96", "type": "uint160"}
		],
		"name": "quoteExactInputSingle",
		"outputs": [{"name": "amountOut", "type": "uint256"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "tokenIn", "type": "address"},
			{"name": "tokenOut", "type": "address"},
			{"name": "fee", "type": "uint24"},
			{"name": "amountOut", "type": "uint256"},
			{"name": "sqrtPriceLimitX96", "type": "uint160"}
		],
		"name": "quoteExactOutputSingle",
		"outputs": [{"name": "amountIn", "type": "uint256"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`)

// ExactInputSingleParams mirrors ISwapRouter.ExactInputSingleParams.
type ExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// ExactOutputSingleParams mirrors ISwapRouter.ExactOutputSingleParams.
type ExactOutputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountOut         *big.Int
	AmountInMaximum   *big.Int
	SqrtPriceLimitX96 *big.Int
}
