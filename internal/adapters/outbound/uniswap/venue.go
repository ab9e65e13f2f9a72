// Package uniswap implements the TradeVenue port against Uniswap V3.
//
// Prices and slippage bounds come from the Quoter, swaps go through the
// SwapRouter single-pool methods, and every transaction is an EIP-1559
// transaction signed locally for the configured chain.
package uniswap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/stl-trade/internal/adapters/outbound/sidecar"
	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/pkg/blockchain"
	"github.com/archon-research/stl/stl-trade/internal/pkg/blockchain/abis"
	"github.com/archon-research/stl/stl-trade/internal/pkg/retry"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// Compile-time check that Venue implements outbound.TradeVenue.
var _ outbound.TradeVenue = (*Venue)(nil)

// Venue is a Uniswap V3 trade venue bound to one chain.
type Venue struct {
	cfg    Config
	client outbound.ChainClient
	vault  outbound.CredentialVault
	router outbound.SettlementRouter
	logger *slog.Logger

	erc20      *abi.ABI
	swapRouter *abi.ABI
	quoter     *abi.ABI

	chainID *big.Int
	signer  types.Signer

	// verified caches tokens whose on-chain decimals match the registry.
	verified sync.Map

	closeOnce sync.Once
}

// New builds a venue and takes ownership of client and router. When
// cfg.SidecarEnabled is set and router is nil, the settlement sidecar is
// started and must become ready before New returns.
func New(ctx context.Context, cfg Config, client outbound.ChainClient, vault outbound.CredentialVault, router outbound.SettlementRouter) (*Venue, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid uniswap config: %w", err)
	}
	if client == nil || vault == nil {
		return nil, errors.New("uniswap venue requires a chain client and a vault")
	}

	erc20, err := abis.GetERC20ABI()
	if err != nil {
		return nil, err
	}
	swapRouter, err := abis.GetSwapRouterABI()
	if err != nil {
		return nil, err
	}
	quoter, err := abis.GetQuoterABI()
	if err != nil {
		return nil, err
	}

	nodeChainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain id: %w", err)
	}
	if nodeChainID.Int64() != cfg.ChainID {
		return nil, fmt.Errorf("node reports chain id %s, configured %d", nodeChainID, cfg.ChainID)
	}

	v := &Venue{
		cfg:        cfg,
		client:     client,
		vault:      vault,
		router:     router,
		logger:     cfg.Logger.With("component", "uniswap-venue", "venue", cfg.Name),
		erc20:      erc20,
		swapRouter: swapRouter,
		quoter:     quoter,
		chainID:    big.NewInt(cfg.ChainID),
		signer:     types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
	}

	if cfg.SidecarEnabled && v.router == nil {
		scCfg := cfg.Sidecar
		scCfg.RPCURL = cfg.RPCURL
		scCfg.ChainID = cfg.ChainID
		if scCfg.Logger == nil {
			scCfg.Logger = cfg.Logger
		}
		if scCfg.Metrics == nil {
			scCfg.Metrics = cfg.Metrics
		}
		sc, err := sidecar.Start(ctx, scCfg)
		if err != nil {
			return nil, err
		}
		v.router = sc
	}

	v.logger.Info("venue ready",
		"chainId", cfg.ChainID,
		"router", cfg.Router.Hex(),
		"quoter", cfg.Quoter.Hex(),
		"sidecar", v.router != nil,
	)
	return v, nil
}

// Name returns the venue name.
func (v *Venue) Name() string { return v.cfg.Name }

// Token resolves a symbol against the venue's registry.
func (v *Venue) Token(symbol string) (entity.Token, error) {
	return v.cfg.Tokens.Lookup(symbol)
}

// Price quotes the output of swapping amountIn of tokenIn for tokenOut in the
// configured fee tier.
func (v *Venue) Price(ctx context.Context, tokenIn, tokenOut entity.Token, amountIn *big.Int) (*big.Int, error) {
	return v.quote(ctx, "quoteExactInputSingle", tokenIn, tokenOut, v.cfg.FeeTier, amountIn)
}

func (v *Venue) quote(ctx context.Context, method string, tokenIn, tokenOut entity.Token, fee uint32, amount *big.Int) (*big.Int, error) {
	data, err := v.quoter.Pack(method, tokenIn.Address, tokenOut.Address, big.NewInt(int64(fee)), amount, new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	out, err := v.call(ctx, v.cfg.Quoter, data)
	if err != nil {
		return nil, fmt.Errorf("%s %s→%s: %w", method, tokenIn.Symbol, tokenOut.Symbol, err)
	}
	values, err := v.quoter.Unpack(method, out)
	if err != nil || len(values) == 0 {
		return nil, fmt.Errorf("decoding %s: %v", method, err)
	}
	quoted, ok := values[0].(*big.Int)
	if !ok || quoted.Sign() <= 0 {
		return nil, fmt.Errorf("%s returned no liquidity for %s→%s", method, tokenIn.Symbol, tokenOut.Symbol)
	}
	return quoted, nil
}

func (v *Venue) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return v.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// NeedsAllowance reports whether owner's allowance to the router has fallen
// below MaxUint256 / 1e9.
func (v *Venue) NeedsAllowance(ctx context.Context, owner common.Address, token entity.Token) (bool, error) {
	data, err := v.erc20.Pack("allowance", owner, v.cfg.Router)
	if err != nil {
		return false, fmt.Errorf("%w: packing allowance: %v", entity.ErrAllowanceCheckFailure, err)
	}
	out, err := v.call(ctx, token.Address, data)
	if err != nil {
		return false, fmt.Errorf("%w: %s for %s: %v", entity.ErrAllowanceCheckFailure, token.Symbol, owner.Hex(), err)
	}
	values, err := v.erc20.Unpack("allowance", out)
	if err != nil || len(values) == 0 {
		return false, fmt.Errorf("%w: decoding allowance: %v", entity.ErrAllowanceCheckFailure, err)
	}
	allowance, _ := values[0].(*big.Int)
	return blockchain.NeedsRenewal(allowance), nil
}

// RaiseAllowance approves MaxUint256 for the router and waits for a
// successful receipt.
func (v *Venue) RaiseAllowance(ctx context.Context, account *entity.UnlockedAccount, token entity.Token) error {
	data, err := v.erc20.Pack("approve", v.cfg.Router, blockchain.MaxApproval())
	if err != nil {
		return fmt.Errorf("%w: packing approve: %v", entity.ErrApprovalSubmissionFailure, err)
	}
	hash, err := v.sendAndWait(ctx, account, token.Address, data, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", entity.ErrApprovalSubmissionFailure, token.Symbol, err)
	}
	v.logger.Info("allowance raised", "account", account.AddressHex(), "token", token.Symbol, "tx", hash.Hex())
	return nil
}

// BuildTrade resolves quotes and slippage bounds for the instruction.
//
// Buy spends exactly Amount of the base token for at least
// quote*(1-slippage) of the other token. Sell receives exactly Amount of the
// base token for at most quote*(1+slippage) of the other token.
func (v *Venue) BuildTrade(ctx context.Context, instr *entity.TradeInstruction) (*entity.VenueTransaction, error) {
	if instr.Action == entity.NoAction {
		return nil, fmt.Errorf("building trade for %s: %w reached the venue", instr.Account.Hex(), entity.ErrNoActionSignal)
	}
	if err := v.verifyToken(ctx, instr.Base); err != nil {
		return nil, err
	}
	if err := v.verifyToken(ctx, instr.Other); err != nil {
		return nil, err
	}

	fee := instr.FeeTier
	if fee == 0 {
		fee = v.cfg.FeeTier
	}
	slippage := instr.Slippage
	if slippage.IsZero() {
		slippage = v.cfg.Slippage
	}
	priceLimit := instr.SqrtPriceLimitX96
	if priceLimit == nil {
		priceLimit = new(big.Int)
	}
	exact := instr.Base.ToBaseUnits(instr.Amount)
	if exact.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s %s is below one base unit", entity.ErrInvalidAmount, instr.Amount, instr.Base.Symbol)
	}

	tx := &entity.VenueTransaction{
		FeeTier:           fee,
		Recipient:         instr.Account,
		Deadline:          instr.Deadline,
		Amount:            exact,
		SqrtPriceLimitX96: priceLimit,
		Value:             new(big.Int),
		Router:            v.cfg.Router,
	}

	switch instr.Action {
	case entity.Buy:
		quoted, err := v.quote(ctx, "quoteExactInputSingle", instr.Base, instr.Other, fee, exact)
		if err != nil {
			return nil, err
		}
		tx.Kind = entity.ExactInput
		tx.TokenIn, tx.TokenOut = instr.Base, instr.Other
		tx.Limit = scale(quoted, decimal.NewFromInt(1).Sub(slippage), false)
		if instr.Base.Native {
			tx.Value = new(big.Int).Set(exact)
		}
	case entity.Sell:
		quoted, err := v.quote(ctx, "quoteExactOutputSingle", instr.Other, instr.Base, fee, exact)
		if err != nil {
			return nil, err
		}
		tx.Kind = entity.ExactOutput
		tx.TokenIn, tx.TokenOut = instr.Other, instr.Base
		tx.Limit = scale(quoted, decimal.NewFromInt(1).Add(slippage), true)
	default:
		return nil, fmt.Errorf("building trade: unsupported signal %s", instr.Action)
	}

	return tx, nil
}

// scale multiplies v by factor, rounding up for maximums and down for minimums.
func scale(v *big.Int, factor decimal.Decimal, roundUp bool) *big.Int {
	product := decimal.NewFromBigInt(v, 0).Mul(factor)
	if roundUp {
		return product.Ceil().BigInt()
	}
	return product.Floor().BigInt()
}

// verifyToken checks once per token that the contract's decimals match the
// registry, so amounts are never scaled with the wrong exponent.
func (v *Venue) verifyToken(ctx context.Context, token entity.Token) error {
	if _, ok := v.verified.Load(token.Address); ok {
		return nil
	}
	data, err := v.erc20.Pack("decimals")
	if err != nil {
		return fmt.Errorf("packing decimals: %w", err)
	}
	out, err := v.call(ctx, token.Address, data)
	if err != nil {
		return fmt.Errorf("reading decimals of %s: %w", token.Symbol, err)
	}
	values, err := v.erc20.Unpack("decimals", out)
	if err != nil || len(values) == 0 {
		return fmt.Errorf("decoding decimals of %s: %v", token.Symbol, err)
	}
	onChain, _ := values[0].(uint8)
	if onChain != token.Decimals {
		return fmt.Errorf("%w: %s has %d decimals on chain, registry says %d", entity.ErrUnsupportedToken, token.Symbol, onChain, token.Decimals)
	}
	v.verified.Store(token.Address, struct{}{})
	return nil
}

// Submit executes instr for account: allowance pre-check, unlock, calldata,
// sign, send, and wait for a successful receipt. The unlocked credential is
// wiped before Submit returns.
func (v *Venue) Submit(ctx context.Context, instr *entity.TradeInstruction, account entity.LockedAccount) (common.Hash, error) {
	tx, err := v.BuildTrade(ctx, instr)
	if err != nil {
		return common.Hash{}, err
	}

	needsApproval := false
	if tx.Value.Sign() == 0 {
		needsApproval, err = v.NeedsAllowance(ctx, account.Address, tx.SpendToken())
		if err != nil {
			return common.Hash{}, err
		}
	}

	unlocked, err := v.vault.Unlock(account)
	if err != nil {
		return common.Hash{}, err
	}
	defer unlocked.Wipe()

	if needsApproval {
		v.logger.Info("allowance below threshold, approving router",
			"account", account.AddressHex(),
			"token", tx.SpendToken().Symbol,
		)
		if err := v.RaiseAllowance(ctx, unlocked, tx.SpendToken()); err != nil {
			return common.Hash{}, err
		}
	}

	calldata, value, err := v.encodeSwap(ctx, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", entity.ErrSwapSubmissionFailure, err)
	}

	hash, err := v.sendAndWait(ctx, unlocked, v.cfg.Router, calldata, value)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", entity.ErrSwapSubmissionFailure, err)
	}

	v.logger.Info("swap confirmed",
		"account", account.AddressHex(),
		"action", instr.Action,
		"kind", tx.Kind,
		"tokenIn", tx.TokenIn.Symbol,
		"tokenOut", tx.TokenOut.Symbol,
		"amount", tx.Amount,
		"limit", tx.Limit,
		"tx", hash.Hex(),
	)
	return hash, nil
}

// encodeSwap returns router calldata and the native value, from the sidecar
// when one is attached and from the local ABI otherwise.
func (v *Venue) encodeSwap(ctx context.Context, tx *entity.VenueTransaction) ([]byte, *big.Int, error) {
	if v.router != nil {
		entry, err := v.router.Route(ctx, tx)
		if err != nil {
			return nil, nil, err
		}
		if err := v.checkDirective(tx, entry.Calldata); err != nil {
			return nil, nil, err
		}
		return entry.Calldata, entry.Value, nil
	}

	deadline := big.NewInt(tx.Deadline.Unix())
	fee := big.NewInt(int64(tx.FeeTier))

	var (
		data []byte
		err  error
	)
	switch tx.Kind {
	case entity.ExactInput:
		data, err = v.swapRouter.Pack("exactInputSingle", abis.ExactInputSingleParams{
			TokenIn:           tx.TokenIn.Address,
			TokenOut:          tx.TokenOut.Address,
			Fee:               fee,
			Recipient:         tx.Recipient,
			Deadline:          deadline,
			AmountIn:          tx.Amount,
			AmountOutMinimum:  tx.Limit,
			SqrtPriceLimitX96: tx.SqrtPriceLimitX96,
		})
	case entity.ExactOutput:
		data, err = v.swapRouter.Pack("exactOutputSingle", abis.ExactOutputSingleParams{
			TokenIn:           tx.TokenIn.Address,
			TokenOut:          tx.TokenOut.Address,
			Fee:               fee,
			Recipient:         tx.Recipient,
			Deadline:          deadline,
			AmountOut:         tx.Amount,
			AmountInMaximum:   tx.Limit,
			SqrtPriceLimitX96: tx.SqrtPriceLimitX96,
		})
	default:
		err = fmt.Errorf("unsupported swap kind %s", tx.Kind)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("packing swap: %w", err)
	}
	return data, tx.Value, nil
}

// checkDirective confirms that sidecar calldata performs tx: the matching
// single-pool method with the same tokens, exact amount and recipient.
func (v *Venue) checkDirective(tx *entity.VenueTransaction, calldata []byte) error {
	if len(calldata) < 4 {
		return fmt.Errorf("%w: calldata is %d bytes", entity.ErrDirectiveMismatch, len(calldata))
	}
	method, err := v.swapRouter.MethodById(calldata[:4])
	if err != nil {
		return fmt.Errorf("%w: unknown selector %x", entity.ErrDirectiveMismatch, calldata[:4])
	}
	values, err := method.Inputs.Unpack(calldata[4:])
	if err != nil || len(values) != 1 {
		return fmt.Errorf("%w: decoding %s: %v", entity.ErrDirectiveMismatch, method.Name, err)
	}

	var (
		tokenIn, tokenOut, recipient common.Address
		amount                       *big.Int
	)
	switch {
	case method.Name == "exactInputSingle" && tx.Kind == entity.ExactInput:
		p := abi.ConvertType(values[0], new(abis.ExactInputSingleParams)).(*abis.ExactInputSingleParams)
		tokenIn, tokenOut, recipient, amount = p.TokenIn, p.TokenOut, p.Recipient, p.AmountIn
	case method.Name == "exactOutputSingle" && tx.Kind == entity.ExactOutput:
		p := abi.ConvertType(values[0], new(abis.ExactOutputSingleParams)).(*abis.ExactOutputSingleParams)
		tokenIn, tokenOut, recipient, amount = p.TokenIn, p.TokenOut, p.Recipient, p.AmountOut
	default:
		return fmt.Errorf("%w: %s for a %s swap", entity.ErrDirectiveMismatch, method.Name, tx.Kind)
	}

	switch {
	case recipient != tx.Recipient:
		return fmt.Errorf("%w: recipient %s, expected %s", entity.ErrDirectiveMismatch, recipient.Hex(), tx.Recipient.Hex())
	case tokenIn != tx.TokenIn.Address || tokenOut != tx.TokenOut.Address:
		return fmt.Errorf("%w: pair %s/%s, expected %s/%s", entity.ErrDirectiveMismatch,
			tokenIn.Hex(), tokenOut.Hex(), tx.TokenIn.Address.Hex(), tx.TokenOut.Address.Hex())
	case amount == nil || amount.Cmp(tx.Amount) != 0:
		return fmt.Errorf("%w: amount %v, expected %s", entity.ErrDirectiveMismatch, amount, tx.Amount)
	}
	return nil
}

// sendAndWait signs an EIP-1559 transaction with the node's fee suggestions,
// sends it and waits for a successful receipt.
func (v *Venue) sendAndWait(ctx context.Context, account *entity.UnlockedAccount, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	key, err := account.Signer()
	if err != nil {
		return common.Hash{}, err
	}
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := v.client.PendingNonceAt(ctx, account.Address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching nonce: %w", err)
	}
	tip, err := v.client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching gas tip: %w", err)
	}
	head, err := v.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching latest header: %w", err)
	}
	if head.BaseFee == nil {
		return common.Hash{}, errors.New("latest header has no base fee")
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	gas, err := v.client.EstimateGas(ctx, ethereum.CallMsg{
		From:      account.Address,
		To:        &to,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimating gas: %w", err)
	}
	gas += gas * uint64(v.cfg.GasBufferPercent) / 100

	signed, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   v.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), v.signer, key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing transaction: %w", err)
	}

	if err := v.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("sending transaction: %w", err)
	}
	v.logger.Debug("transaction sent", "account", account.AddressHex(), "to", to.Hex(), "nonce", nonce, "tx", signed.Hash().Hex())

	receipt, err := v.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return signed.Hash(), err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return signed.Hash(), fmt.Errorf("%w: transaction %s reverted", entity.ErrSubmissionFailure, signed.Hash().Hex())
	}
	return signed.Hash(), nil
}

func (v *Venue) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, v.cfg.ReceiptTimeout)
	defer cancel()

	receipt, err := retry.DoCtx(waitCtx, retry.PollConfig(v.cfg.ReceiptPollInterval, 0), nil, nil,
		func(attemptCtx context.Context) (*types.Receipt, error) {
			r, err := v.client.TransactionReceipt(attemptCtx, hash)
			if err == nil && r == nil {
				return nil, ethereum.NotFound
			}
			return r, err
		})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for receipt of %s: %w", hash.Hex(), ctx.Err())
		}
		return nil, fmt.Errorf("%w: no receipt for %s within %s: %w", entity.ErrSubmissionFailure, hash.Hex(), v.cfg.ReceiptTimeout, err)
	}
	return receipt, nil
}

// Alive reports false once an attached sidecar has stopped.
func (v *Venue) Alive() bool {
	if v.router != nil {
		return v.router.Alive()
	}
	return true
}

// Close stops the sidecar and closes the chain client.
func (v *Venue) Close() error {
	v.closeOnce.Do(func() {
		if v.router != nil {
			if err := v.router.Close(); err != nil {
				v.logger.Warn("closing settlement router", "error", err)
			}
		}
		v.client.Close()
	})
	return nil
}

