package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/stl-trade/internal/pkg/blockchain"
	"github.com/archon-research/stl/stl-trade/internal/pkg/env"
)

const infuraBaseURL = "https://mainnet.infura.io/v3/"

type cliConfig struct {
	showVersion bool

	rpcURL         string
	chainID        int64
	router         common.Address
	quoter         common.Address
	feeTier        uint32
	slippage       decimal.Decimal
	accountTimeout time.Duration

	walletKey string
	dbURL     string

	signalsURL string

	sidecarEnabled   bool
	sidecarCommand   string
	sidecarWorkDir   string
	sidecarHealthURL string

	httpAddr     string
	defaultVenue string

	redisAddr   string
	queueURL    string
	topicARN    string
	awsRegion   string
	sqsEndpoint string

	otlpEndpoint string
	environment  string
}

func parseConfig(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("trade-runner", flag.ContinueOnError)
	showVersion := fs.Bool("version", false, "Print build information and exit")
	dbURL := fs.String("db", "", "PostgreSQL connection URL")
	rpcURL := fs.String("rpc", "", "Ethereum JSON-RPC URL")
	httpAddr := fs.String("addr", "", "HTTP listen address")
	queueURL := fs.String("queue", "", "SQS trigger queue URL")
	venue := fs.String("venue", "", "Venue used by triggers that name none")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{showVersion: *showVersion}
	if cfg.showVersion {
		return cfg, nil
	}

	required, err := env.Require("ROUTER_ADDRESS", "SIDECAR_WORKDIR", "WALLET_DECRYPTION_KEY")
	if err != nil {
		return cliConfig{}, err
	}

	cfg.dbURL = firstNonEmpty(*dbURL, env.Get("DATABASE_URL", ""))
	if cfg.dbURL == "" {
		return cliConfig{}, fmt.Errorf("database URL not provided (use -db flag or DATABASE_URL env var)")
	}

	cfg.rpcURL = firstNonEmpty(*rpcURL, env.Get("RPC_URL", ""))
	if cfg.rpcURL == "" {
		if secret := env.Get("INFURA_SECRET", ""); secret != "" {
			cfg.rpcURL = infuraBaseURL + secret
		}
	}
	if cfg.rpcURL == "" {
		return cliConfig{}, fmt.Errorf("RPC URL not provided (use -rpc flag, RPC_URL or INFURA_SECRET env var)")
	}

	if cfg.router, err = parseAddress("ROUTER_ADDRESS", required["ROUTER_ADDRESS"]); err != nil {
		return cliConfig{}, err
	}
	if cfg.quoter, err = parseAddress("QUOTER_ADDRESS", env.Get("QUOTER_ADDRESS", blockchain.UniswapV3QuoterAddress)); err != nil {
		return cliConfig{}, err
	}

	if cfg.chainID, err = env.Int("CHAIN_ID", blockchain.MainnetChainID); err != nil {
		return cliConfig{}, err
	}
	feeTier, err := env.Int("FEE_TIER", int64(blockchain.DefaultFeeTier))
	if err != nil {
		return cliConfig{}, err
	}
	if feeTier <= 0 || feeTier > 1_000_000 {
		return cliConfig{}, fmt.Errorf("invalid FEE_TIER %d", feeTier)
	}
	cfg.feeTier = uint32(feeTier)

	slippageBps, err := env.Int("SLIPPAGE_BPS", 50)
	if err != nil {
		return cliConfig{}, err
	}
	if slippageBps < 0 || slippageBps >= 10_000 {
		return cliConfig{}, fmt.Errorf("invalid SLIPPAGE_BPS %d", slippageBps)
	}
	cfg.slippage = decimal.New(slippageBps, -4)

	if cfg.accountTimeout, err = env.Duration("ACCOUNT_TIMEOUT", 5*time.Minute); err != nil {
		return cliConfig{}, err
	}
	if cfg.sidecarEnabled, err = env.Bool("SIDECAR_ENABLED", false); err != nil {
		return cliConfig{}, err
	}

	cfg.walletKey = required["WALLET_DECRYPTION_KEY"]
	cfg.sidecarWorkDir = required["SIDECAR_WORKDIR"]
	cfg.sidecarCommand = env.Get("SIDECAR_COMMAND", "node")
	cfg.sidecarHealthURL = env.Get("SIDECAR_HEALTH_URL", "")
	cfg.signalsURL = env.Get("ALGORITHM_SERVER_URI", "http://127.0.0.1:5000")
	cfg.httpAddr = firstNonEmpty(*httpAddr, env.Get("HTTP_ADDR", ":8080"))
	cfg.defaultVenue = firstNonEmpty(*venue, env.Get("DEFAULT_VENUE", "uniswap"))
	cfg.redisAddr = env.Get("REDIS_ADDR", "")
	cfg.queueURL = firstNonEmpty(*queueURL, env.Get("AWS_SQS_QUEUE_URL", ""))
	cfg.topicARN = env.Get("AWS_SNS_TOPIC_ARN", "")
	cfg.awsRegion = env.Get("AWS_REGION", "eu-west-1")
	cfg.sqsEndpoint = env.Get("AWS_SQS_ENDPOINT", "")
	cfg.otlpEndpoint = env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.environment = env.Get("ENVIRONMENT", "development")

	return cfg, nil
}

func parseAddress(key, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid %s %q", key, raw)
	}
	return common.HexToAddress(raw), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
