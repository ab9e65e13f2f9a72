// Package main runs the trade runner: an HTTP front door (/price_update and
// health probes) and, when a queue is configured, an SQS trigger worker. Both
// drive the same batch runner, so passes for a venue never overlap.
//
// Subcommands:
//
//	trade-runner seal      encrypt a private key read from stdin for the account store
//	trade-runner migrate   apply the database migrations
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/archon-research/stl/stl-trade/internal/adapters/inbound/http"
	"github.com/archon-research/stl/stl-trade/internal/adapters/outbound/postgres"
	"github.com/archon-research/stl/stl-trade/internal/adapters/outbound/redis"
	"github.com/archon-research/stl/stl-trade/internal/adapters/outbound/sidecar"
	"github.com/archon-research/stl/stl-trade/internal/adapters/outbound/signals"
	snsadapter "github.com/archon-research/stl/stl-trade/internal/adapters/outbound/sns"
	sqsadapter "github.com/archon-research/stl/stl-trade/internal/adapters/outbound/sqs"
	"github.com/archon-research/stl/stl-trade/internal/adapters/outbound/telemetry"
	"github.com/archon-research/stl/stl-trade/internal/adapters/outbound/uniswap"
	"github.com/archon-research/stl/stl-trade/internal/pkg/env"
	"github.com/archon-research/stl/stl-trade/internal/pkg/vault"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
	"github.com/archon-research/stl/stl-trade/internal/services/trade_runner"
	"github.com/archon-research/stl/stl-trade/internal/services/trigger_worker"
)

const serviceName = "stl-trade"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if err := env.LoadDotEnv(); err != nil {
		return err
	}

	if len(args) > 0 {
		switch args[0] {
		case "seal":
			return runSeal(args[1:], stdin, stdout)
		case "migrate":
			return runMigrate(ctx, args[1:])
		}
	}

	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}
	if cfg.showVersion {
		fmt.Fprintln(stdout, versionString())
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)
	logger.Info("starting trade runner", "version", version, "venue", cfg.defaultVenue, "chainId", cfg.chainID)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.environment,
		OTLPEndpoint:   cfg.otlpEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("flushing telemetry", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(serviceName)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	v := vault.New(cfg.walletKey)
	if err := v.Check(); err != nil {
		return fmt.Errorf("WALLET_DECRYPTION_KEY: %w", err)
	}

	dbCfg := postgres.DefaultDBConfig(cfg.dbURL)
	dbCfg.Logger = logger
	pool, err := postgres.OpenPool(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()
	logger.Info("PostgreSQL connected")

	accounts, err := postgres.NewAccountRepository(pool, logger)
	if err != nil {
		return fmt.Errorf("creating account repository: %w", err)
	}
	algorithms, err := postgres.NewAlgorithmRepository(pool, postgres.DefaultRepositoryConfig().QueryTimeout)
	if err != nil {
		return fmt.Errorf("creating algorithm repository: %w", err)
	}

	signalClient, err := signals.NewClient(signals.Config{BaseURL: cfg.signalsURL, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating signal client: %w", err)
	}

	runnerCfg := trade_runner.Config{
		FeeTier:        cfg.feeTier,
		Slippage:       cfg.slippage,
		AccountTimeout: cfg.accountTimeout,
		Metrics:        metrics,
		Logger:         logger,
	}

	if cfg.redisAddr != "" {
		lock, err := redis.NewRunLock(redis.Config{Addr: cfg.redisAddr}, logger)
		if err != nil {
			return fmt.Errorf("creating run lock: %w", err)
		}
		defer lock.Close()
		if err := lock.Ping(ctx); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		runnerCfg.Locker = lock
		logger.Info("distributed run lock enabled", "addr", cfg.redisAddr)
	}

	var awsCfg aws.Config
	if cfg.queueURL != "" || cfg.topicARN != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.awsRegion))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
	}

	if cfg.topicARN != "" {
		publisher, err := snsadapter.NewOutcomePublisher(awssns.NewFromConfig(awsCfg), snsadapter.Config{
			TopicARN: cfg.topicARN,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("creating outcome publisher: %w", err)
		}
		defer publisher.Close()
		runnerCfg.Publisher = publisher
		logger.Info("publishing trade outcomes", "topic", cfg.topicARN)
	}

	runner, err := trade_runner.NewService(runnerCfg, accounts, algorithms, signalClient, venueFactory(cfg, v, metrics, logger))
	if err != nil {
		return fmt.Errorf("creating batch runner: %w", err)
	}
	defer func() {
		if err := runner.Close(); err != nil {
			logger.Warn("closing venues", "error", err)
		}
	}()

	var shuttingDown atomic.Bool
	server := httpadapter.NewServer(
		httpadapter.ServerConfig{Addr: cfg.httpAddr, Logger: logger},
		runner,
		&shuttingDown,
		httpadapter.NewTriggerHandler(runner, cfg.defaultVenue, logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(gctx) })

	if cfg.queueURL != "" {
		var sqsOptFns []func(*sqs.Options)
		if cfg.sqsEndpoint != "" {
			sqsOptFns = append(sqsOptFns, func(o *sqs.Options) {
				o.BaseEndpoint = aws.String(cfg.sqsEndpoint)
			})
		}
		consumer, err := sqsadapter.NewConsumerWithOptions(awsCfg, sqsadapter.Config{QueueURL: cfg.queueURL}, logger, sqsOptFns...)
		if err != nil {
			return fmt.Errorf("creating SQS consumer: %w", err)
		}
		worker, err := trigger_worker.NewService(trigger_worker.Config{
			DefaultVenue: cfg.defaultVenue,
			Logger:       logger,
		}, consumer, runner)
		if err != nil {
			return fmt.Errorf("creating trigger worker: %w", err)
		}
		g.Go(func() error {
			if err := worker.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return worker.Stop()
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// venueFactory dials a fresh node connection per venue construction so a
// venue rebuilt after its sidecar died does not share a closed client.
func venueFactory(cfg cliConfig, v *vault.Vault, metrics outbound.TradeMetrics, logger *slog.Logger) trade_runner.VenueFactory {
	return func(ctx context.Context, name string) (outbound.TradeVenue, error) {
		if name != "uniswap" {
			return nil, fmt.Errorf("unknown venue %q", name)
		}

		client, err := ethclient.DialContext(ctx, cfg.rpcURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to Ethereum node: %w", err)
		}

		venue, err := uniswap.New(ctx, uniswap.Config{
			Name:           name,
			ChainID:        cfg.chainID,
			RPCURL:         cfg.rpcURL,
			Router:         cfg.router,
			Quoter:         cfg.quoter,
			FeeTier:        cfg.feeTier,
			Slippage:       cfg.slippage,
			SidecarEnabled: cfg.sidecarEnabled,
			Sidecar: sidecar.Config{
				Command:   cfg.sidecarCommand,
				WorkDir:   cfg.sidecarWorkDir,
				HealthURL: cfg.sidecarHealthURL,
			},
			Metrics: metrics,
			Logger:  logger,
		}, client, v, nil)
		if err != nil {
			client.Close()
			return nil, err
		}
		return venue, nil
	}
}

func versionString() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return fmt.Sprintf("trade-runner %s", version)
	}
	revision := "unknown"
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			revision = s.Value
		}
	}
	return fmt.Sprintf("trade-runner %s (%s, %s)", version, revision, info.GoVersion)
}
