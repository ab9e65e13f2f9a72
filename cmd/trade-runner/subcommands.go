package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/archon-research/stl/stl-trade/db/migrations"
	"github.com/archon-research/stl/stl-trade/db/migrator"
	"github.com/archon-research/stl/stl-trade/internal/adapters/outbound/postgres"
	"github.com/archon-research/stl/stl-trade/internal/pkg/env"
	"github.com/archon-research/stl/stl-trade/internal/pkg/vault"
)

// runSeal reads a hex private key from stdin and prints the account address
// and the encrypted blob to store for it.
func runSeal(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("trade-runner seal", flag.ContinueOnError)
	keyHex := fs.String("key", "", "Hex AES key (defaults to WALLET_DECRYPTION_KEY)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *keyHex == "" {
		values, err := env.Require("WALLET_DECRYPTION_KEY")
		if err != nil {
			return err
		}
		*keyHex = values["WALLET_DECRYPTION_KEY"]
	}
	v := vault.New(*keyHex)
	if err := v.Check(); err != nil {
		return err
	}

	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading private key: %w", err)
	}
	secret := strings.TrimPrefix(strings.TrimSpace(line), "0x")
	if secret == "" {
		return fmt.Errorf("no private key on stdin")
	}

	key, err := crypto.HexToECDSA(secret)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}

	sealed, err := v.Encrypt([]byte(secret))
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "address: %s\nencrypted_key: %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex(), sealed)
	return nil
}

func runMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trade-runner migrate", flag.ContinueOnError)
	dbURL := fs.String("db", "", "PostgreSQL connection URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	url := firstNonEmpty(*dbURL, env.Get("DATABASE_URL", ""))
	if url == "" {
		return fmt.Errorf("database URL not provided (use -db flag or DATABASE_URL env var)")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))

	pool, err := postgres.OpenPool(ctx, postgres.DefaultDBConfig(url))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := migrator.New(pool, migrations.FS(), logger).ApplyAll(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("all migrations up to date")
	return nil
}
