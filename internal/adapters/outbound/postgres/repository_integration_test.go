//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/testutil"
)

func testAccount(t *testing.T, id string, addr byte, status entity.RunStatus, venue string) entity.LockedAccount {
	t.Helper()
	account, err := entity.NewLockedAccount(entity.AccountInfo{
		ID:        id,
		Address:   common.BytesToAddress([]byte{addr}),
		Algorithm: "algo-1",
		Status:    status,
		Venue:     venue,
		Pair:      entity.Pair{Base: "USDC", Other: "WETH"},
		Interval:  15,
	}, "00:00")
	if err != nil {
		t.Fatalf("NewLockedAccount: %v", err)
	}
	return account
}

func TestAccountRepository_RunningAccounts(t *testing.T) {
	ctx := context.Background()
	pool := testutil.StartMigratedPostgres(t)

	repo, err := NewAccountRepository(pool, nil)
	if err != nil {
		t.Fatalf("NewAccountRepository: %v", err)
	}

	seed := []entity.LockedAccount{
		testAccount(t, "a1", 1, entity.RunStatusRunning, "uniswap"),
		testAccount(t, "a2", 2, entity.RunStatusPaused, "uniswap"),
		testAccount(t, "a3", 3, entity.RunStatusRunning, "sushiswap"),
		testAccount(t, "a4", 4, entity.RunStatusRunning, "uniswap"),
	}
	for _, a := range seed {
		if err := repo.Upsert(ctx, a); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	cursor, err := repo.RunningAccounts(ctx, "uniswap")
	if err != nil {
		t.Fatalf("RunningAccounts: %v", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		account, err := cursor.Account()
		if err != nil {
			t.Fatalf("Account: %v", err)
		}
		if account.Pair != (entity.Pair{Base: "USDC", Other: "WETH"}) || account.Interval != 15 {
			t.Errorf("unexpected account fields: %+v", account.AccountInfo)
		}
		if account.EncryptedKey != "00:00" {
			t.Errorf("unexpected encrypted key %q", account.EncryptedKey)
		}
		ids = append(ids, account.ID)
	}
	if err := cursor.Err(); err != nil {
		t.Fatalf("cursor error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a1" || ids[1] != "a4" {
		t.Errorf("expected [a1 a4], got %v", ids)
	}
}

func TestAccountRepository_BadRowFailsOnlyItself(t *testing.T) {
	ctx := context.Background()
	pool := testutil.StartMigratedPostgres(t)

	repo, _ := NewAccountRepository(pool, nil)
	if err := repo.Upsert(ctx, testAccount(t, "a1", 1, entity.RunStatusRunning, "uniswap")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO account (id, address, encrypted_key, algorithm_id, status, venue, pair)
		VALUES ('a2', $1, 'x:y', 'algo-1', 'running', 'uniswap', 'not a pair')`,
		common.BytesToAddress([]byte{2}).Bytes()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.Upsert(ctx, testAccount(t, "a3", 3, entity.RunStatusRunning, "uniswap")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	cursor, err := repo.RunningAccounts(ctx, "uniswap")
	if err != nil {
		t.Fatalf("RunningAccounts: %v", err)
	}
	defer cursor.Close(ctx)

	var good, bad int
	for cursor.Next(ctx) {
		if _, err := cursor.Account(); err != nil {
			bad++
			continue
		}
		good++
	}
	if err := cursor.Err(); err != nil {
		t.Fatalf("cursor error: %v", err)
	}
	if good != 2 || bad != 1 {
		t.Errorf("expected 2 good and 1 bad, got %d and %d", good, bad)
	}
}

func TestAccountRepository_CancelledContext(t *testing.T) {
	pool := testutil.StartMigratedPostgres(t)
	repo, _ := NewAccountRepository(pool, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.RunningAccounts(ctx, "uniswap")
	if !errors.Is(err, entity.ErrStoreQueryFailure) {
		t.Fatalf("expected ErrStoreQueryFailure, got %v", err)
	}
}

func TestAlgorithmRepository_AlgorithmNames(t *testing.T) {
	ctx := context.Background()
	pool := testutil.StartMigratedPostgres(t)

	repo, err := NewAlgorithmRepository(pool, 0)
	if err != nil {
		t.Fatalf("NewAlgorithmRepository: %v", err)
	}
	for _, a := range []entity.Algorithm{{ID: "algo-1", Name: "momentum"}, {ID: "algo-2", Name: "mean-revert"}} {
		if err := repo.UpsertAlgorithm(ctx, a); err != nil {
			t.Fatalf("UpsertAlgorithm: %v", err)
		}
	}
	if err := repo.UpsertAlgorithm(ctx, entity.Algorithm{ID: "algo-2", Name: "mean-reversion"}); err != nil {
		t.Fatalf("rename: %v", err)
	}

	names, err := repo.AlgorithmNames(ctx)
	if err != nil {
		t.Fatalf("AlgorithmNames: %v", err)
	}
	if len(names) != 2 || names["algo-1"] != "momentum" || names["algo-2"] != "mean-reversion" {
		t.Errorf("unexpected catalog: %v", names)
	}
}
