//go:build integration

package migrator_test

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/archon-research/stl/stl-trade/db/migrations"
	"github.com/archon-research/stl/stl-trade/db/migrator"
	"github.com/archon-research/stl/stl-trade/internal/testutil"
)

func TestMigrator_ApplyAll(t *testing.T) {
	ctx := context.Background()
	pool := testutil.StartPostgres(t)

	m := migrator.New(pool, migrations.FS(), nil)
	if err := m.ApplyAll(ctx); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	applied, err := m.ListApplied(ctx)
	if err != nil {
		t.Fatalf("failed to list migrations: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("no migrations were applied")
	}

	if err := m.ApplyAll(ctx); err != nil {
		t.Fatalf("second ApplyAll failed: %v", err)
	}
	again, err := m.ListApplied(ctx)
	if err != nil {
		t.Fatalf("failed to list migrations: %v", err)
	}
	if len(again) != len(applied) {
		t.Fatalf("migration count changed: expected %d, got %d", len(applied), len(again))
	}
}

func TestMigrator_VerifySchema(t *testing.T) {
	ctx := context.Background()
	pool := testutil.StartPostgres(t)

	if err := migrator.New(pool, migrations.FS(), nil).ApplyAll(ctx); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	for _, tableName := range []string{"migrations", "algorithm", "account"} {
		var exists bool
		err := pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = 'public'
				AND table_name = $1
			)`, tableName).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", tableName, err)
		}
		if !exists {
			t.Errorf("expected table %s does not exist", tableName)
		}
	}
}

func TestMigrator_ChecksumVerification(t *testing.T) {
	ctx := context.Background()
	pool := testutil.StartPostgres(t)

	original := fstest.MapFS{
		"001_widgets.sql": {Data: []byte("CREATE TABLE widgets (id INT);")},
	}
	if err := migrator.New(pool, original, nil).ApplyAll(ctx); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	edited := fstest.MapFS{
		"001_widgets.sql": {Data: []byte("CREATE TABLE widgets (id BIGINT);")},
	}
	err := migrator.New(pool, edited, nil).ApplyAll(ctx)
	if !errors.Is(err, migrator.ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestMigrator_FailedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	pool := testutil.StartPostgres(t)

	broken := fstest.MapFS{
		"001_broken.sql": {Data: []byte("CREATE TABLE half (id INT); SELECT * FROM missing_table;")},
	}
	m := migrator.New(pool, broken, nil)
	if err := m.ApplyAll(ctx); err == nil {
		t.Fatal("expected failure for broken migration")
	}

	applied, err := m.ListApplied(ctx)
	if err != nil {
		t.Fatalf("failed to list migrations: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected nothing recorded, got %v", applied)
	}

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'half')`).Scan(&exists); err != nil {
		t.Fatalf("query: %v", err)
	}
	if exists {
		t.Error("expected partial migration to be rolled back")
	}
}
