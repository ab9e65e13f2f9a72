//go:build integration

package testutil

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/archon-research/stl/stl-trade/db/migrations"
	"github.com/archon-research/stl/stl-trade/db/migrator"
)

// StartPostgres runs a disposable Postgres container and returns a pool
// connected to it. Both are torn down with the test.
func StartPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
		),
	)
	if err != nil {
		t.Fatalf("failed to start container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	t.Cleanup(pool.Close)

	return pool
}

// StartMigratedPostgres is StartPostgres with the embedded schema applied.
func StartMigratedPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool := StartPostgres(t)
	if err := migrator.New(pool, migrations.FS(), nil).ApplyAll(context.Background()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return pool
}
