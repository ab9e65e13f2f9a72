//go:build integration

package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
)

// setupRedis creates a Redis container and returns a connected RunLock.
func setupRedis(t *testing.T, ttl time.Duration) *RunLock {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	lock, err := NewRunLock(Config{
		Addr:      fmt.Sprintf("%s:%s", host, port.Port()),
		TTL:       ttl,
		KeyPrefix: "test",
	}, nil)
	if err != nil {
		t.Fatalf("failed to create run lock: %v", err)
	}
	t.Cleanup(func() { _ = lock.Close() })

	for i := 0; i < 30; i++ {
		if err := lock.Ping(ctx); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	return lock
}

func TestRunLock_ExclusiveUntilReleased(t *testing.T) {
	lock := setupRedis(t, time.Minute)
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "uniswap")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := lock.Acquire(ctx, "uniswap"); !errors.Is(err, entity.ErrBatchInProgress) {
		t.Fatalf("expected ErrBatchInProgress, got %v", err)
	}

	other, err := lock.Acquire(ctx, "sushiswap")
	if err != nil {
		t.Fatalf("expected independent venues, got %v", err)
	}
	_ = other(ctx)

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := lock.Acquire(ctx, "uniswap")
	if err != nil {
		t.Fatalf("expected lock to be free after release, got %v", err)
	}
	_ = again(ctx)
}

func TestRunLock_StaleReleaseDoesNotStealLock(t *testing.T) {
	lock := setupRedis(t, 200*time.Millisecond)
	ctx := context.Background()

	stale, err := lock.Acquire(ctx, "uniswap")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(400 * time.Millisecond)

	current, err := lock.Acquire(ctx, "uniswap")
	if err != nil {
		t.Fatalf("expected expired lease to be reacquirable, got %v", err)
	}
	defer current(ctx)

	if err := stale(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, err := lock.Acquire(ctx, "uniswap"); !errors.Is(err, entity.ErrBatchInProgress) {
		t.Errorf("stale release must not free the current holder, got %v", err)
	}
}
