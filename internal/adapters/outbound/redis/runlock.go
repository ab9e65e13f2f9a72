// Package redis provides a Redis implementation of the RunLocker port.
//
// Each venue has one lock key holding a random token. The key expires after
// the lease TTL so a crashed holder never blocks a venue forever, and release
// only deletes the key when the token still matches.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// Compile-time check that RunLock implements outbound.RunLocker.
var _ outbound.RunLocker = (*RunLock)(nil)

// Config holds Redis lock configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// TTL is the lease; it must exceed the longest expected pass.
	TTL time.Duration
	// KeyPrefix is prepended to all lock keys
	KeyPrefix string
}

// ConfigDefaults returns defaults for the run lock.
func ConfigDefaults() Config {
	return Config{
		Addr:      "localhost:6379",
		TTL:       15 * time.Minute,
		KeyPrefix: "stl-trade",
	}
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock serializes batch passes per venue across processes.
type RunLock struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
	logger    *slog.Logger
}

// NewRunLock creates a new Redis run lock.
func NewRunLock(cfg Config, logger *slog.Logger) (*RunLock, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	defaults := ConfigDefaults()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if logger == nil {
		logger = slog.Default()
	}

	return &RunLock{
		client:    client,
		ttl:       cfg.TTL,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger.With("component", "redis-runlock"),
	}, nil
}

// Ping checks the Redis connection.
func (l *RunLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (l *RunLock) Close() error {
	return l.client.Close()
}

// key generates a lock key in the format prefix:runlock:venue
func (l *RunLock) key(venue string) string {
	return fmt.Sprintf("%s:runlock:%s", l.keyPrefix, venue)
}

// Acquire takes the venue lock or returns entity.ErrBatchInProgress.
func (l *RunLock) Acquire(ctx context.Context, venue string) (func(context.Context) error, error) {
	key := l.key(venue)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock for %s: %w", venue, err)
	}
	if !ok {
		holder, _ := l.client.PTTL(ctx, key).Result()
		return nil, fmt.Errorf("%w: %s (lease expires in %s)", entity.ErrBatchInProgress, venue, holder)
	}
	l.logger.Debug("run lock acquired", "venue", venue, "ttl", l.ttl)

	release := func(ctx context.Context) error {
		deleted, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("releasing run lock for %s: %w", venue, err)
		}
		if deleted == 0 {
			l.logger.Warn("run lock expired before release", "venue", venue, "ttl", l.ttl)
		}
		return nil
	}
	return release, nil
}
