package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// Compile-time checks that the repositories implement their ports.
var (
	_ outbound.AccountStore     = (*AccountRepository)(nil)
	_ outbound.AccountCursor    = (*accountCursor)(nil)
	_ outbound.AlgorithmCatalog = (*AlgorithmRepository)(nil)
)

const selectRunningAccounts = `
	SELECT id, address, encrypted_key, algorithm_id, status, venue, pair, signal_interval
	FROM account
	WHERE status = $1 AND venue = $2
	ORDER BY created_at, id`

// AccountRepository is a PostgreSQL implementation of the outbound.AccountStore port.
type AccountRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewAccountRepository creates a new PostgreSQL account repository.
func NewAccountRepository(pool *pgxpool.Pool, logger *slog.Logger) (*AccountRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountRepository{pool: pool, logger: logger.With("component", "account-repository")}, nil
}

// RunningAccounts streams running accounts for venue in creation order.
func (r *AccountRepository) RunningAccounts(ctx context.Context, venue string) (outbound.AccountCursor, error) {
	rows, err := r.pool.Query(ctx, selectRunningAccounts, string(entity.RunStatusRunning), venue)
	if err != nil {
		return nil, fmt.Errorf("%w: opening account cursor for %s: %v", entity.ErrStoreQueryFailure, venue, err)
	}
	return &accountCursor{rows: rows}, nil
}

// Upsert inserts or replaces an account. Used by operator tooling and tests.
func (r *AccountRepository) Upsert(ctx context.Context, account entity.LockedAccount) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO account (id, address, encrypted_key, algorithm_id, status, venue, pair, signal_interval, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address,
			encrypted_key = EXCLUDED.encrypted_key,
			algorithm_id = EXCLUDED.algorithm_id,
			status = EXCLUDED.status,
			venue = EXCLUDED.venue,
			pair = EXCLUDED.pair,
			signal_interval = EXCLUDED.signal_interval,
			updated_at = NOW()`,
		account.ID, account.Address.Bytes(), account.EncryptedKey, account.Algorithm,
		string(account.Status), account.Venue, account.Pair.String(), account.Interval)
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", account.AddressHex(), err)
	}
	return nil
}

// accountCursor wraps pgx.Rows. Rows are decoded lazily so one bad record
// fails only itself.
type accountCursor struct {
	rows pgx.Rows
	err  error
}

func (c *accountCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		c.rows.Close()
		return false
	}
	return c.rows.Next()
}

func (c *accountCursor) Account() (entity.LockedAccount, error) {
	var (
		id, encryptedKey, algorithm, status, venue, pair string
		address                                          []byte
		interval                                         int
	)
	if err := c.rows.Scan(&id, &address, &encryptedKey, &algorithm, &status, &venue, &pair, &interval); err != nil {
		return entity.LockedAccount{}, fmt.Errorf("scanning account row: %w", err)
	}
	if len(address) != common.AddressLength {
		return entity.LockedAccount{}, fmt.Errorf("account %s: address has %d bytes", id, len(address))
	}
	parsedPair, err := entity.ParsePair(pair)
	if err != nil {
		return entity.LockedAccount{}, fmt.Errorf("account %s: %w", id, err)
	}

	return entity.NewLockedAccount(entity.AccountInfo{
		ID:        id,
		Address:   common.BytesToAddress(address),
		Algorithm: algorithm,
		Status:    entity.RunStatus(status),
		Venue:     venue,
		Pair:      parsedPair,
		Interval:  interval,
	}, encryptedKey)
}

func (c *accountCursor) Err() error {
	err := c.err
	if err == nil {
		err = c.rows.Err()
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", entity.ErrStoreQueryFailure, err)
	}
	return fmt.Errorf("%w: iterating accounts: %v", entity.ErrStoreQueryFailure, err)
}

func (c *accountCursor) Close(context.Context) error {
	c.rows.Close()
	return nil
}

// AlgorithmRepository is a PostgreSQL implementation of the outbound.AlgorithmCatalog port.
type AlgorithmRepository struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewAlgorithmRepository creates a new PostgreSQL algorithm catalog.
// A queryTimeout <= 0 uses the default from DefaultRepositoryConfig().
func NewAlgorithmRepository(pool *pgxpool.Pool, queryTimeout time.Duration) (*AlgorithmRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	if queryTimeout <= 0 {
		queryTimeout = DefaultRepositoryConfig().QueryTimeout
	}
	return &AlgorithmRepository{pool: pool, queryTimeout: queryTimeout}, nil
}

// AlgorithmNames loads the full id → name catalog.
func (r *AlgorithmRepository) AlgorithmNames(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT id, name FROM algorithm`)
	if err != nil {
		return nil, fmt.Errorf("%w: loading algorithms: %v", entity.ErrStoreQueryFailure, err)
	}
	names, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.Algorithm, error) {
		var a entity.Algorithm
		err := row.Scan(&a.ID, &a.Name)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scanning algorithms: %v", entity.ErrStoreQueryFailure, err)
	}

	catalog := make(map[string]string, len(names))
	for _, a := range names {
		catalog[a.ID] = a.Name
	}
	return catalog, nil
}

// UpsertAlgorithm inserts or renames a catalog entry.
func (r *AlgorithmRepository) UpsertAlgorithm(ctx context.Context, algorithm entity.Algorithm) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO algorithm (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		algorithm.ID, algorithm.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert algorithm %s: %w", algorithm.ID, err)
	}
	return nil
}
