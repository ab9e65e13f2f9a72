// Package memory provides in-memory implementations of the outbound ports for
// tests and dry runs. All types are safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// Compile-time checks
var (
	_ outbound.AccountStore     = (*AccountStore)(nil)
	_ outbound.AccountCursor    = (*cursor)(nil)
	_ outbound.AlgorithmCatalog = (*AlgorithmCatalog)(nil)
)

type storedAccount struct {
	account entity.LockedAccount
	// decodeErr simulates a record that cannot be turned into an account.
	decodeErr error
}

// AccountStore holds accounts in insertion order.
type AccountStore struct {
	mu       sync.RWMutex
	accounts []storedAccount
	openErr  error
	opened   int
}

// NewAccountStore creates a store seeded with accounts.
func NewAccountStore(accounts ...entity.LockedAccount) *AccountStore {
	s := &AccountStore{}
	for _, a := range accounts {
		s.Add(a)
	}
	return s
}

// Add appends an account.
func (s *AccountStore) Add(account entity.LockedAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append(s.accounts, storedAccount{account: account})
}

// AddUndecodable appends a running record for venue whose decode fails with err.
func (s *AccountStore) AddUndecodable(venue string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append(s.accounts, storedAccount{
		account:   entity.LockedAccount{AccountInfo: entity.AccountInfo{Venue: venue, Status: entity.RunStatusRunning}},
		decodeErr: err,
	})
}

// SetOpenError makes RunningAccounts fail.
func (s *AccountStore) SetOpenError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// Opened reports how many cursors were opened.
func (s *AccountStore) Opened() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opened
}

// RunningAccounts snapshots the running accounts for venue.
func (s *AccountStore) RunningAccounts(ctx context.Context, venue string) (outbound.AccountCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openErr != nil {
		return nil, fmt.Errorf("%w: %w", entity.ErrStoreQueryFailure, s.openErr)
	}
	s.opened++

	var matched []storedAccount
	for _, a := range s.accounts {
		if a.account.Status == entity.RunStatusRunning && a.account.Venue == venue {
			matched = append(matched, a)
		}
	}
	return &cursor{records: matched, pos: -1}, nil
}

type cursor struct {
	records []storedAccount
	pos     int
	err     error
	closed  bool
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = fmt.Errorf("%w: %w", entity.ErrStoreQueryFailure, err)
		return false
	}
	c.pos++
	return c.pos < len(c.records)
}

func (c *cursor) Account() (entity.LockedAccount, error) {
	if c.pos < 0 || c.pos >= len(c.records) {
		return entity.LockedAccount{}, fmt.Errorf("cursor not positioned on a record")
	}
	r := c.records[c.pos]
	if r.decodeErr != nil {
		return entity.LockedAccount{}, r.decodeErr
	}
	return r.account, nil
}

func (c *cursor) Err() error { return c.err }

func (c *cursor) Close(context.Context) error {
	c.closed = true
	return nil
}

// AlgorithmCatalog is a fixed id → name catalog.
type AlgorithmCatalog struct {
	mu    sync.RWMutex
	names map[string]string
	err   error
}

// NewAlgorithmCatalog creates a catalog from algorithms.
func NewAlgorithmCatalog(algorithms ...entity.Algorithm) *AlgorithmCatalog {
	c := &AlgorithmCatalog{names: make(map[string]string, len(algorithms))}
	for _, a := range algorithms {
		c.names[a.ID] = a.Name
	}
	return c
}

// SetError makes AlgorithmNames fail.
func (c *AlgorithmCatalog) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// AlgorithmNames returns a copy of the catalog.
func (c *AlgorithmCatalog) AlgorithmNames(context.Context) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return nil, fmt.Errorf("%w: %w", entity.ErrStoreQueryFailure, c.err)
	}
	out := make(map[string]string, len(c.names))
	for k, v := range c.names {
		out[k] = v
	}
	return out, nil
}
