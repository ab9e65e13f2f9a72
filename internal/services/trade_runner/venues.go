package trade_runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// VenueFactory constructs a venue by name. It is called on first use and
// again whenever the cached venue reports it is no longer alive.
type VenueFactory func(ctx context.Context, name string) (outbound.TradeVenue, error)

// venueRegistry caches one venue per name across passes so the settlement
// sidecar is spawned once, not once per trigger. Building a venue can wait on
// sidecar readiness, so builds hold only their own name's slot.
type venueRegistry struct {
	factory VenueFactory
	logger  *slog.Logger

	mu     sync.Mutex
	slots  map[string]*venueSlot
	closed bool
}

// venueSlot serializes builds and lookups for one venue name.
type venueSlot struct {
	mu    sync.Mutex
	venue outbound.TradeVenue
}

var errRegistryClosed = errors.New("venue registry is closed")

func newVenueRegistry(factory VenueFactory, logger *slog.Logger) *venueRegistry {
	return &venueRegistry{
		factory: factory,
		logger:  logger,
		slots:   make(map[string]*venueSlot),
	}
}

func (r *venueRegistry) slot(name string) (*venueSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRegistryClosed
	}
	s, ok := r.slots[name]
	if !ok {
		s = &venueSlot{}
		r.slots[name] = s
	}
	return s, nil
}

func (r *venueRegistry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// get returns the cached venue or builds a new one, replacing a dead one.
func (r *venueRegistry) get(ctx context.Context, name string) (outbound.TradeVenue, error) {
	s, err := r.slot(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.venue != nil {
		if s.venue.Alive() {
			return s.venue, nil
		}
		r.logger.Warn("venue no longer alive, rebuilding", "venue", name)
		if err := s.venue.Close(); err != nil {
			r.logger.Warn("failed to close dead venue", "venue", name, "error", err)
		}
		s.venue = nil
	}

	venue, err := r.factory(ctx, name)
	if err != nil {
		return nil, err
	}
	if venue == nil {
		return nil, fmt.Errorf("factory returned no venue for %q", name)
	}
	if r.isClosed() {
		if err := venue.Close(); err != nil {
			r.logger.Warn("failed to close venue built during shutdown", "venue", name, "error", err)
		}
		return nil, errRegistryClosed
	}
	s.venue = venue
	r.logger.Info("venue ready", "venue", name)
	return venue, nil
}

// Close closes every cached venue. Builds in progress finish first and close
// what they built.
func (r *venueRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	slots := r.slots
	r.slots = nil
	r.mu.Unlock()

	var errs []error
	for name, s := range slots {
		s.mu.Lock()
		if s.venue != nil {
			if err := s.venue.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing venue %s: %w", name, err))
			}
			s.venue = nil
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}
