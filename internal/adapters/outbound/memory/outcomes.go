package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// Compile-time checks
var (
	_ outbound.OutcomePublisher = (*OutcomeSink)(nil)
	_ outbound.RunLocker        = (*RunLock)(nil)
	_ outbound.TradeMetrics     = NopMetrics{}
)

// OutcomeSink records published outcomes for inspection.
type OutcomeSink struct {
	mu       sync.RWMutex
	outcomes []entity.TradeOutcome
	err      error
}

// NewOutcomeSink creates an empty sink.
func NewOutcomeSink() *OutcomeSink {
	return &OutcomeSink{}
}

// SetError makes Publish fail after recording.
func (s *OutcomeSink) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Publish records the outcome.
func (s *OutcomeSink) Publish(_ context.Context, outcome entity.TradeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return s.err
}

// Outcomes returns a copy of everything published.
func (s *OutcomeSink) Outcomes() []entity.TradeOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.TradeOutcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

// RunLock is a process-local RunLocker.
type RunLock struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewRunLock creates an unlocked RunLock.
func NewRunLock() *RunLock {
	return &RunLock{held: make(map[string]bool)}
}

// Acquire marks venue as held or returns entity.ErrBatchInProgress.
func (l *RunLock) Acquire(_ context.Context, venue string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[venue] {
		return nil, fmt.Errorf("%w: %s", entity.ErrBatchInProgress, venue)
	}
	l.held[venue] = true

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, venue)
			l.mu.Unlock()
		})
		return nil
	}, nil
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RecordOutcome(context.Context, string, entity.OutcomeStatus, string) {}
func (NopMetrics) RecordPass(context.Context, string, time.Duration, error)             {}
func (NopMetrics) RecordSidecarReady(context.Context, time.Duration, error)             {}
