package sidecar

import (
	"errors"
	"log/slog"
	"time"

	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// Default configuration values for process supervision.
const (
	defaultCommand        = "node"
	defaultHealthURL      = "http://localhost:6278/ping"
	defaultReadyTimeout   = 30 * time.Second
	defaultAttemptTimeout = 5 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
	defaultKillWait       = 5 * time.Second
	defaultDirectiveQueue = 16
	maxDirectiveLineBytes = 1 << 20
)

// Config holds the configuration for the settlement sidecar.
type Config struct {
	// Command is the executable to run. Defaults to "node".
	Command string

	// Args are passed before the RPC URL and chain id.
	// Example: []string{"transaction-router/"}
	Args []string

	// WorkDir is the directory the process runs in. Required.
	WorkDir string

	// Env is appended to the parent environment.
	Env []string

	// RPCURL and ChainID are appended as the last two arguments.
	RPCURL  string
	ChainID int64

	// HealthURL is polled until it answers 2xx.
	// Defaults to http://localhost:6278/ping.
	HealthURL string

	// ReadyTimeout is the outer readiness deadline. Defaults to 30s.
	ReadyTimeout time.Duration

	// AttemptTimeout bounds one health request. Defaults to 5s.
	AttemptTimeout time.Duration

	// PollInterval is the fixed wait between health requests. Defaults to 500ms.
	PollInterval time.Duration

	// KillWait is how long Close waits for the process to be reaped.
	KillWait time.Duration

	// Metrics records readiness wait time. Optional.
	Metrics outbound.TradeMetrics

	// Logger receives lifecycle events and forwarded stderr.
	Logger *slog.Logger
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return errors.New("WorkDir is required")
	}
	if c.RPCURL == "" {
		return errors.New("RPCURL is required")
	}
	if c.ChainID <= 0 {
		return errors.New("ChainID must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Command == "" {
		c.Command = defaultCommand
	}
	if c.HealthURL == "" {
		c.HealthURL = defaultHealthURL
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.KillWait == 0 {
		c.KillWait = defaultKillWait
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
