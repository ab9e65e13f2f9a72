// Package sidecar supervises the external settlement process that turns venue
// transactions into router calldata.
//
// The process is started as "<command> <args...> <rpc_url> <chain_id>". The
// host writes one JSON transaction per line to its stdin and reads
// "hex_calldata:hex_value" directives from its stdout. Stderr is forwarded to
// the logger. Readiness is established by polling an HTTP health endpoint.
package sidecar

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/pkg/retry"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// State is the supervision state of the process.
type State int32

const (
	NotStarted State = iota
	Starting
	Ready
	Running
	Degraded
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Compile-time check that Sidecar implements outbound.SettlementRouter.
var _ outbound.SettlementRouter = (*Sidecar)(nil)

// Sidecar is a running settlement process.
type Sidecar struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	cmd   *exec.Cmd
	stdin io.WriteCloser

	state      atomic.Int32
	closing    atomic.Bool
	directives chan entity.SidecarEntry
	// done is closed once the process has exited and been reaped.
	done chan struct{}

	// pendingMu orders directive delivery against abandoned requests.
	// abandoned counts pushed requests whose caller stopped waiting before
	// their directive arrived; that many directives are discarded.
	pendingMu sync.Mutex
	abandoned int

	writeMu   sync.Mutex
	routeMu   sync.Mutex
	closeOnce sync.Once
}

func newSidecar(cfg Config) *Sidecar {
	cfg.applyDefaults()
	return &Sidecar{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "settlement-sidecar"),
		httpClient: &http.Client{},
		directives: make(chan entity.SidecarEntry, defaultDirectiveQueue),
		done:       make(chan struct{}),
	}
}

// Start spawns the process and blocks until it is ready. If readiness fails
// the process is killed before Start returns.
func Start(ctx context.Context, cfg Config) (*Sidecar, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sidecar config: %w", err)
	}

	s := newSidecar(cfg)
	if err := s.spawn(); err != nil {
		return nil, err
	}
	if err := s.WaitForReady(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sidecar) spawn() error {
	args := append(append([]string{}, s.cfg.Args...), s.cfg.RPCURL, strconv.FormatInt(s.cfg.ChainID, 10))
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	fail := func(err error) error {
		s.state.Store(int32(Stopped))
		close(s.done)
		return fmt.Errorf("%w: %s: %v", entity.ErrSidecarSpawnFailure, s.cfg.Command, err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(err)
	}

	s.state.Store(int32(Starting))
	if err := cmd.Start(); err != nil {
		return fail(err)
	}
	s.cmd = cmd
	s.stdin = stdin

	s.logger.Info("sidecar started",
		"pid", cmd.Process.Pid,
		"command", s.cfg.Command,
		"workDir", s.cfg.WorkDir,
		"chainId", s.cfg.ChainID,
	)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readDirectives(stdout)
	}()
	go func() {
		defer readers.Done()
		s.forwardStderr(stderr)
	}()
	go func() {
		// Wait must follow the pipe readers so no output is lost.
		readers.Wait()
		err := cmd.Wait()
		s.state.Store(int32(Stopped))
		if !s.closing.Load() {
			s.logger.Error("sidecar exited unexpectedly", "error", err)
		} else {
			s.logger.Info("sidecar stopped")
		}
		close(s.done)
	}()

	return nil
}

// WaitForReady polls the health endpoint until it answers 2xx. The outer
// ReadyTimeout also interrupts an in-flight attempt. Expiry returns
// entity.ErrSidecarReadinessTimeout.
func (s *Sidecar) WaitForReady(ctx context.Context) error {
	start := time.Now()
	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	isRetryable := func(err error) bool {
		return !errors.Is(err, entity.ErrSidecarStopped)
	}
	onRetry := func(attempt int, err error, backoff time.Duration) {
		if attempt%10 == 1 {
			s.logger.Debug("sidecar not ready yet", "attempt", attempt, "error", err)
		}
	}

	_, err := retry.DoCtx(readyCtx, retry.PollConfig(s.cfg.PollInterval, s.cfg.AttemptTimeout), isRetryable, onRetry,
		func(attemptCtx context.Context) (struct{}, error) {
			return struct{}{}, s.ping(attemptCtx)
		})
	wait := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(err, entity.ErrSidecarStopped):
		case ctx.Err() != nil:
			err = fmt.Errorf("waiting for sidecar: %w", ctx.Err())
		default:
			err = fmt.Errorf("%w after %s: %w", entity.ErrSidecarReadinessTimeout, s.cfg.ReadyTimeout, err)
		}
		s.logger.Error("sidecar readiness failed", "wait", wait, "error", err)
		s.recordReady(ctx, wait, err)
		return err
	}

	s.state.CompareAndSwap(int32(Starting), int32(Ready))
	s.logger.Info("sidecar ready", "wait", wait)
	s.recordReady(ctx, wait, nil)
	return nil
}

func (s *Sidecar) recordReady(ctx context.Context, wait time.Duration, err error) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSidecarReady(ctx, wait, err)
	}
}

func (s *Sidecar) ping(ctx context.Context) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w before becoming ready", entity.ErrSidecarStopped)
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Push writes one transaction as a JSON line to the process.
func (s *Sidecar) Push(ctx context.Context, tx *entity.VenueTransaction) error {
	if st := s.State(); st == Stopped || st == NotStarted {
		return fmt.Errorf("%w: state %s", entity.ErrSidecarStopped, st)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encoding venue transaction: %w", err)
	}
	payload = append(payload, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", entity.ErrChannelWriteFailure, err)
	}
	return nil
}

// Route pushes tx and waits for its decoded directive. Only one request is in
// flight at a time, so directives pair with requests in order. A request
// abandoned on ctx expiry still consumes the next directive the process
// emits, so a late reply is never handed to the following caller.
func (s *Sidecar) Route(ctx context.Context, tx *entity.VenueTransaction) (entity.SidecarEntry, error) {
	s.routeMu.Lock()
	defer s.routeMu.Unlock()

	s.drainStale()
	if err := s.Push(ctx, tx); err != nil {
		return entity.SidecarEntry{}, err
	}

	select {
	case entry := <-s.directives:
		s.markActive(Running)
		return entry, nil
	case <-s.done:
		select {
		case entry := <-s.directives:
			return entry, nil
		default:
		}
		return entity.SidecarEntry{}, fmt.Errorf("%w while awaiting directive", entity.ErrSidecarStopped)
	case <-ctx.Done():
		s.abandon()
		return entity.SidecarEntry{}, fmt.Errorf("awaiting sidecar directive: %w", ctx.Err())
	}
}

// abandon gives up on the in-flight request. A directive that already
// arrived is dropped here; otherwise the reader drops the next one.
func (s *Sidecar) abandon() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	select {
	case entry := <-s.directives:
		s.logger.Warn("discarding directive for abandoned request", "calldataBytes", len(entry.Calldata))
	default:
		s.abandoned++
	}
}

// deliver queues a directive for the waiting request unless it answers one
// that was abandoned.
func (s *Sidecar) deliver(entry entity.SidecarEntry) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.abandoned > 0 {
		s.abandoned--
		s.logger.Warn("discarding directive for abandoned request",
			"calldataBytes", len(entry.Calldata),
			"stillAbandoned", s.abandoned,
		)
		return
	}
	select {
	case s.directives <- entry:
	default:
		s.logger.Warn("directive queue full, dropping directive")
	}
}

// drainStale drops unsolicited directives queued while no request was waiting.
func (s *Sidecar) drainStale() {
	for {
		select {
		case entry := <-s.directives:
			s.logger.Warn("discarding stale directive", "calldataBytes", len(entry.Calldata))
		default:
			return
		}
	}
}

func (s *Sidecar) readDirectives(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxDirectiveLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := DecodeDirective(line)
		if err != nil {
			s.logger.Warn("skipping malformed directive", "error", err, "line", truncate(line, 80))
			s.markActive(Degraded)
			continue
		}
		s.deliver(entry)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("directive reader stopped", "error", err)
	}
}

func (s *Sidecar) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxDirectiveLineBytes)
	for scanner.Scan() {
		s.logger.Warn("sidecar stderr", "line", scanner.Text())
	}
}

// markActive moves between Ready, Running and Degraded; it never revives a
// stopped process.
func (s *Sidecar) markActive(next State) {
	for {
		cur := State(s.state.Load())
		if cur != Ready && cur != Running && cur != Degraded {
			return
		}
		if cur == next || s.state.CompareAndSwap(int32(cur), int32(next)) {
			if cur != next {
				s.logger.Debug("sidecar state changed", "from", cur, "to", next)
			}
			return
		}
	}
}

// State returns the current supervision state.
func (s *Sidecar) State() State {
	return State(s.state.Load())
}

// Alive reports whether the process is ready to route.
func (s *Sidecar) Alive() bool {
	switch s.State() {
	case Ready, Running, Degraded:
		return true
	default:
		return false
	}
}

// Close kills the process and waits briefly for it to be reaped. It is
// idempotent and never fails; kill errors are logged.
func (s *Sidecar) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if s.cmd == nil || s.cmd.Process == nil {
			s.state.Store(int32(Stopped))
			return
		}
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("failed to kill sidecar", "pid", s.cmd.Process.Pid, "error", err)
		}

		timer := time.NewTimer(s.cfg.KillWait)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warn("sidecar not reaped before deadline", "pid", s.cmd.Process.Pid, "wait", s.cfg.KillWait)
		}
		s.state.Store(int32(Stopped))
	})
	return nil
}

// DecodeDirective parses one "hex_calldata:hex_value" line. Both halves may
// carry a 0x prefix.
func DecodeDirective(line string) (entity.SidecarEntry, error) {
	calldataHex, valueHex, ok := strings.Cut(strings.TrimSpace(line), ":")
	if !ok {
		return entity.SidecarEntry{}, fmt.Errorf("%w: missing separator", entity.ErrDirectiveDecodeFailure)
	}

	calldata, err := hex.DecodeString(strip0x(calldataHex))
	if err != nil {
		return entity.SidecarEntry{}, fmt.Errorf("%w: calldata: %v", entity.ErrDirectiveDecodeFailure, err)
	}
	if len(calldata) == 0 {
		return entity.SidecarEntry{}, fmt.Errorf("%w: empty calldata", entity.ErrDirectiveDecodeFailure)
	}

	valueHex = strip0x(valueHex)
	if valueHex == "" {
		return entity.SidecarEntry{}, fmt.Errorf("%w: empty value", entity.ErrDirectiveDecodeFailure)
	}
	value, ok := new(big.Int).SetString(valueHex, 16)
	if !ok || value.Sign() < 0 {
		return entity.SidecarEntry{}, fmt.Errorf("%w: value %q is not hex", entity.ErrDirectiveDecodeFailure, valueHex)
	}

	return entity.SidecarEntry{Calldata: calldata, Value: value}, nil
}

func strip0x(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
