// Package trigger_worker consumes batch triggers from SQS and runs one trade
// pass per trigger.
//
// A trigger body is {"venue": "uniswap"}; an empty venue uses the configured
// default. Triggers are acknowledged once the pass completes, when another
// process already holds the venue, or when the body can never be processed.
// Failed passes stay on the queue and are redelivered after the visibility
// timeout, until the trigger has been delivered MaxAttempts times.
package trigger_worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/ports/inbound"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// errMalformedTrigger marks bodies that will never succeed.
var errMalformedTrigger = errors.New("malformed trigger")

// Config holds configuration for the trigger worker.
type Config struct {
	// MaxMessages is how many triggers to receive per poll.
	MaxMessages int

	// PollInterval is the pause between polls. The consumer long-polls, so
	// this mostly matters when receiving fails.
	PollInterval time.Duration

	// DefaultVenue is used for triggers without a venue.
	DefaultVenue string

	// MaxAttempts is the delivery count after which a trigger whose pass
	// failed is dropped instead of left for redelivery.
	MaxAttempts int

	Logger *slog.Logger
}

func configDefaults() Config {
	return Config{
		MaxMessages:  1,
		PollInterval: time.Second,
		DefaultVenue: "uniswap",
		MaxAttempts:  5,
		Logger:       slog.Default(),
	}
}

// trigger is the SQS message payload.
type trigger struct {
	Venue string `json:"venue"`
}

// Service polls the trigger queue and runs passes.
type Service struct {
	config   Config
	consumer outbound.SQSConsumer
	runner   inbound.BatchRunner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewService creates a new trigger worker.
func NewService(config Config, consumer outbound.SQSConsumer, runner inbound.BatchRunner) (*Service, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}

	defaults := configDefaults()
	if config.MaxMessages == 0 {
		config.MaxMessages = defaults.MaxMessages
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.DefaultVenue == "" {
		config.DefaultVenue = defaults.DefaultVenue
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Service{
		config:   config,
		consumer: consumer,
		runner:   runner,
		logger:   config.Logger.With("component", "trigger-worker"),
	}, nil
}

// Start begins polling in the background.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processLoop()
	}()

	s.logger.Info("trigger worker started", "defaultVenue", s.config.DefaultVenue)
	return nil
}

// Stop stops polling and waits for the in-flight pass to return.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("trigger worker stopped")
	return nil
}

func (s *Service) processLoop() {
	for {
		if err := s.processMessages(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("error processing triggers", "error", err)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.config.PollInterval):
		}
	}
}

func (s *Service) processMessages(ctx context.Context) error {
	messages, err := s.consumer.ReceiveMessages(ctx, s.config.MaxMessages)
	if err != nil {
		return fmt.Errorf("receiving messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	var errs []error
	for _, msg := range messages {
		err := s.processMessage(ctx, msg)
		switch {
		case err == nil:
		case errors.Is(err, errMalformedTrigger), errors.Is(err, entity.ErrBatchInProgress):
			s.logger.Warn("acknowledging trigger without a pass", "messageId", msg.MessageID, "error", err)
		case msg.ReceiveCount >= s.config.MaxAttempts:
			s.logger.Error("dropping trigger after repeated failures",
				"messageId", msg.MessageID, "attempts", msg.ReceiveCount, "error", err)
			errs = append(errs, fmt.Errorf("message %s: %w", msg.MessageID, err))
		default:
			errs = append(errs, fmt.Errorf("message %s: %w", msg.MessageID, err))
			continue
		}

		if deleteErr := s.consumer.DeleteMessage(ctx, msg.ReceiptHandle); deleteErr != nil {
			s.logger.Error("failed to delete message", "messageId", msg.MessageID, "error", deleteErr)
		}
	}

	return errors.Join(errs...)
}

func (s *Service) processMessage(ctx context.Context, msg outbound.SQSMessage) error {
	venue, err := s.parseTrigger(msg.Body)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := s.runner.Run(ctx, venue); err != nil {
		return fmt.Errorf("running pass for %s: %w", venue, err)
	}
	s.logger.Info("triggered pass complete", "venue", venue, "messageId", msg.MessageID, "duration", time.Since(start))
	return nil
}

func (s *Service) parseTrigger(body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return s.config.DefaultVenue, nil
	}
	var t trigger
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedTrigger, err)
	}
	venue := strings.TrimSpace(t.Venue)
	if venue == "" {
		venue = s.config.DefaultVenue
	}
	return venue, nil
}
