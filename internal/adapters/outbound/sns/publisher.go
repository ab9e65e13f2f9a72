// Package sns publishes per-account trade outcomes to an AWS SNS topic.
//
// Downstream consumers subscribe for dashboards and alerting. Each outcome is
// a JSON message carrying attributes so subscriptions can filter without
// decoding the body.
//
// Message Attributes:
//   - venue: the venue name, e.g. "uniswap"
//   - status: "executed", "skipped" or "failed"
//   - reason: failure classification, omitted on success
//   - runId: the batch pass identifier
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/pkg/retry"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// Compile-time check that OutcomePublisher implements outbound.OutcomePublisher
var _ outbound.OutcomePublisher = (*OutcomePublisher)(nil)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("outcome publisher is closed")

// SNSPublisher defines the subset of SNS client methods used by OutcomePublisher.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds configuration for the SNS outcome publisher.
type Config struct {
	// TopicARN is the topic outcomes are published to. FIFO topics get the
	// venue as message group.
	TopicARN string

	// MaxRetries is the maximum number of retry attempts for transient failures.
	MaxRetries int

	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each retry.
	BackoffFactor float64

	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Logger:         slog.Default(),
	}
}

// OutcomePublisher publishes trade outcomes to AWS SNS.
type OutcomePublisher struct {
	client    SNSPublisher
	config    Config
	fifo      bool
	logger    *slog.Logger
	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

// NewOutcomePublisher creates a new SNS outcome publisher.
func NewOutcomePublisher(client SNSPublisher, config Config) (*OutcomePublisher, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	if config.TopicARN == "" {
		return nil, errors.New("topic ARN is required")
	}

	defaults := ConfigDefaults()
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffFactor == 0 {
		config.BackoffFactor = defaults.BackoffFactor
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &OutcomePublisher{
		client: client,
		config: config,
		fifo:   strings.HasSuffix(config.TopicARN, ".fifo"),
		logger: config.Logger.With("component", "sns-outcomes"),
	}, nil
}

// Publish sends one outcome to the topic.
func (p *OutcomePublisher) Publish(ctx context.Context, outcome entity.TradeOutcome) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPublisherClosed
	}
	p.mu.RUnlock()

	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	attributes := map[string]types.MessageAttributeValue{
		"venue":  stringAttribute(outcome.Venue),
		"status": stringAttribute(string(outcome.Status)),
		"runId":  stringAttribute(outcome.RunID),
	}
	if outcome.Reason != "" {
		attributes["reason"] = stringAttribute(outcome.Reason)
	}

	input := &sns.PublishInput{
		TopicArn:          aws.String(p.config.TopicARN),
		Message:           aws.String(string(body)),
		MessageAttributes: attributes,
	}
	if p.fifo {
		input.MessageGroupId = aws.String(outcome.Venue)
		input.MessageDeduplicationId = aws.String(outcome.RunID + ":" + outcome.Account.Hex())
	}

	return p.publishWithRetry(ctx, input, outcome)
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

// publishWithRetry attempts to publish with exponential backoff on transient failures.
func (p *OutcomePublisher) publishWithRetry(ctx context.Context, input *sns.PublishInput, outcome entity.TradeOutcome) error {
	cfg := retry.Config{
		MaxRetries:     p.config.MaxRetries,
		InitialBackoff: p.config.InitialBackoff,
		MaxBackoff:     p.config.MaxBackoff,
		BackoffFactor:  p.config.BackoffFactor,
	}
	onRetry := func(attempt int, err error, backoff time.Duration) {
		p.logger.Warn("publish failed, retrying",
			"attempt", attempt,
			"maxRetries", p.config.MaxRetries,
			"backoff", backoff,
			"error", err,
			"account", outcome.Account,
		)
	}

	err := retry.DoVoid(ctx, cfg, isRetryableError, onRetry, func() error {
		_, err := p.client.Publish(ctx, input)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to publish outcome to SNS: %w", err)
	}
	return nil
}

// isRetryableError determines if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Parameter problems will not fix themselves.
	var invalidParam *types.InvalidParameterException
	if errors.As(err, &invalidParam) {
		return false
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return false
	}
	var authErr *types.AuthorizationErrorException
	if errors.As(err, &authErr) {
		return false
	}

	// Throttling, internal errors and network issues
	return true
}

// Close marks the publisher as closed and prevents further publishing.
func (p *OutcomePublisher) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.logger.Info("SNS outcome publisher closed")
	})
	return nil
}
