// Package signals fetches algorithm recommendations from the signal service.
//
// GET {BaseURL}/signals?pair=USDC-WETH&interval=60 returns either a JSON array
// of {algorithm, signal, amount} entries or, from older servers, an object of
// the same entries keyed by algorithm name.
package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/pkg/httpclient"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

// Compile-time check that Client implements outbound.SignalProvider
var _ outbound.SignalProvider = (*Client)(nil)

// DefaultBaseURL is where the signal service listens when colocated.
const DefaultBaseURL = "http://127.0.0.1:5000"

// Config holds the signal service client configuration.
type Config struct {
	// BaseURL of the signal service, without the /signals path.
	BaseURL string

	// HTTP tunes timeouts, retries and rate limiting.
	HTTP httpclient.Config

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// ConfigDefaults returns the default signal client configuration.
func ConfigDefaults() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		HTTP:    httpclient.DefaultConfig(),
	}
}

// Client is the HTTP implementation of outbound.SignalProvider.
type Client struct {
	endpoint string
	http     *httpclient.Client
	logger   *slog.Logger
}

// NewClient creates a signal service client.
func NewClient(cfg Config) (*Client, error) {
	defaults := ConfigDefaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.HTTP == (httpclient.Config{}) {
		cfg.HTTP = defaults.HTTP
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid signal service URL %q", cfg.BaseURL)
	}
	logger := cfg.Logger.With("component", "signals-client")

	return &Client{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/signals",
		http:     httpclient.NewClient(cfg.HTTP, cfg.HTTPClient, logger, parseServiceError),
		logger:   logger,
	}, nil
}

// Signals fetches the current signals for pair and interval, keyed by
// algorithm name.
func (c *Client) Signals(ctx context.Context, pair entity.Pair, interval int) (map[string]entity.AlgorithmSignal, error) {
	var raw json.RawMessage
	err := c.http.GetJSON(ctx, httpclient.Request{
		URL: c.endpoint,
		Query: url.Values{
			"pair":     {pair.String()},
			"interval": {strconv.Itoa(interval)},
		},
	}, &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s/%d: %w", entity.ErrSignalServiceFailure, pair, interval, err)
	}

	signals, err := decodeSignals(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s/%d: %w", entity.ErrSignalServiceFailure, pair, interval, err)
	}
	c.logger.Debug("fetched signals", "pair", pair.String(), "interval", interval, "count", len(signals))
	return signals, nil
}

// decodeSignals accepts the array and keyed-object response shapes.
func decodeSignals(raw json.RawMessage) (map[string]entity.AlgorithmSignal, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	switch trimmed[0] {
	case '[':
		var list []entity.AlgorithmSignal
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		out := make(map[string]entity.AlgorithmSignal, len(list))
		for _, s := range list {
			if s.Algorithm == "" {
				return nil, fmt.Errorf("signal entry without algorithm name")
			}
			out[s.Algorithm] = s
		}
		return out, nil
	case '{':
		var keyed map[string]entity.AlgorithmSignal
		if err := json.Unmarshal(trimmed, &keyed); err != nil {
			return nil, err
		}
		for name, s := range keyed {
			if s.Algorithm == "" {
				s.Algorithm = name
				keyed[name] = s
			}
		}
		return keyed, nil
	default:
		return nil, fmt.Errorf("unexpected response shape starting with %q", trimmed[0])
	}
}

// parseServiceError surfaces {"error": "..."} bodies as permanent failures.
func parseServiceError(_ int, body []byte) error {
	var envelope struct {
		Error string `json:"error"`
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil || envelope.Error == "" {
		return nil
	}
	return httpclient.WrapNonRetryable(fmt.Errorf("signal service: %s", envelope.Error))
}
