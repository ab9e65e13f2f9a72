// Package env provides utilities for working with environment variables.
package env

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
)

// Get returns the value of the environment variable or the default if not set.
func Get(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Require returns the values of every key, failing with
// entity.ErrConfigurationMissing that names all unset variables at once.
func Require(keys ...string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	var missing []string
	for _, key := range keys {
		value := strings.TrimSpace(os.Getenv(key))
		if value == "" {
			missing = append(missing, key)
			continue
		}
		values[key] = value
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", entity.ErrConfigurationMissing, strings.Join(missing, ", "))
	}
	return values, nil
}

// Bool parses a boolean variable, returning defaultValue when unset.
func Bool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

// Int parses an integer variable, returning defaultValue when unset.
func Int(key string, defaultValue int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

// Duration parses a time.Duration variable ("30s", "5m").
func Duration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

// ParseLogLevel reads LOG_LEVEL ("debug", "info", "warn", "error", or an
// offset such as "warn+2"). Empty or unparsable values yield fallback.
func ParseLogLevel(fallback slog.Level) slog.Level {
	raw := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if raw == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return fallback
	}
	return level
}

// LoadDotEnv loads variables from the given files without overriding values
// already present in the environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}
