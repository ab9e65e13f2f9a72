package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/archon-research/stl/stl-trade/internal/pkg/retry"
)

var errConditionPending = errors.New("condition not met")

// WaitFor checks condition every interval until it holds or timeout passes,
// reporting whether it held.
func WaitFor(t *testing.T, timeout, interval time.Duration, condition func() bool) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := retry.DoVoid(ctx, retry.PollConfig(interval, 0), nil, nil, func() error {
		if condition() {
			return nil
		}
		return errConditionPending
	})
	return err == nil
}
