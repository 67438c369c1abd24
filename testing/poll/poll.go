/*
Package poll waits for eventually-true conditions in tests, such as a
process having exited or a fixture having recovered.
*/
package poll

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

const interval = 50 * time.Millisecond

// It is called repeatedly until it asks to stop. The error it returns with
// stop=true is the overall result of the poll.
type It func() (stop bool, err error)

// ForIt calls it every 50ms for up to duration. It returns the condition's
// error once it stops, or the context error if duration elapses first.
func ForIt(ctx context.Context, duration time.Duration, it It) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stop, err := it()
		if stop {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// AssertIt polls it for up to duration and asserts it completed without
// error.
func AssertIt(ctx context.Context, t *testing.T, duration time.Duration, it It) {
	t.Helper()
	assert.NilError(t, ForIt(ctx, duration, it))
}
