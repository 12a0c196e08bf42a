package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Eventually is like require.Eventually except it allows passing
// a context into the condition. It is safe to use with `require.*`.
//
// If ctx has no deadline, Eventually panics. Polling stops at the first
// true result of condition, or when ctx expires.
func Eventually(ctx context.Context, t testing.TB, condition func(ctx context.Context) (done bool), tick time.Duration, msgAndArgs ...interface{}) (done bool) {
	t.Helper()

	if _, ok := ctx.Deadline(); !ok {
		panic("developer error: must set deadline or timeout on ctx")
	}

	msg := "Eventually timed out"
	if len(msgAndArgs) > 0 {
		m, ok := msgAndArgs[0].(string)
		if !ok {
			panic("developer error: first argument of msgAndArgs must be a string")
		}
		msg = m
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for tick := ticker.C; ; {
		select {
		case <-ctx.Done():
			assert.NoError(t, ctx.Err(), msg)
			return false
		case <-tick:
			if !assert.NoError(t, ctx.Err(), msg) {
				return false
			}
			if condition(ctx) {
				return true
			}
		}
	}
}

// EventuallyShort is a convenience function that runs Eventually with
// IntervalFast and times out after WaitShort.
func EventuallyShort(t testing.TB, condition func(context.Context) bool, msgAndArgs ...interface{}) bool {
	ctx, cancel := context.WithTimeout(context.Background(), WaitShort)
	defer cancel()
	return Eventually(ctx, t, condition, IntervalFast, msgAndArgs...)
}
