package testutil

import (
	"context"
	"testing"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
)

// Logger returns a "standard" testing logger, with debug level and
// context cancellation errors ignored.
func Logger(t testing.TB) slog.Logger {
	return slogtest.Make(
		t, &slogtest.Options{IgnoreErrorFn: IgnoreLoggedError},
	).Leveled(slog.LevelDebug)
}

// IgnoringErrorsLogger is for tests that deliberately drive a component
// into its error paths (failed store, failed sampler) and expect it to log
// at error level.
func IgnoringErrorsLogger(t testing.TB) slog.Logger {
	return slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
}

func IgnoreLoggedError(entry slog.SinkEntry) bool {
	err, ok := slogtest.FindFirstError(entry)
	if !ok {
		return false
	}
	// Canceled cycles usually happen when we're shutting down tests.
	return xerrors.Is(err, context.Canceled) || xerrors.Is(err, context.DeadlineExceeded)
}
