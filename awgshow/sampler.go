// Package awgshow runs the AmneziaWG (or WireGuard) status command and
// turns its human-readable output into peer records.
package awgshow

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

const DefaultCommand = "awg show"

// ErrSampler matches every failure to obtain status output.
var ErrSampler = xerrors.New("status command failed")

// Error describes one failed run of the status command.
type Error struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := ErrSampler.Error() + ": " + e.Command
	if e.ExitCode > 0 {
		msg += ": exit code " + strconv.Itoa(e.ExitCode)
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (*Error) Is(target error) bool { return target == ErrSampler }

type Sampler struct {
	logger  slog.Logger
	argv    []string
	timeout time.Duration
}

// NewSampler tokenizes command the way a shell would, without running a
// shell. A timeout of zero disables the bound.
func NewSampler(logger slog.Logger, command string, timeout time.Duration) (*Sampler, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, xerrors.Errorf("split command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, xerrors.New("status command is empty")
	}
	return &Sampler{
		logger:  logger.Named("awgshow"),
		argv:    argv,
		timeout: timeout,
	}, nil
}

// Command returns the tokenized command line.
func (s *Sampler) Command() []string {
	return append([]string(nil), s.argv...)
}

// Sample runs the command and returns its trimmed stdout. Every failure is
// logged with the command, exit code and stderr and wraps ErrSampler.
func (s *Sampler) Sample(ctx context.Context) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	//nolint:gosec // The command is operator configuration.
	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		sampleErr := &Error{
			Command: strings.Join(s.argv, " "),
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
		var exitErr *exec.ExitError
		if xerrors.As(err, &exitErr) {
			sampleErr.ExitCode = exitErr.ExitCode()
		}
		fields := []slog.Field{
			slog.F("command", sampleErr.Command),
			slog.F("exit_code", sampleErr.ExitCode),
			slog.F("stderr", sampleErr.Stderr),
			slog.Error(err),
		}
		if ctx.Err() != nil {
			fields = append(fields, slog.F("timeout", s.timeout))
		}
		s.logger.Error(ctx, "run status command", fields...)
		return "", sampleErr
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		s.logger.Warn(ctx, "status command produced no output", slog.F("command", strings.Join(s.argv, " ")))
	}
	return out, nil
}
