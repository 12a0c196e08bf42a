package exporter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"github.com/spf13/afero"

	"github.com/coder/awg-exporter/clienttable"
	"github.com/coder/awg-exporter/exporter"
	"github.com/coder/awg-exporter/peerstats"
	"github.com/coder/awg-exporter/peerstore/memstore"
	"github.com/coder/awg-exporter/testutil"
	"github.com/coder/quartz"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

const statusOutput = `interface: awg0
  public key: c2VydmVy
  listening port: 51820

peer: QUxJQ0U=
  endpoint: 203.0.113.5:40000
  allowed ips: 10.8.1.2/32
  latest handshake: 1 minute, 30 seconds ago
  transfer: 1.50 KiB received, 3.00 KiB sent

peer: Qk9C
  allowed ips: 10.8.1.3/32
  latest handshake: 10 minutes ago
  transfer: 100 B received, 200 B sent

peer: Q0FSTA==
  allowed ips: 10.8.1.4/32
`

type fakeSampler struct {
	mu     sync.Mutex
	output string
	err    error
	calls  int
}

func (f *fakeSampler) set(output string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.output, f.err = output, err
}

func (f *fakeSampler) Sample(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.output, f.err
}

type captureSink struct {
	reports chan peerstats.Report
	err     error
}

func newCaptureSink() *captureSink {
	return &captureSink{reports: make(chan peerstats.Report, 16)}
}

func (c *captureSink) Publish(_ context.Context, report peerstats.Report) error {
	c.reports <- report
	return c.err
}

func (*captureSink) Close() error { return nil }

var now = time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)

func newClock(t *testing.T) *quartz.Mock {
	clock := quartz.NewMock(t)
	clock.Set(now)
	return clock
}

func newAggregator(t *testing.T, clock quartz.Clock, store *memstore.Store) *peerstats.Aggregator {
	return peerstats.New(testutil.IgnoringErrorsLogger(t), store, peerstats.Options{
		Clock:    clock,
		Location: time.UTC,
	})
}

func TestRunCycle(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	clock := newClock(t)
	store := memstore.New()
	sampler := &fakeSampler{output: statusOutput}
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "clientsTable",
		[]byte(`[{"clientId":"QUxJQ0U=","userData":{"clientName":"alice"}}]`), 0o600))
	out := newCaptureSink()

	exp, err := exporter.New(exporter.Options{
		Logger:     testutil.Logger(t),
		Sampler:    sampler,
		Aggregator: newAggregator(t, clock, store),
		Clients:    clienttable.NewReader(testutil.Logger(t), fs, "clientsTable"),
		Sink:       out,
		Clock:      clock,
		OneShot:    true,
	})
	require.NoError(t, err)

	report := exp.RunCycle(ctx)
	assert.True(t, report.Up)
	assert.Equal(t, 1, report.Online)
	assert.Equal(t, 2, report.DAU)
	assert.Equal(t, 2, report.MAU)
	assert.Equal(t, 2, report.MAUAbsolute)
	assert.Equal(t, "2026-10", report.Month)
	require.Len(t, report.Peers, 3)
	assert.Equal(t, "alice", clienttable.Name(report.ClientNames, "QUxJQ0U="))
	assert.Equal(t, clienttable.Unidentified, clienttable.Name(report.ClientNames, "Qk9C"))

	seen, ok, err := store.Get(ctx, "QUxJQ0U=")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Add(-90*time.Second), seen)
	_, ok, err = store.Get(ctx, "Q0FSTA==")
	require.NoError(t, err)
	assert.False(t, ok, "peer without a handshake must not be stored")

	published := testutil.RequireReceive(ctx, t, out.reports)
	assert.Equal(t, report, published)
}

func TestRunCycleSamplerFailure(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	clock := newClock(t)
	sampler := &fakeSampler{output: statusOutput}
	out := newCaptureSink()
	exp, err := exporter.New(exporter.Options{
		// Sampler failures are logged by the sampler, so the loop itself
		// must not log them at error level again.
		Logger:     testutil.Logger(t),
		Sampler:    sampler,
		Aggregator: newAggregator(t, clock, memstore.New()),
		Sink:       out,
		Clock:      clock,
		OneShot:    true,
	})
	require.NoError(t, err)

	first := exp.RunCycle(ctx)
	require.True(t, first.Up)
	require.Equal(t, 1, first.Online)

	sampler.set("", xerrors.New("awg: not found"))
	report := exp.RunCycle(ctx)
	assert.False(t, report.Up)
	assert.Zero(t, report.Online)
	assert.Equal(t, first.DAU, report.DAU)
	assert.Equal(t, first.MAU, report.MAU)
	assert.Equal(t, first.MAUAbsolute, report.MAUAbsolute)
	assert.Equal(t, first.Peers, report.Peers)
}

func TestRunCyclePublishFailure(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	clock := newClock(t)
	out := newCaptureSink()
	out.err = xerrors.New("remote rejected")
	exp, err := exporter.New(exporter.Options{
		Logger:     testutil.IgnoringErrorsLogger(t),
		Sampler:    &fakeSampler{output: statusOutput},
		Aggregator: newAggregator(t, clock, memstore.New()),
		Sink:       out,
		Clock:      clock,
		OneShot:    true,
	})
	require.NoError(t, err)

	report := exp.RunCycle(ctx)
	require.True(t, report.Up)
	testutil.RequireReceive(ctx, t, out.reports)
}

func TestRunOneShot(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	clock := newClock(t)
	sampler := &fakeSampler{output: statusOutput}
	out := newCaptureSink()
	exp, err := exporter.New(exporter.Options{
		Logger:     testutil.Logger(t),
		Sampler:    sampler,
		Aggregator: newAggregator(t, clock, memstore.New()),
		Sink:       out,
		Clock:      clock,
		OneShot:    true,
	})
	require.NoError(t, err)

	require.NoError(t, exp.Run(ctx))
	require.Len(t, out.reports, 1)
	require.Equal(t, 1, sampler.calls)
}

func TestRunLoop(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	clock := newClock(t)
	tickerTrap := clock.Trap().NewTicker("exporter")
	defer tickerTrap.Close()

	store := memstore.New()
	sampler := &fakeSampler{output: statusOutput}
	out := newCaptureSink()
	exp, err := exporter.New(exporter.Options{
		Logger:     testutil.IgnoringErrorsLogger(t),
		Sampler:    sampler,
		Aggregator: newAggregator(t, clock, store),
		Sink:       out,
		Clock:      clock,
		Interval:   time.Minute,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- exp.Run(runCtx)
	}()

	// The first cycle runs before the ticker exists.
	first := testutil.RequireReceive(ctx, t, out.reports)
	require.True(t, first.Up)
	tickerTrap.MustWait(ctx).MustRelease(ctx)

	// A store outage freezes the counts but keeps the status up.
	store.Fail(xerrors.New("connection refused"))
	clock.Advance(time.Minute).MustWait(ctx)
	second := testutil.RequireReceive(ctx, t, out.reports)
	assert.True(t, second.Up)
	assert.Equal(t, first.Snapshot, second.Snapshot)

	store.Fail(nil)
	sampler.set("", nil)
	clock.Advance(time.Minute).MustWait(ctx)
	third := testutil.RequireReceive(ctx, t, out.reports)
	assert.False(t, third.Up)
	assert.Zero(t, third.Online)

	cancel()
	err = testutil.RequireReceive(ctx, t, done)
	require.NoError(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	clock := newClock(t)
	agg := newAggregator(t, clock, memstore.New())
	_, err := exporter.New(exporter.Options{
		Logger:     testutil.Logger(t),
		Sampler:    &fakeSampler{},
		Aggregator: agg,
		Sink:       newCaptureSink(),
		Clock:      clock,
	})
	require.Error(t, err, "zero interval outside one-shot mode")

	_, err = exporter.New(exporter.Options{
		Logger:     testutil.Logger(t),
		Aggregator: agg,
		Sink:       newCaptureSink(),
		Clock:      clock,
		OneShot:    true,
	})
	require.Error(t, err, "missing sampler")
}
