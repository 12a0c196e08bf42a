// Package exporter drives the poll -> aggregate -> publish cycle.
package exporter

import (
	"context"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/awg-exporter/awgshow"
	"github.com/coder/awg-exporter/clienttable"
	"github.com/coder/awg-exporter/peerstats"
	"github.com/coder/awg-exporter/sink"
	"github.com/coder/quartz"
)

// Sampler returns the raw status text of the VPN interface.
type Sampler interface {
	Sample(ctx context.Context) (string, error)
}

type Options struct {
	Logger     slog.Logger
	Sampler    Sampler
	Aggregator *peerstats.Aggregator
	// Clients is optional. When nil every peer is unidentified.
	Clients *clienttable.Reader
	Sink    sink.Sink
	Clock   quartz.Clock

	Interval     time.Duration
	CycleTimeout time.Duration
	// OneShot runs a single cycle and returns.
	OneShot bool
}

type Exporter struct {
	logger       slog.Logger
	sampler      Sampler
	aggregator   *peerstats.Aggregator
	clients      *clienttable.Reader
	sink         sink.Sink
	clock        quartz.Clock
	interval     time.Duration
	cycleTimeout time.Duration
	oneShot      bool
}

func New(opts Options) (*Exporter, error) {
	if opts.Sampler == nil {
		return nil, xerrors.New("sampler is required")
	}
	if opts.Aggregator == nil {
		return nil, xerrors.New("aggregator is required")
	}
	if opts.Sink == nil {
		return nil, xerrors.New("sink is required")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if !opts.OneShot && opts.Interval <= 0 {
		return nil, xerrors.Errorf("interval must be positive, got %s", opts.Interval)
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 30 * time.Second
	}
	return &Exporter{
		logger:       opts.Logger.Named("exporter"),
		sampler:      opts.Sampler,
		aggregator:   opts.Aggregator,
		clients:      opts.Clients,
		sink:         opts.Sink,
		clock:        opts.Clock,
		interval:     opts.Interval,
		cycleTimeout: opts.CycleTimeout,
		oneShot:      opts.OneShot,
	}, nil
}

// Run executes the first cycle immediately and then one per interval until
// ctx is canceled. A cycle in flight is never interrupted; cancellation is
// observed between cycles.
func (e *Exporter) Run(ctx context.Context) error {
	e.runCycle(ctx)
	if e.oneShot {
		return nil
	}

	ticker := e.clock.NewTicker(e.interval, "exporter")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info(ctx, "stopping exporter loop")
			return nil
		case <-ticker.C:
		}
		// Both may be ready at once; shutdown wins.
		if ctx.Err() != nil {
			e.logger.Info(ctx, "stopping exporter loop")
			return nil
		}
		e.runCycle(ctx)
	}
}

func (e *Exporter) runCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cycleTimeout)
	defer cancel()
	_ = e.RunCycle(cycleCtx)
}

// RunCycle performs one poll and publish. Every failure is logged and
// degrades the report instead of aborting the cycle.
func (e *Exporter) RunCycle(ctx context.Context) peerstats.Report {
	start := e.clock.Now()

	var records []peerstats.PeerRecord
	output, err := e.sampler.Sample(ctx)
	if err != nil {
		// The sampler already logged the failure with its details.
		e.logger.Debug(ctx, "sample peer status", slog.Error(err))
	} else {
		parsed := awgshow.Parse(output, e.clock.Now("exporter", "parse"))
		for _, skipped := range parsed.Skipped {
			e.logger.Debug(ctx, "skipped status line", slog.Error(skipped))
		}
		records = parsed.Peers
	}

	report := e.aggregator.IngestCycle(ctx, records)
	if e.clients != nil && len(report.Peers) > 0 {
		report.ClientNames = e.clients.Names(ctx)
	}

	if err := e.sink.Publish(ctx, report); err != nil {
		e.logger.Error(ctx, "publish metrics", slog.Error(err))
	}

	e.logger.Debug(ctx, "cycle complete",
		slog.F("up", report.Up),
		slog.F("peers", len(report.Peers)),
		slog.F("online", report.Online),
		slog.F("dau", report.DAU),
		slog.F("mau", report.MAU),
		slog.F("mau_absolute", report.MAUAbsolute),
		slog.F("month", report.Month),
		slog.F("took", e.clock.Since(start)),
	)
	return report
}
