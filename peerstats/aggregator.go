package peerstats

import (
	"context"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/awg-exporter/peerstore"
	"github.com/coder/quartz"
)

type Options struct {
	Clock quartz.Clock
	// Location anchors the calendar month of MAUAbsolute. Defaults to
	// time.Local.
	Location *time.Location
	// Retention deletes store entries older than now-Retention after each
	// scan. Zero keeps entries forever.
	Retention time.Duration
	// KeepLatest refuses to move a peer's last-seen time backwards. By
	// default whatever the status command reports is written as-is.
	KeepLatest bool
}

// Aggregator updates the store from each poll and recomputes the counts.
// IngestCycle calls must not overlap; the mutex only guards Snapshot
// readers.
type Aggregator struct {
	logger     slog.Logger
	store      peerstore.Store
	clock      quartz.Clock
	loc        *time.Location
	retention  time.Duration
	keepLatest bool

	mu   sync.Mutex
	last Snapshot
	// lastPeers is the peer list of the most recent cycle that had one.
	lastPeers []PeerRecord
}

func New(logger slog.Logger, store peerstore.Store, opts Options) *Aggregator {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Aggregator{
		logger:     logger.Named("peerstats"),
		store:      store,
		clock:      opts.Clock,
		loc:        opts.Location,
		retention:  opts.Retention,
		keepLatest: opts.KeepLatest,
	}
}

// Snapshot returns the most recently published snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// IngestCycle writes the handshake of every record to the store and then
// recomputes the counts from a full scan.
//
// A cycle without records means the status command most likely failed: the
// store is left alone, the report is marked down and Online drops to zero
// while the other counts and the per-peer values of the last good cycle are
// kept. A store failure keeps the previous snapshot unchanged and the report
// stays up.
func (a *Aggregator) IngestCycle(ctx context.Context, records []PeerRecord) Report {
	if len(records) == 0 {
		a.mu.Lock()
		a.last.Online = 0
		snap := a.last
		peers := a.lastPeers
		a.mu.Unlock()

		a.logger.Warn(ctx, "no peers reported, marking status down")
		return Report{Snapshot: snap, Up: false, Peers: peers}
	}

	a.mu.Lock()
	a.lastPeers = append([]PeerRecord(nil), records...)
	a.mu.Unlock()

	report := Report{Up: true, Peers: records}
	if err := a.update(ctx, records); err != nil {
		a.logger.Error(ctx, "update peer store, keeping previous counts", slog.Error(err))
		report.Snapshot = a.Snapshot()
		return report
	}

	snap, err := a.recompute(ctx)
	if err != nil {
		a.logger.Error(ctx, "recompute peer activity, keeping previous counts", slog.Error(err))
		report.Snapshot = a.Snapshot()
		return report
	}

	a.mu.Lock()
	a.last = snap
	a.mu.Unlock()
	report.Snapshot = snap
	return report
}

func (a *Aggregator) update(ctx context.Context, records []PeerRecord) error {
	var written int
	for _, rec := range records {
		if rec.HandshakeNever() {
			continue
		}
		if a.keepLatest {
			prev, ok, err := a.store.Get(ctx, rec.PeerID)
			if err != nil {
				return xerrors.Errorf("get %q: %w", rec.PeerID, err)
			}
			if ok && !rec.LatestHandshake.After(prev) {
				continue
			}
		}
		if err := a.store.Put(ctx, rec.PeerID, rec.LatestHandshake); err != nil {
			return xerrors.Errorf("put %q after %d of %d records: %w", rec.PeerID, written, len(records), err)
		}
		written++
	}
	a.logger.Debug(ctx, "updated peer store", slog.F("records", len(records)), slog.F("written", written))
	return nil
}

func (a *Aggregator) recompute(ctx context.Context) (Snapshot, error) {
	entries, err := a.store.All(ctx)
	if err != nil {
		return Snapshot{}, xerrors.Errorf("scan store: %w", err)
	}

	now := a.clock.Now("peerstats", "recompute")
	lastSeen := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		lastSeen = append(lastSeen, e.LastSeen)
	}
	snap := Count(lastSeen, now, a.loc)
	a.logger.Debug(ctx, "recomputed peer activity",
		slog.F("entries", len(entries)),
		slog.F("online", snap.Online),
		slog.F("dau", snap.DAU),
		slog.F("mau", snap.MAU),
		slog.F("mau_absolute", snap.MAUAbsolute),
		slog.F("month", snap.Month),
	)

	if a.retention > 0 {
		a.prune(ctx, entries, now)
	}
	return snap, nil
}

func (a *Aggregator) prune(ctx context.Context, entries []peerstore.Entry, now time.Time) {
	cutoff := now.Add(-a.retention)
	var stale []string
	for _, e := range entries {
		if e.LastSeen.Before(cutoff) {
			stale = append(stale, e.PeerID)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := a.store.Delete(ctx, stale...); err != nil {
		a.logger.Error(ctx, "prune stale peers", slog.F("count", len(stale)), slog.Error(err))
		return
	}
	a.logger.Info(ctx, "pruned stale peers", slog.F("count", len(stale)), slog.F("cutoff", cutoff))
}
