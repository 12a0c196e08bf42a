// Package peerstats turns repeatedly sampled peer handshake times into
// windowed active-user counts. The peerstore is the source of truth; the
// aggregator only remembers the last snapshot it produced so it can keep
// publishing it when the store is unreachable.
package peerstats

import (
	"time"
)

// Activity windows. A peer is counted in a window when its last handshake
// is no older than the window at the time of the scan.
const (
	OnlineWindow  = 5 * time.Minute
	DailyWindow   = 24 * time.Hour
	MonthlyWindow = 30 * 24 * time.Hour
)

// MonthLayout formats the calendar month label of MAUAbsolute.
const MonthLayout = "2006-01"

// PeerRecord is one peer as reported by a single status poll.
type PeerRecord struct {
	PeerID string
	// LatestHandshake is the zero time when the peer never completed a
	// handshake.
	LatestHandshake time.Time
	Endpoint        string
	AllowedIPs      string
	ReceivedBytes   uint64
	SentBytes       uint64
}

// HandshakeNever reports whether the peer has no handshake to record.
func (r PeerRecord) HandshakeNever() bool {
	return r.LatestHandshake.IsZero()
}

// Snapshot is the set of active-user counts derived from one full scan of
// the store.
type Snapshot struct {
	Online      int
	DAU         int
	MAU         int
	MAUAbsolute int
	// Month labels MAUAbsolute as YYYY-MM. Empty until the first successful
	// scan.
	Month      string
	ComputedAt time.Time
}

// Report is everything a sink needs to render one cycle.
type Report struct {
	Snapshot
	// Up is true when the status command produced at least one peer.
	Up    bool
	Peers []PeerRecord
	// ClientNames maps peer ids to human names. Peers missing from the map
	// are unidentified.
	ClientNames map[string]string
}

// MonthStart returns midnight of the first day of now's month in loc.
func MonthStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
}

// Count classifies every timestamp against all four windows anchored at
// now. The windows are evaluated independently of each other.
func Count(lastSeen []time.Time, now time.Time, loc *time.Location) Snapshot {
	var (
		onlineSince  = now.Add(-OnlineWindow)
		dailySince   = now.Add(-DailyWindow)
		monthlySince = now.Add(-MonthlyWindow)
		monthStart   = MonthStart(now, loc)
		snap         = Snapshot{
			Month:      now.In(loc).Format(MonthLayout),
			ComputedAt: now,
		}
	)
	for _, ts := range lastSeen {
		if !ts.Before(onlineSince) {
			snap.Online++
		}
		if !ts.Before(dailySince) {
			snap.DAU++
		}
		if !ts.Before(monthlySince) {
			snap.MAU++
		}
		if !ts.Before(monthStart) {
			snap.MAUAbsolute++
		}
	}
	return snap
}
