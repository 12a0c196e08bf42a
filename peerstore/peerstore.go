// Package peerstore defines the durable peer activity map: peer id to the
// last time the peer completed a handshake. It is the single source of
// truth for active-user counts across polling cycles and restarts.
package peerstore

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

// ErrUnavailable is wrapped by every error caused by losing the connection
// to the backing service. Callers treat it as recoverable.
var ErrUnavailable = xerrors.New("peer store unavailable")

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds while
// the original cause stays reachable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &unavailableError{err: err}
}

type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string {
	return ErrUnavailable.Error() + ": " + e.err.Error()
}

func (e *unavailableError) Unwrap() error { return e.err }

func (*unavailableError) Is(target error) bool { return target == ErrUnavailable }

// Entry is a single peer's last-seen timestamp.
type Entry struct {
	PeerID   string
	LastSeen time.Time
}

// Store is implemented by every backend. Implementations never take locks
// spanning calls: several exporters may share one backend and each treats
// it as independently mutating.
type Store interface {
	// Put unconditionally upserts the peer's last-seen time.
	Put(ctx context.Context, peerID string, lastSeen time.Time) error
	// Get returns the stored timestamp, or false when the peer is absent.
	Get(ctx context.Context, peerID string) (time.Time, bool, error)
	// All returns every entry in no particular order.
	All(ctx context.Context) ([]Entry, error)
	// Delete removes the given peers. Missing peers are ignored.
	Delete(ctx context.Context, peerIDs ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// FromUnix converts stored float seconds into a time.Time.
func FromUnix(sec float64) time.Time {
	whole := int64(sec)
	frac := sec - float64(whole)
	return time.Unix(whole, int64(frac*float64(time.Second)))
}

// ToUnix converts t into float seconds since the epoch.
func ToUnix(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}
