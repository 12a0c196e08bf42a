// Package memstore is an in-process peerstore.Store. It backs tests and the
// memory store mode, where counts only survive as long as the process.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/coder/awg-exporter/peerstore"
)

var _ peerstore.Store = (*Store)(nil)

type Store struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	// failWith, when set, is returned by every call. Tests use it to
	// simulate a lost backend.
	failWith error
}

func New() *Store {
	return &Store{entries: make(map[string]time.Time)}
}

// Fail makes every subsequent call return err wrapped in
// peerstore.ErrUnavailable. Passing nil restores normal operation.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *Store) failure() error {
	if s.failWith == nil {
		return nil
	}
	return peerstore.Unavailable(s.failWith)
}

func (s *Store) Put(_ context.Context, peerID string, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	s.entries[peerID] = lastSeen
	return nil
}

func (s *Store) Get(_ context.Context, peerID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(); err != nil {
		return time.Time{}, false, err
	}
	ts, ok := s.entries[peerID]
	return ts, ok, nil
}

func (s *Store) All(_ context.Context) ([]peerstore.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(); err != nil {
		return nil, err
	}
	out := make([]peerstore.Entry, 0, len(s.entries))
	for id, ts := range s.entries {
		out = append(out, peerstore.Entry{PeerID: id, LastSeen: ts})
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, peerIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	for _, id := range peerIDs {
		delete(s.entries, id)
	}
	return nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure()
}

func (*Store) Close() error {
	return nil
}
