// Package redisstore keeps peer activity in a single Redis hash: field is
// the peer id, value is the last-seen Unix time in decimal seconds.
package redisstore

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/awg-exporter/peerstore"
)

const DefaultKey = "awg:last_seen"

var _ peerstore.Store = (*Store)(nil)

type Options struct {
	Host     string
	Port     int
	DB       int
	Password string
	// Key is the hash holding every peer. Defaults to DefaultKey.
	Key string
	// Timeout bounds dialing and each read/write. Defaults to 5s.
	Timeout time.Duration
}

type Store struct {
	logger slog.Logger
	client *redis.Client
	key    string
}

func New(logger slog.Logger, opts Options) *Store {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
		// Failed cycles are skipped, not retried. The next cycle is the retry.
		MaxRetries: 1,
	})
	return &Store{
		logger: logger.Named("redisstore"),
		client: client,
		key:    opts.Key,
	}
}

func (s *Store) Put(ctx context.Context, peerID string, lastSeen time.Time) error {
	err := s.client.HSet(ctx, s.key, peerID, formatSeconds(lastSeen)).Err()
	if err != nil {
		return peerstore.Unavailable(xerrors.Errorf("hset %q: %w", peerID, err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, peerID string) (time.Time, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, peerID).Result()
	if xerrors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, peerstore.Unavailable(xerrors.Errorf("hget %q: %w", peerID, err))
	}
	ts, err := parseSeconds(raw)
	if err != nil {
		// Same as All: an unparsable value counts as absent so the next Put
		// replaces it.
		s.logger.Warn(ctx, "ignoring unparsable last seen value",
			slog.F("peer", peerID),
			slog.F("value", raw),
			slog.Error(err),
		)
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

// All reads the whole hash with one HGETALL, which Redis serves atomically.
func (s *Store) All(ctx context.Context) ([]peerstore.Entry, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, peerstore.Unavailable(xerrors.Errorf("hgetall %q: %w", s.key, err))
	}
	entries := make([]peerstore.Entry, 0, len(raw))
	for peerID, value := range raw {
		ts, err := parseSeconds(value)
		if err != nil {
			s.logger.Warn(ctx, "skipping unparsable last seen value",
				slog.F("peer", peerID),
				slog.F("value", value),
				slog.Error(err),
			)
			continue
		}
		entries = append(entries, peerstore.Entry{PeerID: peerID, LastSeen: ts})
	}
	return entries, nil
}

func (s *Store) Delete(ctx context.Context, peerIDs ...string) error {
	if len(peerIDs) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key, peerIDs...).Err(); err != nil {
		return peerstore.Unavailable(xerrors.Errorf("hdel %d peers: %w", len(peerIDs), err))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return peerstore.Unavailable(xerrors.Errorf("ping: %w", err))
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func formatSeconds(t time.Time) string {
	return strconv.FormatFloat(peerstore.ToUnix(t), 'f', -1, 64)
}

func parseSeconds(raw string) (time.Time, error) {
	sec, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, err
	}
	return peerstore.FromUnix(sec), nil
}
