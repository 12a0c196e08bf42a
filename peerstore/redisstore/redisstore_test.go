package redisstore_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/awg-exporter/peerstats"
	"github.com/coder/awg-exporter/peerstore"
	"github.com/coder/awg-exporter/peerstore/redisstore"
	"github.com/coder/awg-exporter/testutil"
	"github.com/coder/quartz"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

func newStore(t *testing.T, mr *miniredis.Miniredis, key string) *redisstore.Store {
	t.Helper()
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	s := redisstore.New(testutil.IgnoringErrorsLogger(t), redisstore.Options{
		Host:    host,
		Port:    port,
		Key:     key,
		Timeout: time.Second,
	})
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestPutGetAll(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	mr := miniredis.RunT(t)
	s := newStore(t, mr, "")
	now := time.Unix(1717171717, 0)

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Put(ctx, "peer-a", now))
	require.NoError(t, s.Put(ctx, "peer-b", now.Add(-48*time.Hour)))

	got, ok, err := s.Get(ctx, "peer-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, now.Unix(), got.Unix())

	_, ok, err = s.Get(ctx, "peer-c")
	require.NoError(t, err)
	require.False(t, ok)

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	// Values land in the default hash as decimal seconds.
	require.Equal(t, "1717171717", mr.HGet(redisstore.DefaultKey, "peer-a"))
}

func TestOverwriteIsRaw(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	mr := miniredis.RunT(t)
	s := newStore(t, mr, "custom:key")
	now := time.Unix(1717171717, 0)

	require.NoError(t, s.Put(ctx, "peer", now))
	require.NoError(t, s.Put(ctx, "peer", now.Add(-time.Hour)))

	got, ok, err := s.Get(ctx, "peer")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, now.Add(-time.Hour).Unix(), got.Unix())
	require.True(t, mr.Exists("custom:key"))
}

func TestAllSkipsGarbage(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	mr := miniredis.RunT(t)
	s := newStore(t, mr, "")
	mr.HSet(redisstore.DefaultKey, "good", "1717171717.5")
	mr.HSet(redisstore.DefaultKey, "bad", "yesterday")

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "good", all[0].PeerID)
}

func TestGetTreatsGarbageAsAbsent(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	mr := miniredis.RunT(t)
	s := newStore(t, mr, "")
	mr.HSet(redisstore.DefaultKey, "bad", "not-a-number")

	_, ok, err := s.Get(ctx, "bad")
	require.NoError(t, err)
	require.False(t, ok)

	now := time.Unix(1717171717, 0)
	require.NoError(t, s.Put(ctx, "bad", now))
	got, ok, err := s.Get(ctx, "bad")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, now.Unix(), got.Unix())
}

// A corrupt field must not block the cycle when only forward moves are
// allowed.
func TestKeepLatestOverwritesGarbage(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	mr := miniredis.RunT(t)
	s := newStore(t, mr, "")
	mr.HSet(redisstore.DefaultKey, "bad", "not-a-number")

	now := time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)
	clock := quartz.NewMock(t)
	clock.Set(now)
	agg := peerstats.New(testutil.IgnoringErrorsLogger(t), s, peerstats.Options{
		Clock:      clock,
		Location:   time.UTC,
		KeepLatest: true,
	})

	for range 3 {
		report := agg.IngestCycle(ctx, []peerstats.PeerRecord{
			{PeerID: "good", LatestHandshake: now},
			{PeerID: "bad", LatestHandshake: now},
		})
		require.True(t, report.Up)
		require.Equal(t, 2, report.Online)
		require.Equal(t, 2, report.DAU)
		require.Equal(t, "2026-10", report.Month)
	}
	require.Equal(t, strconv.FormatInt(now.Unix(), 10), mr.HGet(redisstore.DefaultKey, "bad"))
}

func TestDelete(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	mr := miniredis.RunT(t)
	s := newStore(t, mr, "")
	require.NoError(t, s.Put(ctx, "a", time.Now()))
	require.NoError(t, s.Put(ctx, "b", time.Now()))

	require.NoError(t, s.Delete(ctx))
	require.NoError(t, s.Delete(ctx, "a", "missing"))

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestUnavailable(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	mr := miniredis.RunT(t)
	s := newStore(t, mr, "")
	mr.SetError("LOADING Redis is loading the dataset in memory")

	err := s.Put(ctx, "peer", time.Now())
	require.ErrorIs(t, err, peerstore.ErrUnavailable)
	_, err = s.All(ctx)
	require.ErrorIs(t, err, peerstore.ErrUnavailable)
	_, _, err = s.Get(ctx, "peer")
	require.ErrorIs(t, err, peerstore.ErrUnavailable)
	require.ErrorIs(t, s.Ping(ctx), peerstore.ErrUnavailable)

	mr.SetError("")
	require.NoError(t, s.Ping(ctx))
}
