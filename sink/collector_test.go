package sink_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/awg-exporter/peerstats"
	"github.com/coder/awg-exporter/sink"
	"github.com/coder/awg-exporter/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

var handshake = time.Date(2026, time.October, 18, 11, 58, 0, 0, time.UTC)

func sampleReport() peerstats.Report {
	return peerstats.Report{
		Snapshot: peerstats.Snapshot{
			Online:      2,
			DAU:         3,
			MAU:         5,
			MAUAbsolute: 4,
			Month:       "2026-10",
			ComputedAt:  handshake.Add(2 * time.Minute),
		},
		Up: true,
		Peers: []peerstats.PeerRecord{
			{PeerID: "A", LatestHandshake: handshake, ReceivedBytes: 1024, SentBytes: 2048},
			{PeerID: "B", ReceivedBytes: 10, SentBytes: 20},
		},
		ClientNames: map[string]string{"A": "alice"},
	}
}

func TestCollector(t *testing.T) {
	t.Parallel()

	t.Run("NoReport", func(t *testing.T) {
		t.Parallel()

		metrics, err := sink.NewMetrics(nil)
		require.NoError(t, err)
		families, err := metrics.Registry.Gather()
		require.NoError(t, err)

		require.True(t, testutil.PromGaugeHasValue(t, families, 0, sink.MetricStatus))
		require.True(t, testutil.PromFamilyMissing(families, sink.MetricOnlineUsers))
		require.True(t, testutil.PromFamilyMissing(families, sink.MetricSentBytes))
	})

	t.Run("Report", func(t *testing.T) {
		t.Parallel()

		metrics, err := sink.NewMetrics(nil)
		require.NoError(t, err)
		families, err := metrics.Gather(sampleReport())
		require.NoError(t, err)

		assert.True(t, testutil.PromGaugeHasValue(t, families, 1, sink.MetricStatus))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 2, sink.MetricOnlineUsers))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 3, sink.MetricDailyActiveUsers))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 5, sink.MetricMonthlyActiveUsers))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 4, sink.MetricMonthlyActiveAbsolute, "2026-10"))

		// Labels sort as client_name, peer.
		assert.True(t, testutil.PromGaugeHasValue(t, families, 2048, sink.MetricSentBytes, "alice", "A"))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 1024, sink.MetricReceivedBytes, "alice", "A"))
		assert.True(t, testutil.PromGaugeHasValue(t, families, float64(handshake.Unix()), sink.MetricLatestHandshake, "alice", "A"))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 20, sink.MetricSentBytes, "unidentified", "B"))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 0, sink.MetricLatestHandshake, "unidentified", "B"))
	})

	t.Run("Down", func(t *testing.T) {
		t.Parallel()

		metrics, err := sink.NewMetrics(nil)
		require.NoError(t, err)
		report := peerstats.Report{Snapshot: peerstats.Snapshot{DAU: 1, MAU: 2, MAUAbsolute: 2, Month: "2026-10"}}
		families, err := metrics.Gather(report)
		require.NoError(t, err)

		assert.True(t, testutil.PromGaugeHasValue(t, families, 0, sink.MetricStatus))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 0, sink.MetricOnlineUsers))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 2, sink.MetricMonthlyActiveUsers))
		assert.True(t, testutil.PromFamilyMissing(families, sink.MetricSentBytes))
	})

	t.Run("DownKeepsPeerValues", func(t *testing.T) {
		t.Parallel()

		metrics, err := sink.NewMetrics(nil)
		require.NoError(t, err)
		report := sampleReport()
		report.Up = false
		report.Online = 0
		families, err := metrics.Gather(report)
		require.NoError(t, err)

		assert.True(t, testutil.PromGaugeHasValue(t, families, 0, sink.MetricStatus))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 2048, sink.MetricSentBytes, "alice", "A"))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 10, sink.MetricReceivedBytes, "unidentified", "B"))
	})

	t.Run("NoMonth", func(t *testing.T) {
		t.Parallel()

		metrics, err := sink.NewMetrics(nil)
		require.NoError(t, err)
		families, err := metrics.Gather(peerstats.Report{Up: true})
		require.NoError(t, err)

		assert.True(t, testutil.PromFamilyMissing(families, sink.MetricMonthlyActiveAbsolute))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 1, sink.MetricStatus))
	})

	t.Run("DuplicatePeers", func(t *testing.T) {
		t.Parallel()

		metrics, err := sink.NewMetrics(nil)
		require.NoError(t, err)
		report := sampleReport()
		report.Peers = append(report.Peers, peerstats.PeerRecord{PeerID: "A", SentBytes: 4096})
		families, err := metrics.Gather(report)
		require.NoError(t, err)

		assert.True(t, testutil.PromGaugeHasValue(t, families, 4096, sink.MetricSentBytes, "alice", "A"))
	})

	t.Run("StaticLabels", func(t *testing.T) {
		t.Parallel()

		metrics, err := sink.NewMetrics(map[string]string{"instance": "vpn-1"})
		require.NoError(t, err)
		families, err := metrics.Gather(sampleReport())
		require.NoError(t, err)

		assert.True(t, testutil.PromGaugeHasValue(t, families, 2, sink.MetricOnlineUsers, "vpn-1"))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 4, sink.MetricMonthlyActiveAbsolute, "vpn-1", "2026-10"))
		assert.True(t, testutil.PromGaugeHasValue(t, families, 2048, sink.MetricSentBytes, "alice", "vpn-1", "A"))
	})

	t.Run("UpdateReplaces", func(t *testing.T) {
		t.Parallel()

		metrics, err := sink.NewMetrics(nil)
		require.NoError(t, err)
		_, err = metrics.Gather(sampleReport())
		require.NoError(t, err)

		next := sampleReport()
		next.Snapshot.Online = 0
		next.Peers = next.Peers[1:]
		families, err := metrics.Gather(next)
		require.NoError(t, err)

		assert.True(t, testutil.PromGaugeHasValue(t, families, 0, sink.MetricOnlineUsers))
		_, ok := testutil.PromGaugeValue(t, families, sink.MetricSentBytes, "alice", "A")
		assert.False(t, ok)
	})
}
