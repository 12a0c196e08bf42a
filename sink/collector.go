// Package sink renders peer activity reports as Prometheus gauges and
// delivers them through one of the exporter's modes: a pull endpoint, a
// metrics text file, or a push to a remote line-protocol endpoint.
package sink

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"golang.org/x/xerrors"

	"github.com/coder/awg-exporter/clienttable"
	"github.com/coder/awg-exporter/peerstats"
	"github.com/coder/awg-exporter/peerstore"
)

const (
	namespace = "awg_"

	MetricStatus                = namespace + "status"
	MetricOnlineUsers           = namespace + "online_users"
	MetricDailyActiveUsers      = namespace + "daily_active_users"
	MetricMonthlyActiveUsers    = namespace + "monthly_active_users"
	MetricMonthlyActiveAbsolute = namespace + "monthly_active_users_absolute"
	MetricSentBytes             = namespace + "sent_bytes"
	MetricReceivedBytes         = namespace + "received_bytes"
	MetricLatestHandshake       = namespace + "latest_handshake_seconds"
)

var peerLabels = []string{"peer", "client_name"}

// Sink delivers each cycle's report. Publish must not block the polling
// loop for longer than the cycle allows; failures are returned for logging
// and never stop the loop.
type Sink interface {
	Publish(ctx context.Context, report peerstats.Report) error
	Close() error
}

// Collector exposes the most recent report. Collect may run concurrently
// with Update; it always sees a whole report.
type Collector struct {
	latest atomic.Pointer[peerstats.Report]

	statusDesc          *prometheus.Desc
	onlineDesc          *prometheus.Desc
	dailyDesc           *prometheus.Desc
	monthlyDesc         *prometheus.Desc
	monthlyAbsDesc      *prometheus.Desc
	sentDesc            *prometheus.Desc
	receivedDesc        *prometheus.Desc
	latestHandshakeDesc *prometheus.Desc
}

var _ prometheus.Collector = new(Collector)

// NewCollector attaches staticLabels to every series. The map is copied.
func NewCollector(staticLabels map[string]string) *Collector {
	labels := prometheus.Labels{}
	for k, v := range staticLabels {
		labels[k] = v
	}
	return &Collector{
		statusDesc: prometheus.NewDesc(MetricStatus,
			"Exporter status. 1 - the last status poll reported peers, 0 - it did not.", nil, labels),
		onlineDesc: prometheus.NewDesc(MetricOnlineUsers,
			"Number of peers with a handshake in the last 5 minutes.", nil, labels),
		dailyDesc: prometheus.NewDesc(MetricDailyActiveUsers,
			"Number of peers with a handshake in the last 24 hours.", nil, labels),
		monthlyDesc: prometheus.NewDesc(MetricMonthlyActiveUsers,
			"Number of peers with a handshake in the last 30 days.", nil, labels),
		monthlyAbsDesc: prometheus.NewDesc(MetricMonthlyActiveAbsolute,
			"Number of peers with a handshake since the start of the labeled calendar month.", []string{"month"}, labels),
		sentDesc: prometheus.NewDesc(MetricSentBytes,
			"Client sent bytes.", peerLabels, labels),
		receivedDesc: prometheus.NewDesc(MetricReceivedBytes,
			"Client received bytes.", peerLabels, labels),
		latestHandshakeDesc: prometheus.NewDesc(MetricLatestHandshake,
			"Latest client handshake with the server as a Unix timestamp. 0 when there was none.", peerLabels, labels),
	}
}

// Update replaces the report served by Collect.
func (c *Collector) Update(report peerstats.Report) {
	c.latest.Store(&report)
}

func (c *Collector) Describe(descCh chan<- *prometheus.Desc) {
	descCh <- c.statusDesc
	descCh <- c.onlineDesc
	descCh <- c.dailyDesc
	descCh <- c.monthlyDesc
	descCh <- c.monthlyAbsDesc
	descCh <- c.sentDesc
	descCh <- c.receivedDesc
	descCh <- c.latestHandshakeDesc
}

func (c *Collector) Collect(metricsCh chan<- prometheus.Metric) {
	report := c.latest.Load()
	if report == nil {
		metricsCh <- prometheus.MustNewConstMetric(c.statusDesc, prometheus.GaugeValue, 0)
		return
	}

	var up float64
	if report.Up {
		up = 1
	}
	snap := report.Snapshot
	metricsCh <- prometheus.MustNewConstMetric(c.statusDesc, prometheus.GaugeValue, up)
	metricsCh <- prometheus.MustNewConstMetric(c.onlineDesc, prometheus.GaugeValue, float64(snap.Online))
	metricsCh <- prometheus.MustNewConstMetric(c.dailyDesc, prometheus.GaugeValue, float64(snap.DAU))
	metricsCh <- prometheus.MustNewConstMetric(c.monthlyDesc, prometheus.GaugeValue, float64(snap.MAU))
	if snap.Month != "" {
		metricsCh <- prometheus.MustNewConstMetric(c.monthlyAbsDesc, prometheus.GaugeValue, float64(snap.MAUAbsolute), snap.Month)
	}

	// The status command never lists a peer twice, but a duplicate would
	// fail the whole scrape.
	seen := make(map[string]struct{}, len(report.Peers))
	for i := len(report.Peers) - 1; i >= 0; i-- {
		peer := report.Peers[i]
		if _, ok := seen[peer.PeerID]; ok {
			continue
		}
		seen[peer.PeerID] = struct{}{}

		name := clienttable.Name(report.ClientNames, peer.PeerID)
		var handshake float64
		if !peer.HandshakeNever() {
			handshake = peerstore.ToUnix(peer.LatestHandshake)
		}
		metricsCh <- prometheus.MustNewConstMetric(c.sentDesc, prometheus.GaugeValue, float64(peer.SentBytes), peer.PeerID, name)
		metricsCh <- prometheus.MustNewConstMetric(c.receivedDesc, prometheus.GaugeValue, float64(peer.ReceivedBytes), peer.PeerID, name)
		metricsCh <- prometheus.MustNewConstMetric(c.latestHandshakeDesc, prometheus.GaugeValue, handshake, peer.PeerID, name)
	}
}

// Metrics pairs a Collector with the registry every sink gathers from.
type Metrics struct {
	Collector *Collector
	Registry  *prometheus.Registry
}

func NewMetrics(staticLabels map[string]string) (*Metrics, error) {
	collector := NewCollector(staticLabels)
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return nil, xerrors.Errorf("register collector: %w", err)
	}
	return &Metrics{Collector: collector, Registry: registry}, nil
}

// Gather updates the collector and returns the resulting families.
func (m *Metrics) Gather(report peerstats.Report) ([]*dto.MetricFamily, error) {
	m.Collector.Update(report)
	families, err := m.Registry.Gather()
	if err != nil {
		return nil, xerrors.Errorf("gather metrics: %w", err)
	}
	return families, nil
}
