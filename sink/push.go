package sink

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	dto "github.com/prometheus/client_model/go"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/awg-exporter/peerstats"
	"github.com/coder/quartz"
)

type PushOptions struct {
	URL   string
	Token string
	// ExtraLabels are appended to every line after the series' own labels.
	ExtraLabels map[string]string
	// Client defaults to an http.Client with a 10 second timeout.
	Client *http.Client
	Clock  quartz.Clock
}

// Push writes every sample as one Influx line protocol POST per publish
// cycle. Rejected samples are logged and dropped; the next cycle sends
// fresh values anyway.
type Push struct {
	logger      slog.Logger
	metrics     *Metrics
	url         string
	token       string
	extraLabels []labelPair
	client      *http.Client
	clock       quartz.Clock
}

var _ Sink = (*Push)(nil)

type labelPair struct {
	name  string
	value string
}

func NewPush(logger slog.Logger, metrics *Metrics, opts PushOptions) (*Push, error) {
	if opts.URL == "" {
		return nil, xerrors.New("push url is required")
	}
	if opts.Token == "" {
		return nil, xerrors.New("push token is required")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	extra := make([]labelPair, 0, len(opts.ExtraLabels))
	for name, value := range opts.ExtraLabels {
		extra = append(extra, labelPair{name: name, value: value})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].name < extra[j].name })

	return &Push{
		logger:      logger.Named("push"),
		metrics:     metrics,
		url:         opts.URL,
		token:       opts.Token,
		extraLabels: extra,
		client:      opts.Client,
		clock:       opts.Clock,
	}, nil
}

func (p *Push) Publish(ctx context.Context, report peerstats.Report) error {
	families, err := p.metrics.Gather(report)
	if err != nil {
		return err
	}
	lines := lineProtocol(families, p.extraLabels, p.clock.Now("push"))

	var merr *multierror.Error
	for _, line := range lines {
		if err := p.post(ctx, line); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		p.logger.Error(ctx, "push samples",
			slog.F("failed", merr.Len()),
			slog.F("total", len(lines)),
			slog.Error(err),
		)
		return xerrors.Errorf("push %d of %d samples: %w", merr.Len(), len(lines), err)
	}
	p.logger.Debug(ctx, "pushed samples", slog.F("total", len(lines)))
	return nil
}

func (p *Push) post(ctx context.Context, line string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(line))
	if err != nil {
		return xerrors.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := p.client.Do(req)
	if err != nil {
		return xerrors.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	tagEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
)

// lineProtocol renders one line per sample:
//
//	awg_online_users,instance=vpn-1 value=3 1760000000000000000
func lineProtocol(families []*dto.MetricFamily, extra []labelPair, now time.Time) []string {
	ts := strconv.FormatInt(now.UnixNano(), 10)
	var lines []string
	for _, family := range families {
		name := measurementEscaper.Replace(family.GetName())
		for _, m := range family.GetMetric() {
			var b strings.Builder
			_, _ = b.WriteString(name)
			for _, l := range m.GetLabel() {
				writeTag(&b, l.GetName(), l.GetValue())
			}
			for _, l := range extra {
				writeTag(&b, l.name, l.value)
			}
			_, _ = b.WriteString(" value=")
			_, _ = b.WriteString(strconv.FormatFloat(sampleValue(m), 'f', -1, 64))
			_, _ = b.WriteString(" ")
			_, _ = b.WriteString(ts)
			lines = append(lines, b.String())
		}
	}
	return lines
}

func writeTag(b *strings.Builder, name, value string) {
	// Influx rejects empty tag values.
	if value == "" {
		return
	}
	_, _ = b.WriteString(",")
	_, _ = b.WriteString(tagEscaper.Replace(name))
	_, _ = b.WriteString("=")
	_, _ = b.WriteString(tagEscaper.Replace(value))
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	default:
		return m.GetUntyped().GetValue()
	}
}

func (p *Push) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
