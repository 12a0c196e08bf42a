package sink

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/awg-exporter/peerstats"
)

// File writes the text exposition format to a path on every publish, for
// node_exporter's textfile collector. Readers never see a partial file.
type File struct {
	logger  slog.Logger
	metrics *Metrics
	path    string
}

var _ Sink = (*File)(nil)

func NewFile(logger slog.Logger, metrics *Metrics, path string) (*File, error) {
	if path == "" {
		return nil, xerrors.New("metrics file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Errorf("create metrics file directory: %w", err)
	}
	return &File{
		logger:  logger.Named("file"),
		metrics: metrics,
		path:    path,
	}, nil
}

func (f *File) Publish(ctx context.Context, report peerstats.Report) error {
	families, err := f.metrics.Gather(report)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, family); err != nil {
			return xerrors.Errorf("encode %q: %w", family.GetName(), err)
		}
	}
	if err := atomic.WriteFile(f.path, &buf); err != nil {
		return xerrors.Errorf("write metrics file: %w", err)
	}
	f.logger.Info(ctx, "metrics file updated", slog.F("path", f.path), slog.F("families", len(families)))
	return nil
}

func (*File) Close() error {
	return nil
}
