package sink

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/awg-exporter/peerstats"
)

// Pull serves the latest report on /metrics. Publish only swaps the report;
// scrapers decide when to read it.
type Pull struct {
	logger   slog.Logger
	metrics  *Metrics
	listener net.Listener
	server   *http.Server
	closed   chan struct{}
}

var _ Sink = (*Pull)(nil)

// NewPull listens on address and starts serving immediately so that the
// first scrape after startup sees awg_status 0 instead of a refused
// connection.
func NewPull(ctx context.Context, logger slog.Logger, metrics *Metrics, address string) (*Pull, error) {
	logger = logger.Named("pull")
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, xerrors.Errorf("listen on %q: %w", address, err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	p := &Pull{
		logger:   logger,
		metrics:  metrics,
		listener: listener,
		server: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(net.Listener) context.Context {
				return context.WithoutCancel(ctx)
			},
		},
		closed: make(chan struct{}),
	}
	go func() {
		defer close(p.closed)
		err := p.server.Serve(listener)
		if err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "serve metrics", slog.Error(err))
		}
	}()
	logger.Info(ctx, "serving metrics", slog.F("address", listener.Addr().String()))
	return p, nil
}

// Addr is the address the server is bound to.
func (p *Pull) Addr() net.Addr {
	return p.listener.Addr()
}

func (p *Pull) Publish(_ context.Context, report peerstats.Report) error {
	p.metrics.Collector.Update(report)
	return nil
}

func (p *Pull) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.server.Shutdown(ctx)
	<-p.closed
	if err != nil {
		return xerrors.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}
