// Package cli implements the awg-exporter command line.
package cli

import (
	"context"
	"fmt"
	"os/signal"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"cdr.dev/slog/v3"

	"github.com/coder/awg-exporter/awgshow"
	"github.com/coder/awg-exporter/buildinfo"
	"github.com/coder/awg-exporter/cli/clilog"
	"github.com/coder/awg-exporter/clienttable"
	"github.com/coder/awg-exporter/exporter"
	"github.com/coder/awg-exporter/peerstats"
	"github.com/coder/awg-exporter/peerstore"
	"github.com/coder/awg-exporter/peerstore/memstore"
	"github.com/coder/awg-exporter/peerstore/redisstore"
	"github.com/coder/awg-exporter/sink"
	"github.com/coder/quartz"
	"github.com/coder/retry"
	"github.com/coder/serpent"
)

const (
	ModeHTTP    = "http"
	ModeFile    = "file"
	ModeOneShot = "oneshot"
	ModePush    = "push"

	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// storeStartupTimeout bounds how long startup waits for the store.
const storeStartupTimeout = 15 * time.Second

var validate *validator.Validate

// A single validator instance is used, because it caches struct parsing.
func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("flag")
	})
}

// RootCmd holds the parsed options of the exporter.
type RootCmd struct {
	configPath  serpent.YAMLConfigPath
	writeConfig bool

	mode           string
	scrapeInterval time.Duration
	httpAddress    string
	metricsFile    string
	awgShowExec    string
	commandTimeout time.Duration
	cycleTimeout   time.Duration

	clientsTableEnabled bool
	clientsTableFile    string

	store         string
	redisHost     string
	redisPort     int64
	redisDB       int64
	redisPassword string
	redisKey      string
	retention     time.Duration
	keepLatest    bool
	timezone      string

	pushURL    string
	pushToken  string
	pushLabels []string
	labels     []string

	logHuman  string
	logJSON   string
	logFilter []string
	verbose   bool

	// Clock defaults to the real clock.
	Clock quartz.Clock
}

// Command returns the root command. It runs the exporter; the only child
// prints the version.
func (r *RootCmd) Command() *serpent.Command {
	return &serpent.Command{
		Use:   "awg-exporter",
		Short: "Export AmneziaWG peer activity as Prometheus metrics.",
		Long: "Polls `awg show` on an interval, records every peer's latest handshake in a store " +
			"and publishes online, daily, monthly and calendar-month active user counts.",
		Options:    r.options(),
		Handler:    r.run,
		Middleware: serpent.RequireNArgs(0),
		Children:   []*serpent.Command{r.version()},
	}
}

func (r *RootCmd) options() serpent.OptionSet {
	return serpent.OptionSet{
		{
			Name:        "Config",
			Description: "Path to a YAML file with the same keys as the options below.",
			Flag:        "config",
			Env:         "AWG_EXPORTER_CONFIG",
			Value:       &r.configPath,
		},
		{
			Name:        "Write Config",
			Description: "Write the effective configuration as YAML to stdout and exit. Suitable for --config.",
			Flag:        "write-config",
			Value:       serpent.BoolOf(&r.writeConfig),
		},
		{
			Name:        "Mode",
			Description: "How metrics are delivered: serve them over HTTP, rewrite a file every interval, write the file once and exit, or push them to a remote endpoint.",
			Flag:        "mode",
			Env:         "AWG_EXPORTER_OPS_MODE",
			YAML:        "mode",
			Default:     ModeHTTP,
			Value:       serpent.EnumOf(&r.mode, ModeHTTP, ModeFile, ModeOneShot, ModePush),
		},
		{
			Name:        "Scrape Interval",
			Description: "Time between two status polls.",
			Flag:        "scrape-interval",
			Env:         "AWG_EXPORTER_SCRAPE_INTERVAL",
			YAML:        "scrapeInterval",
			Default:     "60s",
			Value:       serpent.DurationOf(&r.scrapeInterval),
		},
		{
			Name:        "HTTP Address",
			Description: "Address the metrics endpoint listens on in http mode.",
			Flag:        "http-address",
			Env:         "AWG_EXPORTER_HTTP_ADDRESS",
			YAML:        "httpAddress",
			Default:     "0.0.0.0:9351",
			Value:       serpent.StringOf(&r.httpAddress),
		},
		{
			Name:        "Metrics File",
			Description: "Path of the metrics file written in file and oneshot modes.",
			Flag:        "metrics-file",
			Env:         "AWG_EXPORTER_METRICS_FILE",
			YAML:        "metricsFile",
			Default:     "/tmp/prometheus/awg.prom",
			Value:       serpent.StringOf(&r.metricsFile),
		},
		{
			Name:        "Status Command",
			Description: "Command printing the interface status. Split with shell quoting rules.",
			Flag:        "awg-show-exec",
			Env:         "AWG_EXPORTER_AWG_SHOW_EXEC",
			YAML:        "awgShowExec",
			Default:     awgshow.DefaultCommand,
			Value:       serpent.StringOf(&r.awgShowExec),
		},
		{
			Name:        "Command Timeout",
			Description: "How long the status command may run before it is killed.",
			Flag:        "command-timeout",
			Env:         "AWG_EXPORTER_COMMAND_TIMEOUT",
			YAML:        "commandTimeout",
			Default:     "10s",
			Value:       serpent.DurationOf(&r.commandTimeout),
		},
		{
			Name:        "Cycle Timeout",
			Description: "Upper bound for one poll, store update and publish.",
			Flag:        "cycle-timeout",
			Env:         "AWG_EXPORTER_CYCLE_TIMEOUT",
			YAML:        "cycleTimeout",
			Default:     "30s",
			Value:       serpent.DurationOf(&r.cycleTimeout),
		},
		{
			Name:        "Clients Table Enabled",
			Description: "Label peers with client names from the clients table.",
			Flag:        "clients-table-enabled",
			Env:         "AWG_EXPORTER_CLIENTS_TABLE_ENABLED",
			YAML:        "clientsTableEnabled",
			Default:     "false",
			Value:       serpent.BoolOf(&r.clientsTableEnabled),
		},
		{
			Name:        "Clients Table File",
			Description: "JSON clients table maintained by the VPN server.",
			Flag:        "clients-table-file",
			Env:         "AWG_EXPORTER_CLIENTS_TABLE_FILE",
			YAML:        "clientsTableFile",
			Default:     "./clientsTable",
			Value:       serpent.StringOf(&r.clientsTableFile),
		},
		{
			Name:        "Store",
			Description: "Where last-seen times are kept. The memory store forgets everything on restart.",
			Flag:        "store",
			Env:         "AWG_EXPORTER_STORE",
			YAML:        "store",
			Default:     StoreRedis,
			Value:       serpent.EnumOf(&r.store, StoreRedis, StoreMemory),
		},
		{
			Name:    "Redis Host",
			Flag:    "redis-host",
			Env:     "AWG_EXPORTER_REDIS_HOST",
			YAML:    "redisHost",
			Default: "localhost",
			Value:   serpent.StringOf(&r.redisHost),
		},
		{
			Name:    "Redis Port",
			Flag:    "redis-port",
			Env:     "AWG_EXPORTER_REDIS_PORT",
			YAML:    "redisPort",
			Default: "6379",
			Value:   serpent.Int64Of(&r.redisPort),
		},
		{
			Name:    "Redis DB",
			Flag:    "redis-db",
			Env:     "AWG_EXPORTER_REDIS_DB",
			YAML:    "redisDB",
			Default: "0",
			Value:   serpent.Int64Of(&r.redisDB),
		},
		{
			Name:  "Redis Password",
			Flag:  "redis-password",
			Env:   "AWG_EXPORTER_REDIS_PASSWORD",
			YAML:  "redisPassword",
			Value: serpent.StringOf(&r.redisPassword),
		},
		{
			Name:        "Redis Key",
			Description: "Hash holding one field per peer with its last-seen Unix time.",
			Flag:        "redis-key",
			Env:         "AWG_EXPORTER_REDIS_KEY",
			YAML:        "redisKey",
			Default:     redisstore.DefaultKey,
			Value:       serpent.StringOf(&r.redisKey),
		},
		{
			Name:        "Retention",
			Description: "Forget peers not seen for this long. 0 keeps them forever.",
			Flag:        "retention",
			Env:         "AWG_EXPORTER_RETENTION",
			YAML:        "retention",
			Default:     "0",
			Value:       serpent.DurationOf(&r.retention),
		},
		{
			Name:        "Keep Latest",
			Description: "Never move a peer's last-seen time backwards.",
			Flag:        "keep-latest",
			Env:         "AWG_EXPORTER_KEEP_LATEST",
			YAML:        "keepLatest",
			Default:     "false",
			Value:       serpent.BoolOf(&r.keepLatest),
		},
		{
			Name:        "Timezone",
			Description: "IANA time zone the calendar month is computed in.",
			Flag:        "timezone",
			Env:         "AWG_EXPORTER_TIMEZONE",
			YAML:        "timezone",
			Default:     "Local",
			Value:       serpent.StringOf(&r.timezone),
		},
		{
			Name:        "Push URL",
			Description: "Endpoint receiving line protocol samples in push mode.",
			Flag:        "push-url",
			Env:         "AWG_EXPORTER_PUSH_URL",
			YAML:        "pushURL",
			Value:       serpent.StringOf(&r.pushURL),
		},
		{
			Name:        "Push Token",
			Description: "Bearer token sent with every push.",
			Flag:        "push-token",
			Env:         "AWG_EXPORTER_PUSH_TOKEN",
			YAML:        "pushToken",
			Value:       serpent.StringOf(&r.pushToken),
		},
		{
			Name:        "Push Labels",
			Description: "Extra key=value labels appended to every pushed sample.",
			Flag:        "push-labels",
			Env:         "AWG_EXPORTER_PUSH_LABELS",
			YAML:        "pushLabels",
			Value:       serpent.StringArrayOf(&r.pushLabels),
		},
		{
			Name:        "Labels",
			Description: "Static key=value labels attached to every series. " + labelEnvPrefix + "<NAME> environment variables add more.",
			Flag:        "label",
			Env:         "AWG_EXPORTER_LABELS",
			YAML:        "labels",
			Value:       serpent.StringArrayOf(&r.labels),
		},
		{
			Name:        "Human Log Location",
			Description: "Output human-readable logs to a given file.",
			Flag:        "log-human",
			Env:         "AWG_EXPORTER_LOGGING_HUMAN",
			YAML:        "humanPath",
			Default:     "/dev/stderr",
			Value:       serpent.StringOf(&r.logHuman),
		},
		{
			Name:        "JSON Log Location",
			Description: "Output JSON logs to a given file.",
			Flag:        "log-json",
			Env:         "AWG_EXPORTER_LOGGING_JSON",
			YAML:        "jsonPath",
			Value:       serpent.StringOf(&r.logJSON),
		},
		{
			Name:        "Log Filter",
			Description: "Filter debug logs by matching against a given regex. Use .* to match all debug logs.",
			Flag:        "log-filter",
			Env:         "AWG_EXPORTER_LOGGING_FILTER",
			YAML:        "filter",
			Value:       serpent.StringArrayOf(&r.logFilter),
		},
		{
			Name:        "Verbose",
			Description: "Output debug-level logs.",
			Flag:        "verbose",
			Env:         "AWG_EXPORTER_VERBOSE",
			YAML:        "verbose",
			Default:     "false",
			Value:       serpent.BoolOf(&r.verbose),
		},
	}
}

func (r *RootCmd) logBuilder() *clilog.Builder {
	opts := []clilog.Option{
		clilog.WithHuman(r.logHuman),
		clilog.WithJSON(r.logJSON),
		clilog.WithFilter(r.logFilter...),
	}
	if r.verbose {
		opts = append(opts, clilog.WithVerbose())
	}
	return clilog.New(opts...)
}

type cycleSettings struct {
	ScrapeInterval time.Duration `flag:"scrape-interval" validate:"gt=0"`
	CommandTimeout time.Duration `flag:"command-timeout" validate:"gt=0"`
	CycleTimeout   time.Duration `flag:"cycle-timeout" validate:"gt=0"`
	Retention      time.Duration `flag:"retention" validate:"gte=0"`
	RedisPort      int64         `flag:"redis-port" validate:"min=1,max=65535"`
	RedisDB        int64         `flag:"redis-db" validate:"gte=0"`
}

type fileSettings struct {
	MetricsFile string `flag:"metrics-file" validate:"required"`
}

type pushSettings struct {
	URL   string `flag:"push-url" validate:"required,url"`
	Token string `flag:"push-token" validate:"required"`
}

// validateOptions checks the options that would otherwise only fail once
// the loop is running.
func (r *RootCmd) validateOptions() error {
	settings := []any{cycleSettings{
		ScrapeInterval: r.scrapeInterval,
		CommandTimeout: r.commandTimeout,
		CycleTimeout:   r.cycleTimeout,
		Retention:      r.retention,
		RedisPort:      r.redisPort,
		RedisDB:        r.redisDB,
	}}
	switch r.mode {
	case ModeFile, ModeOneShot:
		settings = append(settings, fileSettings{MetricsFile: r.metricsFile})
	case ModePush:
		settings = append(settings, pushSettings{URL: r.pushURL, Token: r.pushToken})
	}

	var problems []string
	for _, s := range settings {
		err := validate.Struct(s)
		var validationErrors validator.ValidationErrors
		if xerrors.As(err, &validationErrors) {
			for _, validationError := range validationErrors {
				problems = append(problems, fmt.Sprintf("--%s failed the %q check", validationError.Field(), validationError.Tag()))
			}
			continue
		}
		if err != nil {
			return xerrors.Errorf("validate options: %w", err)
		}
	}
	if len(problems) > 0 {
		return xerrors.Errorf("invalid options for %s mode: %s", r.mode, strings.Join(problems, "; "))
	}
	return nil
}

func (r *RootCmd) run(inv *serpent.Invocation) error {
	if r.writeConfig {
		n, err := inv.Command.Options.MarshalYAML()
		if err != nil {
			return xerrors.Errorf("generate yaml: %w", err)
		}
		enc := yaml.NewEncoder(inv.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(n); err != nil {
			return xerrors.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}

	ctx := inv.Context()
	notifyCtx, stop := signal.NotifyContext(ctx, StopSignals...)
	defer stop()
	ctx = notifyCtx

	logger, closeLog, err := r.logBuilder().Build(inv)
	if err != nil {
		return xerrors.Errorf("make logger: %w", err)
	}
	defer closeLog()

	if err := r.validateOptions(); err != nil {
		return err
	}
	loc, err := time.LoadLocation(r.timezone)
	if err != nil {
		return xerrors.Errorf("load timezone %q: %w", r.timezone, err)
	}
	labels, err := staticLabels(r.labels, inv.Environ)
	if err != nil {
		return xerrors.Errorf("static labels: %w", err)
	}
	pushLabels, err := parseLabels(r.pushLabels)
	if err != nil {
		return xerrors.Errorf("push labels: %w", err)
	}
	sampler, err := awgshow.NewSampler(logger, r.awgShowExec, r.commandTimeout)
	if err != nil {
		return err
	}

	clock := r.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	store := r.openStore(logger)
	defer store.Close()
	pingStore(ctx, logger, store)

	metrics, err := sink.NewMetrics(labels)
	if err != nil {
		return err
	}
	out, err := r.openSink(ctx, logger, metrics, clock, pushLabels)
	if err != nil {
		return err
	}

	var clients *clienttable.Reader
	if r.clientsTableEnabled {
		clients = clienttable.NewReader(logger, afero.NewOsFs(), r.clientsTableFile)
	}

	exp, err := exporter.New(exporter.Options{
		Logger:  logger,
		Sampler: sampler,
		Aggregator: peerstats.New(logger, store, peerstats.Options{
			Clock:      clock,
			Location:   loc,
			Retention:  r.retention,
			KeepLatest: r.keepLatest,
		}),
		Clients:      clients,
		Sink:         out,
		Clock:        clock,
		Interval:     r.scrapeInterval,
		CycleTimeout: r.cycleTimeout,
		OneShot:      r.mode == ModeOneShot,
	})
	if err != nil {
		_ = out.Close()
		return err
	}

	logger.Info(ctx, "starting awg-exporter",
		slog.F("version", buildinfo.Version()),
		slog.F("mode", r.mode),
		slog.F("store", r.store),
		slog.F("interval", r.scrapeInterval),
		slog.F("command", sampler.Command()),
		slog.F("timezone", loc.String()),
		slog.F("labels", labels),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loopDone := make(chan struct{})
	var eg errgroup.Group
	eg.Go(func() error {
		defer close(loopDone)
		defer cancel()
		return exp.Run(runCtx)
	})
	// Close waits for the loop to return, so an in-flight cycle still
	// publishes through an open sink.
	eg.Go(func() error {
		<-loopDone
		return out.Close()
	})
	if err := eg.Wait(); err != nil {
		return err
	}
	logger.Info(ctx, "awg-exporter stopped")
	return nil
}

func (r *RootCmd) openStore(logger slog.Logger) peerstore.Store {
	if r.store == StoreMemory {
		logger.Warn(context.Background(), "using the memory store, activity history is lost on restart")
		return memstore.New()
	}
	return redisstore.New(logger, redisstore.Options{
		Host:     r.redisHost,
		Port:     int(r.redisPort),
		DB:       int(r.redisDB),
		Password: r.redisPassword,
		Key:      r.redisKey,
	})
}

// pingStore waits a bounded time for the store. An unreachable store is
// not fatal: cycles keep the previous counts until it comes back.
func pingStore(ctx context.Context, logger slog.Logger, store peerstore.Store) {
	ctx, cancel := context.WithTimeout(ctx, storeStartupTimeout)
	defer cancel()

	var lastErr error
	for r := retry.New(250*time.Millisecond, 5*time.Second); r.Wait(ctx); {
		lastErr = store.Ping(ctx)
		if lastErr == nil {
			logger.Info(ctx, "peer store reachable")
			return
		}
		logger.Warn(ctx, "ping peer store", slog.Error(lastErr))
	}
	logger.Error(ctx, "peer store unreachable, counts stay frozen until it recovers", slog.Error(lastErr))
}

func (r *RootCmd) openSink(ctx context.Context, logger slog.Logger, metrics *sink.Metrics, clock quartz.Clock, pushLabels map[string]string) (sink.Sink, error) {
	switch r.mode {
	case ModeHTTP:
		return sink.NewPull(ctx, logger, metrics, r.httpAddress)
	case ModeFile, ModeOneShot:
		return sink.NewFile(logger, metrics, r.metricsFile)
	case ModePush:
		return sink.NewPush(logger, metrics, sink.PushOptions{
			URL:         r.pushURL,
			Token:       r.pushToken,
			ExtraLabels: pushLabels,
			Clock:       clock,
		})
	default:
		return nil, xerrors.Errorf("unknown mode %q", r.mode)
	}
}
