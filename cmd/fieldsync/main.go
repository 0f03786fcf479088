// Command fieldsync is an offline-first sync engine for field ministry
// records: it caches backend data locally, queues writes made while
// unreachable, replays them when connectivity returns, and keeps the app
// shell available offline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/ministrykeeper/fieldsync/server"
	"github.com/ministrykeeper/fieldsync/telemetry"
)

var version = "dev"

type cli struct {
	Address  string `help:"Address to listen on." default:":8080" env:"FIELDSYNC_ADDRESS"`
	DataPath string `help:"Bolt database file for cache, outbox and shell." default:"./fieldsync.db" env:"FIELDSYNC_DATA_PATH"`

	BackendURL   string `help:"Hosted backend API base URL." required:"" env:"FIELDSYNC_BACKEND_URL"`
	BackendToken string `help:"Bearer token for backend authentication." env:"FIELDSYNC_BACKEND_TOKEN"`

	ProbeURL         string        `help:"Reachability probe endpoint (default: backend /healthz)." env:"FIELDSYNC_PROBE_URL"`
	ProbeInterval    time.Duration `help:"How often to probe reachability." default:"10s" env:"FIELDSYNC_PROBE_INTERVAL"`
	ProbeTimeout     time.Duration `help:"Per-probe timeout." default:"3s" env:"FIELDSYNC_PROBE_TIMEOUT"`
	FailureThreshold int           `help:"Consecutive probe failures before going offline." default:"2" env:"FIELDSYNC_FAILURE_THRESHOLD"`

	UpstreamOrigin string `help:"App shell origin to proxy and cache." env:"FIELDSYNC_UPSTREAM_ORIGIN"`
	ShellVersion   string `help:"Active shell cache version; changing it drops older caches." default:"v1" env:"FIELDSYNC_SHELL_VERSION"`

	MaxAttempts int    `help:"Transient replay attempts per mutation before dead-lettering (0 = unlimited)." default:"10" env:"FIELDSYNC_MAX_ATTEMPTS"`
	AuthToken   string `help:"Bearer token protecting the local endpoints." env:"FIELDSYNC_AUTH_TOKEN"`

	Metrics   bool   `help:"Enable the Prometheus /metrics endpoint." default:"true" negatable:"" env:"FIELDSYNC_METRICS"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"FIELDSYNC_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"FIELDSYNC_LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("fieldsync"),
		kong.Description("Offline-first sync engine for field ministry records."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(&flags))
}

func run(flags *cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "fieldsync",
		ServiceVersion:   version,
		EnablePrometheus: flags.Metrics,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	srv, err := server.New(server.Config{
		Address:          flags.Address,
		DataPath:         flags.DataPath,
		BackendURL:       flags.BackendURL,
		BackendToken:     flags.BackendToken,
		ProbeURL:         flags.ProbeURL,
		ProbeInterval:    flags.ProbeInterval,
		ProbeTimeout:     flags.ProbeTimeout,
		FailureThreshold: flags.FailureThreshold,
		UpstreamOrigin:   flags.UpstreamOrigin,
		ShellVersion:     flags.ShellVersion,
		MaxAttempts:      flags.MaxAttempts,
		AuthToken:        flags.AuthToken,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	logger.Info("fieldsync started",
		"version", version,
		"address", srv.Address(),
		"backend", flags.BackendURL,
		"shell_version", flags.ShellVersion,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
