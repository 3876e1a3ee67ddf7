// Command studio serves browser terminals backed by one hardened container
// per session.
//
// Clients connect over WebSocket at /ws, create or reconnect to a session, and
// exchange terminal traffic with the container's shell. Idle sessions are
// reaped and containers left over from a previous run are removed at startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	studio "github.com/KostasNoreika/claude-studio-sub000"
	"github.com/KostasNoreika/claude-studio-sub000/gateway"
	"github.com/KostasNoreika/claude-studio-sub000/internal/config"
	"github.com/KostasNoreika/claude-studio-sub000/observer"
	"github.com/KostasNoreika/claude-studio-sub000/router"
	"github.com/KostasNoreika/claude-studio-sub000/sandbox"
	"github.com/KostasNoreika/claude-studio-sub000/session"
	"github.com/KostasNoreika/claude-studio-sub000/watcher"
)

func main() {
	flags := pflag.NewFlagSet("studio", pflag.ExitOnError)
	configPath := flags.String("config", os.Getenv("STUDIO_CONFIG"), "path to the TOML config file")
	addr := flags.String("addr", "", "listen address (overrides config)")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	skipCleanup := flags.Bool("skip-cleanup", false, "do not remove orphaned containers at startup")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "studio:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *skipCleanup {
		cfg.Server.SkipCleanup = true
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "studio:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("studio stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	mc, err := cfg.Manager()
	if err != nil {
		return err
	}

	tracer := studio.NopTracer()
	recorder := studio.NopRecorder()
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			return fmt.Errorf("observer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		tracer = observer.TracerFrom(inst)
		recorder = observer.NewRecorder(inst)
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Engine.Host != "" {
		opts = append(opts, client.WithHost(cfg.Engine.Host))
	}
	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer docker.Close()

	limiter := studio.NewRateLimiter(cfg.Limiter())

	// The registry is built after the manager, but the manager's watcher
	// callback needs it.
	var reg *session.Registry
	mgrOpts := []sandbox.Option{
		sandbox.WithLogger(logger.With("component", "sandbox")),
		sandbox.WithTracer(tracer),
		sandbox.WithRecorder(recorder),
	}
	if cfg.Watcher.Enabled {
		mgrOpts = append(mgrOpts, sandbox.WithWatcher(
			watchFactory(cfg.Watcher, logger.With("component", "watcher")),
			func(sessionID string, ev watcher.Event) { reg.Reload(sessionID, ev.Files) },
		))
	}
	mgr := sandbox.New(docker, mc, mgrOpts...)

	if !mgr.HealthCheck(ctx) {
		logger.Warn("container engine not reachable at startup")
	}
	if !cfg.Server.SkipCleanup {
		n, err := mgr.CleanupOrphans(ctx)
		if err != nil {
			logger.Warn("orphan cleanup incomplete", "removed", n, "error", err)
		} else if n > 0 {
			logger.Info("removed orphaned containers", "count", n)
		}
	}

	reg = session.NewRegistry(mgr, limiter,
		session.WithLogger(logger.With("component", "session")),
		session.WithRecorder(recorder),
	)
	rt := router.New(reg, limiter,
		router.WithLogger(logger.With("component", "router")),
		router.WithRecorder(recorder),
	)
	reaper := session.NewReaper(reg,
		session.ReapInterval(cfg.Reaper.Interval),
		session.IdleTimeout(cfg.Reaper.IdleTimeout),
		session.ExpireTimeout(mc.StopTimeout+mc.CallTimeout),
		session.ReaperLogger(logger.With("component", "reaper")),
	)
	ws := gateway.New(reg, rt,
		gateway.WithLogger(logger.With("component", "gateway")),
		gateway.WithRecorder(recorder),
		gateway.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)

	mux := http.NewServeMux()
	mux.Handle(gateway.Path, ws)
	registerAdmin(mux, mgr, reg)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           otelhttp.NewHandler(mux, "studio"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.RunHealthMonitor(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error {
		limiter.Run(gctx, cfg.RateLimit.IdleTTL)
		return nil
	})
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func watchFactory(cfg config.WatcherConfig, logger *slog.Logger) sandbox.WatcherFactory {
	return func(path string) (sandbox.Watcher, error) {
		opts := []watcher.Option{watcher.WithLogger(logger)}
		if cfg.Debounce > 0 {
			opts = append(opts, watcher.WithDebounce(cfg.Debounce))
		}
		if len(cfg.Ignore) > 0 {
			opts = append(opts, watcher.WithIgnore(cfg.Ignore...))
		}
		w, err := watcher.New(path, opts...)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, hopts)), nil
	default:
		return nil, fmt.Errorf("log format %q: want json or text", cfg.Format)
	}
}
