// Command voxid is the real-time speaker identification server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/voxmeet/voxid/internal/config"
	"github.com/voxmeet/voxid/internal/feature"
	"github.com/voxmeet/voxid/internal/health"
	"github.com/voxmeet/voxid/internal/ident"
	"github.com/voxmeet/voxid/internal/match"
	"github.com/voxmeet/voxid/internal/observe"
	"github.com/voxmeet/voxid/internal/server"
	"github.com/voxmeet/voxid/internal/voiceprint"
)

// version is stamped via -ldflags at release builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxid: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("voxid starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxid",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Core pipeline ─────────────────────────────────────────────────────────
	extractor, err := feature.New(cfg.Extractor)
	if err != nil {
		slog.Error("failed to build extractor", "err", err)
		return 1
	}
	matcher := match.New(cfg.Matcher)
	registry := voiceprint.NewRegistry()

	// ── Optional voiceprint persistence ──────────────────────────────────────
	var checkers []health.Checker
	var store server.SampleStore
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pg, err := voiceprint.NewStore(ctx, dsn, extractor.Dim())
		if err != nil {
			slog.Error("failed to open voiceprint store", "err", err)
			return 1
		}
		defer pg.Close()

		n, err := pg.LoadAll(ctx, registry)
		if err != nil {
			slog.Error("failed to load persisted voiceprints", "err", err)
			return 1
		}
		slog.Info("voiceprints loaded", "samples", n, "speakers", len(registry.Profiles()))

		store = pg
		checkers = append(checkers, health.Checker{Name: "voiceprint_store", Check: pg.Ping})
	} else {
		slog.Warn("storage.postgres_dsn is empty; enrollments will not survive restarts")
	}

	// ── Session pool ──────────────────────────────────────────────────────────
	manager, err := ident.NewManager(cfg.ManagerConfig(), extractor, matcher, registry, metrics)
	if err != nil {
		slog.Error("failed to build session manager", "err", err)
		return 1
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	srv := server.New(registry, store, extractor, manager, metrics, health.New(checkers...))
	srv.Mux().Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready", "addr", cfg.Server.ListenAddr, "feature_dim", extractor.Dim())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
