// fanetsim runs the FANET discrete-event simulation and exposes its
// observation stream and metrics over HTTP for the duration of the run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/skyferry/fanetsim/internal/config"
	"github.com/skyferry/fanetsim/internal/metrics"
	"github.com/skyferry/fanetsim/internal/server"
	"github.com/skyferry/fanetsim/internal/sim"
	appversion "github.com/skyferry/fanetsim/internal/version"
)

// shutdownTimeout is the maximum time to wait for the HTTP server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	preset := flag.String("preset", "", "named scenario preset (overrides -config)")
	serve := flag.Bool("serve", false, "keep re-running the scenario until interrupted")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *preset)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("fanetsim starting",
		slog.String("version", appversion.Version),
		slog.String("server_addr", cfg.Server.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("num_nodes", cfg.Sim.NumNodes),
	)

	if err := runSimulation(cfg, logger, *serve); err != nil {
		logger.Error("fanetsim exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("fanetsim stopped")
	return 0
}

func runSimulation(cfg *config.Config, logger *slog.Logger, serveForever bool) error {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	wsSink := server.NewWSSink(logger)

	streamMux := server.NewMux(logger, reg, wsSink, collector.Report, cfg.Server.Path, cfg.Metrics.Path)
	streamSrv := &http.Server{Addr: cfg.Server.Addr, Handler: streamMux, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("observation server listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("stream_path", cfg.Server.Path),
			slog.String("metrics_path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, streamSrv, cfg.Server.Addr)
	})

	g.Go(func() error {
		return runScenarios(gCtx, *cfg, collector, wsSink, logger, serveForever)
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return streamSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run fanetsim: %w", err)
	}
	return nil
}

// runScenarios drives one build/run/report cycle of the orchestrator,
// logging its final report, repeating indefinitely when serveForever is
// set (-serve mode).
func runScenarios(ctx context.Context, cfg config.Config, collector *metrics.Collector, obs *server.WSSink, logger *slog.Logger, serveForever bool) error {
	for {
		orch := sim.Build(cfg, time.Now(), collector, obs)
		orch.Run(ctx)

		report := orch.Report()
		logger.Info("scenario complete",
			slog.Float64("pdr", report.PDR),
			slog.Float64("avg_latency_s", report.AvgLatencyS),
			slog.Float64("avg_hops", report.AvgHops),
			slog.Int64("delivered", report.Delivered),
			slog.Int64("attempted", report.Attempted),
		)

		if !serveForever || ctx.Err() != nil {
			return nil
		}
	}
}

// listenAndServe creates a TCP listener and serves HTTP requests until
// the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// loadConfig resolves configuration from a named preset, a file path, or
// built-in defaults, in that priority order.
func loadConfig(path, preset string) (*config.Config, error) {
	if preset != "" {
		return config.LoadPreset(preset)
	}
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLogger creates a structured logger: tint for readable colorized text
// output, the stdlib JSON handler otherwise, sharing a LevelVar so the
// level could be adjusted without restarting the process.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	if cfg.Format == "text" {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
