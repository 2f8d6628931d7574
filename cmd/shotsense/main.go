// Command shotsense listens to the system audio output and reports
// high-frequency transients together with their stereo direction.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/shotsense/internal/app"
	"github.com/MrWong99/shotsense/internal/config"
	"github.com/MrWong99/shotsense/internal/observe"
	"github.com/MrWong99/shotsense/pkg/audio"
	"github.com/MrWong99/shotsense/pkg/audio/loopback"
	"github.com/MrWong99/shotsense/pkg/audio/parec"
	"github.com/MrWong99/shotsense/pkg/audio/wav"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "shotsense.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	listDevices := flag.Bool("devices", false, "list playback devices usable for loopback capture and exit")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Configuration ─────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.OnConfigChange(old, new)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "shotsense: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "shotsense: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("shotsense starting",
		"version", version,
		"config", *configPath,
		"source", cfg.Source.Kind,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerSources(reg)

	application, err = app.New(cfg, reg,
		app.WithLevelVar(level),
		app.WithMetricsHandler(provider.MetricsHandler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return application.Run(gctx)
	})
	if *watch {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	slog.Info("capture running, press Ctrl+C to stop")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerSources wires every capture backend into reg.
func registerSources(reg *config.Registry) {
	reg.RegisterSource(config.SourceLoopback, func(c config.SourceConfig) (audio.Source, error) {
		return loopback.New(loopback.WithDevice(c.Device)), nil
	})
	reg.RegisterSource(config.SourceParec, func(c config.SourceConfig) (audio.Source, error) {
		return parec.New(parec.WithDevice(c.Device), parec.WithPacketFrames(c.PacketFrames)), nil
	})
	reg.RegisterSource(config.SourceWAV, func(c config.SourceConfig) (audio.Source, error) {
		if c.Path == "" {
			return nil, errors.New("source.path is required")
		}
		return wav.NewSource(c.Path, c.PacketFrames, c.Realtime), nil
	})
	slog.Debug("registered capture sources", "kinds", reg.Kinds())
}

func printDevices() int {
	names, err := loopback.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "shotsense: %v\n", err)
		return 1
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
