// Package main implements the rlreplay daemon: it keeps an OBS replay
// buffer rolling, saves a clip a few seconds after a game plugin fires a
// save cue over UDP, and points a VLC source at the saved clip for instant
// replay playback.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Kazuryu0907/new-rl-replay/config"
	"github.com/Kazuryu0907/new-rl-replay/cue"
	"github.com/Kazuryu0907/new-rl-replay/logcapture"
	"github.com/Kazuryu0907/new-rl-replay/metric"
	"github.com/Kazuryu0907/new-rl-replay/protocol"
	"github.com/Kazuryu0907/new-rl-replay/replay"
	"github.com/Kazuryu0907/new-rl-replay/session"
	"github.com/Kazuryu0907/new-rl-replay/supervisor"
	"github.com/Kazuryu0907/new-rl-replay/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "rlreplay"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}

	cfg, err := loadConfiguration(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	// Stray prints from dependencies land in the structured log instead of
	// interleaving with it.
	restore, err := logcapture.Capture(logger)
	if err != nil {
		return err
	}
	defer restore()

	logger.Info("starting", "obs", cfg.Connection.URL(), "cue", cfg.Cue.ListenAddr)

	registry := metric.NewMetricsRegistry()
	return runComponents(cfg, cliCfg, logger, registry)
}

// loadConfiguration loads the YAML config, or defaults when no path is
// given, and applies CLI log overrides.
func loadConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	var cfg *config.Config
	if cliCfg.ConfigPath != "" {
		loaded, err := config.Load(cliCfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
		if val := os.Getenv(config.PasswordEnvVar); val != "" {
			cfg.Connection.Password = val
		}
	}

	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
	if cliCfg.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = cliCfg.MetricsAddr
	}
	return cfg, cfg.Validate()
}

// runComponents wires the machine, supervisor, cue listener and metrics
// server together and runs them until a signal arrives.
func runComponents(
	cfg *config.Config, cliCfg *CLIConfig, logger *slog.Logger, registry *metric.MetricsRegistry,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(supervisor.Config{
		URL: cfg.Connection.URL(),
		Transport: transport.Config{
			HandshakeTimeout: cfg.Connection.HandshakeTimeout,
			KeepAlive:        cfg.Connection.KeepAlive,
			MissedPongLimit:  cfg.Connection.MissedPongLimit,
		},
		Handshake: session.HandshakeConfig{
			Password:           cfg.Connection.Password,
			EventSubscriptions: protocol.SubscriptionReplay,
			Timeout:            cfg.Connection.HandshakeTimeout,
		},
		Session: session.Config{
			DefaultTimeout: cfg.Requests.DefaultTimeout,
			Timeouts:       cfg.Requests.Timeouts,
		},
		InitialDelay: cfg.Reconnect.InitialDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
		Multiplier:   cfg.Reconnect.Multiplier,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		StableAfter:  cfg.Reconnect.StableAfter,
	}, supervisor.Deps{
		Logger:  logger.With("component", "supervisor"),
		Metrics: registry.CoreMetrics(),
	})

	source := replay.NewSourceController(sup,
		cfg.Replay.SourceName, cfg.Replay.SceneName,
		logger.With("component", "source"))

	machine := replay.NewMachine(replay.Deps{
		Requester: sup,
		Source:    source,
		Logger:    logger.With("component", "replay"),
		Metrics:   registry.CoreMetrics(),
	}, replay.Config{SaveDelay: cfg.Replay.SaveDelay()})
	machine.BindBus(sup.Bus())
	sup.Attach(machine)

	listener, err := cue.NewListener(cue.Config{
		ListenAddr: cfg.Cue.ListenAddr,
		BurstLimit: cfg.Cue.BurstLimit,
	}, cue.Deps{
		Dispatcher: machine,
		Logger:     logger.With("component", "cue"),
		Registry:   registry,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return machine.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return drainNotifications(gctx, machine, sup, logger) })

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(registry, cfg.Metrics.ListenAddr,
			logger.With("component", "metrics"))
		g.Go(metricsServer.Start)
	}

	// EnsureSource is best-effort at startup; the source may be created
	// later by hand or on the first successful reconnect.
	g.Go(func() error {
		ensureCtx, cancel := context.WithTimeout(gctx, 15*time.Second)
		defer cancel()
		if err := source.EnsureSource(ensureCtx); err != nil {
			logger.Warn("playback source not ensured", "error", err)
		}
		return nil
	})

	<-gctx.Done()
	logger.Info("shutting down", "timeout", cliCfg.ShutdownTimeout)
	if metricsServer != nil {
		_ = metricsServer.Stop(cliCfg.ShutdownTimeout)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	case <-time.After(cliCfg.ShutdownTimeout):
		return fmt.Errorf("graceful shutdown timed out after %s", cliCfg.ShutdownTimeout)
	}
}

// drainNotifications turns machine and connection notifications into log
// lines so neither stream ever blocks its producer.
func drainNotifications(
	ctx context.Context, machine *replay.Machine, sup *supervisor.Supervisor, logger *slog.Logger,
) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-machine.Notifications():
			switch n.Kind {
			case replay.NotifyStateChanged:
				logger.Info("replay state", "from", n.Old, "to", n.New)
			case replay.NotifyClipSaved:
				logger.Info("clip ready", "path", n.Clip.Path, "capturedAt", n.Clip.CapturedAt)
				// Saved clips go straight to the playback source; the
				// playback-ended event returns the machine to Buffering so
				// the next cue can save again.
				machine.Dispatch(replay.CmdPlay)
			case replay.NotifyError:
				logger.Warn("replay error", "error", n.Err)
			}
		case change := <-sup.Changes():
			if change.Err != nil {
				logger.Warn("connection", "status", change.Status, "error", change.Err)
			} else {
				logger.Info("connection", "status", change.Status)
			}
		}
	}
}
