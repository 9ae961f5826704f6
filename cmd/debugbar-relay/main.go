package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"debugbar_relay/internal/assets"
	"debugbar_relay/internal/config"
	"debugbar_relay/internal/encoder"
	"debugbar_relay/internal/limits"
	"debugbar_relay/internal/middleware"
	"debugbar_relay/internal/obs"
	"debugbar_relay/internal/panel"
	"debugbar_relay/internal/relay"
	"debugbar_relay/internal/retention"
	"debugbar_relay/internal/server"
	"debugbar_relay/internal/session"
)

const defaultReapInterval = time.Minute

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a .yaml or .json(c) config file")
	listen := pflag.String("listen", "", "listen address, overrides the config file")
	backend := pflag.String("backend", "", "session backend: memory or sqlite")
	pflag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	} else {
		config.ApplyEnv(cfg, os.Getenv)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *backend != "" {
		cfg.Session.Backend = *backend
	}

	logger := obs.NewLogger(os.Stderr, cfg.Log.Level)
	warnings, err := config.Validate(cfg)
	for _, warning := range warnings {
		logger.Warn("config warning", "warning", warning)
	}
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	metrics := obs.NewMetrics(obs.MetricsConfig{})

	enc, err := encoder.New(cfg.Relay.Charset)
	if err != nil {
		return err
	}
	limitConfig, err := limits.FromConfig(cfg.Limits)
	if err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	shutdownConfig, err := server.ShutdownFromConfig(cfg.Shutdown)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	store, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	dialer := panel.NewDialer(panel.BreakerConfig{Enabled: true})
	closeAll := func() {
		_ = dialer.Close()
		_ = store.Close()
	}
	panels, err := buildPanels(cfg, dialer)
	if err != nil {
		closeAll()
		return err
	}

	bundler := assets.NewBundler(assets.Config{
		Styles:  cfg.Assets.CSS,
		Scripts: cfg.Assets.JS,
		Metrics: metrics,
		Logger:  logger,
	})
	controller := relay.New(relay.Config{
		Panels: panels,
		Retention: retention.New(retention.Config{
			Freshness:    time.Duration(cfg.Relay.FreshnessMS) * time.Millisecond,
			MaxRedirects: cfg.Relay.MaxRedirects,
		}),
		Encoder:    enc,
		Assets:     bundler,
		AssetParam: cfg.Relay.AssetParam,
		Metrics:    metrics,
		Logger:     logger,
	})
	sessions := session.NewManager(store, cfg.Session.CookieName)
	sessions.Secure = cfg.Session.CookieSecure

	handler := middleware.Relay(middleware.Config{
		Controller:   controller,
		Sessions:     sessions,
		Assets:       bundler.Handler(),
		MaxBodyBytes: cfg.Relay.MaxBodyBytes,
		ShowErrors:   cfg.Relay.ShowErrors,
		Logger:       logger,
	})(newHostMux(metrics, cfg.MetricsAddr == ""))

	reapCtx, stopReaper := context.WithCancel(context.Background())
	idle := time.Duration(cfg.Session.IdleTimeoutMS) * time.Millisecond
	if idle <= 0 {
		idle = session.DefaultIdleTimeout
	}
	go reapIdle(reapCtx, store, idle, logger)

	srv, err := server.Start(handler, cfg.ListenAddr, server.Options{
		Limits:      limitConfig,
		Shutdown:    shutdownConfig,
		Metrics:     metrics.Handler(),
		MetricsAddr: cfg.MetricsAddr,
		Logger:      logger,
		Stoppers: []server.Stopper{server.StopFunc(func(context.Context) error {
			stopReaper()
			return nil
		})},
		Closers: []io.Closer{store, dialer},
	})
	if err != nil {
		stopReaper()
		closeAll()
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info("debug bar relay listening", "addr", srv.Addr, "metrics_addr", srv.MetricsAddr, "backend", cfg.Session.Backend)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
	logger.Info("shutting down")
	return srv.Shutdown()
}

func openBackend(cfg *config.Config, logger *slog.Logger) (session.Backend, error) {
	switch cfg.Session.Backend {
	case "", config.BackendMemory:
		return session.NewMemoryBackend(session.MemoryConfig{
			HistoryManagement: cfg.Session.HistoryManagement,
			Freshness:         time.Duration(cfg.Relay.FreshnessMS) * time.Millisecond,
			MaxRedirects:      cfg.Relay.MaxRedirects,
			IdleTimeout:       time.Duration(cfg.Session.IdleTimeoutMS) * time.Millisecond,
		}), nil
	case config.BackendSQLite:
		backend, err := session.OpenSQLite(session.SQLiteConfig{Path: cfg.Session.SQLitePath, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("open sqlite sessions: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("%w %q", config.ErrUnknownBackend, cfg.Session.Backend)
	}
}

func reapIdle(ctx context.Context, backend session.Backend, idle time.Duration, logger *slog.Logger) {
	interval := defaultReapInterval
	if idle < interval {
		interval = idle
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := backend.ReapIdle(ctx, now.Add(-idle))
			if err != nil {
				logger.Warn("reap idle sessions", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("reaped idle sessions", "count", removed)
			}
		}
	}
}
