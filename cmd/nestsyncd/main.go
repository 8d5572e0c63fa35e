// Command nestsyncd runs the nestsync agent: it watches connectivity, drains
// the offline queue when the remote store is reachable, follows the change
// feed and serves the local HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kilupskalvis/nestsync/internal/agent"
	"github.com/kilupskalvis/nestsync/internal/app"
	"github.com/kilupskalvis/nestsync/internal/config"
	"github.com/kilupskalvis/nestsync/internal/netstatus"
	"github.com/kilupskalvis/nestsync/internal/realtime"
)

func main() {
	dir := flag.String("dir", os.Getenv("NESTSYNC_DIR"), "Workspace directory containing .nestsync (default: search from cwd)")
	listen := flag.String("listen", os.Getenv("NESTSYNC_LISTEN"), "Listen address (default from config)")
	token := flag.String("token", os.Getenv("NESTSYNC_AGENT_TOKEN"), "Bearer token required by the /v1 API")
	logLevel := flag.String("log-level", envOrDefault("NESTSYNC_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("NESTSYNC_LOG_FORMAT", "json"), "Log format (json, text)")
	flag.Parse()

	// Setup logger
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Load config
	var (
		cfg *config.Config
		err error
	)
	if *dir != "" {
		cfg, err = config.LoadFrom(filepath.Join(*dir, config.Dir))
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if *listen == "" {
		*listen = cfg.Agent.Listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to open agent", "error", err)
		os.Exit(1)
	}
	defer a.Close()
	logger.Info("agent opened", "remote", cfg.Remote.Kind, "queue_backend", cfg.Queue.Backend, "queued", a.Queue.Size())

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// Drain as soon as the remote comes back, and periodically for backoff
	stopReconnect := a.Engine.DrainOnReconnect(ctx, a.Network)
	defer stopReconnect()
	// Provision remote tables the first time the remote is reachable
	var provisionOnce sync.Once
	provision := func() {
		provisionOnce.Do(func() {
			if err := a.Provision(ctx); err != nil {
				logger.Warn("failed to provision remote tables", "error", err)
			}
		})
	}
	stopProvision := a.Network.Subscribe(func(t netstatus.Transition) {
		if t == netstatus.BecameOnline {
			go provision()
		}
	})
	defer stopProvision()
	if a.Probe(ctx) {
		provision()
	}
	if a.Prober != nil {
		run(func() { a.Prober.Run(ctx) })
	} else {
		a.Engine.Drain(ctx)
	}
	run(func() { a.Engine.Run(ctx, cfg.DrainInterval()) })

	// Change feed
	if cfg.Realtime.URL != "" {
		listener := realtime.NewListener(realtime.Config{
			URL:    cfg.Realtime.URL,
			APIKey: cfg.Remote.APIKey,
			Tables: cfg.Realtime.Tables,
		}, a.Local, logger)
		run(func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("change feed stopped", "error", err)
			}
		})
	}

	// Handler
	apiCfg := agent.DefaultConfig()
	apiCfg.Token = *token
	h, handlerCleanup := agent.Handler(agent.Deps{
		Engine:        a.Engine,
		Facade:        a.Facade,
		Queue:         a.Queue,
		Network:       a.Network,
		Records:       a.Local,
		Notifications: a.Notes,
		Metrics:       a.Metrics,
	}, apiCfg, logger)
	defer handlerCleanup()

	// HTTP server
	srv := &http.Server{
		Addr:         *listen,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("starting nestsyncd", "listen", *listen, "workspace", cfg.Path())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	wg.Wait()
	logger.Info("agent stopped", "queued", a.Queue.Size())
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
