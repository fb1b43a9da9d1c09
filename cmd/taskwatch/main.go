// taskwatch follows upload task events from the upload service's STOMP
// endpoint, stores them in PostgreSQL and relays them to NATS.
//
// Usage: taskwatch -config configs/taskwatch.yaml
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
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/gdupload/taskwatch/internal/bus"
	"github.com/gdupload/taskwatch/internal/config"
	"github.com/gdupload/taskwatch/internal/connection"
	"github.com/gdupload/taskwatch/internal/database"
	"github.com/gdupload/taskwatch/internal/relay"
	"github.com/gdupload/taskwatch/internal/router"
	"github.com/gdupload/taskwatch/internal/sockjs"
	"github.com/gdupload/taskwatch/internal/taskevent"
	"github.com/gdupload/taskwatch/internal/tracker"
	"github.com/gdupload/taskwatch/internal/version"
	"github.com/gdupload/taskwatch/internal/watcher"
	"github.com/gdupload/taskwatch/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/taskwatch.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	// Set up structured logging
	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q\n", *logLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting taskwatch",
		"version", version.String(),
		"config", *configPath,
	)

	if err := run(*configPath, logger); err != nil {
		logger.Error("taskwatch failed", "error", err)
		os.Exit(1)
	}
	logger.Info("taskwatch stopped")
}

func run(configPath string, logger *slog.Logger) error {
	// Load configuration
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"stomp_url", cfg.STOMP.URL,
		"database", cfg.Database.Enabled(),
		"nats", cfg.NATS.Enabled(),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	eventBus := bus.New(256, logger.With("component", "bus"))
	defer eventBus.Shutdown()

	// Router
	routerCfg := router.DefaultRouterConfig()
	routerCfg.DedupWindow = cfg.Router.DedupWindow
	routerCfg.BufferLimit = cfg.Router.BufferLimit
	rtr := router.NewRouter(routerCfg, eventBus, logger.With("component", "router"))
	if err := rtr.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	// Database and writers
	var (
		pool    *pgxpool.Pool
		writers []*writer.Writer
	)
	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("database connected")

		writerCfg := writer.WriterConfig{
			BatchSize:     cfg.Writers.BatchSize,
			FlushInterval: cfg.Writers.FlushInterval,
		}
		buffers := rtr.Buffers()
		writerLogger := logger.With("component", "writer")
		writers = []*writer.Writer{
			writer.NewProgressWriter(writerCfg, buffers.Progress, pool, writerLogger),
			writer.NewTaskStatusWriter(writerCfg, buffers.TaskStatus, pool, writerLogger),
			writer.NewFileStatusWriter(writerCfg, buffers.FileStatus, pool, writerLogger),
		}
		for _, w := range writers {
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("start %s writer: %w", w.Table(), err)
			}
		}
	} else {
		go discardBuffers(ctx, rtr.Buffers())
	}

	// NATS relay
	var (
		nc *nats.Conn
		rl *relay.Relay
	)
	if cfg.NATS.Enabled() {
		nc, err = relay.Connect(cfg.NATS.URL, cfg.NATS.Name, logger.With("component", "nats"))
		if err != nil {
			return err
		}
		rl = relay.New(relay.Config{SubjectPrefix: cfg.NATS.SubjectPrefix}, nc, eventBus, logger.With("component", "relay"))
		if err := rl.Start(ctx); err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
	}

	// Task tracker
	tr := tracker.New(tracker.Config{
		RetainFinished:    cfg.Tracker.RetainFinished,
		StaleAfter:        cfg.Tracker.StaleAfter,
		ReconcileInterval: cfg.Tracker.ReconcileInterval,
	}, eventBus, logger.With("component", "tracker"))
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}

	// Transport and watcher
	proxyURL, err := cfg.SockJS.ProxyURL()
	if err != nil {
		return err
	}
	sockCfg := sockjs.DefaultConfig()
	sockCfg.Transports = cfg.SockJS.Transports
	sockCfg.Proxy = proxyURL
	sockCfg.HandshakeTimeout = cfg.SockJS.HandshakeTimeout
	sockCfg.WriteTimeout = cfg.SockJS.WriteTimeout
	sockCfg.PollTimeout = cfg.SockJS.PollTimeout
	sockCfg.InfoRetries = cfg.SockJS.InfoRetries
	transport := sockjs.New(sockCfg, logger.With("component", "sockjs"))

	w := watcher.New(watcherConfig(cfg), clientConfig(cfg), transport, rtr.Route, eventBus, logger.With("component", "watcher"))
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	if cfg.Tracker.Follow {
		go followTasks(ctx, tr.SubscribeChanges(), w, logger.With("component", "follow"))
	}

	// Health server
	var db pinger
	if pool != nil {
		db = pool
	}
	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           createHealthHandler(cfg.Health.Path, db, w, rtr, writers, rl, tr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Upstream first so every queued event reaches the writers.
		w.Stop(shutdownCtx)
		rtr.Stop(shutdownCtx)
		for _, wr := range writers {
			wr.Stop(shutdownCtx)
		}
		tr.Stop(shutdownCtx)
		if rl != nil {
			rl.Stop(shutdownCtx)
		}
		if nc != nil {
			if err := nc.Drain(); err != nil {
				logger.Warn("nats drain failed", "error", err)
			}
		}
		return healthServer.Shutdown(shutdownCtx)
	})

	logger.Info("taskwatch running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	return g.Wait()
}

func clientConfig(cfg *config.Config) connection.Config {
	c := connection.DefaultConfig()
	c.Address = cfg.STOMP.URL
	c.Host = cfg.STOMP.Host
	c.ConnectHeaders = cfg.STOMP.Headers
	c.ConnectTimeout = cfg.STOMP.ConnectTimeout
	c.ReconnectBaseDelay = cfg.STOMP.ReconnectBaseDelay
	c.ReconnectMaxDelay = cfg.STOMP.ReconnectMaxDelay
	c.MaxReconnectAttempts = *cfg.STOMP.MaxReconnectAttempts
	c.HeartbeatOutgoing = cfg.STOMP.HeartbeatOutgoing
	c.HeartbeatIncoming = cfg.STOMP.HeartbeatIncoming
	c.MailboxLimit = cfg.STOMP.MailboxLimit
	return c
}

func watcherConfig(cfg *config.Config) watcher.Config {
	dests := append([]string(nil), cfg.STOMP.Destinations...)
	for _, id := range cfg.STOMP.TaskIDs {
		dests = append(dests, taskevent.TaskTopic(id))
	}
	return watcher.Config{
		Address:      cfg.STOMP.URL,
		Destinations: dests,
		RestartDelay: cfg.STOMP.RestartDelay,
	}
}

// discardBuffers empties the router outputs when no database is configured.
// Events still reach the bus.
func discardBuffers(ctx context.Context, buffers router.RouterBuffers) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			buffers.Progress.Discard()
			buffers.TaskStatus.Discard()
			buffers.FileStatus.Discard()
		}
	}
}
