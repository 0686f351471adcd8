package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/steward/internal/api"
	"github.com/nugget/steward/internal/buildinfo"
	"github.com/nugget/steward/internal/connwatch"
	"github.com/nugget/steward/internal/email"
	"github.com/nugget/steward/internal/mqtt"
	"github.com/nugget/steward/internal/tasks"
)

// runServe is the primary operating mode. It starts the HTTP API, the
// email poller, the MQTT subscriber and the task sweeper, then blocks
// until SIGINT or SIGTERM.
//
// Shutdown order:
//  1. The signal cancels ctx, stopping the poller, sweeper and watchers.
//  2. The MQTT subscriber publishes "offline" and drains its handlers.
//  3. The HTTP server drains in-flight requests.
//  4. Background syncs finish and the database closes.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Steward", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"data_dir", cfg.DataDir,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	var bg sync.WaitGroup
	spawn := func(f func()) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			f()
		}()
	}

	// --- Upstream health ---
	health := connwatch.NewManager(a.bus, logger)
	health.Watch(ctx, "llm", a.llm.Ping, connwatch.DefaultBackoff())

	// --- Task expiry ---
	sweeper := tasks.NewSweeper(a.tasks, cfg.Agent.TaskTTL, a.bus, a.metrics, logger)
	spawn(func() { sweeper.Run(ctx, cfg.Agent.SweepInterval) })

	// --- Email poller ---
	if cfg.Email.Configured() && cfg.Email.IMAP.Host != "" {
		poller := email.NewPoller(a.mail, a.users, a.opstate, a.handleInbound, a.bus, logger)
		spawn(func() { poller.Run(ctx, cfg.Email.PollInterval) })
		logger.Info("email polling enabled", "imap", cfg.Email.IMAP.Host, "interval", cfg.Email.PollInterval)
	} else {
		logger.Info("email polling disabled (imap not configured)")
	}

	// --- MQTT subscriber ---
	var sub *mqtt.Subscriber
	if cfg.MQTT.Configured() {
		sub = mqtt.NewSubscriber(cfg.MQTT, a.dispatcher, a.metrics, logger)
		spawn(func() {
			if err := sub.Start(ctx); err != nil {
				logger.Error("mqtt subscriber failed", "error", err)
			}
		})
		health.Watch(ctx, "mqtt", sub.AwaitConnection, connwatch.DefaultBackoff())
		logger.Info("mqtt events enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
	} else {
		logger.Info("mqtt events disabled (not configured)")
	}

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen, api.Deps{
		Chat:         a.loop,
		Dispatcher:   a.dispatcher,
		Sync:         a.syncer,
		Memory:       a.memory,
		Tasks:        a.tasks,
		Instructions: a.instructions,
		Usage:        a.usage,
		Bus:          a.bus,
		Health:       health,
		Gatherer:     a.registry,
		Logger:       logger,
	})

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if sub != nil {
			if err := sub.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(stopCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	serveErr := server.Start()
	cancel()
	<-stopped
	bg.Wait()
	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	health.Wait()
	logger.Info("Steward stopped")
	return nil
}
