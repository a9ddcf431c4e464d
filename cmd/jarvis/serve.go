package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"jarvis/internal/bus"
	"jarvis/internal/channel"
	"jarvis/internal/config"
	"jarvis/internal/domain"
	"jarvis/internal/metrics"
	"jarvis/internal/schema"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, Telegram and the schema watcher",
		Long:  "Starts every enabled channel and routes their messages until Ctrl+C.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.responder.Healthy(ctx); err != nil {
		logger.Warn("fallback provider unhealthy at startup", "provider", a.responder.ProviderName(), "err", err)
	} else if a.responder.Available() {
		logger.Info("fallback provider healthy", "provider", a.responder.ProviderName())
	}

	messageBus := bus.New(100, logger)
	dispatcher := channel.NewDispatcher(channel.DispatcherConfig{
		Bus:         messageBus,
		Router:      a.router,
		Metrics:     a.metrics,
		Events:      a.events,
		Logger:      logger,
		Concurrency: cfg.General.MaxConcurrentMessages,
	})

	var wg sync.WaitGroup
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				logger.Error("component stopped", "component", name, "err", err)
			}
		}()
	}

	run("dispatcher", func() error { dispatcher.Run(ctx); return nil })

	var channels []domain.Channel
	if cfg.Channels.API.Enabled {
		channels = append(channels, newAPIChannel(cfg, a))
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			History:   a.history(),
			Logger:    logger,
		}))
	} else {
		logger.Info("telegram channel disabled")
	}
	for _, ch := range channels {
		run(ch.Name(), func() error { return ch.Start(ctx, messageBus) })
		logger.Info("channel started", "channel", ch.Name())
	}

	var watcher *schema.Watcher
	if cfg.Schemas.Watch {
		watcher = schema.NewWatcher(cfg.Schemas.Dir, a.router, 0, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("schema watcher disabled", "dir", cfg.Schemas.Dir, "err", err)
			watcher = nil
		}
	}

	logger.Info("jarvis serving. Press Ctrl+C to stop.", "version", version)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if watcher != nil {
			watcher.Stop()
		}
		for _, ch := range channels {
			if err := ch.Stop(); err != nil {
				logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
			}
		}
		messageBus.Close()
		wg.Wait()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete", "bus", messageBus.Stats())
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func newAPIChannel(cfg *config.Config, a *app) *channel.API {
	apiCfg := channel.APIConfig{
		Host:          cfg.Channels.API.Host,
		Port:          cfg.Channels.API.Port,
		APIKey:        cfg.Channels.API.APIKey,
		WebhookSecret: cfg.Channels.API.WebhookSecret,
		Router:        a.router,
		History:       a.history(),
		Events:        a.events,
		Config:        cfg,
		Logger:        logger,
	}
	if cfg.Metrics.Enabled {
		apiCfg.Metrics = metrics.Handler(a.registry)
		apiCfg.MetricsPath = cfg.Metrics.Endpoint
	}
	return channel.NewAPI(apiCfg)
}
