package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jarvis/internal/breaker"
	"jarvis/internal/bus"
	"jarvis/internal/config"
	"jarvis/internal/device"
	"jarvis/internal/domain"
	"jarvis/internal/fallback"
	"jarvis/internal/memory"
	"jarvis/internal/metrics"
	"jarvis/internal/orchestrator"
	"jarvis/internal/provider"
	"jarvis/internal/schema"
	"jarvis/internal/skill"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app holds everything a running assistant needs. Commands build one with
// newApp and release it with Close.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	devices   domain.DeviceStore
	skills    *skill.Registry
	schemas   *schema.Registry
	responder *fallback.Responder
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	store     *memory.SQLiteStore // nil when history is disabled
	events    *bus.EventBus
	router    *orchestrator.Router

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		events: bus.NewEventBus(logger),
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.MustNew(a.registry)

	if err := a.openDevices(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.skills = skill.NewRegistry(logger)
	if err := skill.RegisterBuiltins(a.skills, a.devices, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("register skills: %w", err)
	}

	a.schemas = schema.NewRegistry(cfg.Schemas.Dir, schema.Strategy(cfg.Schemas.MatchStrategy), logger)
	if _, err := os.Stat(cfg.Schemas.Dir); errors.Is(err, os.ErrNotExist) {
		logger.Warn("schema directory missing, run 'jarvis init'", "dir", cfg.Schemas.Dir)
	} else if n, err := a.schemas.Load(cfg.Schemas.Dir); err != nil {
		logger.Warn("schema load failed", "dir", cfg.Schemas.Dir, "err", err)
	} else {
		logger.Info("schemas loaded", "count", n, "dir", cfg.Schemas.Dir)
	}

	var prov domain.Provider
	p, err := provider.NewFactory(cfg, logger).Fallback()
	if err != nil {
		logger.Warn("fallback provider unavailable", "err", err)
	} else {
		prov = p
	}
	a.responder = fallback.New(prov, fallback.Config{
		Model:             cfg.Fallback.Model,
		MaxTokens:         cfg.Fallback.MaxTokens,
		Temperature:       &cfg.Fallback.Temperature,
		Timeout:           seconds(cfg.Fallback.TimeoutSeconds),
		SystemPromptExtra: cfg.Fallback.SystemPromptExtra,
	}, logger)

	var history domain.InteractionStore
	if cfg.Memory.Enabled {
		store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("history store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		history = store
	}

	a.router = orchestrator.New(orchestrator.Config{
		Schemas:  a.schemas,
		Skills:   a.skills,
		Fallback: a.responder,
		Breaker: breaker.Config{
			FailMax:      cfg.Breaker.FailMax,
			ResetTimeout: seconds(cfg.Breaker.ResetTimeoutSeconds),
			CallTimeout:  seconds(cfg.Breaker.CallTimeoutSeconds),
		},
		Metrics: a.metrics,
		History: history,
		Events:  a.events,
		Logger:  logger,
	})
	return a, nil
}

func (a *app) openDevices(ctx context.Context) error {
	switch a.cfg.Devices.Backend {
	case "redis":
		store, err := device.NewRedisStore(ctx, a.cfg.Devices.RedisURL, a.cfg.Devices.Prefix, a.logger)
		if err != nil {
			return fmt.Errorf("device store: %w", err)
		}
		n, err := store.Seed(ctx, device.DefaultDevices())
		if err != nil {
			store.Close()
			return fmt.Errorf("seed devices: %w", err)
		}
		if n > 0 {
			a.logger.Info("seeded devices", "count", n)
		}
		a.devices = store
		a.closers = append(a.closers, store.Close)
	default:
		a.devices = device.NewMemoryStore(device.DefaultDevices()...)
	}
	return nil
}

// history returns the interaction store as an interface, nil when disabled.
func (a *app) history() domain.InteractionStore {
	if a.store == nil {
		return nil
	}
	return a.store
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// setupLogger builds the process logger from the general config. Output goes
// to stderr and, when a log file is configured, to that file as JSON.
func setupLogger(cfg *config.Config) (*slog.Logger, func()) {
	level := parseLevel(cfg.General.LogLevel)
	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if cfg.General.LogFile == "" {
		return slog.New(text), func() {}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
		l := slog.New(text)
		l.Warn("cannot create log directory", "path", cfg.General.LogFile, "err", err)
		return l, func() {}
	}
	f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l := slog.New(text)
		l.Warn("cannot open log file", "path", cfg.General.LogFile, "err", err)
		return l, func() {}
	}
	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
	return slog.New(fanout{text, file}), func() { f.Close() }
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fanout sends every record to each handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
