// Package orchestrator routes requests to skills through per-skill circuit
// breakers and sends everything no skill claims to the fallback responder.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"jarvis/internal/breaker"
	"jarvis/internal/bus"
	"jarvis/internal/domain"
	"jarvis/internal/metrics"
	"jarvis/internal/skill"

	"github.com/google/uuid"
)

// SchemaSource decides which skill handles a request.
type SchemaSource interface {
	domain.SchemaMatcher
	List() []domain.Schema
	Len() int
	Warnings() []string
	Reload(ctx context.Context) (int, error)
}

// Executors runs skill executors by schema name. Execute returns an error
// wrapping skill.ErrNotFound when nothing is registered under name.
type Executors interface {
	Execute(ctx context.Context, name string, req domain.Request) (*domain.Response, error)
	Names() []string
}

// Responder answers requests no skill matched.
type Responder interface {
	Respond(ctx context.Context, req domain.Request) *domain.Response
	Available() bool
	ProviderName() string
}

// Error codes set on skill error responses.
const (
	CodeSkillNotFound = "skill_not_found"
	CodeInternal      = "internal_error"
)

const (
	internalErrorText = "I apologize, but I encountered an error while processing your request. Please try again."
	historyTimeout    = 2 * time.Second
)

type Config struct {
	Schemas  SchemaSource
	Skills   Executors
	Fallback Responder
	Breaker  breaker.Config
	Metrics  *metrics.Metrics
	History  domain.InteractionStore // optional
	Events   *bus.EventBus           // optional
	Logger   *slog.Logger
}

// Router is the single entry point for requests. It is safe for concurrent
// use and holds no lock while a skill or provider runs.
type Router struct {
	schemas  SchemaSource
	skills   Executors
	fallback Responder
	breakers *breaker.Manager
	metrics  *metrics.Metrics
	history  domain.InteractionStore
	events   *bus.EventBus
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "router")

	bcfg := cfg.Breaker
	hook := bcfg.OnStateChange
	m := cfg.Metrics
	events := cfg.Events
	bcfg.OnStateChange = func(name string, from, to breaker.State) {
		m.BreakerState(name, int(to))
		if events != nil {
			events.Emit(bus.Event{
				Type:    bus.EventBreakerStateChange,
				Source:  "breaker",
				Payload: map[string]any{"skill": name, "from": from.String(), "to": to.String()},
			})
		}
		if hook != nil {
			hook(name, from, to)
		}
	}

	r := &Router{
		schemas:  cfg.Schemas,
		skills:   cfg.Skills,
		fallback: cfg.Fallback,
		breakers: breaker.NewManager(bcfg, cfg.Logger),
		metrics:  m,
		history:  cfg.History,
		events:   events,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	m.SchemasLoaded(cfg.Schemas.Len())
	return r
}

// Breakers exposes the per-skill breaker manager.
func (r *Router) Breakers() *breaker.Manager { return r.breakers }

// Handle routes one request and always returns a response. input may be a
// domain.Request, a map, a string or anything printable. userID, when set,
// overrides the user id carried by input.
func (r *Router) Handle(ctx context.Context, input any, userID string) (resp *domain.Response) {
	start := time.Now()
	req := domain.NormalizeRequest(input)
	if userID != "" {
		req.UserID = userID
	}
	path := metrics.PathError

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("request handling panicked",
				"panic", p,
				"stack", string(debug.Stack()),
			)
			path = metrics.PathError
			resp = &domain.Response{
				Text:   internalErrorText,
				Source: domain.SourceError,
				Error:  CodeInternal,
			}
		}
		if resp.Timestamp.IsZero() {
			resp.Timestamp = r.now()
		}
		elapsed := time.Since(start)
		r.metrics.ObserveRequest(path, elapsed)
		r.record(ctx, req, resp, elapsed)
	}()

	if name, ok := r.schemas.Match(req); ok {
		path = metrics.PathSkill
		return r.runSkill(ctx, name, req)
	}

	path = metrics.PathFallback
	r.logger.Info("no skill matched, using fallback", "user", req.User())
	resp = r.fallback.Respond(ctx, req)
	if resp == nil {
		resp = &domain.Response{Text: internalErrorText, Error: CodeInternal}
	}
	r.metrics.FallbackCall(resp.Success)
	if !resp.Success {
		r.emit(bus.EventFallbackDegraded, map[string]any{"provider": r.fallback.ProviderName(), "error": resp.Error})
	}
	resp.Source = domain.SourceFallback
	resp.Timestamp = r.now()
	return resp
}

func (r *Router) runSkill(ctx context.Context, name string, req domain.Request) *domain.Response {
	b := r.breakers.Get(name)
	out, err := breaker.Execute(ctx, b, func(ctx context.Context) (*domain.Response, error) {
		resp, err := r.skills.Execute(ctx, name, req)
		if err == nil && resp == nil {
			err = errors.New("skill returned no response")
		}
		return resp, err
	})

	switch {
	case errors.Is(err, breaker.ErrOpen):
		r.metrics.SkillRejection(name)
		r.logger.Warn("skill rejected by open circuit breaker", "skill", name)
		return &domain.Response{
			Text:               fmt.Sprintf("The '%s' capability is temporarily unavailable. Please try again later.", name),
			SkillUsed:          name,
			Source:             domain.SourceSkill,
			CircuitBreakerOpen: true,
			Timestamp:          r.now(),
		}
	case errors.Is(err, skill.ErrNotFound):
		r.metrics.SkillCall(name)
		r.metrics.SkillFailure(name)
		r.logger.Error("matched skill has no executor", "skill", name)
		return &domain.Response{
			Text:      fmt.Sprintf("The '%s' capability is not available.", name),
			SkillUsed: name,
			Source:    domain.SourceSkill,
			Error:     CodeSkillNotFound,
			Timestamp: r.now(),
		}
	case err != nil:
		r.metrics.SkillCall(name)
		r.metrics.SkillFailure(name)
		r.logger.Error("skill execution failed", "skill", name, "err", err)
		return &domain.Response{
			Text:      fmt.Sprintf("An error occurred while executing the '%s' capability.", name),
			SkillUsed: name,
			Source:    domain.SourceSkill,
			Error:     err.Error(),
			Timestamp: r.now(),
		}
	}

	r.metrics.SkillCall(name)
	r.logger.Info("skill executed", "skill", name, "success", out.Success)
	resp := *out
	resp.SkillUsed = name
	resp.Source = domain.SourceSkill
	resp.Timestamp = r.now()
	return &resp
}

func (r *Router) emit(eventType string, payload map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Emit(bus.Event{Type: eventType, Source: "router", Payload: payload})
}

// record stores the interaction when a history store is configured. Failures
// are logged only.
func (r *Router) record(ctx context.Context, req domain.Request, resp *domain.Response, elapsed time.Duration) {
	if r.history == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("interaction recording panicked", "panic", p)
		}
	}()
	id := uuid.NewString()
	channel, _ := req.Extra["channel"].(string)
	it := domain.Interaction{
		ID:        id,
		UserID:    req.User(),
		Channel:   channel,
		Message:   req.Message,
		Response:  resp.Text,
		SkillUsed: resp.SkillUsed,
		Source:    resp.Source,
		Success:   resp.Success,
		LatencyMs: elapsed.Milliseconds(),
		CreatedAt: resp.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := r.history.Record(ctx, it); err != nil {
		r.logger.Warn("failed to record interaction", "err", err)
		return
	}
	resp.InteractionID = id
}
