// Package fallback answers requests no skill claims by asking a completion
// provider.
package fallback

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"jarvis/internal/domain"
)

// Error codes carried in Response.Error. The provider's own error text is
// only logged.
const (
	CodeUnavailable = "provider_unavailable"
	CodeProvider    = "provider_error"
)

const (
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.7
	DefaultTimeout     = 30 * time.Second
)

const persona = `You are JARVIS, an advanced AI assistant inspired by Tony Stark's AI companion.
You are intelligent, helpful, and slightly witty. You can help with a wide range of tasks including:
- Answering questions and providing information
- Helping with device control and automation
- Providing recommendations and suggestions
- Assisting with planning and organization
- General conversation and support

Respond in a helpful and engaging manner, maintaining the sophisticated yet approachable personality of JARVIS.`

const (
	unavailableText = "I'm sorry, but I'm unable to process that request right now. The AI service is not available."
	apologyText     = "I apologize, but I'm unable to process that request right now. Please try again later."
)

type Config struct {
	Model             string
	MaxTokens         int
	Temperature       *float64 // nil means DefaultTemperature
	Timeout           time.Duration
	SystemPromptExtra string
}

// Responder wraps one completion provider. A nil provider is allowed and
// yields provider_unavailable responses.
type Responder struct {
	provider domain.Provider
	cfg      Config
	logger   *slog.Logger
}

func New(p domain.Provider, cfg Config, logger *slog.Logger) *Responder {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == nil {
		t := DefaultTemperature
		cfg.Temperature = &t
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{provider: p, cfg: cfg, logger: logger}
}

// Available reports whether a provider is configured.
func (r *Responder) Available() bool { return r.provider != nil }

// ProviderName returns the configured provider's name, or "" when none.
func (r *Responder) ProviderName() string {
	if r.provider == nil {
		return ""
	}
	return r.provider.Name()
}

// Healthy checks the provider within the responder's timeout.
func (r *Responder) Healthy(ctx context.Context) error {
	if r.provider == nil {
		return errors.New(CodeUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.provider.Healthy(ctx)
}

// SystemPrompt returns the persona preamble for userID.
func (r *Responder) SystemPrompt(userID string) string {
	var sb strings.Builder
	sb.WriteString(persona)
	if extra := strings.TrimSpace(r.cfg.SystemPromptExtra); extra != "" {
		sb.WriteString("\n\n")
		sb.WriteString(extra)
	}
	if userID != "" && userID != domain.AnonymousUser {
		sb.WriteString("\n\nYou are currently assisting user: ")
		sb.WriteString(userID)
	}
	return sb.String()
}

// Respond never returns an error: every failure becomes a degraded response
// with success false.
func (r *Responder) Respond(ctx context.Context, req domain.Request) *domain.Response {
	if r.provider == nil {
		return &domain.Response{Text: unavailableText, Error: CodeUnavailable}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	resp, err := r.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: r.SystemPrompt(req.User())},
			{Role: "user", Content: req.Message},
		},
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	})
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = errors.New("empty completion")
	}
	if err != nil {
		r.logger.Error("fallback completion failed",
			"provider", r.provider.Name(),
			"user", req.User(),
			"err", err,
		)
		return &domain.Response{Text: apologyText, Error: CodeProvider}
	}

	r.logger.Debug("fallback completion",
		"provider", r.provider.Name(),
		"model", resp.Model,
		"latency_ms", resp.LatencyMs,
		"tokens", resp.Usage.TotalTokens,
	)
	return &domain.Response{
		Text:    resp.Content,
		Success: true,
		Model:   resp.Model,
	}
}
