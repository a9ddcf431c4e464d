package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"jarvis/internal/config"
	"jarvis/internal/domain"
)

// ErrUnavailable means the provider exists in config but cannot be used
// (disabled or missing credentials).
var ErrUnavailable = errors.New("provider unavailable")

// Constructor creates a provider from a config entry.
type Constructor func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) (domain.Provider, error)

// Factory creates and caches completion providers from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	client       *http.Client
	constructors map[string]Constructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.Fallback.TimeoutSeconds) * time.Second
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		client:       newHTTPClient(timeout),
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
	delete(f.cache, name)
}

func (f *Factory) registerDefaults() {
	f.constructors["openai"] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) (domain.Provider, error) {
		if pc.APIKey == "" {
			return nil, fmt.Errorf("%w: openai api key not set", ErrUnavailable)
		}
		return NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, HTTPClient: client, Logger: logger}), nil
	}
	f.constructors["anthropic"] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) (domain.Provider, error) {
		if pc.APIKey == "" {
			return nil, fmt.Errorf("%w: anthropic api key not set", ErrUnavailable)
		}
		return NewAnthropic(AnthropicConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, HTTPClient: client, Logger: logger}), nil
	}
	f.constructors["ollama"] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) (domain.Provider, error) {
		return NewOllama(OllamaConfig{APIBase: pc.APIBase, DefaultModel: pc.DefaultModel, HTTPClient: client, Logger: logger}), nil
	}
}

// Get returns the named provider. Created providers are cached so the same
// instance is reused across calls.
func (f *Factory) Get(name string) (domain.Provider, error) {
	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("%w: %s is disabled", ErrUnavailable, name)
	}

	var (
		p   domain.Provider
		err error
	)
	if ctor, found := f.constructors[name]; found {
		p, err = ctor(pc, f.client, f.logger)
	} else if pc.APIBase != "" {
		// Unknown names with an endpoint are treated as OpenAI-compatible.
		p = NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, HTTPClient: f.client, Logger: f.logger})
	} else {
		err = fmt.Errorf("provider %s: no constructor registered and no API base configured", name)
	}
	if err != nil {
		return nil, err
	}

	f.cache[name] = p
	return p, nil
}

// Fallback builds the provider used by the fallback responder: the failover
// chain when one is configured, otherwise the single fallback provider.
// Entries that are unavailable are skipped with a warning. The result is
// wrapped in a rate limiter when fallback.rateLimitPerMinute is set.
func (f *Factory) Fallback() (domain.Provider, error) {
	names := f.cfg.Fallback.FailoverChain
	if len(names) == 0 && f.cfg.Fallback.Provider != "" {
		names = []string{f.cfg.Fallback.Provider}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no fallback provider configured", ErrUnavailable)
	}

	var (
		chain   []domain.Provider
		lastErr error
	)
	for _, name := range names {
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("fallback provider skipped", "provider", name, "err", err)
			lastErr = err
			continue
		}
		chain = append(chain, p)
	}
	if len(chain) == 0 {
		return nil, lastErr
	}

	var p domain.Provider = chain[0]
	if len(chain) > 1 {
		p = NewFailoverProvider(chain, f.logger)
	}
	if rpm := f.cfg.Fallback.RateLimitPerMin; rpm > 0 {
		p = NewRateLimited(p, NewRateLimiter(rpm, float64(rpm)))
	}
	return p, nil
}
