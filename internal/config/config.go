package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the root configuration for Jarvis.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Schemas   SchemasConfig             `json:"schemas"`
	Breaker   BreakerConfig             `json:"breaker"`
	Fallback  FallbackConfig            `json:"fallback"`
	Providers map[string]ProviderConfig `json:"providers"`
	Channels  ChannelsConfig            `json:"channels"`
	Memory    MemoryConfig              `json:"memory"`
	Devices   DevicesConfig             `json:"devices"`
	Metrics   MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel"`
	LogFile               string `json:"logFile,omitempty"` // optional log file path
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
}

// SchemasConfig controls where skill schemas come from and how they match.
type SchemasConfig struct {
	Dir           string `json:"dir"`
	Watch         bool   `json:"watch"`
	MatchStrategy string `json:"matchStrategy"` // "first" | "score"
}

type BreakerConfig struct {
	FailMax             int `json:"failMax"`
	ResetTimeoutSeconds int `json:"resetTimeoutSeconds"`
	CallTimeoutSeconds  int `json:"callTimeoutSeconds"`
}

type FallbackConfig struct {
	Provider          string   `json:"provider"`
	FailoverChain     []string `json:"failoverChain,omitempty"` // provider failover order
	Model             string   `json:"model,omitempty"`
	MaxTokens         int      `json:"maxTokens"`
	Temperature       float64  `json:"temperature"`
	TimeoutSeconds    int      `json:"timeoutSeconds"`
	RateLimitPerMin   int      `json:"rateLimitPerMinute,omitempty"`
	SystemPromptExtra string   `json:"systemPromptExtra,omitempty"` // appended to the persona preamble
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

type ChannelsConfig struct {
	API      APIConfig      `json:"api"`
	CLI      CLIConfig      `json:"cli"`
	Telegram TelegramConfig `json:"telegram"`
}

// APIConfig configures the JSON HTTP API (chat, admin, health, metrics).
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey,omitempty"`
	// WebhookSecret enables POST /api/webhook with HMAC-SHA256 signatures.
	WebhookSecret string `json:"webhookSecret,omitempty"`
}

type CLIConfig struct {
	Enabled     bool   `json:"enabled"`
	HistoryFile string `json:"historyFile,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

type MemoryConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// DevicesConfig selects the device-state backend.
type DevicesConfig struct {
	Backend  string `json:"backend"` // "memory" | "redis"
	RedisURL string `json:"redisUrl,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint on the API server.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			result = append(result, v)
		case float64:
			result = append(result, fmt.Sprintf("%d", int64(v)))
		default:
			result = append(result, fmt.Sprint(v))
		}
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.jarvis).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jarvis"
	}
	return filepath.Join(home, ".jarvis")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads KEY=VALUE pairs from .env files into the process
// environment. Variables already set are never overridden; missing files are
// ignored.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env", filepath.Join(DefaultConfigDir(), ".env")}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	LoadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.finalize()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefaults is Load, except that a missing file yields the defaults.
// The boolean reports whether the file was read.
func LoadOrDefaults(path string) (*Config, bool, error) {
	if _, err := os.Stat(ExpandPath(path)); errors.Is(err, os.ErrNotExist) {
		LoadDotEnv()
		cfg := Defaults()
		cfg.finalize()
		return cfg, false, nil
	}
	cfg, err := Load(path)
	return cfg, err == nil, err
}

// finalize expands paths and fills provider keys from the conventional
// environment variables when the file leaves them empty.
func (cfg *Config) finalize() {
	cfg.Schemas.Dir = ExpandPath(cfg.Schemas.Dir)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Channels.CLI.HistoryFile = ExpandPath(cfg.Channels.CLI.HistoryFile)

	for name, env := range map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	} {
		pc, ok := cfg.Providers[name]
		if !ok || pc.APIKey != "" {
			continue
		}
		if v := os.Getenv(env); v != "" {
			pc.APIKey = v
			cfg.Providers[name] = pc
		}
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without default is left untouched.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	switch cfg.Schemas.MatchStrategy {
	case "", "first", "score":
	default:
		errs = append(errs, "schemas.matchStrategy must be one of: first, score")
	}

	if cfg.Breaker.FailMax < 1 {
		errs = append(errs, "breaker.failMax must be >= 1")
	}
	if cfg.Breaker.ResetTimeoutSeconds < 1 {
		errs = append(errs, "breaker.resetTimeoutSeconds must be >= 1")
	}
	if cfg.Breaker.CallTimeoutSeconds < 0 {
		errs = append(errs, "breaker.callTimeoutSeconds must be >= 0")
	}

	if cfg.Fallback.MaxTokens < 1 {
		errs = append(errs, "fallback.maxTokens must be >= 1")
	}
	if cfg.Fallback.Temperature < 0 || cfg.Fallback.Temperature > 2 {
		errs = append(errs, "fallback.temperature must be between 0 and 2")
	}
	if cfg.Fallback.TimeoutSeconds < 1 {
		errs = append(errs, "fallback.timeoutSeconds must be >= 1")
	}
	if cfg.Fallback.Provider != "" {
		if _, ok := cfg.Providers[cfg.Fallback.Provider]; !ok {
			errs = append(errs, fmt.Sprintf("fallback.provider references unknown provider: %s", cfg.Fallback.Provider))
		}
	}
	for _, provName := range cfg.Fallback.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("fallback.failoverChain references unknown provider: %s", provName))
		}
	}

	if cfg.Channels.API.Port < 0 || cfg.Channels.API.Port > 65535 {
		errs = append(errs, "channels.api.port must be between 0 and 65535")
	}

	switch cfg.Devices.Backend {
	case "memory":
	case "redis":
		if cfg.Devices.RedisURL == "" {
			errs = append(errs, "devices.redisUrl is required for the redis backend")
		}
	default:
		errs = append(errs, "devices.backend must be one of: memory, redis")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
