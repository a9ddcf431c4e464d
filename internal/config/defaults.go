package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			MaxConcurrentMessages: 5,
		},
		Schemas: SchemasConfig{
			Dir:           "~/.jarvis/schemas",
			Watch:         true,
			MatchStrategy: "first",
		},
		Breaker: BreakerConfig{
			FailMax:             3,
			ResetTimeoutSeconds: 30,
			CallTimeoutSeconds:  10,
		},
		Fallback: FallbackConfig{
			Provider:       "openai",
			MaxTokens:      500,
			Temperature:    0.7,
			TimeoutSeconds: 30,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:      true,
				APIBase:      "https://api.openai.com/v1",
				DefaultModel: "gpt-4o-mini",
			},
			"anthropic": {
				Enabled:      false,
				DefaultModel: "claude-haiku-4-5-20251001",
			},
			"ollama": {
				Enabled:      false,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Channels: ChannelsConfig{
			API: APIConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    5000,
			},
			CLI: CLIConfig{
				Enabled:     true,
				HistoryFile: "~/.jarvis/history",
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
		},
		Memory: MemoryConfig{
			Enabled: true,
			DBPath:  "~/.jarvis/jarvis.db",
		},
		Devices: DevicesConfig{
			Backend: "memory",
			Prefix:  "jarvis:device:",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
