package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Chat     ChatConfig     `yaml:"chat"`
	Stream   StreamConfig   `yaml:"stream"`
	Registry RegistryConfig `yaml:"registry"`
	LLM      LLMConfig      `yaml:"llm"`
	Tools    ToolsConfig    `yaml:"tools"`
	Store    StoreConfig    `yaml:"store"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// ServerConfig holds HTTP gateway settings.
type ServerConfig struct {
	Addr              string          `yaml:"addr"`
	ReadHeaderTimeout time.Duration   `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration   `yaml:"shutdown_timeout"`
	AllowedOrigins    []string        `yaml:"allowed_origins,omitempty"` // websocket origin patterns
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits submit/retry calls per client IP.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Conflict policies applied when a conversation already has a request in flight.
const (
	ConflictReject  = "reject"
	ConflictReplace = "replace"
)

// ChatConfig controls how requests are run.
type ChatConfig struct {
	SystemPrompt   string        `yaml:"system_prompt"`
	MaxIterations  int           `yaml:"max_iterations"`  // provider turns per request, tool loop included
	RequestTimeout time.Duration `yaml:"request_timeout"` // per outbound provider call
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	ConflictPolicy string        `yaml:"conflict_policy"` // "reject" or "replace"
	MaxTokens      int           `yaml:"max_tokens,omitempty"`
	Temperature    float64       `yaml:"temperature,omitempty"`
}

// StreamConfig controls the broadcast channel.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReplayBufferSize  int           `yaml:"replay_buffer_size"`
	SubscriberQueue   int           `yaml:"subscriber_queue"`
}

// RegistryConfig controls cancellation registry lifetimes.
type RegistryConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	TombstoneTTL  time.Duration `yaml:"tombstone_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LLMConfig holds provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // openai, anthropic, echo
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	Pool        PoolConfig    `yaml:"pool"`

	// Echo provider pacing between streamed words.
	EchoDelay time.Duration `yaml:"echo_delay,omitempty"`
}

// ToolsConfig selects the built-in tools offered to providers.
type ToolsConfig struct {
	Enabled []string `yaml:"enabled"`
}

// StoreConfig selects the transcript store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.chatstream.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".chatstream")
}

// Defaults returns a Config with sensible defaults. The default provider is
// the local echo provider so that a fresh install streams without API keys.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 2,
				Burst:             10,
			},
		},
		Chat: ChatConfig{
			SystemPrompt:   "You are a helpful assistant.",
			MaxIterations:  5,
			RequestTimeout: 120 * time.Second,
			ToolTimeout:    30 * time.Second,
			ConflictPolicy: ConflictReject,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 15 * time.Second,
			ReplayBufferSize:  2048,
			SubscriberQueue:   64,
		},
		Registry: RegistryConfig{
			IdleTimeout:   10 * time.Minute,
			TombstoneTTL:  5 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		LLM: LLMConfig{
			DefaultProvider: "echo",
			Providers: []ProviderConfig{
				{Name: "echo", Type: "echo", Model: "echo-1", EchoDelay: 40 * time.Millisecond},
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Tools: ToolsConfig{
			Enabled: []string{"current_time", "calculator"},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(defaultDataDir(), "transcripts.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// Load reads a YAML config file over Defaults, applies env var overrides,
// opens sealed secrets and validates the result. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := validatePermissions(path); err != nil {
				return nil, err
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CHATSTREAM_CONFIG_KEY"); passphrase != "" {
		if err := openSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("open secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CHATSTREAM_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATSTREAM_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHATSTREAM_SERVER_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CHATSTREAM_RATE_LIMIT_ENABLED"); v != "" {
		cfg.Server.RateLimit.Enabled = v == "true"
	}
	if v := os.Getenv("CHATSTREAM_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Server.RateLimit.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("CHATSTREAM_CHAT_CONFLICT_POLICY"); v != "" {
		cfg.Chat.ConflictPolicy = v
	}
	if v := os.Getenv("CHATSTREAM_CHAT_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Chat.RequestTimeout = d
		}
	}
	if v := os.Getenv("CHATSTREAM_CHAT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Chat.MaxIterations = n
		}
	}
	if v := os.Getenv("CHATSTREAM_STREAM_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Stream.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("CHATSTREAM_REGISTRY_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Registry.IdleTimeout = d
		}
	}
	if v := os.Getenv("CHATSTREAM_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("CHATSTREAM_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CHATSTREAM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CHATSTREAM_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATSTREAM_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHATSTREAM_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CHATSTREAM_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CHATSTREAM_TOOLS_ENABLED"); v != "" {
		cfg.Tools.Enabled = splitAndTrim(v, ",")
	}

	// Per-provider API key overrides: CHATSTREAM_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("CHATSTREAM_LLM_PROVIDER_%s_API_KEY",
			strings.ToUpper(strings.ReplaceAll(cfg.LLM.Providers[i].Name, "-", "_")))
		if v := os.Getenv(envKey); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
	}
}

// Provider returns the provider config with the given name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.LLM.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
