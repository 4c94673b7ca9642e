package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateChat(cfg, ve)
	validateStream(cfg, ve)
	validateRegistry(cfg, ve)
	validateLLM(cfg, ve)
	validateStore(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
	if rl := cfg.Server.RateLimit; rl.Enabled {
		if rl.RequestsPerSecond <= 0 {
			ve.Add("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if rl.Burst <= 0 {
			ve.Add("server.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
}

func validateChat(cfg *Config, ve *ValidationError) {
	if cfg.Chat.MaxIterations <= 0 {
		ve.Add("chat.max_iterations must be > 0")
	}
	if cfg.Chat.RequestTimeout < 0 {
		ve.Add("chat.request_timeout must not be negative")
	}
	switch cfg.Chat.ConflictPolicy {
	case ConflictReject, ConflictReplace:
	default:
		ve.Add("chat.conflict_policy %q is invalid (want: reject, replace)", cfg.Chat.ConflictPolicy)
	}
}

func validateStream(cfg *Config, ve *ValidationError) {
	if cfg.Stream.HeartbeatInterval <= 0 {
		ve.Add("stream.heartbeat_interval must be > 0")
	}
	if cfg.Stream.ReplayBufferSize <= 0 {
		ve.Add("stream.replay_buffer_size must be > 0")
	}
	if cfg.Stream.SubscriberQueue <= 0 {
		ve.Add("stream.subscriber_queue must be > 0")
	}
}

func validateRegistry(cfg *Config, ve *ValidationError) {
	if cfg.Registry.IdleTimeout <= 0 {
		ve.Add("registry.idle_timeout must be > 0")
	}
	if cfg.Registry.SweepInterval <= 0 {
		ve.Add("registry.sweep_interval must be > 0")
	}
}

var validProviderTypes = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"echo":      true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if len(cfg.LLM.Providers) == 0 {
		ve.Add("llm.providers must not be empty")
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, anthropic, echo)", i, p.Type)
		}
		if p.Type != "echo" && p.APIKey == "" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via CHATSTREAM_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
		if IsSealed(p.APIKey) {
			ve.Add("llm.providers[%d] (%s): api_key is sealed but CHATSTREAM_CONFIG_KEY is not set", i, p.Name)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required for the sqlite driver")
		}
	default:
		ve.Add("store.driver %q is invalid (want: sqlite, memory)", cfg.Store.Driver)
	}
}
