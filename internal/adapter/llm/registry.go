package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

// Registry holds named chat providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.ChatProvider
	fallback  string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.ChatProvider),
	}
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider domain.ChatProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, name)
	}
	r.providers[name] = provider
	if r.fallback == "" {
		r.fallback = name
	}
	return nil
}

// SetDefault selects the provider returned by Default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return domain.NewDomainError("Registry.SetDefault", domain.ErrProviderNotFound, name)
	}
	r.fallback = name
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.ChatProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// Default returns the default provider: the one named by SetDefault, or the
// first one registered.
func (r *Registry) Default() (domain.ChatProvider, error) {
	r.mu.RLock()
	name := r.fallback
	r.mu.RUnlock()
	if name == "" {
		return nil, domain.NewDomainError("Registry.Default", domain.ErrProviderNotFound, "no providers registered")
	}
	return r.Get(name)
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildRegistry instantiates every configured provider. HTTP providers send
// their calls through outbound; all of them get a circuit breaker when
// enabled.
func BuildRegistry(cfg config.LLMConfig, outbound *OutboundTransport, logger *slog.Logger) (*Registry, error) {
	var wrap func(http.RoundTripper) http.RoundTripper
	if outbound != nil {
		wrap = outbound.Wrap
	}
	reg := NewRegistry()
	for _, pc := range cfg.Providers {
		var p domain.ChatProvider
		switch pc.Type {
		case "openai":
			p = NewOpenAIProvider(pc, NewHTTPClient(pc, wrap), logger)
		case "anthropic":
			p = NewAnthropicProvider(pc, NewHTTPClient(pc, wrap), logger)
		case "echo":
			p = NewEchoProvider(pc, logger)
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", pc.Name, pc.Type)
		}
		if cfg.CircuitBreaker.Enabled {
			p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
		logger.Info("llm provider registered", "name", pc.Name, "type", pc.Type, "model", pc.Model)
	}
	if cfg.DefaultProvider != "" {
		if err := reg.SetDefault(cfg.DefaultProvider); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
