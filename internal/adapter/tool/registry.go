// Package tool holds the tools offered to providers and runs them for the
// emitter.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"chatstream/internal/domain"
)

type entry struct {
	tool   domain.Tool
	schema *jsonschema.Schema
}

// Registry holds named tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]entry
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]entry),
		logger: logger,
	}
}

// Register adds a tool. Returns error if name already registered. The
// tool's parameter schema is compiled once here; a schema that does not
// compile is logged and the tool is registered without validation.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, fmt.Sprintf("tool %q", name))
	}

	schema, err := compileSchema(t)
	if err != nil {
		r.logger.Warn("schema validation disabled for tool", "tool", name, "error", err)
	}
	r.tools[name] = entry{tool: t, schema: schema}
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return e.tool, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns all tool schemas for LLM function-calling, sorted by name.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for _, e := range r.tools {
		schemas = append(schemas, e.tool.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Run validates input against the tool's schema and executes it. Unknown
// tools fail with ErrToolNotFound and invalid input with ErrToolInput.
func (r *Registry) Run(ctx context.Context, name string, input json.RawMessage) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", domain.NewDomainError("Registry.Run", domain.ErrToolNotFound, name)
	}
	if err := validateParams(e.schema, input); err != nil {
		return "", err
	}
	return e.tool.Execute(ctx, input)
}

// builtins maps built-in tool names to constructors.
var builtins = map[string]func(logger *slog.Logger) domain.Tool{
	"current_time": func(logger *slog.Logger) domain.Tool { return NewClockTool(logger) },
	"calculator":   func(logger *slog.Logger) domain.Tool { return NewCalculatorTool(logger) },
}

// BuildRegistry registers the enabled built-in tools.
func BuildRegistry(enabled []string, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, name := range enabled {
		ctor, ok := builtins[name]
		if !ok {
			return nil, domain.NewDomainError("BuildRegistry", domain.ErrToolNotFound, name)
		}
		if err := r.Register(ctor(logger)); err != nil {
			return nil, err
		}
	}
	return r, nil
}
