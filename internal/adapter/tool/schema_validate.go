package tool

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"chatstream/internal/domain"
)

// compileSchema compiles a tool's parameter schema. A tool without a schema
// returns nil and is not validated.
func compileSchema(t domain.Tool) (*jsonschema.Schema, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	compiled, err := jsonschema.NewCompiler().Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}
	return compiled, nil
}

// validateParams checks params against schema. Failures wrap
// domain.ErrToolInput.
func validateParams(schema *jsonschema.Schema, params json.RawMessage) error {
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", domain.ErrToolInput, err)
	}
	if schema == nil {
		return nil
	}
	result := schema.Validate(v)
	if !result.IsValid() {
		return fmt.Errorf("%w: schema validation failed: %s", domain.ErrToolInput, result.Error())
	}
	return nil
}
