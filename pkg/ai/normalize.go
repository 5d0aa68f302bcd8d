package ai

import (
	"fmt"
	"reflect"
	"sync"
)

// Tool is implemented by typed tools that generate their own schema. Schema
// generation is assumed stable for a given implementation, so the resulting
// definition is cached per concrete type.
type Tool interface {
	// ToolName returns the unique tool name.
	ToolName() string

	// ToolDescription returns the human-readable description shown to the model.
	ToolDescription() string

	// ParameterSchema returns the JSON Schema for the tool's argument object.
	ParameterSchema() map[string]any
}

// typedToolCache memoises definitions generated from [Tool] implementations,
// keyed by concrete type.
var typedToolCache sync.Map // reflect.Type -> ToolDefinition

// NormalizeTools converts heterogeneous tool representations into one
// canonical, name-deduplicated [ToolDefinition] list. Accepted forms:
//
//   - ToolDefinition / *ToolDefinition: used as-is.
//   - Tool: definition generated once per concrete type and cached.
//   - map[string]any: a raw schema dict with "name", "description", and
//     "parameters" keys.
//
// When two entries share a name the first occurrence wins.
func NormalizeTools(tools ...any) ([]ToolDefinition, error) {
	out := make([]ToolDefinition, 0, len(tools))
	seen := make(map[string]bool, len(tools))

	for i, raw := range tools {
		var def ToolDefinition

		switch t := raw.(type) {
		case ToolDefinition:
			def = t
		case *ToolDefinition:
			if t == nil {
				return nil, fmt.Errorf("ai: tool %d is a nil definition", i)
			}
			def = *t
		case Tool:
			def = definitionForTyped(t)
		case map[string]any:
			d, err := definitionFromDict(t)
			if err != nil {
				return nil, fmt.Errorf("ai: tool %d: %w", i, err)
			}
			def = d
		default:
			return nil, fmt.Errorf("ai: tool %d has unsupported type %T", i, raw)
		}

		if def.Name == "" {
			return nil, fmt.Errorf("ai: tool %d has an empty name", i)
		}
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		out = append(out, def)
	}
	return out, nil
}

// definitionForTyped returns the cached definition for t's concrete type,
// generating it on first use.
func definitionForTyped(t Tool) ToolDefinition {
	key := reflect.TypeOf(t)
	if cached, ok := typedToolCache.Load(key); ok {
		return cached.(ToolDefinition)
	}
	def := ToolDefinition{
		Name:        t.ToolName(),
		Description: t.ToolDescription(),
		Parameters:  t.ParameterSchema(),
	}
	typedToolCache.Store(key, def)
	return def
}

// definitionFromDict builds a definition from a raw schema dict.
func definitionFromDict(m map[string]any) (ToolDefinition, error) {
	name, _ := m["name"].(string)
	if name == "" {
		return ToolDefinition{}, fmt.Errorf("raw tool dict has no %q key", "name")
	}
	desc, _ := m["description"].(string)
	params, _ := m["parameters"].(map[string]any)
	return ToolDefinition{Name: name, Description: desc, Parameters: params}, nil
}
