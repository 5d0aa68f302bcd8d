package tooling

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Validator checks decoded tool arguments against declared JSON Schemas.
// Compiled schemas are cached by tool name; a tool's contract is immutable
// once registered, so the cache never invalidates.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewValidator returns an empty [Validator].
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*gojsonschema.Schema)}
}

// Compile registers and compiles the schema for the named tool. Returns an
// error when the schema itself is malformed.
func (v *Validator) Compile(name string, schema map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("tooling: encode schema for %q: %w", name, err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("tooling: compile schema for %q: %w", name, err)
	}

	v.mu.Lock()
	v.schemas[name] = compiled
	v.mu.Unlock()
	return nil
}

// Has reports whether a schema is registered for name.
func (v *Validator) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[name]
	return ok
}

// Validate checks args against the schema registered for name. It returns the
// sorted list of violating field paths and a human-readable summary; both are
// empty when the document validates or no schema is registered.
func (v *Validator) Validate(name string, args map[string]any) (fields []string, summary string, err error) {
	v.mu.RLock()
	schema, ok := v.schemas[name]
	v.mu.RUnlock()
	if !ok {
		return nil, "", nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return nil, "", fmt.Errorf("tooling: validate %q: %w", name, err)
	}
	if result.Valid() {
		return nil, "", nil
	}

	seen := make(map[string]bool)
	var descs []string
	for _, desc := range result.Errors() {
		field := desc.Field()
		// "(root)" is gojsonschema's name for top-level violations such as a
		// missing required property; the property name lives in the details.
		if field == "(root)" {
			if prop, ok := desc.Details()["property"].(string); ok {
				field = prop
			}
		}
		if !seen[field] {
			seen[field] = true
			fields = append(fields, field)
		}
		descs = append(descs, desc.String())
	}
	sort.Strings(fields)

	return fields, joinLimited(descs, 3), nil
}

// joinLimited joins up to max entries, noting how many were omitted.
func joinLimited(entries []string, max int) string {
	if len(entries) == 0 {
		return ""
	}
	out := entries[0]
	n := min(len(entries), max)
	for _, e := range entries[1:n] {
		out += "; " + e
	}
	if len(entries) > max {
		out += fmt.Sprintf(" (and %d more)", len(entries)-max)
	}
	return out
}
