// Package validate checks attempt input documents against named schemas.
// Schemas are OpenAPI 3 schema objects written in YAML.
package validate

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.yaml
var builtin embed.FS

// ValidationError aggregates the reasons a document does not conform.
type ValidationError struct {
	SchemaID string
	Issues   []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("document does not conform to schema %q", e.SchemaID)
	}
	return fmt.Sprintf("document does not conform to schema %q: %s", e.SchemaID, strings.Join(e.Issues, "; "))
}

// UnknownSchemaError is returned for a schema id that was never registered.
type UnknownSchemaError struct {
	SchemaID string
}

func (e *UnknownSchemaError) Error() string {
	return fmt.Sprintf("unknown schema %q", e.SchemaID)
}

// Validator holds a registry of schemas keyed by id.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*openapi3.Schema
	logger  *slog.Logger
}

// New creates a Validator preloaded with the built-in schemas.
func New(logger *slog.Logger) (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*openapi3.Schema),
		logger:  logger.With("component", "validator"),
	}

	entries, err := builtin.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read builtin schemas: %w", err)
	}
	for _, entry := range entries {
		raw, err := builtin.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		id := strings.TrimSuffix(entry.Name(), path.Ext(entry.Name()))
		if err := v.Register(id, raw); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Register parses a YAML (or JSON) schema and stores it under id,
// replacing any previous schema with that id.
func (v *Validator) Register(id string, raw []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("schema %s: parse: %w", id, err)
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema %s: %w", id, err)
	}

	schema := &openapi3.Schema{}
	if err := schema.UnmarshalJSON(js); err != nil {
		return fmt.Errorf("schema %s: decode: %w", id, err)
	}
	if err := schema.Validate(context.Background()); err != nil {
		return fmt.Errorf("schema %s: invalid: %w", id, err)
	}

	v.mu.Lock()
	v.schemas[id] = schema
	v.mu.Unlock()
	v.logger.Debug("schema registered", "schema_id", id)
	return nil
}

// Schemas returns the registered schema ids, sorted.
func (v *Validator) Schemas() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.schemas))
	for id := range v.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Document returns the schema registered as id as a JSON-like document.
func (v *Validator) Document(id string) (map[string]any, error) {
	v.mu.RLock()
	schema, ok := v.schemas[id]
	v.mu.RUnlock()
	if !ok {
		return nil, &UnknownSchemaError{SchemaID: id}
	}
	js, err := schema.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("schema %s: encode: %w", id, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(js, &doc); err != nil {
		return nil, fmt.Errorf("schema %s: %w", id, err)
	}
	return doc, nil
}

// Validate checks doc against the schema registered as schemaID. doc must be
// a JSON-like value (maps, slices, float64, string, bool, nil).
func (v *Validator) Validate(schemaID string, doc any) error {
	v.mu.RLock()
	schema, ok := v.schemas[schemaID]
	v.mu.RUnlock()
	if !ok {
		return &UnknownSchemaError{SchemaID: schemaID}
	}

	err := schema.VisitJSON(doc, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return &ValidationError{SchemaID: schemaID, Issues: issues(err)}
}

func issues(err error) []string {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []string
		for _, e := range multi {
			out = append(out, issues(e)...)
		}
		return out
	}
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		pointer := strings.Join(schemaErr.JSONPointer(), "/")
		if pointer == "" {
			return []string{schemaErr.Reason}
		}
		return []string{"/" + pointer + ": " + schemaErr.Reason}
	}
	return []string{err.Error()}
}
