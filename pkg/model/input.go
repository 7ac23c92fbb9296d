package model

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// DefaultInputSchema is the schema id used when an input does not name one.
const DefaultInputSchema = "operator_dbt_input"

// Transformation describes the transformation project an attempt runs.
type Transformation struct {
	GitRepoURL    string   `json:"git_repo_url"`
	GitRepoBranch string   `json:"git_repo_branch,omitempty"`
	DockerImage   string   `json:"docker_image"`
	Arguments     []string `json:"arguments"`
}

// AttemptInput is the job-specific input of an attempt. Its destination
// configuration may hold secret references until it is hydrated; a hydrated
// input must never be persisted or logged.
type AttemptInput struct {
	SchemaID                 string         `json:"schema_id,omitempty"`
	DestinationConfiguration map[string]any `json:"destination_configuration"`
	Transformation           Transformation `json:"transformation"`

	hydrated bool
}

// Schema returns the schema id, falling back to DefaultInputSchema.
func (in AttemptInput) Schema() string {
	if in.SchemaID == "" {
		return DefaultInputSchema
	}
	return in.SchemaID
}

// Hydrated reports whether secret references have been resolved.
func (in AttemptInput) Hydrated() bool {
	return in.hydrated
}

// WithHydratedConfiguration returns a copy of the input carrying the resolved
// destination configuration.
func (in AttemptInput) WithHydratedConfiguration(cfg map[string]any) AttemptInput {
	out := in
	out.DestinationConfiguration = cfg
	out.Transformation.Arguments = append([]string(nil), in.Transformation.Arguments...)
	out.hydrated = true
	return out
}

// Document converts the input to a JSON-like document (maps, slices,
// float64, string, bool, nil) for schema validation.
func (in AttemptInput) Document() (map[string]any, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	return doc, nil
}

// LogValue implements slog.LogValuer. The destination configuration is
// always redacted.
func (in AttemptInput) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("schema_id", in.Schema()),
		slog.String("destination_configuration", "[REDACTED]"),
		slog.String("image", in.Transformation.DockerImage),
		slog.String("repo", in.Transformation.GitRepoURL),
		slog.Bool("hydrated", in.hydrated),
	)
}
