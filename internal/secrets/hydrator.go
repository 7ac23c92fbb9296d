// Package secrets resolves secret references in job configuration.
//
// A reference is a JSON object of the form {"_secret": "<coordinate>"}
// placed anywhere in the configuration tree. Hydration replaces every
// reference with the plaintext value held by a Persistence.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// ReferenceKey marks an object as a secret reference.
const ReferenceKey = "_secret"

// Persistence reads secret values by coordinate.
type Persistence interface {
	// ReadSecret returns the value for coordinate. ok is false when the
	// coordinate is unknown.
	ReadSecret(ctx context.Context, coordinate string) (value string, ok bool, err error)
}

// ResolutionError reports a reference that could not be resolved.
type ResolutionError struct {
	Coordinate string
	Err        error // nil when the coordinate is simply missing
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve secret %q: %v", e.Coordinate, e.Err)
	}
	return fmt.Sprintf("resolve secret %q: not found", e.Coordinate)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Hydrator resolves references against a Persistence.
type Hydrator struct {
	persistence Persistence
	logger      *slog.Logger
}

// NewHydrator creates a Hydrator backed by p.
func NewHydrator(p Persistence, logger *slog.Logger) *Hydrator {
	return &Hydrator{
		persistence: p,
		logger:      logger.With("component", "secrets-hydrator"),
	}
}

// Hydrate returns a deep copy of raw with every reference replaced by its
// value. raw itself is never modified. The first unresolvable reference
// aborts hydration with a *ResolutionError.
func (h *Hydrator) Hydrate(ctx context.Context, raw map[string]any) (map[string]any, error) {
	out, err := h.walk(ctx, raw)
	if err != nil {
		return nil, err
	}
	cfg, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("hydrate: configuration root must be an object, not a secret reference")
	}
	h.logger.Debug("configuration hydrated", "references", len(References(raw)))
	return cfg, nil
}

func (h *Hydrator) walk(ctx context.Context, v any) (any, error) {
	switch node := v.(type) {
	case map[string]any:
		if coord, ok := reference(node); ok {
			return h.resolve(ctx, coord)
		}
		out := make(map[string]any, len(node))
		for k, child := range node {
			resolved, err := h.walk(ctx, child)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			resolved, err := h.walk(ctx, child)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (h *Hydrator) resolve(ctx context.Context, coordinate string) (string, error) {
	if coordinate == "" {
		return "", &ResolutionError{Coordinate: coordinate, Err: fmt.Errorf("empty coordinate")}
	}
	value, ok, err := h.persistence.ReadSecret(ctx, coordinate)
	if err != nil {
		return "", &ResolutionError{Coordinate: coordinate, Err: err}
	}
	if !ok {
		return "", &ResolutionError{Coordinate: coordinate}
	}
	return value, nil
}

// reference reports whether node is a secret reference object.
func reference(node map[string]any) (string, bool) {
	if len(node) != 1 {
		return "", false
	}
	raw, ok := node[ReferenceKey]
	if !ok {
		return "", false
	}
	coord, ok := raw.(string)
	return coord, ok
}

// References lists the distinct coordinates referenced by cfg, sorted.
func References(cfg map[string]any) []string {
	seen := make(map[string]struct{})
	var visit func(v any)
	visit = func(v any) {
		switch node := v.(type) {
		case map[string]any:
			if coord, ok := reference(node); ok {
				seen[coord] = struct{}{}
				return
			}
			for _, child := range node {
				visit(child)
			}
		case []any:
			for _, child := range node {
				visit(child)
			}
		}
	}
	visit(cfg)

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
