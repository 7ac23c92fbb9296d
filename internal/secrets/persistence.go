package secrets

import (
	"context"
	"os"
	"strings"
	"sync"
	"unicode"
)

// MemoryPersistence keeps secrets in a map.
type MemoryPersistence struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryPersistence creates a MemoryPersistence seeded with values.
func NewMemoryPersistence(values map[string]string) *MemoryPersistence {
	m := &MemoryPersistence{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

// ReadSecret implements Persistence.
func (m *MemoryPersistence) ReadSecret(_ context.Context, coordinate string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[coordinate]
	return v, ok, nil
}

// WriteSecret stores a value under coordinate.
func (m *MemoryPersistence) WriteSecret(_ context.Context, coordinate, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[coordinate] = value
	return nil
}

// EnvPersistence reads secrets from environment variables named
// Prefix + the upper-cased coordinate with non-alphanumerics mapped to '_'.
type EnvPersistence struct {
	Prefix string
	lookup func(string) (string, bool)
}

// NewEnvPersistence creates an EnvPersistence reading the process environment.
func NewEnvPersistence(prefix string) *EnvPersistence {
	return &EnvPersistence{Prefix: prefix, lookup: os.LookupEnv}
}

// VariableName returns the environment variable holding coordinate.
func (e *EnvPersistence) VariableName(coordinate string) string {
	name := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, coordinate)
	return e.Prefix + name
}

// ReadSecret implements Persistence.
func (e *EnvPersistence) ReadSecret(_ context.Context, coordinate string) (string, bool, error) {
	v, ok := e.lookup(e.VariableName(coordinate))
	return v, ok, nil
}

// Chain tries each persistence in order and returns the first hit.
type Chain []Persistence

// ReadSecret implements Persistence.
func (c Chain) ReadSecret(ctx context.Context, coordinate string) (string, bool, error) {
	for _, p := range c {
		v, ok, err := p.ReadSecret(ctx, coordinate)
		if err != nil {
			return "", false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return "", false, nil
}
