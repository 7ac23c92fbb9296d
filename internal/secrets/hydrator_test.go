package secrets

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/me/attemptrun/internal/logging"
)

func TestHydrate_ReplacesNestedReferences(t *testing.T) {
	h := NewHydrator(NewMemoryPersistence(map[string]string{
		"db_password": "s3cret",
		"api_key":     "k-123",
	}), logging.Discard())

	raw := map[string]any{
		"host":     "db.internal",
		"password": map[string]any{"_secret": "db_password"},
		"tunnel": map[string]any{
			"keys": []any{map[string]any{"_secret": "api_key"}, "plain"},
		},
	}

	got, err := h.Hydrate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Hydrate() error: %v", err)
	}
	want := map[string]any{
		"host":     "db.internal",
		"password": "s3cret",
		"tunnel": map[string]any{
			"keys": []any{"k-123", "plain"},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Hydrate() = %#v, want %#v", got, want)
	}

	// The raw configuration keeps its references.
	if _, ok := raw["password"].(map[string]any); !ok {
		t.Error("raw configuration was mutated")
	}
}

func TestHydrate_MissingReference(t *testing.T) {
	h := NewHydrator(NewMemoryPersistence(nil), logging.Discard())

	_, err := h.Hydrate(context.Background(), map[string]any{
		"password": map[string]any{"_secret": "missing"},
	})
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("error = %v, want *ResolutionError", err)
	}
	if resErr.Coordinate != "missing" {
		t.Errorf("Coordinate = %q, want missing", resErr.Coordinate)
	}
}

type failingPersistence struct{ err error }

func (f failingPersistence) ReadSecret(context.Context, string) (string, bool, error) {
	return "", false, f.err
}

func TestHydrate_PersistenceError(t *testing.T) {
	boom := errors.New("vault sealed")
	h := NewHydrator(failingPersistence{err: boom}, logging.Discard())

	_, err := h.Hydrate(context.Background(), map[string]any{"k": map[string]any{"_secret": "x"}})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped %v", err, boom)
	}
}

func TestHydrate_NotAReference(t *testing.T) {
	h := NewHydrator(NewMemoryPersistence(nil), logging.Discard())
	raw := map[string]any{
		"obj": map[string]any{"_secret": "x", "other": 1.0},
		"num": map[string]any{"_secret": 5.0},
	}
	got, err := h.Hydrate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Hydrate() error: %v", err)
	}
	if !reflect.DeepEqual(got, raw) {
		t.Errorf("Hydrate() = %#v, want unchanged", got)
	}
}

func TestHydrate_Nil(t *testing.T) {
	h := NewHydrator(NewMemoryPersistence(nil), logging.Discard())
	got, err := h.Hydrate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Hydrate(nil) error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Hydrate(nil) = %#v, want empty map", got)
	}
}

func TestReferences(t *testing.T) {
	got := References(map[string]any{
		"a": map[string]any{"_secret": "b"},
		"c": []any{map[string]any{"_secret": "a"}, map[string]any{"_secret": "b"}},
	})
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("References() = %v, want %v", got, want)
	}
}

func TestEnvPersistence(t *testing.T) {
	env := map[string]string{"ATTEMPTRUN_SECRET_DB_PASSWORD_1": "pw"}
	p := &EnvPersistence{Prefix: "ATTEMPTRUN_SECRET_", lookup: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}
	if name := p.VariableName("db-password.1"); name != "ATTEMPTRUN_SECRET_DB_PASSWORD_1" {
		t.Errorf("VariableName() = %q", name)
	}
	v, ok, err := p.ReadSecret(context.Background(), "db-password.1")
	if err != nil || !ok || v != "pw" {
		t.Errorf("ReadSecret() = %q, %v, %v", v, ok, err)
	}
}

func TestChain(t *testing.T) {
	first := NewMemoryPersistence(map[string]string{"a": "1"})
	second := NewMemoryPersistence(map[string]string{"a": "2", "b": "3"})
	c := Chain{first, second}

	if v, ok, _ := c.ReadSecret(context.Background(), "a"); !ok || v != "1" {
		t.Errorf("a = %q, %v, want 1", v, ok)
	}
	if v, ok, _ := c.ReadSecret(context.Background(), "b"); !ok || v != "3" {
		t.Errorf("b = %q, %v, want 3", v, ok)
	}
	if _, ok, _ := c.ReadSecret(context.Background(), "z"); ok {
		t.Error("z should be missing")
	}
}
