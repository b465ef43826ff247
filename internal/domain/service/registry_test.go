package service

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

const testCatalog = `[
  {"id": "cheap", "provider": "openai", "context_window": 128000, "output_token_limit": 4096,
   "supports_images": true, "input_rate": 0.0001, "output_rate": 0.0004},
  {"id": "mid", "provider": "openai", "context_window": 128000, "output_token_limit": 4096,
   "supports_images": true, "input_rate": 0.0025, "output_rate": 0.01},
  {"id": "reasoner", "provider": "openai", "context_window": 200000, "output_token_limit": 65536,
   "supports_reasoning": true, "input_rate": 0.0011, "output_rate": 0.0044}
]`

const testAliases = `{
  "version": 1,
  "aliases": {
    "fast": {"resolves_to": "cheap", "tier": "fast"}
  }
}`

func newTestRegistry(t *testing.T) *ModelRegistry {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "models.json")
	aliasPath := filepath.Join(dir, "aliases.json")
	if err := os.WriteFile(catalogPath, []byte(testCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(aliasPath, []byte(testAliases), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := NewModelRegistry(catalogPath, aliasPath, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestModelRegistry_ResolveAlias(t *testing.T) {
	r := newTestRegistry(t)

	res := r.ResolveAlias("fast")
	if !res.WasAlias || res.ResolvedID != "cheap" {
		t.Fatalf("alias should resolve to cheap, got %+v", res)
	}
}

func TestModelRegistry_UnknownNamePassesThrough(t *testing.T) {
	r := newTestRegistry(t)

	for _, name := range []string{"", "mid", "never-heard-of-it"} {
		res := r.ResolveAlias(name)
		if res.WasAlias {
			t.Fatalf("%q should not report as alias", name)
		}
		if res.ResolvedID != name {
			t.Fatalf("%q should pass through unchanged, got %q", name, res.ResolvedID)
		}
	}
}

func TestModelRegistry_MissingAliasFileIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "models.json")
	if err := os.WriteFile(catalogPath, []byte(testCatalog), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewModelRegistry(catalogPath, filepath.Join(dir, "missing.json"), zap.NewNop())
	if err != nil {
		t.Fatalf("missing alias file should degrade to pass-through: %v", err)
	}
	if res := r.ResolveAlias("anything"); res.ResolvedID != "anything" {
		t.Fatalf("pass-through broken: %+v", res)
	}
}

func TestModelRegistry_UserAvailableModels(t *testing.T) {
	r := newTestRegistry(t)

	catalog := r.UserAvailableModels(nil)
	if len(catalog.ModelsByID) != 3 {
		t.Fatalf("expected 3 models, got %d", len(catalog.ModelsByID))
	}
	if catalog.Cheapest.ID != "cheap" {
		t.Fatalf("cheapest should be cheap, got %s", catalog.Cheapest.ID)
	}
	if catalog.Advanced.ID != "mid" {
		t.Fatalf("advanced should be the highest input rate, got %s", catalog.Advanced.ID)
	}
}

func TestModelRegistry_CheapestEquivalent(t *testing.T) {
	r := newTestRegistry(t)

	mid, _ := r.Model("mid")
	if got := r.CheapestEquivalent(mid); got.ID != "cheap" {
		t.Fatalf("cheapest image-capable model should be cheap, got %s", got.ID)
	}

	// Nothing else supports reasoning, so the model falls back to itself.
	reasoner, _ := r.Model("reasoner")
	if got := r.CheapestEquivalent(reasoner); got.ID != "reasoner" {
		t.Fatalf("no equivalent should fall back to the model itself, got %s", got.ID)
	}
}
