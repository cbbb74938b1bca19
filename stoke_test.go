package stoke

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseTargetDescriptor(t *testing.T) {
	got, err := ParseTargetDescriptor("Editor|Linux|Development")
	if err != nil {
		t.Fatal(err)
	}
	want := TargetDescriptor{Name: "Editor", Platform: "Linux", Configuration: "Development"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.String() != "Editor|Linux|Development" {
		t.Fatalf("String() = %q", got.String())
	}

	for _, invalid := range []string{"", "Editor", "Editor|Linux", "Editor||Development", "a|b|c|d"} {
		if _, err := ParseTargetDescriptor(invalid); err == nil {
			t.Errorf("ParseTargetDescriptor(%q) succeeded, want error", invalid)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.IgnoreOutdatedImportLibraries {
		t.Error("default config must ignore outdated import libraries")
	}

	yaml := `max_parallel_actions: 4
executor_preference: [grid, local]
duplicable_build_products: [libshared.so]
`
	if err := os.WriteFile(filepath.Join(dir, "Stoke.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxParallelActions != 4 {
		t.Errorf("MaxParallelActions = %d, want 4", cfg.MaxParallelActions)
	}
	if len(cfg.ExecutorPreference) != 2 || cfg.ExecutorPreference[0] != "grid" {
		t.Errorf("ExecutorPreference = %v", cfg.ExecutorPreference)
	}
	if len(cfg.DuplicableBuildProducts) != 1 {
		t.Errorf("DuplicableBuildProducts = %v", cfg.DuplicableBuildProducts)
	}

	if err := os.WriteFile(filepath.Join(dir, "Stoke.yaml"), []byte("::nope"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(dir); err == nil {
		t.Error("malformed Stoke.yaml accepted")
	}
}
