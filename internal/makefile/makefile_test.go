package makefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/st0ke/stoke/internal/actiongraph"
	"github.com/st0ke/stoke/internal/fileitem"
)

func sample(files *fileitem.Cache) *Makefile {
	return &Makefile{
		Actions: []*actiongraph.Action{{
			Type:               actiongraph.ActionCompile,
			CommandPath:        "/usr/bin/cc",
			CommandArguments:   "-c a.c -o a.o",
			CommandVersion:     "12.1",
			WorkingDirectory:   "/src",
			PrerequisiteItems:  []*fileitem.Item{files.Get("/src/a.c")},
			ProducedItems:      []*fileitem.Item{files.Get("/out/a.o")},
			DependencyListFile: files.Get("/out/a.d"),
			UseActionHistory:   true,
			GroupNames:         []string{"Editor"},
		}},
		ModuleOutputs:       []ModuleOutput{{Module: "Core", Outputs: []string{"/out/a.o"}}},
		PreBuildTargets:     []string{"ShaderCompileWorker"},
		PreBuildScripts:     []string{"/src/prebuild.sh"},
		Environment:         map[string]string{"PATH": "/usr/bin"},
		AdditionalArguments: "-O3",
		SourceFilesByModule: map[string][]string{"Core": {"/src/a.c"}},
		AdaptiveFiles:       []string{"/src/a.c"},
	}
}

func TestRoundTrip(t *testing.T) {
	files := fileitem.NewCache()
	path := filepath.Join(t.TempDir(), "target.mk.bin")
	m := sample(files)
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, reason := Load(path, files, "-O3")
	if loaded == nil {
		t.Fatalf("Load failed: %s", reason)
	}
	if diff := cmp.Diff(m.Environment, loaded.Environment); diff != "" {
		t.Errorf("environment snapshot: diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.ModuleOutputs, loaded.ModuleOutputs); diff != "" {
		t.Errorf("module outputs: diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.PreBuildScripts, loaded.PreBuildScripts); diff != "" {
		t.Errorf("pre-build scripts: diff (-want +got):\n%s", diff)
	}
	if len(loaded.Actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(loaded.Actions))
	}
	got, want := loaded.Actions[0], m.Actions[0]
	if got.CommandArguments != want.CommandArguments || got.Type != want.Type {
		t.Errorf("action differs after round trip: %+v", got)
	}
	// Items must re-intern into the same cache.
	if got.ProducedItems[0] != files.Get("/out/a.o") {
		t.Error("produced item did not re-intern")
	}
	if got.DependencyListFile != files.Get("/out/a.d") {
		t.Error("dependency list file did not re-intern")
	}
}

func TestLoadRejectsChangedArguments(t *testing.T) {
	files := fileitem.NewCache()
	path := filepath.Join(t.TempDir(), "target.mk.bin")
	if err := sample(files).Save(path); err != nil {
		t.Fatal(err)
	}
	if m, reason := Load(path, files, "-O0"); m != nil || reason == "" {
		t.Fatalf("Load accepted changed additional arguments (reason %q)", reason)
	}
}

func TestLoadRejectsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target.mk.bin")
	if err := os.WriteFile(path, []byte("not a makefile"), 0644); err != nil {
		t.Fatal(err)
	}
	if m, reason := Load(path, fileitem.NewCache(), ""); m != nil || reason == "" {
		t.Fatal("Load accepted a corrupt makefile")
	}
}

func TestValiditySourceSets(t *testing.T) {
	m := sample(fileitem.NewCache())

	if reason := m.IsValidForSourceFiles(map[string][]string{"Core": {"/src/a.c"}}, []string{"/src/a.c"}); reason != "" {
		t.Fatalf("unchanged working set rejected: %s", reason)
	}
	if reason := m.IsValidForSourceFiles(map[string][]string{"Core": {"/src/a.c", "/src/b.c"}}, []string{"/src/a.c"}); reason == "" {
		t.Fatal("added source file not detected")
	}
	if reason := m.IsValidForSourceFiles(map[string][]string{"Core": {"/src/a.c"}}, nil); reason == "" {
		t.Fatal("file leaving the adaptive working set not detected")
	}
	if reason := m.IsValidForSourceFiles(map[string][]string{"Other": {"/src/a.c"}}, []string{"/src/a.c"}); reason == "" {
		t.Fatal("renamed module not detected")
	}
}

func TestValidityGeneratedCode(t *testing.T) {
	dir := t.TempDir()
	gen := filepath.Join(dir, "generated")
	if err := os.MkdirAll(gen, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(gen, "a.gen.h"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	m := sample(fileitem.NewCache())
	m.GeneratedCodeListings = map[string][]string{gen: {"a.gen.h"}}

	if reason := m.IsValidForSourceFiles(m.SourceFilesByModule, m.AdaptiveFiles); reason != "" {
		t.Fatalf("unchanged generated directory rejected: %s", reason)
	}
	if err := os.WriteFile(filepath.Join(gen, "b.gen.h"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if reason := m.IsValidForSourceFiles(m.SourceFilesByModule, m.AdaptiveFiles); reason == "" {
		t.Fatal("generated directory change not detected")
	}
}
