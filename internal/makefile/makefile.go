// Package makefile caches the planned action set of one target so repeated
// builds skip the toolchain planning step. A cached makefile is only usable
// while the working set it was planned against still holds; every validity
// check returns a human-readable reason so the rebuild is explainable.
package makefile

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"sort"

	"github.com/google/renameio"
	"github.com/sirupsen/logrus"

	"github.com/st0ke/stoke/internal/actiongraph"
	"github.com/st0ke/stoke/internal/fileitem"
)

// archiveVersion is bumped whenever the on-disk layout changes; mismatched
// makefiles are discarded and replanned.
const archiveVersion = 5

// A ModuleOutput records the output items of one module, in link order.
type ModuleOutput struct {
	Module  string
	Outputs []string
}

// A Makefile is the serialized plan for one target.
type Makefile struct {
	Actions         []*actiongraph.Action
	ModuleOutputs   []ModuleOutput
	PreBuildTargets []string
	PreBuildScripts []string

	// Environment snapshots the variables at planning time.
	Environment map[string]string

	// AdditionalArguments are the extra CLI arguments the plan was produced
	// with; differing arguments invalidate the plan.
	AdditionalArguments string

	Diagnostics       []string
	MemoryPerActionGB float64

	// SourceFilesByModule records the per-module source sets the plan was
	// derived from, each sorted.
	SourceFilesByModule map[string][]string

	// AdaptiveFiles records which source files were in the user's adaptive
	// working set when the plan was produced, sorted.
	AdaptiveFiles []string

	// GeneratedCodeListings records, per generated-code directory, the sorted
	// directory contents at planning time.
	GeneratedCodeListings map[string][]string
}

// IsValidForSourceFiles reports "" if the makefile may be reused for the
// given current per-module source sets, adaptive working set and
// generated-code directories, or the reason it may not.
func (m *Makefile) IsValidForSourceFiles(sources map[string][]string, workingSet []string) string {
	if len(sources) != len(m.SourceFilesByModule) {
		return "the set of modules changed"
	}
	for module, files := range sources {
		recorded, ok := m.SourceFilesByModule[module]
		if !ok {
			return fmt.Sprintf("module %s was added", module)
		}
		if diff := diffSets(recorded, sortedCopy(files)); diff != "" {
			return fmt.Sprintf("source files of module %s changed (%s)", module, diff)
		}
	}

	current := make(map[string]bool, len(workingSet))
	for _, f := range workingSet {
		current[f] = true
	}
	recorded := make(map[string]bool, len(m.AdaptiveFiles))
	for _, f := range m.AdaptiveFiles {
		recorded[f] = true
		if !current[f] {
			return fmt.Sprintf("%s left the adaptive working set", f)
		}
	}
	for _, files := range m.SourceFilesByModule {
		for _, f := range files {
			if current[f] && !recorded[f] {
				return fmt.Sprintf("%s joined the adaptive working set", f)
			}
		}
	}

	for dir, listing := range m.GeneratedCodeListings {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Sprintf("generated code directory %s is unreadable: %v", dir, err)
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		if diff := diffSets(listing, names); diff != "" {
			return fmt.Sprintf("generated code directory %s changed (%s)", dir, diff)
		}
	}
	return ""
}

func sortedCopy(s []string) []string {
	c := append([]string(nil), s...)
	sort.Strings(c)
	return c
}

func diffSets(recorded, current []string) string {
	if len(recorded) != len(current) {
		return fmt.Sprintf("%d files recorded, %d present", len(recorded), len(current))
	}
	for i := range recorded {
		if recorded[i] != current[i] {
			return fmt.Sprintf("%s vs %s", recorded[i], current[i])
		}
	}
	return ""
}

type actionRecord struct {
	Type                  actiongraph.ActionType
	WorkingDirectory      string
	CommandPath           string
	CommandArguments      string
	CommandVersion        string
	PrerequisiteItems     []string
	ProducedItems         []string
	DeleteItems           []string
	DependencyListFile    string
	ProducesImportLibrary bool
	UseActionHistory      bool
	StatusDescription     string
	GroupNames            []string
}

type archive struct {
	Version               int
	Actions               []actionRecord
	ModuleOutputs         []ModuleOutput
	PreBuildTargets       []string
	PreBuildScripts       []string
	Environment           map[string]string
	AdditionalArguments   string
	Diagnostics           []string
	MemoryPerActionGB     float64
	SourceFilesByModule   map[string][]string
	AdaptiveFiles         []string
	GeneratedCodeListings map[string][]string
}

func itemPaths(items []*fileitem.Item) []string {
	var paths []string
	for _, it := range items {
		paths = append(paths, it.Path())
	}
	return paths
}

func itemsFor(files *fileitem.Cache, paths []string) []*fileitem.Item {
	var items []*fileitem.Item
	for _, p := range paths {
		items = append(items, files.Get(p))
	}
	return items
}

// Save writes the makefile atomically.
func (m *Makefile) Save(path string) error {
	ar := archive{
		Version:               archiveVersion,
		ModuleOutputs:         m.ModuleOutputs,
		PreBuildTargets:       m.PreBuildTargets,
		PreBuildScripts:       m.PreBuildScripts,
		Environment:           m.Environment,
		AdditionalArguments:   m.AdditionalArguments,
		Diagnostics:           m.Diagnostics,
		MemoryPerActionGB:     m.MemoryPerActionGB,
		SourceFilesByModule:   m.SourceFilesByModule,
		AdaptiveFiles:         m.AdaptiveFiles,
		GeneratedCodeListings: m.GeneratedCodeListings,
	}
	for _, a := range m.Actions {
		r := actionRecord{
			Type:                  a.Type,
			WorkingDirectory:      a.WorkingDirectory,
			CommandPath:           a.CommandPath,
			CommandArguments:      a.CommandArguments,
			CommandVersion:        a.CommandVersion,
			PrerequisiteItems:     itemPaths(a.PrerequisiteItems),
			ProducedItems:         itemPaths(a.ProducedItems),
			DeleteItems:           itemPaths(a.DeleteItems),
			ProducesImportLibrary: a.ProducesImportLibrary,
			UseActionHistory:      a.UseActionHistory,
			StatusDescription:     a.StatusDescription,
			GroupNames:            a.GroupNames,
		}
		if a.DependencyListFile != nil {
			r.DependencyListFile = a.DependencyListFile.Path()
		}
		ar.Actions = append(ar.Actions, r)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ar); err != nil {
		return err
	}
	return renameio.WriteFile(path, buf.Bytes(), 0644)
}

// Load reads the makefile at path. It returns (nil, reason) when no usable
// makefile exists: missing, corrupt, version-mismatched or produced with
// different additional arguments. A nil makefile is never an error, it just
// means the toolchain must replan.
func Load(path string, files *fileitem.Cache, currentArgs string) (*Makefile, string) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "no makefile exists yet"
		}
		return nil, fmt.Sprintf("makefile unreadable: %v", err)
	}
	var ar archive
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&ar); err != nil {
		logrus.WithField("path", path).WithError(err).Info("makefile corrupt, replanning")
		return nil, fmt.Sprintf("makefile corrupt: %v", err)
	}
	if ar.Version != archiveVersion {
		return nil, fmt.Sprintf("makefile version %d, expected %d", ar.Version, archiveVersion)
	}
	if ar.AdditionalArguments != currentArgs {
		return nil, fmt.Sprintf("additional arguments changed from %q to %q", ar.AdditionalArguments, currentArgs)
	}
	m := &Makefile{
		ModuleOutputs:         ar.ModuleOutputs,
		PreBuildTargets:       ar.PreBuildTargets,
		PreBuildScripts:       ar.PreBuildScripts,
		Environment:           ar.Environment,
		AdditionalArguments:   ar.AdditionalArguments,
		Diagnostics:           ar.Diagnostics,
		MemoryPerActionGB:     ar.MemoryPerActionGB,
		SourceFilesByModule:   ar.SourceFilesByModule,
		AdaptiveFiles:         ar.AdaptiveFiles,
		GeneratedCodeListings: ar.GeneratedCodeListings,
	}
	for _, r := range ar.Actions {
		a := &actiongraph.Action{
			Type:                  r.Type,
			WorkingDirectory:      r.WorkingDirectory,
			CommandPath:           r.CommandPath,
			CommandArguments:      r.CommandArguments,
			CommandVersion:        r.CommandVersion,
			PrerequisiteItems:     itemsFor(files, r.PrerequisiteItems),
			ProducedItems:         itemsFor(files, r.ProducedItems),
			DeleteItems:           itemsFor(files, r.DeleteItems),
			ProducesImportLibrary: r.ProducesImportLibrary,
			UseActionHistory:      r.UseActionHistory,
			StatusDescription:     r.StatusDescription,
			GroupNames:            r.GroupNames,
		}
		if r.DependencyListFile != "" {
			a.DependencyListFile = files.Get(r.DependencyListFile)
		}
		m.Actions = append(m.Actions, a)
	}
	return m, ""
}
