package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/st0ke/stoke"
	"github.com/st0ke/stoke/internal/actiongraph"
	"github.com/st0ke/stoke/internal/depcache"
	"github.com/st0ke/stoke/internal/env"
	"github.com/st0ke/stoke/internal/executor"
	"github.com/st0ke/stoke/internal/fileitem"
	"github.com/st0ke/stoke/internal/history"
	"github.com/st0ke/stoke/internal/makefile"
	"github.com/st0ke/stoke/internal/outdated"
	"github.com/st0ke/stoke/internal/toolchain"
	"github.com/st0ke/stoke/internal/trace"
)

const buildHelp = `stoke build [-flags] <Name|Platform|Configuration> […]

Build one or more targets incrementally: plan (or load the cached plan for)
each target, merge the action sets, compute which actions are outdated and
execute only those.

Example:
  % stoke build 'Editor|Linux|Development'
`

// engineChangesError is the -NoEngineChanges refusal: the planned build
// would modify engine files.
type engineChangesError struct {
	files []string
}

func (e *engineChangesError) Error() string {
	return fmt.Sprintf("building would modify %d engine file(s):\n  %s",
		len(e.files), strings.Join(e.files, "\n  "))
}

func cmdbuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	var (
		skipBuild = fset.Bool("SkipBuild", false,
			"plan and compute outdatedness, but do not execute any actions")
		xgeExport = fset.Bool("XGEExport", false,
			"export the merged action graph for an external orchestrator instead of building")
		noEngineChanges = fset.Bool("NoEngineChanges", false,
			"refuse to build if the outdated action set would modify engine files")
		writeOutdatedActions = fset.String("WriteOutdatedActions", "",
			"write the outdated action set as JSON to the given path")
		ignoreJunk = fset.Bool("IgnoreJunk", false,
			"do not clean stale temporary files below the intermediate directory")
		skipPreBuildTargets = fset.Bool("SkipPreBuildTargets", false,
			"do not build the pre-build targets the makefiles imply")
		executorName = fset.String("Executor", "",
			"executor to run actions with (default: first available per configuration)")
		maxParallelActions = fset.Int("MaxParallelActions", 0,
			"maximum number of concurrently running actions (default: configuration, then NumCPU)")
		additionalArguments = fset.String("AdditionalArguments", "",
			"extra toolchain arguments; changing them invalidates cached makefiles")
		workingSetFlag = fset.String("WorkingSet", "",
			"semicolon-separated adaptive working set (source files currently being edited)")
	)
	fset.Usage = usage(fset, buildHelp)
	fset.Parse(args)
	if fset.NArg() == 0 {
		return xerrors.Errorf("syntax: build <Name|Platform|Configuration> […]")
	}
	var targets []stoke.TargetDescriptor
	for _, arg := range fset.Args() {
		t, err := stoke.ParseTargetDescriptor(arg)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}
	var workingSet []string
	for _, f := range strings.Split(*workingSetFlag, ";") {
		if f = strings.TrimSpace(f); f != "" {
			workingSet = append(workingSet, f)
		}
	}

	root := env.StokeRoot
	logrus.WithField("root", root).Debug("engine root")
	cfg, err := stoke.LoadConfig(root)
	if err != nil {
		return err
	}

	if *ctracefile != "" {
		const freq = 1 * time.Second
		go func() {
			if err := trace.CPUEvents(ctx, freq); err != nil && ctx.Err() == nil {
				logrus.Debug(err)
			}
		}()
		go func() {
			if err := trace.MemEvents(ctx, freq); err != nil && ctx.Err() == nil {
				logrus.Debug(err)
			}
		}()
	}

	files := fileitem.Default
	deps := depcache.NewCache(files)
	if err := deps.AddPartition(root, filepath.Join(env.CacheDir(), "DependencyCache", "engine.deps")); err != nil {
		return err
	}
	hist := history.NewRegistry()
	if err := hist.AddRoot(root, filepath.Join(env.CacheDir(), "ActionHistory", "engine.db")); err != nil {
		return err
	}
	// The caches flush once the build finishes, success or not: every probe
	// already updated the history in memory.
	defer func() {
		if err := deps.Save(); err != nil {
			logrus.WithError(err).Error("flushing dependency cache")
		}
		if err := hist.Save(); err != nil {
			logrus.WithError(err).Error("flushing action history")
		}
	}()

	if !*ignoreJunk {
		cleanJunk(env.CacheDir())
	}

	// Plan every target, following implied pre-build targets.
	queue := append([]stoke.TargetDescriptor(nil), targets...)
	seen := make(map[string]bool)
	for _, t := range queue {
		seen[t.String()] = true
	}
	var (
		groups          []actiongraph.TargetActions
		preBuildScripts []string
		environment     = make(map[string]string)
	)
	for i := 0; i < len(queue); i++ {
		t := queue[i]
		mf, err := makefileFor(ctx, t, files, *additionalArguments, workingSet, *skipPreBuildTargets)
		if err != nil {
			return err
		}
		for _, diag := range mf.Diagnostics {
			logrus.WithField("target", t.String()).Info(diag)
		}
		groups = append(groups, actiongraph.TargetActions{Group: t.Name, Actions: mf.Actions})
		for k, v := range mf.Environment {
			environment[k] = v
		}
		preBuildScripts = append(preBuildScripts, mf.PreBuildScripts...)
		if !*skipPreBuildTargets {
			for _, pb := range mf.PreBuildTargets {
				td := stoke.TargetDescriptor{Name: pb, Platform: t.Platform, Configuration: t.Configuration}
				if !seen[td.String()] {
					seen[td.String()] = true
					queue = append(queue, td)
				}
			}
		}
	}

	merged, err := actiongraph.MergeTargets(groups)
	if err != nil {
		return err
	}
	linked, err := actiongraph.Link(merged)
	if err != nil {
		return err
	}
	if err := actiongraph.CheckPathLengths(linked, root, cfg.NestedPathLengthWarning); err != nil {
		return err
	}

	if *xgeExport {
		path := filepath.Join(env.CacheDir(), "ActionGraph.json")
		if err := exportActions(path, environment, linked); err != nil {
			return err
		}
		logrus.WithField("path", path).Infof("exported %d actions", len(linked))
		return nil
	}

	eng := &outdated.Engine{
		Deps:    deps,
		History: hist,
		Options: outdated.Options{
			IgnoreOutdatedImportLibraries: cfg.IgnoreOutdatedImportLibraries,
		},
	}
	stale, err := eng.Compute(ctx, linked)
	if err != nil {
		return err
	}
	if *writeOutdatedActions != "" {
		if err := exportActions(*writeOutdatedActions, environment, stale); err != nil {
			return err
		}
	}
	if *noEngineChanges {
		if err := checkEngineChanges(root, stale); err != nil {
			return err
		}
	}
	logrus.Infof("%d of %d actions are outdated", len(stale), len(linked))
	if *skipBuild || len(stale) == 0 {
		return nil
	}

	for _, script := range preBuildScripts {
		if err := runPreBuildScript(ctx, script); err != nil {
			return err
		}
	}

	if err := outdated.PrepareForExecution(stale); err != nil {
		return err
	}
	maxParallel := *maxParallelActions
	if maxParallel == 0 {
		maxParallel = cfg.MaxParallelActions
	}
	local := &executor.Local{MaxParallel: maxParallel}
	ex, err := executor.Select(*executorName, cfg.ExecutorPreference, nil, local)
	if err != nil {
		return err
	}
	logrus.WithField("executor", ex.Name()).Debug("executor selected")
	return executor.ExecuteActions(ctx, ex, stale)
}

func makefileFor(ctx context.Context, t stoke.TargetDescriptor, files *fileitem.Cache,
	additionalArguments string, workingSet []string, skipPreBuildTargets bool) (*makefile.Makefile, error) {
	adapter, err := toolchain.ForTarget(t)
	if err != nil {
		return nil, err
	}
	sources, err := adapter.SourceFiles(ctx, t)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(env.CacheDir(), "Makefiles",
		fmt.Sprintf("%s-%s-%s.bin", t.Name, t.Platform, t.Configuration))

	mf, reason := makefile.Load(path, files, additionalArguments)
	if mf != nil {
		if r := mf.IsValidForSourceFiles(sources, workingSet); r != "" {
			mf, reason = nil, r
		}
	}
	if mf != nil {
		logrus.WithField("target", t.String()).Debug("using cached makefile")
		return mf, nil
	}
	logrus.WithFields(logrus.Fields{"target": t.String(), "reason": reason}).Info("planning target")
	mf, err = adapter.ProduceMakefile(ctx, t, toolchain.Options{
		Files:               files,
		AdditionalArguments: additionalArguments,
		Environment:         environSnapshot(),
		SkipPreBuildTargets: skipPreBuildTargets,
	})
	if err != nil {
		return nil, xerrors.Errorf("planning %s: %w", t.String(), err)
	}
	if mf.SourceFilesByModule == nil {
		mf.SourceFilesByModule = sources
	}
	sortedSources := make(map[string][]string, len(mf.SourceFilesByModule))
	for module, moduleFiles := range mf.SourceFilesByModule {
		moduleFiles = append([]string(nil), moduleFiles...)
		sort.Strings(moduleFiles)
		sortedSources[module] = moduleFiles
	}
	mf.SourceFilesByModule = sortedSources
	mf.AdaptiveFiles = append([]string(nil), workingSet...)
	sort.Strings(mf.AdaptiveFiles)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := mf.Save(path); err != nil {
		return nil, err
	}
	return mf, nil
}

func environSnapshot() map[string]string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func exportActions(path string, environment map[string]string, actions []*actiongraph.LinkedAction) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := actiongraph.ExportJSON(f, environment, actions); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// checkEngineChanges fails with a distinct exit code when the outdated set
// writes below <root>/Engine, so project-only builds cannot silently touch a
// shared engine installation.
func checkEngineChanges(root string, stale []*actiongraph.LinkedAction) error {
	engineDir := filepath.Join(root, "Engine") + string(filepath.Separator)
	var files []string
	for _, la := range stale {
		for _, item := range la.ProducedItems {
			if strings.HasPrefix(item.Path(), engineDir) {
				files = append(files, item.Path())
			}
		}
	}
	if len(files) > 0 {
		return &engineChangesError{files: files}
	}
	return nil
}

func runPreBuildScript(ctx context.Context, script string) error {
	logrus.WithField("script", script).Info("running pre-build script")
	cmd := exec.CommandContext(ctx, script)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("pre-build script %s: %v", script, err)
	}
	return nil
}

// cleanJunk removes leftover temporary files of interrupted builds below the
// intermediate directory.
func cleanJunk(dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, "*", "*.tmp"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			logrus.WithField("path", m).Debug("removed junk file")
		}
	}
}
