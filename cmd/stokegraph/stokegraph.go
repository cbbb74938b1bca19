// Command stokegraph drives a declarative build pipeline: it loads an XML
// script into a graph of nodes, selects the requested targets, acquires
// their tokens and executes the nodes in order, routing tagged file sets
// between them through temp storage.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/st0ke/stoke"
	"github.com/st0ke/stoke/internal/env"
	"github.com/st0ke/stoke/internal/graphrun"
	"github.com/st0ke/stoke/internal/script"
	"github.com/st0ke/stoke/internal/taskdef"
	"github.com/st0ke/stoke/internal/tempstorage"
	"github.com/st0ke/stoke/internal/token"
)

const help = `stokegraph -Script=<path> [-flags]

Run a build pipeline script.

Examples:
  % stokegraph -Script=Build.xml -Target='Package Game' -ListOnly
  % stokegraph -Script=Build.xml -Target='Package Game' -Resume
`

// extractProperties pulls -Set:Prop=Val and -Append:Prop=Val out of the
// argument list; the flag package cannot express them.
func extractProperties(args []string) (sets, appends map[string]string, rest []string, err error) {
	sets = make(map[string]string)
	appends = make(map[string]string)
	for _, arg := range args {
		var m map[string]string
		var assignment string
		switch {
		case strings.HasPrefix(arg, "-Set:"):
			m, assignment = sets, strings.TrimPrefix(arg, "-Set:")
		case strings.HasPrefix(arg, "-Append:"):
			m, assignment = appends, strings.TrimPrefix(arg, "-Append:")
		default:
			rest = append(rest, arg)
			continue
		}
		i := strings.IndexByte(assignment, '=')
		if i <= 0 {
			return nil, nil, nil, xerrors.Errorf("%s: expected Prop=Value", arg)
		}
		m[assignment[:i]] = assignment[i+1:]
	}
	return sets, appends, rest, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func funcmain() error {
	sets, appends, rest, err := extractProperties(os.Args[1:])
	if err != nil {
		return err
	}

	fset := flag.NewFlagSet("stokegraph", flag.ExitOnError)
	var (
		scriptPath        = fset.String("Script", "", "path to the pipeline script")
		targetFlag        = fset.String("Target", "", "semicolon-separated targets (node, agent or trigger names)")
		triggerFlag       = fset.String("Trigger", "", "fire the named trigger")
		skipTriggers      = fset.Bool("SkipTriggers", false, "behave as if every trigger had fired")
		skipTrigger       = fset.String("SkipTrigger", "", "treat the named trigger(s) as fired, separated by +")
		singleNode        = fset.String("SingleNode", "", "run exactly one node, without its dependencies")
		listOnly          = fset.Bool("ListOnly", false, "print the execution plan instead of running it")
		showDeps          = fset.Bool("ShowDeps", false, "with -ListOnly, also print each node's dependencies")
		showNotifications = fset.Bool("ShowNotifications", false, "print the script's report definitions")
		clean             = fset.Bool("Clean", false, "remove all local temp storage before running")
		cleanNode         = fset.String("CleanNode", "", "re-clean the named node(s), separated by +")
		resume            = fset.Bool("Resume", false, "skip nodes which completed in a previous run")
		preprocess        = fset.String("Preprocess", "", "write the property-expanded script to the given path")
		exportPath        = fset.String("Export", "", "write the culled graph as JSON to the given path")
		hordeExport       = fset.String("HordeExport", "", "write the culled graph as JSON for an external scheduler")
		schemaPath        = fset.String("Schema", "", "write the task schema as JSON to the given path")
		importSchema      = fset.String("ImportSchema", "", "check this driver against an exported task schema")
		sharedStorageDir  = fset.String("SharedStorageDir", "", "directory shared with cooperating drivers")
		writeToShared     = fset.Bool("WriteToSharedStorage", false, "mirror produced blocks into shared storage")
		tokenSignature    = fset.String("TokenSignature", "", "owner signature for acquired tokens (default: user@host/uuid)")

		skipTargetsWithoutTokens = fset.Bool("SkipTargetsWithoutTokens", false,
			"drop nodes whose tokens are held elsewhere instead of failing")
		debug = fset.Bool("debug", false, "enable debug logging")
	)
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, help)
		fmt.Fprintln(os.Stderr, "Flags:")
		fset.PrintDefaults()
	}
	fset.Parse(rest)

	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	registry := graphrun.DefaultRegistry()
	if *schemaPath != "" {
		return writeSchema(*schemaPath, registry)
	}
	if *importSchema != "" {
		if err := checkSchema(*importSchema, registry); err != nil {
			return err
		}
	}
	if *scriptPath == "" {
		fset.Usage()
		return xerrors.Errorf("-Script is required")
	}

	props := env.StandardProperties()
	for k, v := range sets {
		props[k] = v
	}
	for k, v := range appends {
		if prev, ok := props[k]; ok && prev != "" {
			props[k] = prev + ";" + v
		} else {
			props[k] = v
		}
	}

	graph, finalProps, err := script.LoadWithProperties(*scriptPath, props, taskdef.LiteralConditions)
	if err != nil {
		return err
	}

	if *preprocess != "" {
		raw, err := os.ReadFile(*scriptPath)
		if err != nil {
			return err
		}
		expanded, err := script.Expand(string(raw), finalProps)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*preprocess, []byte(expanded), 0644); err != nil {
			return err
		}
		logrus.WithField("path", *preprocess).Info("wrote preprocessed script")
		return nil
	}

	cfg, err := stoke.LoadConfig(env.StokeRoot)
	if err != nil {
		return err
	}
	storage := &tempstorage.Store{
		RootDir:       env.StokeRoot,
		LocalDir:      filepath.Join(env.CacheDir(), "TempStorage"),
		SharedDir:     *sharedStorageDir,
		WriteToShared: *writeToShared,
		Duplicable:    cfg.DuplicableBuildProducts,
	}

	if *clean {
		if err := storage.CleanLocal(); err != nil {
			return err
		}
		logrus.Info("cleaned local temp storage")
	}
	for _, node := range splitList(*cleanNode, "+") {
		if err := storage.CleanLocalNode(node); err != nil {
			return err
		}
		logrus.WithField("node", node).Info("cleaned node")
	}

	tokenDir := filepath.Join(env.CacheDir(), "Tokens")
	if *sharedStorageDir != "" {
		tokenDir = filepath.Join(*sharedStorageDir, "Tokens")
	}
	active := make(map[string]bool)
	for _, t := range splitList(*triggerFlag, ";") {
		active[t] = true
	}
	for _, t := range splitList(*skipTrigger, "+") {
		active[t] = true
	}

	runner := &graphrun.Runner{
		Graph:                    graph,
		Storage:                  storage,
		Tokens:                   &token.Store{Dir: tokenDir},
		TokenSignature:           *tokenSignature,
		SkipTargetsWithoutTokens: *skipTargetsWithoutTokens,
		Registry:                 registry,
		Eval:                     taskdef.LiteralConditions,
		Resume:                   *resume,
		ActiveTriggers:           active,
		SkipAllTriggers:          *skipTriggers,
	}

	if *showNotifications {
		for _, report := range graph.Reports {
			fmt.Printf("report %s: %s\n", report.Name, strings.Join(report.NodeNames, ", "))
		}
	}

	targets := splitList(*targetFlag, ";")
	if len(targets) == 0 && *singleNode == "" {
		if *clean || *cleanNode != "" {
			return nil
		}
		return xerrors.Errorf("no targets: pass -Target or -SingleNode")
	}
	plan, err := runner.Plan(targets, *singleNode)
	if err != nil {
		return err
	}

	for _, path := range []string{*exportPath, *hordeExport} {
		if path == "" {
			continue
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := graphrun.ExportJSON(f, graph, plan); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		logrus.WithField("path", path).Infof("exported %d nodes", len(plan))
	}
	if *exportPath != "" || *hordeExport != "" {
		return nil
	}

	if *listOnly {
		for _, node := range plan {
			fmt.Printf("%s (agent %s)\n", node.Name, node.Agent().Name)
			if *showDeps {
				for _, tag := range node.Inputs {
					if producer, ok := graph.Producer(tag); ok {
						fmt.Printf("  depends on %s via %s\n", producer.Name, tag)
					}
				}
			}
		}
		return nil
	}

	ctx, canc := stoke.InterruptibleContext()
	defer canc()
	return runner.Run(ctx, plan)
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
