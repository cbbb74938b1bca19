package graphrun

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/st0ke/stoke/internal/taskdef"
	"github.com/st0ke/stoke/internal/tempstorage"
	"github.com/st0ke/stoke/internal/token"
)

// A Runner executes a plan of nodes within one driver process.
type Runner struct {
	Graph   *Graph
	Storage *tempstorage.Store
	Tokens  *token.Store

	TokenSignature string

	// SkipTargetsWithoutTokens drops nodes gated by a token another owner
	// holds instead of failing; tokens created earlier in the same job are
	// deliberately left in place.
	SkipTargetsWithoutTokens bool

	Registry *taskdef.Registry
	Eval     taskdef.ConditionFunc

	// Resume skips nodes already marked complete by a previous run.
	Resume bool

	// ActiveTriggers names the triggers fired for this run; SkipAllTriggers
	// behaves as if every trigger had fired.
	ActiveTriggers  map[string]bool
	SkipAllTriggers bool
}

// A TokenContentionError reports a required token held by another owner.
type TokenContentionError struct {
	Token string
	Owner string
}

func (e *TokenContentionError) Error() string {
	return fmt.Sprintf("token %q is held by %s", e.Token, e.Owner)
}

// A ClobberError reports input files a node modified. Inputs are other
// nodes' outputs; damaging them corrupts every later consumer, so this is
// always fatal.
type ClobberError struct {
	Node  string
	Files []string
}

func (e *ClobberError) Error() string {
	return fmt.Sprintf("node %q modified %d of its input files: %s",
		e.Node, len(e.Files), strings.Join(e.Files, ", "))
}

// Plan resolves the target names, culls the graph to their transitive
// inputs and filters out nodes behind unfired triggers. Naming a trigger as
// a target fires it.
func (r *Runner) Plan(targetNames []string, singleNode string) ([]*Node, error) {
	if singleNode != "" {
		n, ok := r.Graph.Node(singleNode)
		if !ok {
			return nil, xerrors.Errorf("unknown node %q", singleNode)
		}
		return []*Node{n}, nil
	}
	var targets []*Node
	for _, name := range targetNames {
		nodes, err := r.Graph.ResolveTarget(name)
		if err != nil {
			return nil, err
		}
		targets = append(targets, nodes...)
	}
	plan := r.Graph.Cull(targets)

	var runnable []*Node
	for _, n := range plan {
		if t := n.Agent().Trigger; t != "" && !r.SkipAllTriggers && !r.triggerActive(t, targetNames) {
			logrus.WithFields(logrus.Fields{"node": n.Name, "trigger": t}).Info("skipping node behind unfired trigger")
			continue
		}
		runnable = append(runnable, n)
	}
	return runnable, nil
}

func (r *Runner) triggerActive(trigger string, targetNames []string) bool {
	if r.ActiveTriggers[trigger] {
		return true
	}
	for _, name := range targetNames {
		if name == trigger {
			return true
		}
	}
	return false
}

// acquireTokens claims the union of the plan's required tokens. Under the
// fail-fast policy a contended token rolls back the tokens just created and
// aborts; under skip-missing the blocked nodes are dropped, together with
// every node depending on their outputs.
func (r *Runner) acquireTokens(plan []*Node) ([]*Node, error) {
	if r.Tokens == nil {
		return plan, nil
	}
	var names []string
	seen := make(map[string]bool)
	for _, n := range plan {
		for _, tok := range n.RequiredTokens {
			if !seen[tok] {
				seen[tok] = true
				names = append(names, tok)
			}
		}
	}
	if len(names) == 0 {
		return plan, nil
	}
	sig := r.TokenSignature
	if sig == "" {
		sig = token.DefaultSignature()
	}
	blocked := make(map[string]string)
	var created []string
	for _, name := range names {
		acquired, owner, err := r.Tokens.TryAcquire(name, sig)
		if err != nil {
			return nil, err
		}
		if acquired {
			created = append(created, name)
			continue
		}
		if owner == sig {
			continue // already ours from an earlier invocation of this job
		}
		blocked[name] = owner
	}
	if len(blocked) == 0 {
		return plan, nil
	}
	if !r.SkipTargetsWithoutTokens {
		for _, name := range created {
			if err := r.Tokens.Release(name); err != nil {
				logrus.WithError(err).Warn("rolling back token")
			}
		}
		for name, owner := range blocked {
			return nil, &TokenContentionError{Token: name, Owner: owner}
		}
	}

	dropped := make(map[*Node]bool)
	for _, n := range plan {
		for _, tok := range n.RequiredTokens {
			if _, ok := blocked[tok]; ok {
				dropped[n] = true
				logrus.WithFields(logrus.Fields{"node": n.Name, "token": tok, "owner": blocked[tok]}).
					Warn("dropping node, token is held elsewhere")
			}
		}
	}
	// Dependents of dropped nodes cannot run either.
	for changed := true; changed; {
		changed = false
		for _, n := range plan {
			if dropped[n] {
				continue
			}
			for _, tag := range n.Inputs {
				if producer, ok := r.Graph.Producer(tag); ok && dropped[producer] {
					dropped[n] = true
					changed = true
					break
				}
			}
		}
	}
	var remaining []*Node
	for _, n := range plan {
		if !dropped[n] {
			remaining = append(remaining, n)
		}
	}
	return remaining, nil
}

// Run executes the plan in order.
func (r *Runner) Run(ctx context.Context, plan []*Node) error {
	plan, err := r.acquireTokens(plan)
	if err != nil {
		return err
	}
	results := make(map[string]error, len(plan))
	for _, node := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Resume && r.Storage.IsComplete(node.Name) {
			logrus.WithField("node", node.Name).Info("already complete, skipping")
			continue
		}
		start := time.Now()
		err := r.executeNode(ctx, node)
		results[node.Name] = err
		if err != nil {
			r.logReports(results)
			return xerrors.Errorf("node %q: %w", node.Name, err)
		}
		logrus.WithFields(logrus.Fields{
			"node":     node.Name,
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Info("node complete")
	}
	r.logReports(results)
	return nil
}

func (r *Runner) logReports(results map[string]error) {
	for _, report := range r.Graph.Reports {
		succeeded, failed, skipped := 0, 0, 0
		for _, name := range report.NodeNames {
			err, ran := results[name]
			switch {
			case !ran:
				skipped++
			case err != nil:
				failed++
			default:
				succeeded++
			}
		}
		logrus.WithFields(logrus.Fields{
			"report":    report.Name,
			"succeeded": succeeded,
			"failed":    failed,
			"skipped":   skipped,
		}).Info("report")
	}
}

func (r *Runner) executeNode(ctx context.Context, node *Node) error {
	logrus.WithField("node", node.Name).Info("running node")

	// Stage the input tag sets and remember each input file's manifest entry
	// so damage is attributable after the tasks ran.
	tc := taskdef.NewContext(r.Storage.RootDir)
	inputRecords := make(map[string]tempstorage.ManifestFile)
	retrieved := make(map[tempstorage.BlockID]bool)
	for _, tag := range node.Inputs {
		producer, ok := r.Graph.Producer(tag)
		if !ok {
			return xerrors.Errorf("no producer for input tag %s", tag)
		}
		fl, err := r.Storage.ReadFileList(producer.Name, tag)
		if err != nil {
			return err
		}
		for _, block := range fl.Blocks {
			if retrieved[block] {
				continue
			}
			retrieved[block] = true
			if _, err := r.Storage.Retrieve(block.Node, block.Output); err != nil {
				return err
			}
		}
		var files []string
		for _, mf := range fl.Files {
			abs := filepath.Join(r.Storage.RootDir, filepath.FromSlash(mf.RelativePath))
			files = append(files, abs)
			inputRecords[abs] = mf
		}
		tc.SetTagFiles(tag, files)
	}
	for _, tag := range node.Outputs {
		tc.SetTagFiles(tag, nil)
	}

	tasks, err := r.bindTasks(node)
	if err != nil {
		return err
	}
	if err := runTasks(ctx, tasks, tc); err != nil {
		return err
	}

	// Inputs must come out of the node byte-identical.
	var damaged []string
	for abs, mf := range inputRecords {
		current, err := r.Storage.DescribeFile(abs)
		if err != nil {
			damaged = append(damaged, mf.RelativePath)
			continue
		}
		if current.Hash != mf.Hash || current.Size != mf.Size {
			damaged = append(damaged, mf.RelativePath)
		}
	}
	if len(damaged) > 0 {
		return &ClobberError{Node: node.Name, Files: damaged}
	}

	return r.publishOutputs(node, tc)
}

func (r *Runner) bindTasks(node *Node) ([]taskdef.Task, error) {
	inputs := make(map[string]bool, len(node.Inputs))
	for _, tag := range node.Inputs {
		inputs[tag] = true
	}
	outputs := make(map[string]bool, len(node.Outputs))
	for _, tag := range node.Outputs {
		outputs[tag] = true
	}
	binder := &taskdef.Binder{
		Registry: r.Registry,
		RootDir:  r.Storage.RootDir,
		Inputs:   inputs,
		Outputs:  outputs,
		Eval:     r.Eval,
	}
	var tasks []taskdef.Task
	for _, info := range node.Tasks {
		task, err := binder.Bind(info)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// runTasks executes the bound tasks in declared order, greedily merging
// adjacent tasks into a batch when the leading task exposes an executor
// which consents to absorb its successors.
func runTasks(ctx context.Context, tasks []taskdef.Task, tc *taskdef.Context) error {
	for i := 0; i < len(tasks); {
		task := tasks[i]
		be := task.BatchExecutor()
		if be == nil {
			if err := task.Execute(ctx, tc); err != nil {
				return xerrors.Errorf("task %s: %w", task.Name(), err)
			}
			i++
			continue
		}
		j := i + 1
		for j < len(tasks) && be.Absorb(tasks[j]) {
			j++
		}
		if err := be.Execute(ctx, tc); err != nil {
			return xerrors.Errorf("task %s (batch of %d): %w", task.Name(), j-i, err)
		}
		i = j
	}
	return nil
}

// publishOutputs partitions the node's new files by output tag, archives one
// block per distinct output name and writes one file list per declared
// output tag. A file appearing in several tags is archived once, under its
// first tag; the other tags' file lists reference that block.
func (r *Runner) publishOutputs(node *Node, tc *taskdef.Context) error {
	primaryOf := make(map[string]string)    // file → tag whose block archives it
	fileTags := make(map[string][]string)   // file → all tags it belongs to
	blockFiles := make(map[string][]string) // primary tag → files
	var blockOrder []string

	for _, pf := range tc.ProducedFiles() {
		tags := pf.Tags
		if len(tags) == 0 {
			tags = []string{node.DefaultOutput()}
		}
		if _, ok := primaryOf[pf.Path]; !ok {
			primary := tags[0]
			primaryOf[pf.Path] = primary
			if _, ok := blockFiles[primary]; !ok {
				blockOrder = append(blockOrder, primary)
			}
			blockFiles[primary] = append(blockFiles[primary], pf.Path)
		}
		for _, tag := range tags {
			fileTags[pf.Path] = appendUnique(fileTags[pf.Path], tag)
		}
	}

	manifests := make(map[string]*tempstorage.Manifest)
	for _, tag := range blockOrder {
		manifest, err := r.Storage.Archive(node.Name, outputName(tag), blockFiles[tag])
		if err != nil {
			return err
		}
		manifests[tag] = manifest
	}

	for _, tag := range node.Outputs {
		var (
			files  []tempstorage.ManifestFile
			blocks []tempstorage.BlockID
		)
		seenBlocks := make(map[tempstorage.BlockID]bool)
		for path, tags := range fileTags {
			if !containsTag(tags, tag) {
				continue
			}
			mf, err := r.Storage.DescribeFile(path)
			if err != nil {
				return err
			}
			files = append(files, mf)
			id := tempstorage.BlockID{Node: node.Name, Output: outputName(primaryOf[path])}
			if !seenBlocks[id] {
				seenBlocks[id] = true
				blocks = append(blocks, id)
			}
		}
		if err := r.Storage.WriteFileList(node.Name, tag, files, blocks); err != nil {
			return err
		}
	}
	return r.Storage.MarkComplete(node.Name)
}

func outputName(tag string) string {
	return strings.TrimPrefix(tag, "#")
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}
