// Package outdated decides which actions of a linked graph must re-run. The
// computation is two-phase: each action is first probed independently
// (timestamps, recorded command lines, compiler-discovered dependencies),
// then staleness is propagated through the graph in topological order.
package outdated

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/st0ke/stoke/internal/actiongraph"
	"github.com/st0ke/stoke/internal/depcache"
	"github.com/st0ke/stoke/internal/fileitem"
	"github.com/st0ke/stoke/internal/history"
)

// timestampSlack tolerates clock skew introduced by network copies: a
// prerequisite is only considered newer than an output when it beats it by
// more than one second.
const timestampSlack = time.Second

type Options struct {
	// IgnoreOutdatedImportLibraries suppresses rebuilds whose only stale
	// input is a rebuilt static import library: a .lib item produced by an
	// import-library-producing action. File contents are not compared.
	IgnoreOutdatedImportLibraries bool

	// MaxParallel bounds phase one. 0 means no limit: one goroutine per
	// action.
	MaxParallel int
}

// Engine holds the caches consulted during outdatedness probes.
type Engine struct {
	Deps    *depcache.Cache
	History *history.Registry
	Options Options
}

// Compute returns the outdated subset of actions, re-linked so producers
// precede consumers. actions must already be in linked order.
func (e *Engine) Compute(ctx context.Context, actions []*actiongraph.LinkedAction) ([]*actiongraph.LinkedAction, error) {
	producers := make(map[*fileitem.Item]*actiongraph.LinkedAction)
	for _, la := range actions {
		for _, item := range la.ProducedItems {
			producers[item] = la
		}
	}

	// Phase one: probe each action independently, in parallel. The outdated
	// map is read-dominant in phase two, hence the RWMutex.
	var (
		mu       sync.RWMutex
		outdated = make(map[*actiongraph.LinkedAction]bool)
	)
	eg, ctx := errgroup.WithContext(ctx)
	if e.Options.MaxParallel > 0 {
		eg.SetLimit(e.Options.MaxParallel)
	}
	for _, la := range actions {
		la := la
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			stale, err := e.probe(la, producers)
			if err != nil {
				return xerrors.Errorf("%s: %w", la.String(), err)
			}
			if stale {
				mu.Lock()
				outdated[la] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Phase two: sweep in topological order; an action is outdated if any of
	// its prerequisite actions is, unless every stale link is an ignorable
	// import library.
	for _, la := range actions {
		if outdated[la] {
			continue
		}
		for _, p := range la.Prerequisites {
			if !outdated[p] {
				continue
			}
			if e.Options.IgnoreOutdatedImportLibraries && ignorableImportLibraryAction(la, p) {
				continue
			}
			outdated[la] = true
			break
		}
	}

	var stale []*actiongraph.Action
	for _, la := range actions {
		if outdated[la] {
			stale = append(stale, la.Action)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	// Re-link the subset so its internal order is self-consistent.
	return actiongraph.Link(stale)
}

// effectivelyMissing reports whether a produced item should be treated as
// nonexistent. Zero-length object files are the residue of aborted compiles
// and must not satisfy the outputs-exist check.
func effectivelyMissing(t actiongraph.ActionType, item *fileitem.Item) bool {
	if !item.Exists() {
		return true
	}
	if t == actiongraph.ActionCompile && item.Length() == 0 {
		switch item.Extension() {
		case ".obj", ".o":
			return true
		}
	}
	return false
}

func (e *Engine) probe(la *actiongraph.LinkedAction, producers map[*fileitem.Item]*actiongraph.LinkedAction) (bool, error) {
	var (
		lastExecution   time.Time
		haveLastExec    bool
		missingOutput   bool
		historyOutdated bool
	)
	for _, item := range la.ProducedItems {
		if effectivelyMissing(la.Type, item) {
			missingOutput = true
			continue
		}
		if mt := item.ModTime(); !haveLastExec || mt.Before(lastExecution) {
			lastExecution = mt
			haveLastExec = true
		}
	}

	// The history is updated on every probe, even for actions which opted
	// out of history-based invalidation, so the recorded attributes never go
	// stale.
	attrs := la.ProducingAttributes()
	if e.History != nil {
		for _, item := range la.ProducedItems {
			store := e.History.ForFile(item.Path())
			if store == nil {
				continue
			}
			if changed := store.UpdateProducingAttributes(item.Path(), attrs); changed &&
				la.UseActionHistory && item.Exists() {
				historyOutdated = true
			}
		}
	}
	if historyOutdated || missingOutput {
		return true, nil
	}
	threshold := lastExecution.Add(timestampSlack)

	staleImportLibOnly := true
	staleAny := false
	for _, item := range la.PrerequisiteItems {
		if !item.Exists() {
			continue
		}
		if item.ModTime().After(threshold) {
			staleAny = true
			if !ignorableImportLibraryItem(item, producers) {
				staleImportLibOnly = false
			}
		}
	}
	if staleAny && !(e.Options.IgnoreOutdatedImportLibraries && staleImportLibOnly) {
		return true, nil
	}

	if la.DependencyListFile != nil {
		deps, err := e.Deps.Dependencies(la.DependencyListFile)
		if err != nil {
			return false, err
		}
		if deps == nil {
			// No dependency list: the previous run never finished writing
			// one, so nothing is known about this action's inputs.
			return true, nil
		}
		for _, dep := range deps {
			if !dep.Exists() || dep.ModTime().After(threshold) {
				return true, nil
			}
		}
	}
	return false, nil
}

// ignorableImportLibraryItem reports whether a single stale prerequisite item
// is an import library whose rebuild may be ignored: it must carry the .lib
// extension and be produced by an import-library-producing action.
func ignorableImportLibraryItem(item *fileitem.Item, producers map[*fileitem.Item]*actiongraph.LinkedAction) bool {
	if item.Extension() != ".lib" {
		return false
	}
	p, ok := producers[item]
	return ok && p.ProducesImportLibrary
}

// ignorableImportLibraryAction reports whether the stale prerequisite action
// p may be ignored by root: p must produce an import library, and each of its
// produced items must either be a .lib or not be referenced by root at all.
func ignorableImportLibraryAction(root, p *actiongraph.LinkedAction) bool {
	if !p.ProducesImportLibrary {
		return false
	}
	referenced := make(map[*fileitem.Item]bool, len(root.PrerequisiteItems))
	for _, item := range root.PrerequisiteItems {
		referenced[item] = true
	}
	for _, item := range p.ProducedItems {
		if item.Extension() != ".lib" && referenced[item] {
			return false
		}
	}
	return true
}

// PrepareForExecution deletes the produced and declared delete items of every
// outdated action and creates the directories its outputs land in.
func PrepareForExecution(outdated []*actiongraph.LinkedAction) error {
	for _, la := range outdated {
		for _, items := range [][]*fileitem.Item{la.DeleteItems, la.ProducedItems} {
			for _, item := range items {
				if err := os.Remove(item.Path()); err != nil && !os.IsNotExist(err) {
					return xerrors.Errorf("deleting %s: %w", item.Path(), err)
				}
				item.Reset()
			}
		}
		for _, item := range la.ProducedItems {
			if err := os.MkdirAll(filepath.Dir(item.Path()), 0755); err != nil {
				return xerrors.Errorf("creating output directory for %s: %w", item.Path(), err)
			}
		}
	}
	return nil
}
