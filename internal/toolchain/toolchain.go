// Package toolchain defines the contract between the engine and the
// compiler/linker adapters which plan actions for a target. Adapters are
// external collaborators: given a target descriptor and the build
// environment, they emit the command lines; the engine only schedules them.
package toolchain

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"github.com/st0ke/stoke"
	"github.com/st0ke/stoke/internal/fileitem"
	"github.com/st0ke/stoke/internal/makefile"
)

// Options carries everything an adapter needs besides the target itself.
type Options struct {
	Files *fileitem.Cache

	// AdditionalArguments are recorded into the makefile; changing them
	// invalidates it.
	AdditionalArguments string

	// Environment is snapshot into the makefile.
	Environment map[string]string

	// SkipPreBuildTargets omits implied pre-build targets from the plan.
	SkipPreBuildTargets bool
}

// An Adapter plans the full action set for one target.
type Adapter interface {
	Name() string

	// Supports reports whether the adapter can plan for the platform.
	Supports(platform string) bool

	// ProduceMakefile plans the target from scratch. It is invoked whenever
	// no cached makefile is usable.
	ProduceMakefile(ctx context.Context, target stoke.TargetDescriptor, opts Options) (*makefile.Makefile, error)

	// SourceFiles returns the current per-module source sets of the target;
	// the engine compares them against a cached makefile's recorded sets.
	SourceFiles(ctx context.Context, target stoke.TargetDescriptor) (map[string][]string, error)
}

var registry struct {
	sync.Mutex
	adapters map[string]Adapter
}

// Register makes an adapter selectable. Typically called from the adapter
// package's init.
func Register(a Adapter) {
	registry.Lock()
	defer registry.Unlock()
	if registry.adapters == nil {
		registry.adapters = make(map[string]Adapter)
	}
	registry.adapters[a.Name()] = a
}

// ForTarget returns the adapter responsible for the target's platform. With
// several candidates the name-wise first wins, keeping selection
// deterministic.
func ForTarget(target stoke.TargetDescriptor) (Adapter, error) {
	registry.Lock()
	defer registry.Unlock()
	names := make([]string, 0, len(registry.adapters))
	for name := range registry.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if a := registry.adapters[name]; a.Supports(target.Platform) {
			return a, nil
		}
	}
	return nil, xerrors.Errorf("no toolchain adapter supports platform %q", target.Platform)
}
