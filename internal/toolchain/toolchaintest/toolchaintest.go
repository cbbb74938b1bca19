// Package toolchaintest provides a scriptable toolchain adapter for engine
// tests.
package toolchaintest

import (
	"context"

	"github.com/st0ke/stoke"
	"github.com/st0ke/stoke/internal/makefile"
	"github.com/st0ke/stoke/internal/toolchain"
)

// Fake plans whatever its Plan function returns. Platforms defaults to
// accepting everything.
type Fake struct {
	AdapterName string
	Platforms   map[string]bool
	Plan        func(target stoke.TargetDescriptor, opts toolchain.Options) (*makefile.Makefile, error)

	// SourceSets is what SourceFiles reports, keyed by target name.
	SourceSets map[string]map[string][]string

	// Produced counts ProduceMakefile invocations, letting tests assert that
	// a valid cached makefile short-circuits planning.
	Produced int
}

func (f *Fake) SourceFiles(_ context.Context, target stoke.TargetDescriptor) (map[string][]string, error) {
	return f.SourceSets[target.Name], nil
}

func (f *Fake) Name() string {
	if f.AdapterName == "" {
		return "fake"
	}
	return f.AdapterName
}

func (f *Fake) Supports(platform string) bool {
	if f.Platforms == nil {
		return true
	}
	return f.Platforms[platform]
}

func (f *Fake) ProduceMakefile(_ context.Context, target stoke.TargetDescriptor, opts toolchain.Options) (*makefile.Makefile, error) {
	f.Produced++
	mf, err := f.Plan(target, opts)
	if err != nil {
		return nil, err
	}
	if mf.AdditionalArguments == "" {
		mf.AdditionalArguments = opts.AdditionalArguments
	}
	if mf.Environment == nil {
		mf.Environment = opts.Environment
	}
	return mf, nil
}
