// Package taskdef declares pipeline tasks through explicit parameter
// descriptor tables and binds the string arguments of a parsed script task
// to typed parameter records. The descriptor table replaces field reflection:
// every task names its parameters, their value kinds and validation classes
// up front, and the binder routes strings through them.
package taskdef

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/xerrors"
)

// A SourceLocation points at the script element a diagnostic refers to.
type SourceLocation struct {
	File string
	Line int
}

func (l SourceLocation) String() string {
	if l.File == "" {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// TaskInfo is a parsed-but-unbound task: its name, raw string arguments and
// where in the script it came from.
type TaskInfo struct {
	Name      string
	Arguments map[string]string
	Location  SourceLocation
}

// ValueKind is the Go type a parameter string is parsed into.
type ValueKind int

const (
	KindString ValueKind = iota
	KindBool
	KindInt
	KindEnum
	KindFile
	KindDir
)

// Validation is the syntactic class checked before a value is accepted.
type Validation int

const (
	ValidateNone Validation = iota
	ValidateTag
	ValidateTagList
	ValidateBalancedString
)

// A Parameter describes one named argument of a task.
type Parameter struct {
	Name       string
	Kind       ValueKind
	Validation Validation
	Optional   bool

	// Collection parameters accept semicolon-separated lists.
	Collection bool

	// Enum maps value names for KindEnum parameters.
	Enum map[string]int

	// Default is used for optional parameters which were not supplied.
	Default interface{}
}

// Params is the typed parameter record a task is constructed with.
type Params struct {
	values map[string]interface{}
}

func (p *Params) String(name string) string {
	v, _ := p.values[name].(string)
	return v
}

func (p *Params) Bool(name string) bool {
	v, _ := p.values[name].(bool)
	return v
}

func (p *Params) Int(name string) int {
	v, _ := p.values[name].(int)
	return v
}

// Strings returns a collection parameter's elements.
func (p *Params) Strings(name string) []string {
	v, _ := p.values[name].([]string)
	return v
}

// Set is primarily for tests constructing parameter records directly.
func (p *Params) Set(name string, value interface{}) {
	if p.values == nil {
		p.values = make(map[string]interface{})
	}
	p.values[name] = value
}

// A Task is a bound, executable pipeline step.
type Task interface {
	Name() string

	// ConsumedTags and ProducedTags drive the node-level tag flow
	// validation.
	ConsumedTags() []string
	ProducedTags() []string

	Execute(ctx context.Context, tc *Context) error

	// BatchExecutor returns nil for tasks which always run alone. A non-nil
	// executor lets the runtime merge adjacent compatible tasks into one
	// invocation.
	BatchExecutor() BatchExecutor
}

// A BatchExecutor accumulates adjacent tasks and runs them as one
// invocation.
type BatchExecutor interface {
	// Absorb offers the next task; returning true consumes it into the
	// batch.
	Absorb(next Task) bool

	Execute(ctx context.Context, tc *Context) error
}

// A Definition binds a task name to its parameter descriptors and
// constructor.
type Definition struct {
	Name       string
	Parameters []Parameter
	Create     func(p *Params) (Task, error)
}

// A Registry holds the known task definitions.
type Registry struct {
	mu   sync.Mutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

// Definitions returns the registered definitions sorted by name, for schema
// export.
func (r *Registry) Definitions() []*Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.defs[name])
	}
	return defs
}

func (r *Registry) lookup(name string) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, xerrors.Errorf("unknown task %q", name)
	}
	return def, nil
}
