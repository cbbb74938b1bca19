// Package actiongraph wires individual build actions into a directed acyclic
// graph: it resolves which action produces each prerequisite, rejects cycles
// and conflicting producers, and orders the result so that producers always
// precede their consumers.
package actiongraph

import (
	"fmt"

	"github.com/st0ke/stoke/internal/fileitem"
)

// ActionType enumerates the kinds of external process invocations the engine
// schedules. Behavior differences (output verification, zero-length handling)
// key off the type rather than subclassing.
type ActionType int

const (
	ActionCompile ActionType = iota
	ActionCompileModuleInterface
	ActionGatherModuleDependencies
	ActionLink
	ActionWriteMetadata
	ActionBuildProject
)

var actionTypeNames = map[ActionType]string{
	ActionCompile:                  "Compile",
	ActionCompileModuleInterface:   "CompileModuleInterface",
	ActionGatherModuleDependencies: "GatherModuleDependencies",
	ActionLink:                     "Link",
	ActionWriteMetadata:            "WriteMetadata",
	ActionBuildProject:             "BuildProject",
}

func (t ActionType) String() string {
	if name, ok := actionTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ActionType(%d)", int(t))
}

// An Action is a single external process invocation with declared
// prerequisite and produced files. Actions are immutable once handed to the
// engine; only GroupNames is amended when equivalent actions from several
// targets merge.
type Action struct {
	Type             ActionType
	WorkingDirectory string
	CommandPath      string
	CommandArguments string

	// CommandVersion is an opaque string that changes when the tool's
	// semantics change; it invalidates the action history even when the
	// command line is identical.
	CommandVersion string

	PrerequisiteItems []*fileitem.Item
	ProducedItems     []*fileitem.Item

	// DeleteItems are removed from disk before the action re-runs.
	DeleteItems []*fileitem.Item

	// DependencyListFile, if set, is a compiler-emitted file listing
	// additional prerequisites discovered during the previous run.
	DependencyListFile *fileitem.Item

	ProducesImportLibrary bool
	UseActionHistory      bool
	StatusDescription     string

	// GroupNames labels which targets contributed this action.
	GroupNames []string
}

// ProducingAttributes is the command-line fingerprint recorded in the action
// history for every produced item.
func (a *Action) ProducingAttributes() string {
	return a.CommandPath + " " + a.CommandArguments + " (ver " + a.CommandVersion + ")"
}

func (a *Action) String() string {
	if a.StatusDescription != "" {
		return a.StatusDescription
	}
	return a.CommandPath + " " + a.CommandArguments
}

// A LinkedAction is an Action whose prerequisite producers have been
// resolved.
type LinkedAction struct {
	*Action

	// Prerequisites are the actions producing this action's prerequisite
	// items, without duplicates, in first-reference order.
	Prerequisites []*LinkedAction

	// NumTotalDependents counts the actions transitively depending on this
	// one; the executor runs the most-depended-on work first.
	NumTotalDependents int

	// SortIndex makes the dependents ordering stable.
	SortIndex int
}
