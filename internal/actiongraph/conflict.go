package actiongraph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/st0ke/stoke/internal/fileitem"
)

// ConflictReason is a bitmask of the fields on which two producers of the
// same item diverge.
type ConflictReason uint

const (
	ConflictType ConflictReason = 1 << iota
	ConflictPrerequisiteItems
	ConflictDeleteItems
	ConflictDependencyListFile
	ConflictWorkingDirectory
	ConflictCommandPath
	ConflictCommandArguments
)

var conflictReasonNames = []struct {
	bit  ConflictReason
	name string
}{
	{ConflictType, "action_type"},
	{ConflictPrerequisiteItems, "prerequisite_items"},
	{ConflictDeleteItems, "delete_items"},
	{ConflictDependencyListFile, "dependency_list_file"},
	{ConflictWorkingDirectory, "working_directory"},
	{ConflictCommandPath, "command_path"},
	{ConflictCommandArguments, "command_arguments"},
}

func (r ConflictReason) String() string {
	var names []string
	for _, rn := range conflictReasonNames {
		if r&rn.bit != 0 {
			names = append(names, rn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

// A ConflictError reports two actions producing the same item with diverging
// definitions. The dump contains both actions in the JSON export format so
// the toolchain author can diff them.
type ConflictError struct {
	Item   *fileitem.Item
	First  *Action
	Second *Action
	Reason ConflictReason
}

func (e *ConflictError) Error() string {
	dump, _ := json.MarshalIndent([]*exportAction{
		newExportAction(0, &LinkedAction{Action: e.First}),
		newExportAction(1, &LinkedAction{Action: e.Second}),
	}, "", "  ")
	return fmt.Sprintf("conflicting actions for %s (differing fields: %s):\n%s",
		e.Item.Path(), e.Reason, dump)
}

func sameItems(a, b []*fileitem.Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// compareActions returns the zero ConflictReason iff a and b are equivalent,
// i.e. legal duplicates of one another.
func compareActions(a, b *Action) ConflictReason {
	var reason ConflictReason
	if a.Type != b.Type {
		reason |= ConflictType
	}
	if !sameItems(a.PrerequisiteItems, b.PrerequisiteItems) {
		reason |= ConflictPrerequisiteItems
	}
	if !sameItems(a.DeleteItems, b.DeleteItems) {
		reason |= ConflictDeleteItems
	}
	if a.DependencyListFile != b.DependencyListFile {
		reason |= ConflictDependencyListFile
	}
	if a.WorkingDirectory != b.WorkingDirectory {
		reason |= ConflictWorkingDirectory
	}
	if a.CommandPath != b.CommandPath {
		reason |= ConflictCommandPath
	}
	if a.CommandArguments != b.CommandArguments {
		reason |= ConflictCommandArguments
	}
	return reason
}

// CheckForConflicts verifies that no two actions produce the same item with
// diverging definitions. Equivalent duplicates are legal (targets often share
// actions); MergeTargets eliminates them before linking.
func CheckForConflicts(actions []*Action) error {
	producers := make(map[*fileitem.Item]*Action)
	for _, a := range actions {
		for _, item := range a.ProducedItems {
			prev, ok := producers[item]
			if !ok {
				producers[item] = a
				continue
			}
			if prev == a {
				continue
			}
			if reason := compareActions(prev, a); reason != 0 {
				return &ConflictError{Item: item, First: prev, Second: a, Reason: reason}
			}
		}
	}
	return nil
}

// TargetActions is one target's contribution to a merged build.
type TargetActions struct {
	Group   string
	Actions []*Action
}

// MergeTargets unites the action sets of several targets. Equivalent actions
// collapse into one carrying the union of the contributing group labels;
// non-equivalent actions producing the same item are a conflict.
func MergeTargets(targets []TargetActions) ([]*Action, error) {
	var merged []*Action
	producers := make(map[*fileitem.Item]*Action)
	for _, t := range targets {
		for _, a := range t.Actions {
			var dup *Action
			for _, item := range a.ProducedItems {
				prev, ok := producers[item]
				if !ok {
					continue
				}
				if reason := compareActions(prev, a); reason != 0 {
					return nil, &ConflictError{Item: item, First: prev, Second: a, Reason: reason}
				}
				dup = prev
				break
			}
			if dup != nil {
				dup.GroupNames = appendGroup(dup.GroupNames, t.Group)
				continue
			}
			a.GroupNames = appendGroup(a.GroupNames, t.Group)
			for _, item := range a.ProducedItems {
				producers[item] = a
			}
			merged = append(merged, a)
		}
	}
	return merged, nil
}

func appendGroup(groups []string, group string) []string {
	if group == "" {
		return groups
	}
	for _, g := range groups {
		if g == group {
			return groups
		}
	}
	return append(groups, group)
}
