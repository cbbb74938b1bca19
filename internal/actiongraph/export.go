package actiongraph

import (
	"encoding/json"
	"io"

	"github.com/st0ke/stoke/internal/fileitem"
)

type exportAction struct {
	ID                    int      `json:"id"`
	ActionType            string   `json:"action_type"`
	CommandPath           string   `json:"command_path"`
	CommandArguments      string   `json:"command_arguments"`
	WorkingDirectory      string   `json:"working_directory"`
	PrerequisiteItems     []string `json:"prerequisite_items"`
	ProducedItems         []string `json:"produced_items"`
	DependencyListFile    string   `json:"dependency_list_file,omitempty"`
	ProducesImportLibrary bool     `json:"produces_import_library,omitempty"`
	GroupNames            []string `json:"group_names"`
}

type exportDocument struct {
	Environment map[string]string `json:"Environment"`
	Actions     []*exportAction   `json:"Actions"`
}

func itemPaths(items []*fileitem.Item) []string {
	paths := make([]string, 0, len(items))
	for _, it := range items {
		paths = append(paths, it.Path())
	}
	return paths
}

func newExportAction(id int, la *LinkedAction) *exportAction {
	ea := &exportAction{
		ID:                    id,
		ActionType:            la.Type.String(),
		CommandPath:           la.CommandPath,
		CommandArguments:      la.CommandArguments,
		WorkingDirectory:      la.WorkingDirectory,
		PrerequisiteItems:     itemPaths(la.PrerequisiteItems),
		ProducedItems:         itemPaths(la.ProducedItems),
		ProducesImportLibrary: la.ProducesImportLibrary,
		GroupNames:            la.GroupNames,
	}
	if ea.GroupNames == nil {
		ea.GroupNames = []string{}
	}
	if la.DependencyListFile != nil {
		ea.DependencyListFile = la.DependencyListFile.Path()
	}
	return ea
}

// ExportJSON writes the linked action set in the interchange format consumed
// by external orchestrators (and by -WriteOutdatedActions).
func ExportJSON(w io.Writer, environment map[string]string, actions []*LinkedAction) error {
	doc := exportDocument{
		Environment: environment,
		Actions:     make([]*exportAction, 0, len(actions)),
	}
	if doc.Environment == nil {
		doc.Environment = map[string]string{}
	}
	for i, la := range actions {
		doc.Actions = append(doc.Actions, newExportAction(i, la))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&doc)
}
