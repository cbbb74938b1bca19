package main

import (
	"encoding/json"
	"os"

	"golang.org/x/xerrors"

	"github.com/st0ke/stoke/internal/taskdef"
)

type schemaParameter struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Validation string `json:"validation,omitempty"`
	Optional   bool   `json:"optional,omitempty"`
	Collection bool   `json:"collection,omitempty"`
}

type schemaTask struct {
	Name       string            `json:"name"`
	Parameters []schemaParameter `json:"parameters"`
}

type schemaDocument struct {
	Tasks []schemaTask `json:"tasks"`
}

var kindNames = map[taskdef.ValueKind]string{
	taskdef.KindString: "string",
	taskdef.KindBool:   "bool",
	taskdef.KindInt:    "int",
	taskdef.KindEnum:   "enum",
	taskdef.KindFile:   "file",
	taskdef.KindDir:    "dir",
}

var validationNames = map[taskdef.Validation]string{
	taskdef.ValidateNone:           "",
	taskdef.ValidateTag:            "tag",
	taskdef.ValidateTagList:        "tag-list",
	taskdef.ValidateBalancedString: "balanced-string",
}

// writeSchema exports the registered task set so script authors and external
// validators know which elements this driver accepts.
func writeSchema(path string, registry *taskdef.Registry) error {
	doc := schemaDocument{Tasks: []schemaTask{}}
	for _, def := range registry.Definitions() {
		task := schemaTask{Name: def.Name, Parameters: []schemaParameter{}}
		for _, p := range def.Parameters {
			task.Parameters = append(task.Parameters, schemaParameter{
				Name:       p.Name,
				Kind:       kindNames[p.Kind],
				Validation: validationNames[p.Validation],
				Optional:   p.Optional,
				Collection: p.Collection,
			})
		}
		doc.Tasks = append(doc.Tasks, task)
	}
	b, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err := os.Stdout.Write(append(b, '\n'))
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0644)
}

// checkSchema verifies that every task an exported schema names exists in
// this driver's registry with at least the same parameters, i.e. that
// scripts written against the schema will bind.
func checkSchema(path string, registry *taskdef.Registry) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc schemaDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return xerrors.Errorf("%s: %v", path, err)
	}
	known := make(map[string]map[string]bool)
	for _, def := range registry.Definitions() {
		params := make(map[string]bool)
		for _, p := range def.Parameters {
			params[p.Name] = true
		}
		known[def.Name] = params
	}
	for _, task := range doc.Tasks {
		params, ok := known[task.Name]
		if !ok {
			return xerrors.Errorf("%s: schema task %q is not supported by this driver", path, task.Name)
		}
		for _, p := range task.Parameters {
			if !params[p.Name] {
				return xerrors.Errorf("%s: schema task %q parameter %q is not supported by this driver",
					path, task.Name, p.Name)
			}
		}
	}
	return nil
}
