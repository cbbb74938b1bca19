package graphrun

import (
	"encoding/json"
	"io"
)

type exportNode struct {
	Name           string   `json:"name"`
	Agent          string   `json:"agent"`
	Trigger        string   `json:"trigger,omitempty"`
	DependsOn      []string `json:"depends_on"`
	InputTags      []string `json:"input_tags"`
	OutputTags     []string `json:"output_tags"`
	RequiredTokens []string `json:"required_tokens,omitempty"`
}

type exportDocument struct {
	Nodes    []exportNode `json:"nodes"`
	Triggers []string     `json:"triggers"`
}

// ExportJSON writes the culled plan in the interchange format external
// orchestrators consume to schedule nodes themselves.
func ExportJSON(w io.Writer, g *Graph, plan []*Node) error {
	doc := exportDocument{Nodes: []exportNode{}, Triggers: g.Triggers()}
	if doc.Triggers == nil {
		doc.Triggers = []string{}
	}
	for _, n := range plan {
		en := exportNode{
			Name:           n.Name,
			Agent:          n.Agent().Name,
			Trigger:        n.Agent().Trigger,
			DependsOn:      []string{},
			InputTags:      append([]string{}, n.Inputs...),
			OutputTags:     append([]string{}, n.Outputs...),
			RequiredTokens: n.RequiredTokens,
		}
		seen := make(map[string]bool)
		for _, tag := range n.Inputs {
			if producer, ok := g.Producer(tag); ok && !seen[producer.Name] {
				seen[producer.Name] = true
				en.DependsOn = append(en.DependsOn, producer.Name)
			}
		}
		doc.Nodes = append(doc.Nodes, en)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&doc)
}
