// Package graphrun executes a declarative build pipeline: a graph of nodes
// grouped under agents, gated by triggers, handing tagged file sets to one
// another through temp storage. The XML schema reader is a collaborator; the
// runtime operates on the parsed Graph value it hands over.
package graphrun

import (
	"strings"

	"golang.org/x/xerrors"

	"github.com/st0ke/stoke/internal/taskdef"
)

// A Graph owns an ordered list of agents and the global tag resolution map.
type Graph struct {
	Agents  []*Agent
	Reports []*Report

	nodesByName map[string]*Node
	tagToNode   map[string]*Node
}

// An Agent groups nodes intended to run together on one machine. An agent
// with a Trigger name only executes when the driver fires that trigger.
type Agent struct {
	Name    string
	Trigger string
	Nodes   []*Node
}

// A Node is an ordered task list with declared tag inputs and outputs.
type Node struct {
	Name string

	// Inputs reference outputs of other nodes by tag name (#tag).
	Inputs []string

	// Outputs are the tag names this node declares; the default output tag
	// (#<node name>) is always present after Finalize.
	Outputs []string

	RequiredTokens []string

	Tasks []taskdef.TaskInfo

	agent *Agent
}

// DefaultOutput is the tag which catches produced files no task explicitly
// tagged.
func (n *Node) DefaultOutput() string { return "#" + n.Name }

// Agent returns the agent owning this node.
func (n *Node) Agent() *Agent { return n.agent }

// A Report passively aggregates the outcomes of a set of nodes.
type Report struct {
	Name      string
	NodeNames []string
}

// Finalize validates the graph and builds the name and tag resolution maps.
// It must be called once after construction, before any resolution.
func (g *Graph) Finalize() error {
	g.nodesByName = make(map[string]*Node)
	g.tagToNode = make(map[string]*Node)
	for _, agent := range g.Agents {
		for _, node := range agent.Nodes {
			node.agent = agent
			if _, ok := g.nodesByName[node.Name]; ok {
				return xerrors.Errorf("node %q is declared twice", node.Name)
			}
			g.nodesByName[node.Name] = node

			if !containsTag(node.Outputs, node.DefaultOutput()) {
				node.Outputs = append([]string{node.DefaultOutput()}, node.Outputs...)
			}
			for _, tag := range node.Outputs {
				if !strings.HasPrefix(tag, "#") {
					return xerrors.Errorf("node %q output %q is not a tag name", node.Name, tag)
				}
				if other, ok := g.tagToNode[tag]; ok {
					return xerrors.Errorf("tag %s is declared by both %q and %q", tag, other.Name, node.Name)
				}
				g.tagToNode[tag] = node
			}
		}
	}
	// Declaration order doubles as the execution order, so references must
	// point backwards.
	order := make(map[*Node]int)
	idx := 0
	for _, agent := range g.Agents {
		for _, node := range agent.Nodes {
			order[node] = idx
			idx++
		}
	}
	for _, agent := range g.Agents {
		for _, node := range agent.Nodes {
			for _, tag := range node.Inputs {
				producer, ok := g.tagToNode[tag]
				if !ok {
					return xerrors.Errorf("node %q reads tag %s, which no node produces", node.Name, tag)
				}
				if producer == node {
					return xerrors.Errorf("node %q reads its own output %s", node.Name, tag)
				}
				if order[producer] > order[node] {
					return xerrors.Errorf("node %q reads tag %s of %q, which is declared after it", node.Name, tag, producer.Name)
				}
			}
		}
	}
	return nil
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Node returns the named node.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Producer returns the node declaring the tag.
func (g *Graph) Producer(tag string) (*Node, bool) {
	n, ok := g.tagToNode[tag]
	return n, ok
}

// Triggers returns the distinct trigger names in declaration order.
func (g *Graph) Triggers() []string {
	var names []string
	seen := make(map[string]bool)
	for _, agent := range g.Agents {
		if agent.Trigger != "" && !seen[agent.Trigger] {
			seen[agent.Trigger] = true
			names = append(names, agent.Trigger)
		}
	}
	return names
}

// ResolveTarget maps a target name to nodes: a node name selects that node,
// an agent name selects its nodes, a trigger name selects the nodes of every
// agent it gates. Unknown names are fatal.
func (g *Graph) ResolveTarget(name string) ([]*Node, error) {
	if n, ok := g.nodesByName[name]; ok {
		return []*Node{n}, nil
	}
	var nodes []*Node
	for _, agent := range g.Agents {
		if agent.Name == name {
			nodes = append(nodes, agent.Nodes...)
		}
	}
	if len(nodes) > 0 {
		return nodes, nil
	}
	for _, agent := range g.Agents {
		if agent.Trigger == name {
			nodes = append(nodes, agent.Nodes...)
		}
	}
	if len(nodes) > 0 {
		return nodes, nil
	}
	return nil, xerrors.Errorf("unknown target %q", name)
}

// Cull returns the targets plus their transitive input producers, in graph
// declaration order (the single-driver execution order: agents in sequence,
// nodes within an agent in sequence).
func (g *Graph) Cull(targets []*Node) []*Node {
	wanted := make(map[*Node]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if wanted[n] {
			return
		}
		wanted[n] = true
		for _, tag := range n.Inputs {
			if producer, ok := g.tagToNode[tag]; ok {
				visit(producer)
			}
		}
	}
	for _, n := range targets {
		visit(n)
	}
	var plan []*Node
	for _, agent := range g.Agents {
		for _, node := range agent.Nodes {
			if wanted[node] {
				plan = append(plan, node)
			}
		}
	}
	return plan
}
