// Package script reads a pipeline script into a graphrun.Graph. The full
// schema language (includes, option declarations, rich condition
// expressions) belongs to an external reader; this loader covers the core
// element set so the driver is self-contained: properties, agents, nodes,
// arbitrary task elements, triggers and reports.
package script

import (
	"encoding/xml"
	"io"
	"os"
	"strings"

	"golang.org/x/xerrors"

	"github.com/st0ke/stoke/internal/graphrun"
	"github.com/st0ke/stoke/internal/taskdef"
)

// Expand substitutes $(Name) property references. Unknown properties are an
// error; scripts silently building with empty values are a debugging tarpit.
func Expand(s string, props map[string]string) (string, error) {
	var sb strings.Builder
	for {
		i := strings.Index(s, "$(")
		if i < 0 {
			sb.WriteString(s)
			return sb.String(), nil
		}
		sb.WriteString(s[:i])
		rest := s[i+2:]
		j := strings.IndexByte(rest, ')')
		if j < 0 {
			return "", xerrors.Errorf("unterminated property reference in %q", s)
		}
		name := rest[:j]
		value, ok := props[name]
		if !ok {
			return "", xerrors.Errorf("unknown property %q", name)
		}
		sb.WriteString(value)
		s = rest[j+1:]
	}
}

type loader struct {
	path    string
	dec     *xml.Decoder
	props   map[string]string
	eval    taskdef.ConditionFunc
	graph   *graphrun.Graph
	current *graphrun.Agent
	trigger string
}

// Load parses the script at path. props seeds the property table (standard
// defaults plus -Set/-Append overrides); properties declared by the script
// are added as they appear. eval decides If conditions.
func Load(path string, props map[string]string, eval taskdef.ConditionFunc) (*graphrun.Graph, error) {
	g, _, err := LoadWithProperties(path, props, eval)
	return g, err
}

// LoadWithProperties additionally returns the final property table, i.e. the
// seed properties plus everything the script declared. -Preprocess uses it
// to write a fully expanded script.
func LoadWithProperties(path string, props map[string]string, eval taskdef.ConditionFunc) (*graphrun.Graph, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	if eval == nil {
		eval = taskdef.LiteralConditions
	}
	copied := make(map[string]string, len(props))
	for k, v := range props {
		copied[k] = v
	}
	l := &loader{
		path:  path,
		dec:   xml.NewDecoder(f),
		props: copied,
		eval:  eval,
		graph: &graphrun.Graph{},
	}
	if err := l.run(); err != nil {
		return nil, nil, err
	}
	if err := l.graph.Finalize(); err != nil {
		return nil, nil, xerrors.Errorf("%s: %w", path, err)
	}
	return l.graph, l.props, nil
}

func (l *loader) errorf(format string, args ...interface{}) error {
	line, _ := l.dec.InputPos()
	return xerrors.Errorf("%s:%d: "+format, append([]interface{}{l.path, line}, args...)...)
}

// attrs expands property references in every attribute and returns them as a
// map, plus whether the element's If condition (default true) held.
func (l *loader) attrs(start xml.StartElement) (map[string]string, bool, error) {
	m := make(map[string]string, len(start.Attr))
	for _, attr := range start.Attr {
		value, err := Expand(attr.Value, l.props)
		if err != nil {
			return nil, false, l.errorf("attribute %s: %v", attr.Name.Local, err)
		}
		m[attr.Name.Local] = value
	}
	if cond, ok := m["If"]; ok {
		delete(m, "If")
		keep, err := l.eval(cond)
		if err != nil {
			return nil, false, l.errorf("If condition: %v", err)
		}
		if !keep {
			return m, false, nil
		}
	}
	return m, true, nil
}

func (l *loader) run() error {
	for {
		tok, err := l.dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return xerrors.Errorf("%s: %v", l.path, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "BuildGraph":
			// document root
		case "Property":
			if err := l.property(start); err != nil {
				return err
			}
		case "Agent":
			if err := l.agent(start); err != nil {
				return err
			}
		case "Trigger":
			if err := l.triggerGroup(start); err != nil {
				return err
			}
		case "Report":
			if err := l.report(start); err != nil {
				return err
			}
		default:
			return l.errorf("unexpected element <%s>", start.Name.Local)
		}
	}
}

func (l *loader) property(start xml.StartElement) error {
	attrs, keep, err := l.attrs(start)
	if err != nil {
		return err
	}
	if keep {
		name := attrs["Name"]
		if name == "" {
			return l.errorf("<Property> requires a Name")
		}
		l.props[name] = attrs["Value"]
	}
	return l.dec.Skip()
}

func (l *loader) triggerGroup(start xml.StartElement) error {
	attrs, keep, err := l.attrs(start)
	if err != nil {
		return err
	}
	if !keep {
		return l.dec.Skip()
	}
	name := attrs["Name"]
	if name == "" {
		return l.errorf("<Trigger> requires a Name")
	}
	l.trigger = name
	defer func() { l.trigger = "" }()
	for {
		tok, err := l.dec.Token()
		if err != nil {
			return l.errorf("inside <Trigger %s>: %v", name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "Agent" {
				return l.errorf("unexpected element <%s> inside <Trigger>", t.Name.Local)
			}
			if err := l.agent(t); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

func (l *loader) agent(start xml.StartElement) error {
	attrs, keep, err := l.attrs(start)
	if err != nil {
		return err
	}
	if !keep {
		return l.dec.Skip()
	}
	name := attrs["Name"]
	if name == "" {
		return l.errorf("<Agent> requires a Name")
	}
	agent := &graphrun.Agent{Name: name, Trigger: l.trigger}
	l.graph.Agents = append(l.graph.Agents, agent)
	l.current = agent
	defer func() { l.current = nil }()
	for {
		tok, err := l.dec.Token()
		if err != nil {
			return l.errorf("inside <Agent %s>: %v", name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "Node" {
				return l.errorf("unexpected element <%s> inside <Agent>", t.Name.Local)
			}
			if err := l.node(t); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

func splitTagList(s string) []string {
	var tags []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			tags = append(tags, part)
		}
	}
	return tags
}

func (l *loader) node(start xml.StartElement) error {
	attrs, keep, err := l.attrs(start)
	if err != nil {
		return err
	}
	if !keep {
		return l.dec.Skip()
	}
	name := attrs["Name"]
	if name == "" {
		return l.errorf("<Node> requires a Name")
	}
	node := &graphrun.Node{
		Name:           name,
		Inputs:         splitTagList(attrs["Requires"]),
		Outputs:        splitTagList(attrs["Produces"]),
		RequiredTokens: splitTagList(attrs["Token"]),
	}
	l.current.Nodes = append(l.current.Nodes, node)
	for {
		tok, err := l.dec.Token()
		if err != nil {
			return l.errorf("inside <Node %s>: %v", name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			taskAttrs, keep, err := l.attrs(t)
			if err != nil {
				return err
			}
			line, _ := l.dec.InputPos()
			if keep {
				node.Tasks = append(node.Tasks, taskdef.TaskInfo{
					Name:      t.Name.Local,
					Arguments: taskAttrs,
					Location:  taskdef.SourceLocation{File: l.path, Line: line},
				})
			}
			if err := l.dec.Skip(); err != nil {
				return l.errorf("task <%s>: %v", t.Name.Local, err)
			}
		case xml.EndElement:
			return nil
		}
	}
}

func (l *loader) report(start xml.StartElement) error {
	attrs, keep, err := l.attrs(start)
	if err != nil {
		return err
	}
	if keep {
		name := attrs["Name"]
		if name == "" {
			return l.errorf("<Report> requires a Name")
		}
		l.graph.Reports = append(l.graph.Reports, &graphrun.Report{
			Name:      name,
			NodeNames: splitTagList(attrs["Nodes"]),
		})
	}
	return l.dec.Skip()
}
