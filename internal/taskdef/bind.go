package taskdef

import (
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// A ConditionFunc evaluates a boolean condition expression against the
// current graph context. The expression language itself lives outside the
// runtime; LiteralConditions is the built-in fallback.
type ConditionFunc func(expr string) (bool, error)

// LiteralConditions accepts plain true/false literals only.
func LiteralConditions(expr string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "true", "1":
		return true, nil
	case "false", "0", "":
		return false, nil
	}
	return false, xerrors.Errorf("cannot evaluate condition %q without an expression evaluator", expr)
}

// A Binder turns TaskInfos of one node into bound tasks, validating tag flow
// against the node's declared inputs and outputs as it goes.
type Binder struct {
	Registry *Registry

	// RootDir anchors file and directory parameter resolution.
	RootDir string

	// Inputs and Outputs are the node's declared tag sets.
	Inputs  map[string]bool
	Outputs map[string]bool

	Eval ConditionFunc

	// local accumulates tags produced by earlier tasks of the node.
	local map[string]bool
}

// Bind looks up, parses, constructs and flow-checks one task. All errors
// carry the task's source location.
func (b *Binder) Bind(info TaskInfo) (Task, error) {
	if b.Eval == nil {
		b.Eval = LiteralConditions
	}
	def, err := b.Registry.lookup(info.Name)
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", info.Location, err)
	}

	known := make(map[string]bool, len(def.Parameters))
	params := &Params{values: make(map[string]interface{})}
	for i := range def.Parameters {
		p := &def.Parameters[i]
		known[p.Name] = true
		raw, supplied := info.Arguments[p.Name]
		if !supplied {
			if !p.Optional {
				return nil, xerrors.Errorf("%s: task %s is missing required parameter %q",
					info.Location, info.Name, p.Name)
			}
			if p.Default != nil {
				params.values[p.Name] = p.Default
			}
			continue
		}
		value, err := b.parse(p, raw)
		if err != nil {
			return nil, xerrors.Errorf("%s: task %s parameter %q: %w", info.Location, info.Name, p.Name, err)
		}
		params.values[p.Name] = value
	}
	for name := range info.Arguments {
		if !known[name] {
			return nil, xerrors.Errorf("%s: task %s has no parameter %q", info.Location, info.Name, name)
		}
	}

	task, err := def.Create(params)
	if err != nil {
		return nil, xerrors.Errorf("%s: task %s: %w", info.Location, info.Name, err)
	}

	if err := b.checkTagFlow(info, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (b *Binder) checkTagFlow(info TaskInfo, task Task) error {
	if b.local == nil {
		b.local = make(map[string]bool)
	}
	for _, tag := range task.ConsumedTags() {
		if !b.local[tag] && !b.Inputs[tag] {
			return xerrors.Errorf("%s: task %s reads tag %s, which is neither produced by an earlier task nor a node input",
				info.Location, info.Name, tag)
		}
	}
	for _, tag := range task.ProducedTags() {
		if !b.local[tag] && !b.Outputs[tag] {
			return xerrors.Errorf("%s: task %s writes tag %s, which is not declared as a node output",
				info.Location, info.Name, tag)
		}
		b.local[tag] = true
	}
	return nil
}

func (b *Binder) parse(p *Parameter, raw string) (interface{}, error) {
	if p.Collection {
		var elems []string
		for _, part := range strings.Split(raw, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			v, err := b.parseScalar(p, part)
			if err != nil {
				return nil, err
			}
			s, ok := v.(string)
			if !ok {
				return nil, xerrors.Errorf("collection parameters must have string-like kinds")
			}
			elems = append(elems, s)
		}
		return elems, nil
	}
	return b.parseScalar(p, raw)
}

func (b *Binder) parseScalar(p *Parameter, raw string) (interface{}, error) {
	if err := b.validate(p.Validation, raw); err != nil {
		return nil, err
	}
	switch p.Kind {
	case KindString:
		return raw, nil
	case KindBool:
		// Booleans are condition expressions evaluated against the graph
		// context, not bare literals.
		return b.Eval(raw)
	case KindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.Errorf("%q is not an integer", raw)
		}
		return n, nil
	case KindEnum:
		v, ok := p.Enum[raw]
		if !ok {
			return nil, xerrors.Errorf("%q is not one of %s", raw, enumNames(p.Enum))
		}
		return v, nil
	case KindFile, KindDir:
		if filepath.IsAbs(raw) {
			return filepath.Clean(raw), nil
		}
		return filepath.Join(b.RootDir, raw), nil
	default:
		// String-conversion fallback for kinds with no dedicated parser.
		return raw, nil
	}
}

func (b *Binder) validate(v Validation, raw string) error {
	switch v {
	case ValidateTag:
		if !strings.HasPrefix(raw, "#") || len(raw) == 1 {
			return xerrors.Errorf("%q is not a tag name (expected #name)", raw)
		}
	case ValidateTagList:
		for _, part := range strings.Split(raw, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if !strings.HasPrefix(part, "#") || len(part) == 1 {
				return xerrors.Errorf("%q is not a tag name (expected #name)", part)
			}
		}
	case ValidateBalancedString:
		depth := 0
		inQuote := false
		for _, r := range raw {
			switch r {
			case '"':
				inQuote = !inQuote
			case '(', '[', '{':
				if !inQuote {
					depth++
				}
			case ')', ']', '}':
				if !inQuote {
					depth--
					if depth < 0 {
						return xerrors.Errorf("unbalanced brackets in %q", raw)
					}
				}
			}
		}
		if inQuote {
			return xerrors.Errorf("unbalanced quotes in %q", raw)
		}
		if depth != 0 {
			return xerrors.Errorf("unbalanced brackets in %q", raw)
		}
	}
	return nil
}

func enumNames(enum map[string]int) string {
	var names []string
	for name := range enum {
		names = append(names, name)
	}
	return strings.Join(names, "|")
}
