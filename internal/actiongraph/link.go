package actiongraph

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/st0ke/stoke/internal/fileitem"
)

// A CycleError reports every action participating in a prerequisite cycle.
type CycleError struct {
	// Cyclic lists the actions which could not be ordered.
	Cyclic []*LinkedAction

	// Producers maps each cyclic action to the prerequisite producers keeping
	// it unordered.
	Producers map[*LinkedAction][]*LinkedAction
}

func (e *CycleError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cycle detected in action graph (%d actions involved):\n", len(e.Cyclic))
	for _, la := range e.Cyclic {
		fmt.Fprintf(&sb, "  %d. %s %s\n", la.SortIndex, la.CommandPath, la.CommandArguments)
		for _, p := range e.Producers[la] {
			fmt.Fprintf(&sb, "     depends on cyclic action %d (%s)\n", p.SortIndex, p.String())
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

type graphNode struct {
	id int64
	la *LinkedAction
}

func (n graphNode) ID() int64 { return n.id }

// Link resolves each action's prerequisite producers, rejects cycles and
// returns the actions in an order in which every producer precedes its
// consumers. Duplicate producers must have been eliminated beforehand (see
// CheckForConflicts and MergeTargets).
func Link(actions []*Action) ([]*LinkedAction, error) {
	linked := make([]*LinkedAction, len(actions))
	for i, a := range actions {
		linked[i] = &LinkedAction{Action: a, SortIndex: i}
	}

	producers := make(map[*fileitem.Item]*LinkedAction)
	for _, la := range linked {
		for _, item := range la.ProducedItems {
			if other, ok := producers[item]; ok {
				return nil, xerrors.Errorf("two actions produce %s (%q and %q); conflict checking must run before linking",
					item.Path(), other.String(), la.String())
			}
			producers[item] = la
		}
	}

	for _, la := range linked {
		seen := make(map[*LinkedAction]bool)
		for _, item := range la.PrerequisiteItems {
			if p, ok := producers[item]; ok && !seen[p] {
				seen[p] = true
				la.Prerequisites = append(la.Prerequisites, p)
			}
		}
	}

	if err := detectCycles(linked); err != nil {
		return nil, err
	}

	// gonum orders the DAG and backs the transitive dependent counts. Edges
	// run producer → consumer.
	g := simple.NewDirectedGraph()
	for _, la := range linked {
		g.AddNode(graphNode{id: int64(la.SortIndex), la: la})
	}
	for _, la := range linked {
		for _, p := range la.Prerequisites {
			g.SetEdge(g.NewEdge(g.Node(int64(p.SortIndex)), g.Node(int64(la.SortIndex))))
		}
	}
	order, err := topo.SortStabilized(g, nil)
	if err != nil {
		return nil, xerrors.Errorf("BUG: cycle survived detection: %v", err)
	}
	for _, la := range linked {
		la.NumTotalDependents = countDependents(g, int64(la.SortIndex))
	}
	sorted := make([]*LinkedAction, len(order))
	for i, n := range order {
		sorted[i] = n.(graphNode).la
	}
	return sorted, nil
}

// detectCycles grows the set of orderable actions from those without
// producing prerequisites; whatever is left at the fixpoint participates in a
// cycle. Iterative on purpose: the diagnostics enumerate every cyclic action
// and recursion does not survive graphs of this size.
func detectCycles(linked []*LinkedAction) error {
	ordered := make(map[*LinkedAction]bool, len(linked))
	for len(ordered) < len(linked) {
		progressed := false
		for _, la := range linked {
			if ordered[la] {
				continue
			}
			ready := true
			for _, p := range la.Prerequisites {
				if !ordered[p] {
					ready = false
					break
				}
			}
			if ready {
				ordered[la] = true
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	if len(ordered) == len(linked) {
		return nil
	}
	err := &CycleError{Producers: make(map[*LinkedAction][]*LinkedAction)}
	for _, la := range linked {
		if ordered[la] {
			continue
		}
		err.Cyclic = append(err.Cyclic, la)
		for _, p := range la.Prerequisites {
			if !ordered[p] {
				err.Producers[la] = append(err.Producers[la], p)
			}
		}
	}
	return err
}

func countDependents(g graph.Directed, id int64) int {
	seen := map[int64]bool{id: true}
	stack := []int64{id}
	count := 0
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for it := g.From(cur); it.Next(); {
			next := it.Node().ID()
			if !seen[next] {
				seen[next] = true
				count++
				stack = append(stack, next)
			}
		}
	}
	return count
}
