package workflow

import (
	"fmt"
	"strings"
)

// Dot renders the graph reachable from root in Graphviz DOT syntax,
// with edges pointing from predecessor to successor.
func (g *Graph) Dot(root Step) (string, error) {
	steps, err := g.Sort(root)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("digraph workflow {\n\trankdir=TB;\n")
	for _, s := range steps {
		fmt.Fprintf(&b, "\tn%d [label=%q, shape=record];\n", s.id, fmt.Sprintf("%s (%s)", s.Name(), s.Op()))
	}
	for _, s := range steps {
		for _, p := range g.nodes[s.id].preds {
			fmt.Fprintf(&b, "\tn%d -> n%d;\n", p, s.id)
		}
	}
	b.WriteString("}\n")
	return b.String(), nil
}
