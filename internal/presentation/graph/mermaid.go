package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/renderer"
)

// Overlay marks nodes to highlight on the graph.
type Overlay struct {
	Highlight []domain.NodeID
}

// GenerateMermaid produces a Mermaid flowchart of a renderer's mirror tree.
// It applies semantic styling:
// - Root: ((Circle))
// - Template instance: [[Subroutine]]
// - Default: [Rectangle]
func GenerateMermaid(root *renderer.Mirror, overlay *Overlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	var walk func(m *renderer.Mirror)
	walk = func(m *renderer.Mirror) {
		opener, closer := "[", "]"
		switch {
		case m.ID() == domain.RootID:
			opener, closer = "((", "))"
		case m.Template() != nil:
			opener, closer = "[[", "]]"
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", mermaidID(m.ID()), opener, label(m), closer)

		for _, c := range m.Children() {
			// Children moved elsewhere in the same batch are drawn under their new parent.
			if c.Parent() != m {
				continue
			}
			fmt.Fprintf(&sb, "    %s --> %s\n", mermaidID(m.ID()), mermaidID(c.ID()))
			walk(c)
		}
	}
	walk(root)

	if overlay != nil && len(overlay.Highlight) > 0 {
		sb.WriteString("\n    %% Overlay Styles\n")
		sb.WriteString("    classDef highlight fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")
		seen := make(map[domain.NodeID]bool)
		for _, id := range overlay.Highlight {
			if !seen[id] {
				seen[id] = true
				fmt.Fprintf(&sb, "    class %s highlight;\n", mermaidID(id))
			}
		}
	}
	return sb.String()
}

func mermaidID(id domain.NodeID) string {
	return fmt.Sprintf("n%d", id)
}

func label(m *renderer.Mirror) string {
	var sb strings.Builder
	if el := m.Element(); el != nil {
		sb.WriteString(el.Tag())
		for _, c := range el.Classes() {
			sb.WriteString("." + c)
		}
	} else {
		sb.WriteString("node")
	}
	fmt.Fprintf(&sb, " #%d", m.ID())
	if t := m.Template(); t != nil {
		fmt.Fprintf(&sb, " <br/> template %d", t.ID())
	}
	if el := m.Element(); el != nil && m.Template() == nil {
		if text := el.OwnText(); text != "" {
			// Mermaid labels cannot hold double quotes.
			sb.WriteString(" <br/> " + strings.ReplaceAll(text, "\"", "'"))
		}
	}
	return sb.String()
}
