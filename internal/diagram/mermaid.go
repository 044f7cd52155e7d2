package diagram

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

var labelEscaper = strings.NewReplacer(`"`, "#quot;", "\n", " ")

// RenderMermaid renders m as a top-down Mermaid flowchart. Only the classes
// used by the overlay are defined; step errors become comments.
func RenderMermaid(m *Model) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", firstLine(m.Title))
	}

	used := map[string]look{}
	var marks []string
	for _, n := range m.Nodes {
		id := mermaidID(n.ID)
		label := labelEscaper.Replace(firstLine(n.Label))
		switch n.Shape {
		case ShapeGate:
			fmt.Fprintf(&b, "    %s{{\"%s\"}}\n", id, label)
		case ShapeTerminal:
			fmt.Fprintf(&b, "    %s((\"%s\"))\n", id, label)
		default:
			fmt.Fprintf(&b, "    %s[\"%s\"]\n", id, label)
		}
		if l, ok := lookOf(n); ok {
			used[l.class] = l
			marks = append(marks, fmt.Sprintf("    class %s %s\n", id, l.class))
		}
	}
	for _, e := range m.Edges {
		fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(e.From), mermaidID(e.To))
	}

	if len(marks) == 0 {
		return b.String()
	}
	b.WriteByte('\n')
	for _, name := range slices.Sorted(maps.Keys(used)) {
		fmt.Fprintf(&b, "    classDef %s %s\n", name, classStyle(used[name]))
	}
	for _, mark := range marks {
		b.WriteString(mark)
	}
	for _, n := range m.Nodes {
		if n.Status != nil && n.Status.Error != "" {
			fmt.Fprintf(&b, "    %%%% %s: %s\n", mermaidID(n.ID), firstLine(n.Status.Error))
		}
	}
	return b.String()
}

// mermaidID keeps letters, digits and underscores; everything else becomes
// an underscore.
func mermaidID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func classStyle(l look) string {
	style := "fill:" + l.fill + ",color:" + l.font
	if l.dashed {
		style += ",stroke-dasharray:5 5"
	}
	return style
}
