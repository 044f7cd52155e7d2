package diagram

import (
	"strings"
	"unicode/utf8"
)

// RenderASCII draws m one dependency level per row. Gated steps are
// prefixed with "?" and overlaid steps carry a status tag.
func RenderASCII(m *Model) string {
	var b strings.Builder
	if m.Title != "" {
		b.WriteString("=== " + m.Title + " ===\n\n")
	}
	for i, level := range m.Levels {
		var row []box
		for _, id := range level {
			if n := m.Node(id); n != nil {
				row = append(row, newBox(n))
			}
		}
		if len(row) == 0 {
			continue
		}
		writeRow(&b, row)
		if i < len(m.Levels)-1 {
			writeArrows(&b, row)
		}
	}
	return b.String()
}

type box struct {
	text  string
	width int
}

func newBox(n *Node) box {
	text := firstLine(n.Label)
	if n.Shape == ShapeGate {
		text = "? " + text
	}
	if l, ok := lookOf(n); ok {
		text += " " + l.tag
	}
	return box{text: text, width: utf8.RuneCountInString(text) + 4}
}

const gap = "  "

func writeRow(b *strings.Builder, row []box) {
	line := func(left, fill, right string, content func(box) string) {
		for i, bx := range row {
			if i > 0 {
				b.WriteString(gap)
			}
			b.WriteString(left)
			if content != nil {
				b.WriteString(content(bx))
			} else {
				b.WriteString(strings.Repeat(fill, bx.width-2))
			}
			b.WriteString(right)
		}
		b.WriteByte('\n')
	}
	line("┌", "─", "┐", nil)
	line("│", "", "│", func(bx box) string { return " " + bx.text + " " })
	line("└", "─", "┘", nil)
}

// writeArrows draws a down arrow under the middle of every box in row.
func writeArrows(b *strings.Builder, row []box) {
	for _, glyph := range []string{"│", "▼"} {
		var line strings.Builder
		for i, bx := range row {
			if i > 0 {
				line.WriteString(gap)
			}
			mid := bx.width / 2
			line.WriteString(strings.Repeat(" ", mid) + glyph + strings.Repeat(" ", bx.width-mid-1))
		}
		b.WriteString(strings.TrimRight(line.String(), " ") + "\n")
	}
}
