package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage lays m out with graphviz dot and returns PNG bytes.
func RenderImage(ctx context.Context, m *Model) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: start graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: new graph: %w", err)
	}
	defer g.Close()
	g.SetRankDir(cgraph.TBRank)
	if m.Title != "" {
		g.SetLabel(m.Title)
	}

	drawn := make(map[string]*cgraph.Node, len(m.Nodes))
	for _, n := range m.Nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		gn.SetLabel(firstLine(n.Label))
		styleNode(gn, n)
		drawn[n.ID] = gn
	}
	for _, e := range m.Edges {
		from, to := drawn[e.From], drawn[e.To]
		if from == nil || to == nil {
			continue
		}
		if _, err := g.CreateEdgeByName("", from, to); err != nil {
			return nil, fmt.Errorf("diagram: edge %s -> %s: %w", e.From, e.To, err)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render png: %w", err)
	}
	return buf.Bytes(), nil
}

func styleNode(gn *cgraph.Node, n *Node) {
	switch n.Shape {
	case ShapeGate:
		gn.SetShape(cgraph.HexagonShape)
	case ShapeTerminal:
		gn.SetShape(cgraph.CircleShape)
		gn.SetWidth(0.5)
		gn.SetHeight(0.5)
	default:
		gn.SetShape(cgraph.BoxShape)
	}

	l, ok := lookOf(n)
	if !ok {
		return
	}
	gn.SetStyle(cgraph.FilledNodeStyle)
	if l.dashed {
		gn.SetStyle(cgraph.DashedNodeStyle)
	}
	gn.SetFillColor(l.fill)
	gn.SetFontColor(l.font)
}
