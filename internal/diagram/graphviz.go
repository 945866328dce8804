package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

type nodePaint struct {
	fill, font string
	dashed     bool
}

var statusPaint = map[string]nodePaint{
	StatusCompleted:  {fill: "#2d6a2d", font: "white"},
	StatusFailed:     {fill: "#8b1a1a", font: "white"},
	StatusProcessing: {fill: "#1a5276", font: "white"},
	StatusPending:    {fill: "#d3d3d3", font: "black"},
	StatusWaiting:    {fill: "#e8e8e8", font: "#888888", dashed: true},
}

// RenderImage lays the chain out top to bottom with dot and returns PNG bytes.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
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
	if model.Title != "" {
		g.SetLabel(model.Title)
	}

	byID := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		paintNode(gn, n)
		byID[n.ID] = gn
	}
	for _, e := range model.Edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := g.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: edge %s to %s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
	}

	var out bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.PNG, &out); err != nil {
		return nil, fmt.Errorf("diagram: png: %w", err)
	}
	return out.Bytes(), nil
}

func paintNode(gn *cgraph.Node, n *Node) {
	label := n.Label
	if n.Kind == NodeKindStep {
		gn.SetShape(cgraph.BoxShape)
	} else {
		gn.SetShape(cgraph.CircleShape)
		gn.SetWidth(0.5)
		gn.SetHeight(0.5)
	}
	if n.Status == nil {
		gn.SetLabel(label)
		return
	}
	if n.Status.Tokens > 0 {
		label = fmt.Sprintf("%s\n%d tokens", label, n.Status.Tokens)
	}
	gn.SetLabel(label)

	p, ok := statusPaint[n.Status.Status]
	if !ok {
		return
	}
	style := cgraph.FilledNodeStyle
	if p.dashed {
		style = cgraph.DashedNodeStyle
	}
	gn.SetStyle(style)
	gn.SetFillColor(p.fill)
	gn.SetFontColor(p.font)
}
