package diagram

import (
	"fmt"
	"strings"
)

// mermaidClasses lists the status styles in the order they are declared.
var mermaidClasses = []struct{ status, style string }{
	{StatusCompleted, "fill:#2d6a2d,stroke:#1a4a1a,color:#fff"},
	{StatusFailed, "fill:#8b1a1a,stroke:#5c0e0e,color:#fff"},
	{StatusProcessing, "fill:#1a5276,stroke:#0e3a52,color:#fff"},
	{StatusPending, "fill:#6b6b6b,stroke:#4a4a4a,color:#fff"},
	{StatusWaiting, "fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5"},
}

var (
	mermaidIDReplacer    = strings.NewReplacer(".", "_", "-", "_", " ", "_")
	mermaidLabelReplacer = strings.NewReplacer(`"`, "#quot;", "\n", "<br/>")
)

// RenderMermaid renders the chain as a top-down Mermaid flowchart with one
// class per step status.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		b.WriteString("    ")
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	b.WriteString("graph TD\n")
	if model.Title != "" {
		line("%%%% %s", model.Title)
	}
	for _, n := range model.Nodes {
		open, closing := `["`, `"]`
		if n.Kind != NodeKindStep {
			open, closing = `(("`, `"))`
		}
		line("%s%s%s%s", mermaidSafeID(n.ID), open, mermaidEscapeLabel(n.Label), closing)
	}
	for _, e := range model.Edges {
		arrow := "-->"
		if e.Label != "" {
			arrow += "|" + mermaidEscapeLabel(e.Label) + "|"
		}
		line("%s %s %s", mermaidSafeID(e.From), arrow, mermaidSafeID(e.To))
	}

	b.WriteByte('\n')
	known := make(map[string]bool, len(mermaidClasses))
	for _, c := range mermaidClasses {
		line("classDef %s %s", c.status, c.style)
		known[c.status] = true
	}
	for _, n := range model.Nodes {
		if n.Status != nil && known[n.Status.Status] {
			line("class %s %s", mermaidSafeID(n.ID), n.Status.Status)
		}
	}
	return b.String()
}

func mermaidSafeID(id string) string { return mermaidIDReplacer.Replace(id) }

func mermaidEscapeLabel(s string) string { return mermaidLabelReplacer.Replace(s) }
