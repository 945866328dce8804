package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case StatusCompleted:
		return "[OK]"
	case StatusFailed:
		return "[FAIL]"
	case StatusProcessing:
		return "[RUN]"
	case StatusPending:
		return "[PEND]"
	case StatusWaiting:
		return "[WAIT]"
	default:
		return ""
	}
}

// RenderASCII draws the chain top to bottom with box-drawing characters.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, node := range model.Nodes {
		box := makeBox(node)
		for _, line := range box {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if i == len(model.Nodes)-1 {
			break
		}
		b.WriteString("    │")
		if label := edgeLabel(model, node.ID); label != "" {
			b.WriteString(" " + label)
		}
		b.WriteString("\n    ▼\n")
	}
	return b.String()
}

func makeBox(node *Node) []string {
	content := strings.Split(node.Label, "\n")
	if st := node.Status; st != nil {
		line := statusTag(st.Status)
		if st.Tokens > 0 {
			line += fmt.Sprintf(" %d tok", st.Tokens)
		}
		if st.DurationMs > 0 {
			line += fmt.Sprintf(" %dms", st.DurationMs)
		}
		if line = strings.TrimSpace(line); line != "" {
			content = append(content, line)
		}
		if st.Error != "" {
			content = append(content, truncate(st.Error, 48))
		}
	}

	width := 0
	for _, line := range content {
		if n := len([]rune(line)); n > width {
			width = n
		}
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width+2)+"┐")
	for _, line := range content {
		pad := width - len([]rune(line))
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width+2)+"┘")
	return lines
}

func edgeLabel(model *DiagramModel, from string) string {
	for _, e := range model.Edges {
		if e.From == from {
			return e.Label
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
