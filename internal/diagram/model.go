// Package diagram draws a workflow template as a chain of generation steps,
// optionally overlaid with the progress of one execution.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep  NodeKind = "step"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// Node statuses used by the renderers. Step nodes reuse generation statuses;
// "waiting" marks steps the execution has not reached yet.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusWaiting    = "waiting"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step, or the start or end marker.
type Node struct {
	ID     string
	Label  string
	Model  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries execution state for a node.
type StatusOverlay struct {
	Status       string
	GenerationID string
	Tokens       int64
	DurationMs   int64
	Error        string
}

// Edge links two consecutive nodes. Label names the parameters the target
// step maps from the source step's output.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
