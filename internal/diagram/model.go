package diagram

// NodeKind classifies a diagram node by how its executor receives messages.
type NodeKind string

const (
	NodeKindStart    NodeKind = "start"
	NodeKindExecutor NodeKind = "executor"
	NodeKindFanIn    NodeKind = "fan_in"
	NodeKindHandoff  NodeKind = "handoff"
)

// StartID is the virtual node that feeds the start executor.
const StartID = "__start__"

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one executor, or the virtual start node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries what a run did at a node.
type StatusOverlay struct {
	Status      string // last invocation outcome, or "running"
	Invocations int
	Error       string
}

// Edge is a routing edge between two nodes.
type Edge struct {
	From   string
	To     string
	Label  string
	Dashed bool
}

// Node returns the node with the given ID, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
