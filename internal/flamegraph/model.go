// Package flamegraph turns CPU profile call trees into flame graph data.
package flamegraph

// frameKey identifies a frame among its siblings. Frames of the same
// function but different line numbers share a key.
type frameKey struct {
	function string
	resource string
}

// Node is a frame of the flame graph. Value counts the samples of the
// frame and its callees, Self those of the frame alone.
type Node struct {
	Func     string  `json:"func"`
	Module   string  `json:"module,omitempty"`
	Line     int     `json:"line,omitempty"`
	Value    int64   `json:"value"`
	Self     int64   `json:"self,omitempty"`
	Children []*Node `json:"children,omitempty"`

	index map[frameKey]*Node
}

// NewNode creates a detached node.
func NewNode(function, module string, value int64) *Node {
	return &Node{Func: function, Module: module, Value: value}
}

// AddChild attaches child unless a sibling with the same function and
// module exists. It returns the node that ends up in the tree.
func (n *Node) AddChild(child *Node) *Node {
	key := frameKey{child.Func, child.Module}
	if existing, ok := n.index[key]; ok {
		return existing
	}
	if n.index == nil {
		n.index = make(map[frameKey]*Node)
	}
	n.index[key] = child
	n.Children = append(n.Children, child)
	return child
}

// GetChild returns the child frame of function in module, or nil.
func (n *Node) GetChild(function, module string) *Node {
	return n.index[frameKey{function, module}]
}

// frame returns the child frame of function in module, creating it.
func (n *Node) frame(function, module string) *Node {
	if c := n.GetChild(function, module); c != nil {
		return c
	}
	return n.AddChild(NewNode(function, module, 0))
}

// FlameGraph is a rendered profile. MsPerSample converts sample counts to
// milliseconds.
type FlameGraph struct {
	Title        string  `json:"title,omitempty"`
	Root         *Node   `json:"root"`
	TotalSamples int64   `json:"totalSamples"`
	MaxDepth     int     `json:"maxDepth,omitempty"`
	MsPerSample  float64 `json:"msPerSample,omitempty"`
}

// NewFlameGraph creates an empty graph.
func NewFlameGraph() *FlameGraph {
	return &FlameGraph{Root: NewNode("root", "", 0)}
}

// Cleanup drops the subtrees holding less than minPercent of the total
// samples and releases the lookup indexes. The graph is read-only after.
func (fg *FlameGraph) Cleanup(minPercent float64) {
	if fg.Root == nil {
		return
	}
	prune(fg.Root, int64(float64(fg.TotalSamples)*minPercent/100))
}

func prune(n *Node, threshold int64) {
	n.index = nil
	kept := n.Children[:0]
	for _, c := range n.Children {
		if c.Value < threshold {
			continue
		}
		prune(c, threshold)
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		kept = nil
	}
	n.Children = kept
}

// CalculateMaxDepth stores and returns the number of frames on the
// longest path below the root.
func (fg *FlameGraph) CalculateMaxDepth() int {
	fg.MaxDepth = 0
	if fg.Root != nil {
		fg.MaxDepth = depth(fg.Root) - 1
	}
	return fg.MaxDepth
}

func depth(n *Node) int {
	d := 0
	for _, c := range n.Children {
		d = max(d, depth(c))
	}
	return d + 1
}
