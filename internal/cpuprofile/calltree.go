package cpuprofile

import (
	"fmt"
	"strings"

	"github.com/vm-profiler/internal/tokens"
)

// ProfileNode is one call path position in a ProfileTree.
type ProfileNode struct {
	tree       *ProfileTree
	entry      *CodeEntry
	selfTicks  uint64
	totalTicks uint64
	// children is keyed by CallUID; colliding entries are only found in
	// childrenList.
	children map[uint64]*ProfileNode
	// childrenList keeps insertion order for deterministic traversal.
	childrenList []*ProfileNode
}

func newProfileNode(tree *ProfileTree, entry *CodeEntry) *ProfileNode {
	return &ProfileNode{
		tree:     tree,
		entry:    entry,
		children: make(map[uint64]*ProfileNode),
	}
}

// FindChild returns the child for entry, or nil.
func (n *ProfileNode) FindChild(entry *CodeEntry) *ProfileNode {
	return n.findChild(entry, entry.CallUID())
}

func (n *ProfileNode) findChild(entry *CodeEntry, uid uint64) *ProfileNode {
	child, ok := n.children[uid]
	if !ok {
		return nil
	}
	if child.entry.IsSameAs(entry) {
		return child
	}
	for _, c := range n.childrenList {
		if c.entry.IsSameAs(entry) {
			return c
		}
	}
	return nil
}

// FindOrAddChild returns the child for entry, creating it if needed.
func (n *ProfileNode) FindOrAddChild(entry *CodeEntry) *ProfileNode {
	uid := entry.CallUID()
	if child := n.findChild(entry, uid); child != nil {
		return child
	}
	child := newProfileNode(n.tree, entry)
	if _, taken := n.children[uid]; !taken {
		n.children[uid] = child
	}
	n.childrenList = append(n.childrenList, child)
	return child
}

func (n *ProfileNode) Entry() *CodeEntry { return n.entry }
func (n *ProfileNode) Children() []*ProfileNode { return n.childrenList }
func (n *ProfileNode) SelfTicks() uint64 { return n.selfTicks }
func (n *ProfileNode) TotalTicks() uint64 { return n.totalTicks }
func (n *ProfileNode) IncrementSelfTicks() { n.selfTicks++ }
func (n *ProfileNode) IncreaseSelfTicks(d uint64) { n.selfTicks += d }
func (n *ProfileNode) IncreaseTotalTicks(d uint64) { n.totalTicks += d }

// SelfMillis converts self ticks using the tree's sampling rate.
func (n *ProfileNode) SelfMillis() float64 {
	return n.tree.TicksToMillis(n.selfTicks)
}

// TotalMillis converts total ticks using the tree's sampling rate.
func (n *ProfileNode) TotalMillis() float64 {
	return n.tree.TicksToMillis(n.totalTicks)
}

// TraversalCallback receives the events of ProfileTree.TraverseDepthFirst.
type TraversalCallback interface {
	BeforeTraversingChild(parent, child *ProfileNode)
	AfterAllChildrenTraversed(node *ProfileNode)
	AfterChildTraversed(parent, child *ProfileNode)
}

// ProfileTree is a call tree. Trees are never shared between goroutines
// while being built.
type ProfileTree struct {
	rootEntry      *CodeEntry
	root           *ProfileNode
	msToTicksScale float64
}

// NewProfileTree creates a tree holding only the root node.
func NewProfileTree() *ProfileTree {
	t := &ProfileTree{
		rootEntry:      newRootEntry(),
		msToTicksScale: 1.0,
	}
	t.root = newProfileNode(t, t.rootEntry)
	return t
}

// Root returns the root node.
func (t *ProfileTree) Root() *ProfileNode {
	return t.root
}

// AddPathFromEnd adds a sample whose path is stored callee first, so the
// tree grows caller to callee. Nil entries are unresolved frames.
func (t *ProfileTree) AddPathFromEnd(path []*CodeEntry) {
	node := t.root
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] != nil {
			node = node.FindOrAddChild(path[i])
		}
	}
	node.IncrementSelfTicks()
}

// AddPathFromStart adds a sample walking the path in stored order.
func (t *ProfileTree) AddPathFromStart(path []*CodeEntry) {
	node := t.root
	for _, entry := range path {
		if entry != nil {
			node = node.FindOrAddChild(entry)
		}
	}
	node.IncrementSelfTicks()
}

type position struct {
	node     *ProfileNode
	childIdx int
}

func (p *position) hasCurrentChild() bool { return p.childIdx < len(p.node.childrenList) }

func (p *position) currentChild() *ProfileNode { return p.node.childrenList[p.childIdx] }

// TraverseDepthFirst walks the tree in post-order without recursion, so deep
// call chains cannot exhaust the goroutine stack.
func (t *ProfileTree) TraverseDepthFirst(cb TraversalCallback) {
	stack := make([]position, 1, 16)
	stack[0] = position{node: t.root}
	for len(stack) > 0 {
		current := &stack[len(stack)-1]
		if current.hasCurrentChild() {
			child := current.currentChild()
			cb.BeforeTraversingChild(current.node, child)
			stack = append(stack, position{node: child})
			continue
		}
		cb.AfterAllChildrenTraversed(current.node)
		if len(stack) > 1 {
			parent := &stack[len(stack)-2]
			cb.AfterChildTraversed(parent.node, current.node)
			parent.childIdx++
		}
		stack = stack[:len(stack)-1]
	}
}

type totalTicksCallback struct{}

func (totalTicksCallback) BeforeTraversingChild(_, _ *ProfileNode) {}

func (totalTicksCallback) AfterAllChildrenTraversed(node *ProfileNode) {
	node.IncreaseTotalTicks(node.selfTicks)
}

func (totalTicksCallback) AfterChildTraversed(parent, child *ProfileNode) {
	parent.IncreaseTotalTicks(child.totalTicks)
}

// CalculateTotalTicks sums self ticks upwards. Must be called once, after
// the last path is added.
func (t *ProfileTree) CalculateTotalTicks() {
	t.TraverseDepthFirst(totalTicksCallback{})
}

type nodesPair struct {
	src *ProfileNode
	dst *ProfileNode
}

type filteredCloneCallback struct {
	stack           []nodesPair
	securityTokenID int
}

func (c *filteredCloneCallback) BeforeTraversingChild(parent, child *ProfileNode) {
	top := c.stack[len(c.stack)-1]
	// The top of the stack is the closest accepted source node, so the
	// caller was accepted exactly when it is that node.
	if c.isTokenAcceptable(child.entry.securityTokenID, top.src == parent) {
		clone := top.dst.FindOrAddChild(child.entry)
		clone.IncreaseSelfTicks(child.selfTicks)
		c.stack = append(c.stack, nodesPair{src: child, dst: clone})
		return
	}
	// Foreign code: its ticks go to the closest accepted caller.
	top.dst.IncreaseSelfTicks(child.selfTicks)
}

func (c *filteredCloneCallback) AfterAllChildrenTraversed(*ProfileNode) {}

func (c *filteredCloneCallback) AfterChildTraversed(_, child *ProfileNode) {
	if c.stack[len(c.stack)-1].src == child {
		c.stack = c.stack[:len(c.stack)-1]
	}
}

func (c *filteredCloneCallback) isTokenAcceptable(token int, callerAccepted bool) bool {
	switch token {
	case tokens.NoSecurityToken, c.securityTokenID:
		return true
	case tokens.InheritsSecurityToken:
		return callerAccepted
	}
	return false
}

// FilteredClone fills t, which must be empty, with the nodes of src visible
// to securityTokenID. The total number of ticks is preserved.
func (t *ProfileTree) FilteredClone(src *ProfileTree, securityTokenID int) {
	t.msToTicksScale = src.msToTicksScale
	cb := &filteredCloneCallback{
		stack:           []nodesPair{{src: src.root, dst: t.root}},
		securityTokenID: securityTokenID,
	}
	src.TraverseDepthFirst(cb)
	t.CalculateTotalTicks()
}

// SetTickRatePerMs records the measured sampling rate.
func (t *ProfileTree) SetTickRatePerMs(ticksPerMs float64) {
	if ticksPerMs > 0 {
		t.msToTicksScale = 1.0 / ticksPerMs
	} else {
		t.msToTicksScale = 1.0
	}
}

// TicksToMillis converts a tick count to milliseconds.
func (t *ProfileTree) TicksToMillis(ticks uint64) float64 {
	return float64(ticks) * t.msToTicksScale
}

type countCallback struct{ n int }

func (c *countCallback) BeforeTraversingChild(_, _ *ProfileNode) {}
func (c *countCallback) AfterAllChildrenTraversed(*ProfileNode) { c.n++ }
func (c *countCallback) AfterChildTraversed(_, _ *ProfileNode) {}

// NodesCount returns the number of nodes including the root.
func (t *ProfileTree) NodesCount() int {
	cb := &countCallback{}
	t.TraverseDepthFirst(cb)
	return cb.n
}

// String dumps the tree, one node per line, children indented.
func (t *ProfileTree) String() string {
	var sb strings.Builder
	type item struct {
		node   *ProfileNode
		indent int
	}
	stack := []item{{t.root, 0}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fmt.Fprintf(&sb, "%5d %5d %s%s\n", it.node.totalTicks, it.node.selfTicks,
			strings.Repeat(" ", it.indent), it.node.entry)
		children := it.node.childrenList
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, item{children[i], it.indent + 2})
		}
	}
	return sb.String()
}
