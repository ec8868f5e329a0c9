package heapsnapshot

import (
	"github.com/bits-and-blooms/bitset"
)

// fillReversePostorderIndexes numbers the entries reachable from the root
// in postorder, shortcuts excluded. The root gets the highest index.
// It returns the entry indices in that order.
func fillReversePostorderIndexes(s *HeapSnapshot) []int {
	root := s.Root()
	if root == nil {
		return nil
	}
	for i := range s.entries {
		s.entries[i].orderedIndex = -1
	}

	type frame struct {
		entry int
		next  int
	}
	visited := bitset.New(uint(len(s.entries)))
	ordered := make([]int, 0, len(s.entries))
	stack := []frame{{entry: root.index}}
	visited.Set(uint(root.index))
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		children := s.entries[top.entry].Children()
		descended := false
		for top.next < len(children) {
			edge := &children[top.next]
			top.next++
			if edge.typ == EdgeShortcut || visited.Test(uint(edge.to)) {
				continue
			}
			visited.Set(uint(edge.to))
			stack = append(stack, frame{entry: edge.to})
			descended = true
			break
		}
		if descended {
			continue
		}
		s.entries[top.entry].orderedIndex = len(ordered)
		ordered = append(ordered, top.entry)
		stack = stack[:len(stack)-1]
	}
	return ordered
}

// intersect walks two fingers up the dominator array until they meet.
// Both arguments and the array values are postorder indices.
func intersect(finger1, finger2 int, dominators []int) int {
	for finger1 != finger2 {
		for finger1 < finger2 {
			finger1 = dominators[finger1]
		}
		for finger2 < finger1 {
			finger2 = dominators[finger2]
		}
	}
	return finger1
}

// buildDominatorTree computes the immediate dominator of every ordered
// entry with the iterative algorithm of Cooper, Harvey and Kennedy, "A
// Simple, Fast Dominance Algorithm". The result maps a postorder index to
// the postorder index of its dominator.
func buildDominatorTree(s *HeapSnapshot, ordered []int, p *progress) ([]int, bool) {
	n := len(ordered)
	if n == 0 {
		return nil, true
	}
	rootIndex := n - 1
	dominators := make([]int, n)
	for i := range dominators {
		dominators[i] = -1
	}
	dominators[rootIndex] = rootIndex

	base := p.counter
	for changed := 1; changed != 0; {
		changed = 0
		for i := rootIndex - 1; i >= 0; i-- {
			entry := &s.entries[ordered[i]]
			newIdom := -1
			for j := 0; j < entry.retainersCount; j++ {
				edge := entry.Retainer(j)
				if edge.typ == EdgeShortcut {
					continue
				}
				ret := s.entries[edge.from].orderedIndex
				if ret < 0 || dominators[ret] < 0 {
					continue
				}
				if newIdom < 0 {
					newIdom = ret
				} else {
					newIdom = intersect(ret, newIdom, dominators)
				}
			}
			if newIdom >= 0 && dominators[i] != newIdom {
				dominators[i] = newIdom
				changed++
			}
		}
		remaining := n - changed
		if remaining < 0 {
			remaining = 0
		}
		p.counter = base + remaining
		if !p.report(true) {
			return nil, false
		}
	}
	return dominators, true
}

// setEntriesDominators stores the dominator of every reachable entry.
// Unreachable entries become their own dominators.
func setEntriesDominators(s *HeapSnapshot, p *progress) bool {
	ordered := fillReversePostorderIndexes(s)
	dominators, ok := buildDominatorTree(s, ordered, p)
	if !ok {
		return false
	}
	for i, entry := range ordered {
		s.entries[entry].setDominator(ordered[dominators[i]])
	}
	s.SetDominatorsToSelf()
	return true
}

// approximateRetainedSizes adds the self size of every entry to all the
// entries on its dominator chain.
func approximateRetainedSizes(s *HeapSnapshot, p *progress) bool {
	for i := range s.entries {
		s.entries[i].setRetainedSize(s.entries[i].selfSize)
	}
	for i := range s.entries {
		entry := &s.entries[i]
		size := entry.selfSize
		for entry.dominator != entry.index {
			dominator := &s.entries[entry.dominator]
			dominator.addRetainedSize(size)
			entry = dominator
		}
		p.step()
		if !p.report(false) {
			return false
		}
	}
	return true
}
