package heapsnapshot

type groupKey struct {
	typ  EntryType
	name string
}

type groupEdge struct {
	from, to int
}

// fillAggregated builds into a snapshot with one entry per (type, name)
// group of full. A group entry sums the self sizes of its members and
// stores their count as its id. Groups are linked by one property edge
// per distinct pair of referencing groups, and the root holds an element
// edge to every group.
func fillAggregated(full, into *HeapSnapshot, p *progress) bool {
	var (
		keys    []groupKey
		counts  []int
		sizes   []int
		index   = make(map[groupKey]int)
		groupOf = make([]int, len(full.entries))
	)
	synthetic := func(i int) bool {
		return i == full.root || i == full.gcRoots || i == full.nativesRoot
	}
	for i := range full.entries {
		groupOf[i] = -1
		if synthetic(i) {
			continue
		}
		e := &full.entries[i]
		key := groupKey{typ: e.typ, name: e.name}
		g, ok := index[key]
		if !ok {
			g = len(keys)
			index[key] = g
			keys = append(keys, key)
			counts = append(counts, 0)
			sizes = append(sizes, 0)
		}
		groupOf[i] = g
		counts[g]++
		sizes[g] += e.selfSize
	}

	var edges []groupEdge
	seen := make(map[groupEdge]bool)
	outDegree := make([]int, len(keys))
	inDegree := make([]int, len(keys))
	for i := range full.entries {
		from := groupOf[i]
		if from < 0 {
			continue
		}
		for _, edge := range full.entries[i].Children() {
			to := groupOf[edge.to]
			if edge.typ == EdgeShortcut || to < 0 || to == from {
				continue
			}
			ge := groupEdge{from: from, to: to}
			if seen[ge] {
				continue
			}
			seen[ge] = true
			edges = append(edges, ge)
			outDegree[from]++
			inDegree[to]++
		}
		p.step()
	}

	into.AllocateEntries(len(keys)+1, len(keys)+len(edges), len(keys)+len(edges))
	root := into.AddRootEntry(len(keys))
	groups := make([]*HeapEntry, len(keys))
	for g, key := range keys {
		groups[g] = into.AddEntry(key.typ, key.name, uint64(counts[g]), sizes[g], outDegree[g], inDegree[g]+1)
	}

	childCursor := make([]int, len(keys))
	retainerCursor := make([]int, len(keys))
	for g, entry := range groups {
		root.SetIndexedReference(EdgeElement, g, g+1, entry, retainerCursor[g])
		retainerCursor[g]++
	}
	for _, ge := range edges {
		groups[ge.from].SetNamedReference(EdgeProperty, childCursor[ge.from], keys[ge.to].name, groups[ge.to], retainerCursor[ge.to])
		childCursor[ge.from]++
		retainerCursor[ge.to]++
	}

	return setEntriesDominators(into, p) && approximateRetainedSizes(into, p)
}
