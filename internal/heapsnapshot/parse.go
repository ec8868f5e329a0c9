package heapsnapshot

import (
	"encoding/json"
	"io"
	"sort"
	"strconv"

	apperrors "github.com/vm-profiler/pkg/errors"
)

// ParsedSnapshot is a snapshot decoded from the JSON wire format.
type ParsedSnapshot struct {
	Title   string
	UID     uint32
	Nodes   []ParsedNode
	Strings []string
}

// ParsedNode is a node record. Dominator is an index into Nodes.
type ParsedNode struct {
	Type         EntryType
	Name         string
	ID           uint64
	SelfSize     int
	RetainedSize int
	Dominator    int
	Edges        []ParsedEdge
}

// ParsedEdge is an edge record. To is an index into Nodes; Name is set
// for named edges and Index for indexed ones.
type ParsedEdge struct {
	Type  EdgeType
	Name  string
	Index int
	To    int
}

type wireSnapshot struct {
	Snapshot struct {
		Title string `json:"title"`
		UID   uint32 `json:"uid"`
	} `json:"snapshot"`
	Nodes   []json.RawMessage `json:"nodes"`
	Strings []string          `json:"strings"`
}

type wireMeta struct {
	Fields []string `json:"fields"`
}

// Parse decodes a serialized snapshot.
func Parse(r io.Reader) (*ParsedSnapshot, error) {
	var wire wireSnapshot
	if err := json.NewDecoder(r).Decode(&wire); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeParseError, "decode snapshot", err)
	}
	if len(wire.Nodes) == 0 {
		return nil, apperrors.New(apperrors.CodeParseError, "snapshot has no meta record")
	}
	var meta wireMeta
	if err := json.Unmarshal(wire.Nodes[0], &meta); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeParseError, "decode meta record", err)
	}
	if len(meta.Fields) != nodeFieldsCount+1 {
		return nil, apperrors.Newf(apperrors.CodeParseError, "unexpected node layout %v", meta.Fields)
	}

	values := make([]int64, len(wire.Nodes))
	for i := 1; i < len(wire.Nodes); i++ {
		v, err := strconv.ParseInt(string(wire.Nodes[i]), 10, 64)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeParseError, "nodes["+strconv.Itoa(i)+"]", err)
		}
		values[i] = v
	}

	// First walk: positions of node records.
	index := make(map[int]int)
	for pos := 1; pos < len(values); {
		if pos+nodeFieldsCount > len(values) {
			return nil, apperrors.Newf(apperrors.CodeParseError, "truncated node at %d", pos)
		}
		index[pos] = len(index)
		children := values[pos+6]
		if children < 0 {
			return nil, apperrors.Newf(apperrors.CodeParseError, "node at %d has %d children", pos, children)
		}
		if children > int64(len(values)-pos-nodeFieldsCount)/edgeFieldsCount {
			return nil, apperrors.Newf(apperrors.CodeParseError, "truncated edges of node at %d", pos)
		}
		pos += nodeFieldsCount + int(children)*edgeFieldsCount
	}

	str := func(id int64) (string, error) {
		if id < 0 || int(id) >= len(wire.Strings) {
			return "", apperrors.Newf(apperrors.CodeParseError, "string id %d out of range", id)
		}
		return wire.Strings[id], nil
	}
	node := func(pos int64) (int, error) {
		i, ok := index[int(pos)]
		if !ok {
			return 0, apperrors.Newf(apperrors.CodeParseError, "no node at position %d", pos)
		}
		return i, nil
	}

	out := &ParsedSnapshot{
		Title:   wire.Snapshot.Title,
		UID:     wire.Snapshot.UID,
		Nodes:   make([]ParsedNode, 0, len(index)),
		Strings: wire.Strings,
	}
	for pos := 1; pos < len(values); {
		name, err := str(values[pos+1])
		if err != nil {
			return nil, err
		}
		dominator, err := node(values[pos+5])
		if err != nil {
			return nil, err
		}
		n := ParsedNode{
			Type:         EntryType(values[pos]),
			Name:         name,
			ID:           uint64(values[pos+2]),
			SelfSize:     int(values[pos+3]),
			RetainedSize: int(values[pos+4]),
			Dominator:    dominator,
		}
		children := int(values[pos+6])
		pos += nodeFieldsCount
		for c := 0; c < children; c++ {
			e := ParsedEdge{Type: EdgeType(values[pos])}
			if e.Type.HasIndex() {
				e.Index = int(values[pos+1])
			} else if e.Name, err = str(values[pos+1]); err != nil {
				return nil, err
			}
			if e.To, err = node(values[pos+2]); err != nil {
				return nil, err
			}
			n.Edges = append(n.Edges, e)
			pos += edgeFieldsCount
		}
		out.Nodes = append(out.Nodes, n)
	}
	return out, nil
}

// EdgesCount returns the total number of edges.
func (p *ParsedSnapshot) EdgesCount() int {
	n := 0
	for i := range p.Nodes {
		n += len(p.Nodes[i].Edges)
	}
	return n
}

// TopRetainers returns the indices of the n nodes with the largest
// retained size, the root excluded.
func (p *ParsedSnapshot) TopRetainers(n int) []int {
	if len(p.Nodes) <= 1 {
		return nil
	}
	idx := make([]int, 0, len(p.Nodes)-1)
	for i := 1; i < len(p.Nodes); i++ {
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return p.Nodes[idx[a]].RetainedSize > p.Nodes[idx[b]].RetainedSize
	})
	if n < len(idx) {
		idx = idx[:n]
	}
	return idx
}
