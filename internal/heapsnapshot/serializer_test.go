package heapsnapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/vm-profiler/pkg/errors"
)

// chunkRecorder keeps every chunk and can abort after a number of them.
type chunkRecorder struct {
	size    int
	abortAt int
	chunks  []string
	ended   bool
}

func (r *chunkRecorder) ChunkSize() int { return r.size }

func (r *chunkRecorder) WriteChunk(data []byte) WriteResult {
	r.chunks = append(r.chunks, string(data))
	if r.abortAt > 0 && len(r.chunks) >= r.abortAt {
		return WriteAbort
	}
	return WriteContinue
}

func (r *chunkRecorder) EndOfStream() { r.ended = true }

func (r *chunkRecorder) String() string { return strings.Join(r.chunks, "") }

func tinySnapshot(t *testing.T) *HeapSnapshot {
	t.Helper()
	h := &testHeap{}
	x := h.add(0x10, "x", 8)
	h.roots = []*testObject{x}
	return takeSnapshot(t, NewHeapProfiler(h, Options{}), "t")
}

func TestSerialize_ExactFormat(t *testing.T) {
	s := tinySnapshot(t)
	out := &chunkRecorder{size: 1024}
	require.NoError(t, s.Serialize(out, FormatJSON))
	require.True(t, out.ended)

	want := `{"snapshot":{"title":"t","uid":1},` + "\n" +
		`"nodes":[` + nodesMeta +
		"\n,3,1,1,0,8,1,1,1,1,11" +
		"\n,3,2,3,0,8,1,1,1,1,21" +
		"\n,3,3,7,8,8,11,0" +
		"],\n" +
		`"strings":["<dummy>",` + "\n" + `"",` + "\n" + `"(GC roots)",` + "\n" + `"x"]}`
	assert.Equal(t, want, out.String())
}

func TestSerialize_Meta(t *testing.T) {
	var meta struct {
		Fields []string        `json:"fields"`
		Types  json.RawMessage `json:"types"`
	}
	require.NoError(t, json.Unmarshal([]byte(nodesMeta), &meta))
	assert.Equal(t, []string{"type", "name", "id", "self_size", "retained_size", "dominator", "children_count", "children"}, meta.Fields)
	for i, name := range entryTypeNames {
		typ, ok := ParseEntryType(name)
		require.True(t, ok)
		assert.Equal(t, EntryType(i), typ)
	}
	for i, name := range edgeTypeNames {
		typ, ok := ParseEdgeType(name)
		require.True(t, ok)
		assert.Equal(t, EdgeType(i), typ)
	}
}

func TestSerialize_ChunksAreBounded(t *testing.T) {
	s := tinySnapshot(t)
	whole := &chunkRecorder{size: 1 << 16}
	require.NoError(t, s.Serialize(whole, FormatJSON))

	small := &chunkRecorder{size: 7}
	require.NoError(t, s.Serialize(small, FormatJSON))
	assert.Equal(t, whole.String(), small.String())
	for _, c := range small.chunks {
		assert.LessOrEqual(t, len(c), 7)
		assert.NotEmpty(t, c)
	}
	assert.True(t, small.ended)
}

func TestSerialize_Abort(t *testing.T) {
	s := tinySnapshot(t)
	out := &chunkRecorder{size: 16, abortAt: 2}
	require.NoError(t, s.Serialize(out, FormatJSON))
	assert.Len(t, out.chunks, 2)
	assert.False(t, out.ended)
}

func TestSerialize_UnsupportedFormat(t *testing.T) {
	s := tinySnapshot(t)
	assert.ErrorIs(t, s.Serialize(&chunkRecorder{size: 16}, SerializationFormat(9)), ErrUnsupportedFormat)
}

func TestSerialize_StringEscapes(t *testing.T) {
	h := &testHeap{}
	x := h.add(0x10, "x", 1)
	h.roots = []*testObject{x}
	title := "a\"b\\\n\t\x01é😀\xff"
	s := takeSnapshot(t, NewHeapProfiler(h, Options{}), title)

	out := &chunkRecorder{size: 64}
	require.NoError(t, s.Serialize(out, FormatJSON))
	assert.True(t, strings.HasPrefix(out.String(),
		`{"snapshot":{"title":"a\"b\\\n\t\u0001\u00E9\uD83D\uDE00?","uid":1}`), out.String())

	parsed, err := Parse(strings.NewReader(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "a\"b\\\n\t\x01é😀?", parsed.Title)
}

func TestSerialize_RoundTrip(t *testing.T) {
	h := newSampleHeap()
	h.groups = []NativeGroup{{Info: testInfo{label: "DOM", hash: 1, elements: 2, size: 64}, Wrappers: []Object{h.b}}}
	s := takeSnapshot(t, NewHeapProfiler(h, Options{}), "round trip")

	var buf bytes.Buffer
	stream := NewWriterStream(&buf, 100)
	require.NoError(t, s.Serialize(stream, FormatJSON))
	require.NoError(t, stream.Err())
	assert.True(t, stream.Ended())
	assert.Equal(t, int64(buf.Len()), stream.Written())

	parsed, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, "round trip", parsed.Title)
	assert.Equal(t, s.UID(), parsed.UID)
	require.Len(t, parsed.Nodes, s.EntriesCount())
	assert.Equal(t, s.EdgesCount(), parsed.EdgesCount())
	assert.Equal(t, "<dummy>", parsed.Strings[0])

	byID := make(map[uint64]*ParsedNode)
	for i := range parsed.Nodes {
		byID[parsed.Nodes[i].ID] = &parsed.Nodes[i]
	}
	for _, e := range s.Entries() {
		n := byID[e.ID()]
		require.NotNil(t, n, e.Name())
		assert.Equal(t, e.Type(), n.Type)
		assert.Equal(t, e.Name(), n.Name)
		assert.Equal(t, e.SelfSize(), n.SelfSize)
		assert.Equal(t, e.RetainedSize(false), n.RetainedSize)
		assert.Equal(t, e.Dominator().ID(), parsed.Nodes[n.Dominator].ID)
		require.Len(t, n.Edges, len(e.Children()))
		for i, edge := range e.Children() {
			got := n.Edges[i]
			assert.Equal(t, edge.Type(), got.Type)
			assert.Equal(t, edge.To().ID(), parsed.Nodes[got.To].ID)
			if edge.Type().HasIndex() {
				assert.Equal(t, edge.Index(), got.Index)
			} else {
				assert.Equal(t, edge.Name(), got.Name)
			}
		}
	}
	assert.Equal(t, uint64(RootObjectID), parsed.Nodes[0].ID)

	top := parsed.TopRetainers(2)
	require.Len(t, top, 2)
	// The group's element edge to B gives the sample heap a second path
	// from the root, so U and D retain the most.
	assert.Equal(t, "U", parsed.Nodes[top[0]].Name)
	assert.Equal(t, "D", parsed.Nodes[top[1]].Name)
}

func TestSerialize_TooBigSnapshot(t *testing.T) {
	s := tinySnapshot(t)
	js := NewJSONSerializer(s)
	js.maxRawSize = 1

	var buf bytes.Buffer
	js.Serialize(NewWriterStream(&buf, 0))
	parsed, err := Parse(&buf)
	require.NoError(t, err)
	require.Len(t, parsed.Nodes, 2)
	assert.Equal(t, "t", parsed.Title)
	assert.Equal(t, []string{"<dummy>", "", TooBigMessage}, parsed.Strings)
	msg := parsed.Nodes[1]
	assert.Equal(t, EntryString, msg.Type)
	assert.Equal(t, 4, msg.SelfSize)
	require.Len(t, parsed.Nodes[0].Edges, 1)
	assert.Equal(t, 1, parsed.Nodes[0].Edges[0].To)
	// The real snapshot is untouched.
	assert.Equal(t, 3, s.EntriesCount())
	assert.Less(t, s.RawEntriesSize(), MaxSerializableSnapshotRawSize)
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.n++
	if w.n > 1 {
		return 0, errors.New("disk full")
	}
	return len(p), nil
}

func TestWriterStream_StopsOnError(t *testing.T) {
	s := tinySnapshot(t)
	stream := NewWriterStream(&failingWriter{}, 8)
	require.NoError(t, s.Serialize(stream, FormatJSON))
	assert.EqualError(t, stream.Err(), "disk full")
	assert.False(t, stream.Ended())
	assert.Equal(t, int64(8), stream.Written())
}

func TestParse_Errors(t *testing.T) {
	for name, input := range map[string]string{
		"not json":          "nope",
		"no meta":           `{"snapshot":{"title":"","uid":1},"nodes":[],"strings":[]}`,
		"bad meta":          `{"snapshot":{"title":"","uid":1},"nodes":[{"fields":["type"]}],"strings":[]}`,
		"truncated":         `{"snapshot":{"title":"","uid":1},"nodes":[` + nodesMeta + `,3,1],"strings":["<dummy>",""]}`,
		"bad position":      `{"snapshot":{"title":"","uid":1},"nodes":[` + nodesMeta + `,3,1,1,0,0,99,0],"strings":["<dummy>",""]}`,
		"negative children": `{"snapshot":{"title":"","uid":1},"nodes":[` + nodesMeta + `,3,1,1,0,0,1,-5],"strings":["<dummy>",""]}`,
		"too many children": `{"snapshot":{"title":"","uid":1},"nodes":[` + nodesMeta + `,3,1,1,0,0,1,2,1,1,1],"strings":["<dummy>",""]}`,
		"huge children":     `{"snapshot":{"title":"","uid":1},"nodes":[` + nodesMeta + `,3,1,1,0,0,1,9223372036854775807],"strings":["<dummy>",""]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(input))
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeParseError, apperrors.GetErrorCode(err))
		})
	}
}
