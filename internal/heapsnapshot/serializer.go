package heapsnapshot

import (
	"errors"
	"io"
	"strconv"
	"unicode/utf8"
)

// WriteResult is the answer of an OutputStream to a chunk.
type WriteResult int

const (
	WriteContinue WriteResult = iota
	WriteAbort
)

// OutputStream receives a serialized snapshot in chunks.
type OutputStream interface {
	// ChunkSize is the preferred chunk size in bytes.
	ChunkSize() int
	// WriteChunk consumes one chunk. Returning WriteAbort stops
	// serialization; EndOfStream is then not called.
	WriteChunk(data []byte) WriteResult
	EndOfStream()
}

// SerializationFormat selects the output encoding.
type SerializationFormat int

const (
	FormatJSON SerializationFormat = iota
)

// ErrUnsupportedFormat is returned for unknown serialization formats.
var ErrUnsupportedFormat = errors.New("heapsnapshot: unsupported serialization format")

// MaxSerializableSnapshotRawSize is the arena size from which a placeholder
// snapshot is written instead of the real one.
const MaxSerializableSnapshotRawSize = 256 << 20

// TooBigMessage is the only string of the placeholder snapshot.
const TooBigMessage = "The snapshot is too big"

const (
	nodeFieldsCount = 7 // type,name,id,self_size,retained_size,dominator,children_count
	edgeFieldsCount = 3 // type,name|index,to_node
)

// nodesMeta describes the layout of the nodes array; it is nodes[0].
const nodesMeta = `{"fields":["type","name","id","self_size","retained_size","dominator","children_count","children"],` +
	`"types":[["hidden","array","string","object","code","closure","regexp","number","native"],` +
	`"string","number","number","number","number","number",` +
	`{"fields":["type","name_or_index","to_node"],` +
	`"types":[["context","element","property","internal","hidden","shortcut"],` +
	`"string_or_number","node"]}]}`

// OutputStreamWriter buffers writes into chunks of the stream's size.
type OutputStreamWriter struct {
	stream  OutputStream
	chunk   []byte
	pos     int
	aborted bool
	scratch [32]byte
}

// NewOutputStreamWriter creates a writer over stream.
func NewOutputStreamWriter(stream OutputStream) *OutputStreamWriter {
	size := stream.ChunkSize()
	if size <= 0 {
		panic("heapsnapshot: output stream chunk size must be positive")
	}
	return &OutputStreamWriter{stream: stream, chunk: make([]byte, size)}
}

// Aborted reports whether the stream asked to stop.
func (w *OutputStreamWriter) Aborted() bool { return w.aborted }

// AddCharacter appends one byte.
func (w *OutputStreamWriter) AddCharacter(c byte) {
	w.chunk[w.pos] = c
	w.pos++
	w.maybeWriteChunk()
}

// AddString appends s.
func (w *OutputStreamWriter) AddString(s string) {
	for len(s) > 0 {
		n := copy(w.chunk[w.pos:], s)
		s = s[n:]
		w.pos += n
		w.maybeWriteChunk()
	}
}

// AddNumber appends the decimal form of n.
func (w *OutputStreamWriter) AddNumber(n int) {
	w.addBytes(strconv.AppendInt(w.scratch[:0], int64(n), 10))
}

// AddUint64 appends the decimal form of n.
func (w *OutputStreamWriter) AddUint64(n uint64) {
	w.addBytes(strconv.AppendUint(w.scratch[:0], n, 10))
}

func (w *OutputStreamWriter) addBytes(b []byte) {
	for len(b) > 0 {
		n := copy(w.chunk[w.pos:], b)
		b = b[n:]
		w.pos += n
		w.maybeWriteChunk()
	}
}

// Finalize flushes the last chunk and ends the stream.
func (w *OutputStreamWriter) Finalize() {
	if w.aborted {
		return
	}
	if w.pos != 0 {
		w.writeChunk()
	}
	w.stream.EndOfStream()
}

func (w *OutputStreamWriter) maybeWriteChunk() {
	if w.pos == len(w.chunk) {
		w.writeChunk()
		w.pos = 0
	}
}

func (w *OutputStreamWriter) writeChunk() {
	if w.aborted {
		return
	}
	if w.stream.WriteChunk(w.chunk[:w.pos]) == WriteAbort {
		w.aborted = true
	}
}

// JSONSerializer writes a snapshot in the JSON wire format.
type JSONSerializer struct {
	snapshot   *HeapSnapshot
	maxRawSize int
	writer     *OutputStreamWriter

	nodePositions []int // entry index -> position, 0 when unassigned
	nodeOrder     []int
	strings       map[string]int
	stringOrder   []string
}

// NewJSONSerializer creates a serializer for s.
func NewJSONSerializer(s *HeapSnapshot) *JSONSerializer {
	return &JSONSerializer{snapshot: s, maxRawSize: MaxSerializableSnapshotRawSize}
}

// Serialize writes the snapshot to stream.
func (s *HeapSnapshot) Serialize(stream OutputStream, format SerializationFormat) error {
	if format != FormatJSON {
		return ErrUnsupportedFormat
	}
	NewJSONSerializer(s).Serialize(stream)
	return nil
}

// Serialize writes the snapshot to stream. Oversized snapshots are
// replaced by a placeholder.
func (js *JSONSerializer) Serialize(stream OutputStream) {
	js.writer = NewOutputStreamWriter(stream)
	original := js.snapshot
	if original.RawEntriesSize() >= js.maxRawSize {
		js.snapshot = createFakeSnapshot(original)
	}
	defer func() { js.snapshot = original }()

	js.nodePositions = make([]int, js.snapshot.EntriesCount())
	js.nodeOrder = js.nodeOrder[:0]
	js.strings = make(map[string]int)
	js.stringOrder = js.stringOrder[:0]

	js.enumerateNodes()
	js.serializeImpl()
	js.writer = nil
}

func createFakeSnapshot(s *HeapSnapshot) *HeapSnapshot {
	fake := NewHeapSnapshot(nil, KindFull, s.title, s.uid)
	fake.AllocateEntries(2, 1, 0)
	root := fake.AddRootEntry(1)
	message := fake.AddEntry(EntryString, TooBigMessage, 0, 4, 0, 0)
	root.SetUnidirElementReference(0, 1, message)
	fake.SetDominatorsToSelf()
	return fake
}

// enumerateNodes fixes the order of nodes in the stream, root first, and
// converts it into positions in the flat nodes array. Positions start at 1
// since nodes[0] is the meta record.
func (js *JSONSerializer) enumerateNodes() {
	s := js.snapshot
	seen := make([]bool, s.EntriesCount())
	if root := s.Root(); root != nil {
		js.nodeOrder = append(js.nodeOrder, root.index)
		seen[root.index] = true
	}
	for i := range s.entries {
		if !seen[i] {
			js.nodeOrder = append(js.nodeOrder, i)
		}
	}
	pos := 1
	for _, i := range js.nodeOrder {
		js.nodePositions[i] = pos
		pos += nodeFieldsCount + s.entries[i].childrenCount*edgeFieldsCount
	}
}

func (js *JSONSerializer) stringID(str string) int {
	if id, ok := js.strings[str]; ok {
		return id
	}
	js.stringOrder = append(js.stringOrder, str)
	id := len(js.stringOrder)
	js.strings[str] = id
	return id
}

func (js *JSONSerializer) serializeImpl() {
	w := js.writer
	w.AddCharacter('{')
	w.AddString(`"snapshot":{`)
	js.serializeSnapshot()
	if w.Aborted() {
		return
	}
	w.AddString("},\n")
	w.AddString(`"nodes":[`)
	js.serializeNodes()
	if w.Aborted() {
		return
	}
	w.AddString("],\n")
	w.AddString(`"strings":[`)
	js.serializeStrings()
	if w.Aborted() {
		return
	}
	w.AddCharacter(']')
	w.AddCharacter('}')
	w.Finalize()
}

func (js *JSONSerializer) serializeSnapshot() {
	w := js.writer
	w.AddString(`"title":`)
	js.serializeString(js.snapshot.title)
	w.AddString(`,"uid":`)
	w.AddUint64(uint64(js.snapshot.uid))
}

func (js *JSONSerializer) serializeNodes() {
	js.writer.AddString(nodesMeta)
	for _, i := range js.nodeOrder {
		js.serializeNode(&js.snapshot.entries[i])
		if js.writer.Aborted() {
			return
		}
	}
}

func (js *JSONSerializer) serializeNode(e *HeapEntry) {
	w := js.writer
	w.AddCharacter('\n')
	w.AddCharacter(',')
	w.AddNumber(int(e.typ))
	w.AddCharacter(',')
	w.AddNumber(js.stringID(e.name))
	w.AddCharacter(',')
	w.AddUint64(e.id)
	w.AddCharacter(',')
	w.AddNumber(e.selfSize)
	w.AddCharacter(',')
	w.AddNumber(e.RetainedSize(false))
	w.AddCharacter(',')
	if d := e.Dominator(); d != nil {
		w.AddNumber(js.nodePositions[d.index])
	} else {
		w.AddNumber(0)
	}
	children := e.Children()
	w.AddCharacter(',')
	w.AddNumber(len(children))
	for i := range children {
		js.serializeEdge(&children[i])
		if w.Aborted() {
			return
		}
	}
}

func (js *JSONSerializer) serializeEdge(edge *HeapGraphEdge) {
	w := js.writer
	w.AddCharacter(',')
	w.AddNumber(int(edge.typ))
	w.AddCharacter(',')
	if edge.typ.HasIndex() {
		w.AddNumber(edge.index)
	} else {
		w.AddNumber(js.stringID(edge.name))
	}
	w.AddCharacter(',')
	w.AddNumber(js.nodePositions[edge.to])
}

func (js *JSONSerializer) serializeStrings() {
	w := js.writer
	w.AddString(`"<dummy>"`)
	for _, str := range js.stringOrder {
		w.AddCharacter(',')
		w.AddCharacter('\n')
		js.serializeString(str)
		if w.Aborted() {
			return
		}
	}
}

const hexChars = "0123456789ABCDEF"

func (js *JSONSerializer) writeUChar(u rune) {
	w := js.writer
	w.AddString(`\u`)
	w.AddCharacter(hexChars[(u>>12)&0xf])
	w.AddCharacter(hexChars[(u>>8)&0xf])
	w.AddCharacter(hexChars[(u>>4)&0xf])
	w.AddCharacter(hexChars[u&0xf])
}

// serializeString writes a quoted string. Only printable ASCII is written
// as is; everything else is escaped, and invalid UTF-8 becomes '?'.
func (js *JSONSerializer) serializeString(s string) {
	w := js.writer
	w.AddCharacter('"')
	for i := 0; i < len(s); {
		c := s[i]
		switch c {
		case '\b':
			w.AddString(`\b`)
		case '\f':
			w.AddString(`\f`)
		case '\n':
			w.AddString(`\n`)
		case '\r':
			w.AddString(`\r`)
		case '\t':
			w.AddString(`\t`)
		case '"', '\\':
			w.AddCharacter('\\')
			w.AddCharacter(c)
		default:
			switch {
			case c > 31 && c < 128:
				w.AddCharacter(c)
			case c <= 31:
				js.writeUChar(rune(c))
			default:
				r, size := utf8.DecodeRuneInString(s[i:])
				if r == utf8.RuneError && size <= 1 {
					w.AddCharacter('?')
					break
				}
				if r > 0xFFFF {
					hi, lo := surrogates(r)
					js.writeUChar(hi)
					js.writeUChar(lo)
				} else {
					js.writeUChar(r)
				}
				i += size
				continue
			}
		}
		i++
	}
	w.AddCharacter('"')
}

func surrogates(r rune) (hi, lo rune) {
	r -= 0x10000
	return 0xD800 + (r>>10)&0x3FF, 0xDC00 + r&0x3FF
}

// WriterStream adapts an io.Writer to OutputStream. The first write error
// aborts the stream and is kept in Err.
type WriterStream struct {
	w         io.Writer
	chunkSize int
	written   int64
	ended     bool
	err       error
}

// DefaultChunkSize is the chunk size of a WriterStream created with size 0.
const DefaultChunkSize = 64 << 10

// NewWriterStream creates a stream writing to w.
func NewWriterStream(w io.Writer, chunkSize int) *WriterStream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &WriterStream{w: w, chunkSize: chunkSize}
}

func (s *WriterStream) ChunkSize() int { return s.chunkSize }

func (s *WriterStream) WriteChunk(data []byte) WriteResult {
	if s.err != nil {
		return WriteAbort
	}
	n, err := s.w.Write(data)
	s.written += int64(n)
	if err != nil {
		s.err = err
		return WriteAbort
	}
	return WriteContinue
}

func (s *WriterStream) EndOfStream() { s.ended = true }

// Err returns the first write error.
func (s *WriterStream) Err() error { return s.err }

// Written returns the number of bytes written.
func (s *WriterStream) Written() int64 { return s.written }

// Ended reports whether the whole snapshot was written.
func (s *WriterStream) Ended() bool { return s.ended }
