package flamegraph

import (
	"bufio"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vm-profiler/pkg/compression"
	"github.com/vm-profiler/pkg/writer"
)

// Writer renders a flame graph.
type Writer interface {
	Write(fg *FlameGraph, w io.Writer) error
}

// JSONWriter writes the graph as JSON, the format of the web UI.
type JSONWriter = writer.JSONWriter[*FlameGraph]

func NewJSONWriter() *JSONWriter {
	return writer.NewJSONWriter[*FlameGraph]()
}

// GzipWriter writes gzipped JSON.
type GzipWriter = writer.CompressedWriter[*FlameGraph]

func NewGzipWriter() *GzipWriter {
	return writer.NewGzipWriter[*FlameGraph]()
}

// FoldedWriter writes one "frame;frame;frame self" line per frame with
// self samples, frames as "function(resource)". The output parses back
// with the collapsed stack reader.
type FoldedWriter struct{}

func NewFoldedWriter() *FoldedWriter {
	return &FoldedWriter{}
}

func (FoldedWriter) Write(fg *FlameGraph, out io.Writer) error {
	bw := bufio.NewWriter(out)
	var path []string
	var walk func(n *Node)
	walk = func(n *Node) {
		frame := n.Func
		if n.Module != "" {
			frame += "(" + n.Module + ")"
		}
		path = append(path, frame)
		if n.Self > 0 {
			bw.WriteString(strings.Join(path, ";"))
			bw.WriteByte(' ')
			bw.WriteString(strconv.FormatInt(n.Self, 10))
			bw.WriteByte('\n')
		}
		for _, c := range n.Children {
			walk(c)
		}
		path = path[:len(path)-1]
	}
	for _, c := range fg.Root.Children {
		walk(c)
	}
	return bw.Flush()
}

// WriterFor picks the writer matching the extension of path: folded
// stacks for .folded and .collapsed, compressed JSON for .gz and .zst,
// JSON otherwise.
func WriterFor(path string) Writer {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".folded", ".collapsed":
		return NewFoldedWriter()
	case ".gz":
		return NewGzipWriter()
	case ".zst":
		return writer.NewCompressedWriter[*FlameGraph](compression.TypeZstd, compression.LevelDefault)
	default:
		return NewJSONWriter()
	}
}
