// Package writer encodes report data, such as flame graphs, as plain or
// compressed JSON.
package writer

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/vm-profiler/pkg/compression"
)

// JSONWriter writes one JSON document per call.
type JSONWriter[T any] struct{}

func NewJSONWriter[T any]() *JSONWriter[T] {
	return &JSONWriter[T]{}
}

func (*JSONWriter[T]) Write(data T, w io.Writer) error {
	return json.NewEncoder(w).Encode(data)
}

// CompressedWriter writes JSON through a compressor.
type CompressedWriter[T any] struct {
	Type  compression.Type
	Level compression.Level
}

func NewGzipWriter[T any]() *CompressedWriter[T] {
	return NewCompressedWriter[T](compression.TypeGzip, compression.LevelDefault)
}

func NewCompressedWriter[T any](t compression.Type, level compression.Level) *CompressedWriter[T] {
	return &CompressedWriter[T]{Type: t, Level: level}
}

// Write encodes data and closes the compressor, not w.
func (c *CompressedWriter[T]) Write(data T, w io.Writer) error {
	zw, err := compression.NewWriter(w, c.Type, c.Level)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(zw).Encode(data); err != nil {
		zw.Close()
		return fmt.Errorf("encode %s JSON: %w", c.Type, err)
	}
	return zw.Close()
}
