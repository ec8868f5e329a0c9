// Package compression wraps readers and writers with the compression used
// for stored artifacts.
package compression

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Type represents the compression algorithm used.
type Type uint8

const (
	// TypeGzip uses gzip compression (slower but widely compatible)
	TypeGzip Type = 0
	// TypeZstd uses zstd compression (faster and better compression ratio)
	TypeZstd Type = 1
	// TypeNone represents no compression
	TypeNone Type = 255
)

// String returns the configuration name of t.
func (t Type) String() string {
	switch t {
	case TypeGzip:
		return "gzip"
	case TypeZstd:
		return "zstd"
	case TypeNone:
		return "none"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Extension returns the file suffix for artifacts compressed with t.
func (t Type) Extension() string {
	switch t {
	case TypeGzip:
		return ".gz"
	case TypeZstd:
		return ".zst"
	default:
		return ""
	}
}

// ParseType converts a configuration name to a Type.
func ParseType(name string) (Type, error) {
	switch name {
	case "gzip", "gz":
		return TypeGzip, nil
	case "zstd", "zst", "":
		return TypeZstd, nil
	case "none":
		return TypeNone, nil
	default:
		return TypeNone, fmt.Errorf("unknown compression type: %s", name)
	}
}

// Level represents the compression level.
type Level int

const (
	// LevelFastest prioritizes speed over compression ratio
	LevelFastest Level = 1
	// LevelDefault balances speed and compression ratio
	LevelDefault Level = 3
	// LevelBest prioritizes compression ratio over speed
	LevelBest Level = 9
)

func (l Level) gzip() int {
	switch l {
	case LevelFastest:
		return gzip.BestSpeed
	case LevelBest:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func (l Level) zstd() zstd.EncoderLevel {
	switch l {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewWriter returns a writer compressing into w. Close flushes the
// compressed stream but does not close w.
func NewWriter(w io.Writer, t Type, level Level) (io.WriteCloser, error) {
	switch t {
	case TypeZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level.zstd()))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	case TypeGzip:
		gz, err := gzip.NewWriterLevel(w, level.gzip())
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gz, nil
	case TypeNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}

// NewReader returns a reader decompressing r.
func NewReader(r io.Reader, t Type) (io.ReadCloser, error) {
	switch t {
	case TypeZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), nil
	case TypeGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, nil
	case TypeNone:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}

// DetectType detects the compression type from magic bytes.
// Returns TypeGzip for gzip (0x1f 0x8b), TypeZstd for zstd (0x28 0xb5 0x2f 0xfd)
// and TypeNone otherwise.
func DetectType(data []byte) Type {
	if len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd {
		return TypeZstd
	}
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		return TypeGzip
	}
	return TypeNone
}

// NewAutoReader sniffs the compression of r and returns a decompressing
// reader together with the detected type.
func NewAutoReader(r io.Reader) (io.ReadCloser, Type, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, TypeNone, fmt.Errorf("failed to read header: %w", err)
	}
	t := DetectType(magic)
	rc, err := NewReader(br, t)
	if err != nil {
		return nil, t, err
	}
	return rc, t, nil
}
