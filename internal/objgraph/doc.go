// Package objgraph describes a program heap in JSON or YAML and exposes it
// to the heap profiler. It stands in for a paused VM heap in the CLI, the
// web server demo mode and tests.
package objgraph

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/vm-profiler/pkg/errors"
)

// Format is the encoding of a heap description.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the format from a file extension. Anything that is
// not .yaml or .yml is read as JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Doc is a heap description.
//
//	objects:
//	  - {addr: "0x100", type: object, name: Window, size: 32,
//	     refs: [{type: property, name: document, to: "0x200"}]}
//	roots: ["0x100"]
//	globals: ["0x100"]
//
// Addresses are strings holding a decimal or 0x-prefixed number.
type Doc struct {
	Objects []ObjectDoc         `json:"objects" yaml:"objects"`
	Roots   []string            `json:"roots" yaml:"roots"`
	Globals []string            `json:"globals" yaml:"globals"`
	Natives []NativeDoc         `json:"natives" yaml:"natives"`
	Classes map[uint16]ClassDoc `json:"classes" yaml:"classes"`
}

// ObjectDoc describes one object.
type ObjectDoc struct {
	Addr    string   `json:"addr" yaml:"addr"`
	Type    string   `json:"type" yaml:"type"`
	Name    string   `json:"name" yaml:"name"`
	Size    int      `json:"size" yaml:"size"`
	ClassID uint16   `json:"class_id" yaml:"class_id"`
	Refs    []RefDoc `json:"refs" yaml:"refs"`
}

// RefDoc describes one reference. Element and hidden references use Index.
type RefDoc struct {
	Type  string `json:"type" yaml:"type"`
	Name  string `json:"name" yaml:"name"`
	Index int    `json:"index" yaml:"index"`
	To    string `json:"to" yaml:"to"`
}

// NativeDoc describes a native object and the wrappers retaining it.
// Missing counts are reported as unknown.
type NativeDoc struct {
	Label    string   `json:"label" yaml:"label"`
	Hash     uint64   `json:"hash" yaml:"hash"`
	Elements *int     `json:"elements" yaml:"elements"`
	Size     *int     `json:"size" yaml:"size"`
	Wrappers []string `json:"wrappers" yaml:"wrappers"`
}

// ClassDoc describes the native side of a wrapper class.
type ClassDoc struct {
	Label string `json:"label" yaml:"label"`
	Size  *int   `json:"size" yaml:"size"`
}

// Changes mutate a loaded heap between two snapshots.
type Changes struct {
	Moves  []MoveDoc   `json:"moves" yaml:"moves"`
	Remove []string    `json:"remove" yaml:"remove"`
	Add    []ObjectDoc `json:"add" yaml:"add"`
	// Roots, when set, replaces the root list.
	Roots []string `json:"roots" yaml:"roots"`
}

// MoveDoc is one object relocation.
type MoveDoc struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

func decode(r io.Reader, format Format, v interface{}) error {
	var err error
	switch format {
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(v)
	case FormatJSON, "":
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		err = dec.Decode(v)
	default:
		return apperrors.Newf(apperrors.CodeInvalidInput, "unsupported heap format %q", format)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeParseError, "failed to decode heap description", err)
	}
	return nil
}

// DecodeDoc reads a heap description.
func DecodeDoc(r io.Reader, format Format) (*Doc, error) {
	var doc Doc
	if err := decode(r, format, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DecodeChanges reads a change set.
func DecodeChanges(r io.Reader, format Format) (*Changes, error) {
	var ch Changes
	if err := decode(r, format, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidInput, fmt.Sprintf("bad address %q", s), err)
	}
	return v, nil
}
