// Package cpuprofile folds sampled call stacks into call trees.
//
// The package is organized as follows:
//
//	codeentry.go  - CodeEntry, the symbolic identity of a piece of code
//	codemap.go    - address range index resolving program counters
//	calltree.go   - ProfileNode and ProfileTree with non-recursive traversal
//	profile.go    - CpuProfile, a pair of top-down and bottom-up trees
//	collection.go - CpuProfilesCollection, active and finished profiles
//	ratecalc.go   - SampleRateCalculator
//	generator.go  - ProfileGenerator turning TickSamples into paths
//	processor.go  - sampler and processor goroutines
//	profiler.go   - CpuProfiler, the entry point used by embedders
//	pprof.go      - export to the pprof wire format
package cpuprofile

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/vm-profiler/internal/tokens"
)

// Address is a location in the profiled program's code space.
type Address uint64

// CodeTag classifies the code an entry describes.
type CodeTag int

const (
	TagCodeCreation CodeTag = iota
	TagBuiltin
	TagCallback
	TagEval
	TagFunction
	TagLazyCompile
	TagScript
	TagRegExp
	TagStub
	TagCallIC
	TagLoadIC
	TagStoreIC
	TagKeyedLoadIC
	TagKeyedStoreIC
)

var tagNames = [...]string{
	"CodeCreation", "Builtin", "Callback", "Eval", "Function", "LazyCompile",
	"Script", "RegExp", "Stub", "CallIC", "LoadIC", "StoreIC", "KeyedLoadIC",
	"KeyedStoreIC",
}

// String returns the tag name.
func (t CodeTag) String() string {
	if t >= 0 && int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("CodeTag(%d)", int(t))
}

// NoLineNumberInfo is used when the line of a code entry is unknown.
const NoLineNumberInfo = 0

// EmptyNamePrefix is the prefix of entries that have none.
const EmptyNamePrefix = ""

// CodeEntry describes a compiled function or stub. Entries are created once
// and never change afterwards, except for the shared id which is set right
// after creation when the function has one.
type CodeEntry struct {
	tag             CodeTag
	namePrefix      string
	name            string
	resourceName    string
	lineNumber      int
	securityTokenID int
	sharedID        int
}

// NewCodeEntry creates an entry. Names must already be interned.
func NewCodeEntry(tag CodeTag, namePrefix, name, resourceName string, lineNumber, securityTokenID int) *CodeEntry {
	return &CodeEntry{
		tag:             tag,
		namePrefix:      namePrefix,
		name:            name,
		resourceName:    resourceName,
		lineNumber:      lineNumber,
		securityTokenID: securityTokenID,
	}
}

func (e *CodeEntry) Tag() CodeTag { return e.tag }
func (e *CodeEntry) NamePrefix() string { return e.namePrefix }
func (e *CodeEntry) Name() string { return e.name }
func (e *CodeEntry) ResourceName() string { return e.resourceName }
func (e *CodeEntry) LineNumber() int { return e.lineNumber }
func (e *CodeEntry) SecurityTokenID() int { return e.securityTokenID }
func (e *CodeEntry) SharedID() int { return e.sharedID }
func (e *CodeEntry) SetSharedID(id int) { e.sharedID = id }
func (e *CodeEntry) FullName() string { return e.namePrefix + e.name }

// IsJSFunction reports whether the entry is script code rather than a stub
// or builtin.
func (e *CodeEntry) IsJSFunction() bool {
	return e.tag == TagFunction || e.tag == TagLazyCompile || e.tag == TagScript
}

// CallUID folds all entries of one logical function into a single key.
// Distinct call sites may collide; IsSameAs decides.
func (e *CodeEntry) CallUID() uint64 {
	var buf [8]byte
	d := xxhash.New()
	binary.LittleEndian.PutUint64(buf[:], uint64(e.tag))
	_, _ = d.Write(buf[:])
	if e.sharedID != 0 {
		binary.LittleEndian.PutUint64(buf[:], uint64(e.sharedID))
		_, _ = d.Write(buf[:])
		return d.Sum64()
	}
	for _, s := range [...]string{e.namePrefix, e.name, e.resourceName} {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(e.lineNumber))
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// IsSameAs reports whether both entries denote the same call site.
func (e *CodeEntry) IsSameAs(other *CodeEntry) bool {
	return e == other || e.key() == other.key()
}

// callKey is the comparable form of the call identity.
type callKey struct {
	tag          CodeTag
	sharedID     int
	namePrefix   string
	name         string
	resourceName string
	lineNumber   int
}

func (e *CodeEntry) key() callKey {
	if e.sharedID != 0 {
		return callKey{tag: e.tag, sharedID: e.sharedID}
	}
	return callKey{
		tag:          e.tag,
		namePrefix:   e.namePrefix,
		name:         e.name,
		resourceName: e.resourceName,
		lineNumber:   e.lineNumber,
	}
}

// String renders the entry the way profile dumps show it.
func (e *CodeEntry) String() string {
	s := fmt.Sprintf("%s%s [%d]", e.namePrefix, e.name, e.securityTokenID)
	if e.resourceName != "" {
		s += fmt.Sprintf(" %s:%d", e.resourceName, e.lineNumber)
	}
	return s
}

// newRootEntry creates the entry of a tree root.
func newRootEntry() *CodeEntry {
	return NewCodeEntry(TagFunction, "", "(root)", "", 0, tokens.NoSecurityToken)
}
