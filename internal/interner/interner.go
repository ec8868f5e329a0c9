// Package interner keeps permanent copies of names used by profiler artifacts.
//
// Profiles and heap snapshots outlive the runtime values their names were
// taken from, so every name stored in them goes through a Storage first.
package interner

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// AnonymousFunctionName is used for functions that have no name.
const AnonymousFunctionName = "(anonymous function)"

// Storage deduplicates strings and owns their copies for its whole lifetime.
type Storage struct {
	mu    sync.RWMutex
	names map[string]string
}

// New creates an empty Storage.
func New() *Storage {
	return &Storage{names: make(map[string]string)}
}

// GetCopy returns the canonical copy of s.
func (s *Storage) GetCopy(src string) string {
	s.mu.RLock()
	name, ok := s.names[src]
	s.mu.RUnlock()
	if ok {
		return name
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.names[src]; ok {
		return name
	}
	owned := strings.Clone(src)
	s.names[owned] = owned
	return owned
}

// GetFormatted formats the arguments and returns the canonical copy of the result.
func (s *Storage) GetFormatted(format string, args ...interface{}) string {
	return s.GetCopy(fmt.Sprintf(format, args...))
}

// GetName interns a name coming from the runtime.
func (s *Storage) GetName(name string) string {
	return s.GetCopy(name)
}

// GetNameInt interns the decimal representation of index.
func (s *Storage) GetNameInt(index int) string {
	return s.GetCopy(strconv.Itoa(index))
}

// GetFunctionName interns a function name, substituting the anonymous
// function marker for empty names.
func (s *Storage) GetFunctionName(name string) string {
	if name == "" {
		return AnonymousFunctionName
	}
	return s.GetName(name)
}

// Len returns the number of distinct strings held.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.names)
}
