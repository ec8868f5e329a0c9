// Package tokens assigns small integer ids to security context tokens.
//
// A token is an opaque pointer owned by the embedder. The enumerator never
// keeps a token alive: once the garbage collector reclaims it, the slot is
// marked removed and will not match again.
package tokens

import (
	"runtime"
	"sync"
	"weak"
)

const (
	// NoSecurityToken marks code that does not belong to any context.
	NoSecurityToken = -1
	// InheritsSecurityToken marks code that takes the token of its caller.
	InheritsSecurityToken = -2
)

// Context is a security context as seen by the profilers. Only its address
// matters; Name is kept for diagnostics.
type Context struct {
	Name string
}

type slot[T any] struct {
	ptr     weak.Pointer[T]
	removed bool
}

// Enumerator maps tokens to dense ids. Ids are never reused.
type Enumerator[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
}

// NewEnumerator creates an empty Enumerator.
func NewEnumerator[T any]() *Enumerator[T] {
	return &Enumerator[T]{slots: make([]slot[T], 0, 4)}
}

// GetTokenID returns the id of token, allocating a new one on first sight.
// A nil token yields NoSecurityToken.
func (e *Enumerator[T]) GetTokenID(token *T) int {
	if token == nil {
		return NoSecurityToken
	}
	wp := weak.Make(token)

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.slots {
		if !e.slots[i].removed && e.slots[i].ptr == wp {
			return i
		}
	}
	e.slots = append(e.slots, slot[T]{ptr: wp})
	id := len(e.slots) - 1
	runtime.AddCleanup(token, e.TokenRemoved, id)
	return id
}

// TokenRemoved marks the slot as dead. Called by the runtime when the token
// is collected, or by the embedder when a context is torn down.
func (e *Enumerator[T]) TokenRemoved(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id >= 0 && id < len(e.slots) {
		e.slots[id].removed = true
	}
}

// IsRemoved reports whether the slot has been released.
func (e *Enumerator[T]) IsRemoved(id int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || id >= len(e.slots) {
		return false
	}
	return e.slots[id].removed
}

// Len returns the number of slots ever allocated.
func (e *Enumerator[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.slots)
}
