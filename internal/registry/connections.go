// Package registry holds the two shared, mutex-protected sets described in
// spec.md §3/§6: the live connections registry (keyed by transport handle,
// looked up by analyzer id) and the reverse-relay registry boundary.
package registry

import (
	"errors"
	"sync"
)

// ErrNoSuchAnalyzer is returned by WithConnection when no live connection's
// AnalyzerID matches the requested id.
var ErrNoSuchAnalyzer = errors.New("registry: no such analyzer")

// Member is the subset of connection state the registry needs to route by
// identity. internal/sensor.Connection implements this.
type Member interface {
	AnalyzerID() (id uint64, known bool)
}

// Connections is the global connections set: a set of Members keyed by an
// opaque, comparable transport handle, with id lookup by linear scan
// (explicitly acceptable per spec.md §3 — size is operator-scale). A single
// mutex guards all mutation, traversal for routing, and removal.
type Connections struct {
	mu      sync.Mutex
	members map[any]Member
}

// NewConnections returns an empty registry.
func NewConnections() *Connections {
	return &Connections{members: make(map[any]Member)}
}

// Add registers handle -> m. Re-adding the same handle replaces the member.
func (c *Connections) Add(handle any, m Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[handle] = m
}

// Remove deregisters handle. Idempotent: removing an absent handle is a no-op.
func (c *Connections) Remove(handle any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, handle)
}

// Contains reports whether handle is currently registered.
func (c *Connections) Contains(handle any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[handle]
	return ok
}

// Count returns the number of registered members (diagnostics only).
func (c *Connections) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// WithConnection locates the member whose AnalyzerID equals id and, while
// still holding the registry mutex, invokes fn on it. The router's
// forward_message_to_analyzerid performs its lookup, recipient-side
// permission check, write attempt, and outbound-queue append inside fn, so
// a concurrent Remove of the destination cannot race the forwarding write
// (see spec.md §4.4.4, §5, §9). If no member matches, ErrNoSuchAnalyzer is
// returned and fn is not called.
func (c *Connections) WithConnection(id uint64, fn func(m Member) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.members {
		got, known := m.AnalyzerID()
		if known && got == id {
			return fn(m)
		}
	}
	return ErrNoSuchAnalyzer
}
