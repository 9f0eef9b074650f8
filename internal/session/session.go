// Package session implements the session registry: the top-level
// container that owns a workspace's nodes and lets the daemon look a
// session up by id. Graphs and workflows are not stored in a Session.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nervehq/nerve/internal/node"
	"github.com/nervehq/nerve/internal/validation"
)

// Session is a named workspace: a bag of registered nodes sharing one
// workspace root.
type Session struct {
	ID            string
	WorkspaceRoot string
	CreatedAt     time.Time
	LastActiveAt  time.Time

	mu    sync.RWMutex
	nodes map[string]node.Node
}

// New constructs a Session with a freshly generated id.
func New(workspaceRoot string) *Session {
	now := time.Now()
	return &Session{
		ID:            uuid.NewString(),
		WorkspaceRoot: workspaceRoot,
		CreatedAt:     now,
		LastActiveAt:  now,
		nodes:         map[string]node.Node{},
	}
}

// Touch marks the session as active now, used by idle-GC bookkeeping.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}

// IdleSince reports how long the session has been inactive.
func (s *Session) IdleSince() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.LastActiveAt)
}

// RegisterNode adds n to the session's node registry, rejecting a
// duplicate id.
func (s *Session) RegisterNode(n node.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[n.ID()]; exists {
		return fmt.Errorf("node %q is already registered", n.ID())
	}
	s.nodes[n.ID()] = n
	return nil
}

// GetNode returns the node with the given id, if registered.
func (s *Session) GetNode(id string) (node.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// RemoveNode stops and unregisters the node with the given id.
func (s *Session) RemoveNode(id string) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if ok {
		delete(s.nodes, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("node %q not found", id)
	}
	return n.Stop()
}

// ListNodes returns the ids of every registered node.
func (s *Session) ListNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	return ids
}

// PersistentNodes returns every registered node that reports itself
// persistent, the set collect_persistent_nodes() gathers so a graph's
// teardown can stop only the resources it owns.
func (s *Session) PersistentNodes() []node.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []node.Node
	for _, n := range s.nodes {
		if p, ok := n.(node.Persistent); ok && p.IsPersistent() {
			out = append(out, n)
		}
	}
	return out
}

// Close stops every registered node, collecting the first error.
func (s *Session) Close() error {
	s.mu.Lock()
	nodes := make([]node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.nodes = map[string]node.Node{}
	s.mu.Unlock()

	var firstErr error
	for _, n := range nodes {
		if err := n.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Registry owns every live Session, keyed by id, and is what the daemon
// command plane routes CREATE_SESSION/RUN_GRAPH/etc. commands through.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// Create builds and registers a new Session for workspaceRoot.
func (r *Registry) Create(workspaceRoot string) *Session {
	s := New(workspaceRoot)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	if err := validation.ValidateID(id, "session"); err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Delete closes and removes the session with the given id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %q not found", id)
	}
	return s.Close()
}

// List returns the ids of every live session.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// GC closes and removes every session idle longer than threshold.
func (r *Registry) GC(threshold time.Duration) []string {
	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if s.IdleSince() > threshold {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	removed := make([]string, 0, len(stale))
	for _, s := range stale {
		_ = s.Close()
		removed = append(removed, s.ID)
	}
	return removed
}
