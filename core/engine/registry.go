package engine

import (
	"sync"

	"github.com/vesper-app/vesper/core/sshx"
)

// Registry maps endpoint ids to live authenticated sessions. Sessions are
// shared by reference with every forwarder worker under the endpoint; the
// registry holds the canonical reference.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sshx.Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*sshx.Session)}
}

// Get returns the live session for an endpoint, or nil.
func (r *Registry) Get(endpointID string) *sshx.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[endpointID]
}

// Put installs the session for an endpoint, replacing any previous entry.
func (r *Registry) Put(endpointID string, session *sshx.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[endpointID] = session
}

// Remove drops and returns the session for an endpoint, or nil.
func (r *Registry) Remove(endpointID string) *sshx.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := r.sessions[endpointID]
	delete(r.sessions, endpointID)
	return session
}

// IDs returns the endpoints that currently hold a live session.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
