// Package session tracks which authenticated identity is bound to each live
// connection and which restore tokens are still valid.
package session

import (
	"sort"
	"sync"
)

type Identity struct {
	UserID string `json:"id"`
	Login  string `json:"login"`
}

// Registry maps connection ids to identities. It is the gate every mutation
// passes through.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Identity
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Identity)}
}

// Bind attaches identity to connectionID, replacing any previous binding.
func (r *Registry) Bind(connectionID string, identity Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connectionID] = identity
}

func (r *Registry) Resolve(connectionID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.conns[connectionID]
	return identity, ok
}

// Unbind is safe to call for unknown or already unbound connections.
func (r *Registry) Unbind(connectionID string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.conns[connectionID]
	delete(r.conns, connectionID)
	return identity, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Logins returns the distinct logins currently bound, sorted.
func (r *Registry) Logins() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.conns))
	for _, identity := range r.conns {
		seen[identity.Login] = struct{}{}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for login := range seen {
		out = append(out, login)
	}
	sort.Strings(out)
	return out
}
