package agent

import (
	"sync"

	"github.com/cgsuite/research-bridge/internal/adapter"
	"github.com/chromedp/cdproto/target"
)

// Registry tracks one session per tracked tab.
type Registry struct {
	page     PageDriver
	adapters *adapter.Registry

	mu       sync.Mutex
	sessions map[target.ID]*Session
}

func NewRegistry(page PageDriver, adapters *adapter.Registry) *Registry {
	return &Registry{
		page:     page,
		adapters: adapters,
		sessions: make(map[target.ID]*Session),
	}
}

// Session returns the tab's session, creating it on first use.
func (r *Registry) Session(id target.ID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = NewSession(id, r.page, r.adapters)
		r.sessions[id] = s
	}
	return s
}

// Lookup returns the session only if the tab is already tracked.
func (r *Registry) Lookup(id target.ID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops a closed tab's session.
func (r *Registry) Remove(id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
