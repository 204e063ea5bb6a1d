package ws

import "sync"

// Sender abstracts a live client connection.
type Sender interface {
	Send([]byte) error
	Open() bool
	Close()
}

// Registry maps normalized usernames to their live connection. It is
// the single source of truth for whether a user is currently reachable.
// All methods are safe for concurrent use; the lock is never held
// across I/O.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Sender
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Sender)}
}

// Bind associates identity with conn, silently displacing any prior
// binding for the same identity. The displaced connection stays open
// but becomes unreachable under that identity.
func (r *Registry) Bind(identity string, conn Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[identity] = conn
}

// Lookup returns the bound connection, if any. It does not verify
// transport liveness; callers check Open before sending.
func (r *Registry) Lookup(identity string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.bindings[identity]
	return conn, ok
}

// Unbind removes the binding owned by conn, located by handle equality
// because a close event only reveals the handle. A binding that was
// since overwritten by a different connection is left alone. Returns
// the identity that was removed, or "" when none matched.
func (r *Registry) Unbind(conn Sender) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for identity, bound := range r.bindings {
		if bound == conn {
			delete(r.bindings, identity)
			return identity
		}
	}
	return ""
}

// Len reports the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
