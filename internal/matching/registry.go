package matching

import "time"

// Registry tracks every currently connected identity. It is not safe for
// concurrent use on its own; the Engine serializes access.
type Registry struct {
	conns map[Identity]time.Time // identity -> connected at
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[Identity]time.Time)}
}

// Register adds id. It returns false if id was already registered, in which
// case the original connect time is kept.
func (r *Registry) Register(id Identity, at time.Time) bool {
	if _, ok := r.conns[id]; ok {
		return false
	}
	r.conns[id] = at
	return true
}

// Unregister removes id. It returns false if id was not registered.
func (r *Registry) Unregister(id Identity) bool {
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// IsConnected reports whether id is registered.
func (r *Registry) IsConnected(id Identity) bool {
	_, ok := r.conns[id]
	return ok
}

// Count returns the number of registered identities.
func (r *Registry) Count() int {
	return len(r.conns)
}

// Identities returns a snapshot of all registered identities in no
// particular order.
func (r *Registry) Identities() []Identity {
	ids := make([]Identity, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}
