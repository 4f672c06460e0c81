// Package proxy implements stateful SIP request forwarding (RFC 3261 §16),
// used to build a B2BUA or an outbound/registrar proxy in front of a
// dialplan, with a pluggable Registry/Forward pair any Dialplan handler
// can call.
package proxy

import "sync"

// Registry maps an address-of-record user part to the contact address a
// REGISTER bound it to, the lookup table Forward consults to route
// requests that are not already addressed to a fixed destination.
type Registry struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewRegistry returns an empty binding table.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]string)}
}

// Bind records that user now resolves to addr (host:port).
func (r *Registry) Bind(user, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[user] = addr
}

// Unbind removes user's binding, e.g. on Expires: 0.
func (r *Registry) Unbind(user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, user)
}

// Lookup resolves user to its bound address, if any.
func (r *Registry) Lookup(user string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.m[user]
	return addr, ok
}
