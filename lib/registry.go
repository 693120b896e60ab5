package lib

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

// Registry maps 4-tuples to connections and local endpoints to listeners.
// It has its own lock; no connection lock is ever taken while it is held.
type Registry struct {
	mu        sync.RWMutex
	conns     map[connKey]*Connection
	listeners map[netip.AddrPort]*Service
}

func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[connKey]*Connection),
		listeners: make(map[netip.AddrPort]*Service),
	}
}

func (r *Registry) lookup(key connKey) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[key]
}

// add registers c unless its 4-tuple is taken.
func (r *Registry) add(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.key]; ok {
		return errors.Wrapf(ErrAddrInUse, "connection %s", c.key)
	}
	r.conns[c.key] = c
	return nil
}

// remove deletes the entry for key if it still belongs to c.
func (r *Registry) remove(key connKey, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[key] == c {
		delete(r.conns, key)
	}
}

// listener finds the listener for a local endpoint, falling back to one
// bound to the unspecified address.
func (r *Registry) listener(local netip.AddrPort) *Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.listeners[local]; ok {
		return l
	}
	return r.listeners[netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())]
}

func (r *Registry) addListener(l *Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[l.local]; ok {
		return errors.Wrapf(ErrAddrInUse, "listen %s", l.local)
	}
	r.listeners[l.local] = l
	return nil
}

func (r *Registry) removeListener(l *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners[l.local] == l {
		delete(r.listeners, l.local)
	}
}

// inUse reports whether any connection or listener holds the local port.
func (r *Registry) inUse(local netip.AddrPort) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.listeners[local]; ok {
		return true
	}
	if _, ok := r.listeners[netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())]; ok {
		return true
	}
	for k := range r.conns {
		if k.local == local {
			return true
		}
	}
	return false
}

// connections returns a snapshot of all registered connections.
func (r *Registry) connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) listenerList() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
